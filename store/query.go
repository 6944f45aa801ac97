package store

import (
	"sort"
	"strings"
)

type Sorting int

const (
	SortNewest Sorting = iota
	SortOldest
	SortIndex
)

func (s Sorting) String() string {
	switch s {
	case SortNewest:
		return "newest"
	case SortOldest:
		return "oldest"
	case SortIndex:
		return "index"
	default:
		return "unknown"
	}
}

// Cursor is the sort key of the last row of a page. Scan resumes strictly
// after it.
type Cursor struct {
	Modified  Stamp
	SortIndex *int64
	ID        string
}

func CursorOf(b BSO) *Cursor {
	return &Cursor{Modified: b.Modified, SortIndex: b.SortIndex, ID: b.ID}
}

// Query filters a collection scan. Zero values disable a filter.
type Query struct {
	// Newer keeps rows with modified > Newer.
	Newer Stamp
	// Older keeps rows with modified < Older.
	Older Stamp
	// Visible keeps rows with modified <= Visible.
	Visible Stamp
	IDs     []string
	// Now drops rows expired at Now (ms since epoch).
	Now   int64
	Sort  Sorting
	After *Cursor
	Limit int
}

// Match reports whether b passes every filter of q except the cursor.
func (q Query) Match(b BSO) bool {
	if q.Newer != 0 && b.Modified <= q.Newer {
		return false
	}
	if q.Older != 0 && b.Modified >= q.Older {
		return false
	}
	if q.Visible != 0 && b.Modified > q.Visible {
		return false
	}
	if q.Now != 0 && b.Expired(q.Now) {
		return false
	}
	if len(q.IDs) > 0 {
		found := false
		for _, id := range q.IDs {
			if id == b.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Less orders two rows according to sorting. Ties are broken by id.
func Less(sorting Sorting, a, b BSO) bool {
	switch sorting {
	case SortOldest:
		if a.Modified != b.Modified {
			return a.Modified < b.Modified
		}
	case SortIndex:
		switch {
		case a.SortIndex != nil && b.SortIndex == nil:
			return true
		case a.SortIndex == nil && b.SortIndex != nil:
			return false
		case a.SortIndex != nil && *a.SortIndex != *b.SortIndex:
			return *a.SortIndex > *b.SortIndex
		}
	default:
		if a.Modified != b.Modified {
			return a.Modified > b.Modified
		}
	}
	return strings.Compare(a.ID, b.ID) < 0
}

// After reports whether b sorts strictly after the cursor c.
func (c *Cursor) After(sorting Sorting, b BSO) bool {
	if c == nil {
		return true
	}
	return Less(sorting, BSO{ID: c.ID, Modified: c.Modified, SortIndex: c.SortIndex}, b)
}

// Apply filters, orders and truncates rows in memory. It is used by engines
// without a query language.
func (q Query) Apply(rows []BSO) []BSO {
	out := make([]BSO, 0, len(rows))
	for _, b := range rows {
		if q.Match(b) && q.After.After(q.Sort, b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return Less(q.Sort, out[i], out[j])
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
