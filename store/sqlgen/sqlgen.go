// Package sqlgen builds the collection scan statements shared by the
// relational engines.
package sqlgen

import (
	"fmt"
	"strings"

	"github.com/breez/sync-storage/store"
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// Builder accumulates positional arguments for one statement.
type Builder struct {
	dialect Dialect
	args    []any
}

func New(d Dialect) *Builder {
	return &Builder{dialect: d}
}

// Arg records v and returns its placeholder.
func (b *Builder) Arg(v any) string {
	b.args = append(b.args, v)
	if b.dialect == Postgres {
		return fmt.Sprintf("$%d", len(b.args))
	}
	return "?"
}

// In records every value and returns a parenthesised placeholder list.
func (b *Builder) In(values []string) string {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = b.Arg(v)
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

func (b *Builder) Args() []any {
	return b.args
}

const bsoColumns = "id, sortindex, payload, modified, expiry"

// Scan returns the SELECT statement for q over one collection.
func Scan(d Dialect, userID string, collectionID int64, q store.Query) (string, []any) {
	b := New(d)
	where := []string{
		"user_id = " + b.Arg(userID),
		"collection_id = " + b.Arg(collectionID),
	}
	if q.Newer != 0 {
		where = append(where, "modified > "+b.Arg(int64(q.Newer)))
	}
	if q.Older != 0 {
		where = append(where, "modified < "+b.Arg(int64(q.Older)))
	}
	if q.Visible != 0 {
		where = append(where, "modified <= "+b.Arg(int64(q.Visible)))
	}
	if q.Now != 0 {
		where = append(where, "(expiry = 0 OR expiry > "+b.Arg(q.Now)+")")
	}
	if len(q.IDs) > 0 {
		where = append(where, "id IN "+b.In(q.IDs))
	}
	if q.After != nil {
		where = append(where, after(b, q.Sort, q.After))
	}

	var order string
	switch q.Sort {
	case store.SortOldest:
		order = "modified ASC, id ASC"
	case store.SortIndex:
		order = "sortindex DESC NULLS LAST, id ASC"
	default:
		order = "modified DESC, id ASC"
	}

	stmt := "SELECT " + bsoColumns + " FROM bsos WHERE " + strings.Join(where, " AND ") + " ORDER BY " + order
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return stmt, b.Args()
}

func after(b *Builder, sorting store.Sorting, c *store.Cursor) string {
	switch sorting {
	case store.SortOldest:
		m := int64(c.Modified)
		return fmt.Sprintf("(modified > %s OR (modified = %s AND id > %s))", b.Arg(m), b.Arg(m), b.Arg(c.ID))
	case store.SortIndex:
		if c.SortIndex == nil {
			return fmt.Sprintf("(sortindex IS NULL AND id > %s)", b.Arg(c.ID))
		}
		s := *c.SortIndex
		return fmt.Sprintf("(sortindex < %s OR (sortindex = %s AND id > %s) OR sortindex IS NULL)", b.Arg(s), b.Arg(s), b.Arg(c.ID))
	default:
		m := int64(c.Modified)
		return fmt.Sprintf("(modified < %s OR (modified = %s AND id > %s))", b.Arg(m), b.Arg(m), b.Arg(c.ID))
	}
}

// Chunks splits ids into slices of at most n elements, keeping statements
// under the engines' parameter limits.
func Chunks(ids []string, n int) [][]string {
	var out [][]string
	for len(ids) > n {
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
