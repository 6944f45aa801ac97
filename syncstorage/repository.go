package syncstorage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/breez/sync-storage/store"
)

// BSOInput is a client write. Nil fields keep the stored value of an
// existing record, or the default for a new one.
type BSOInput struct {
	ID        string
	Payload   *string
	SortIndex *int64
	// TTL is the lifetime in seconds counted from the commit stamp.
	TTL *int64
}

type Precondition struct {
	// IfUnmodifiedSince fails the write when the collection was modified
	// after this stamp. Zero disables the check.
	IfUnmodifiedSince store.Stamp
	// IfNotExists fails the write when any target record exists.
	IfNotExists bool
}

// ConflictPolicy decides what happens to a write without a precondition
// whose commit lost a race against another writer.
type ConflictPolicy int

const (
	// LastWriteWins re-runs the write on top of the winner.
	LastWriteWins ConflictPolicy = iota
	// RejectConflicts fails with PreconditionFailed when the winner touched
	// any of the same records.
	RejectConflicts
)

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "lww":
		return LastWriteWins, nil
	case "reject":
		return RejectConflicts, nil
	}
	return 0, fmt.Errorf("unknown conflict policy %q", s)
}

func (p ConflictPolicy) String() string {
	if p == RejectConflicts {
		return "reject"
	}
	return "lww"
}

// errUnchanged is returned by a change builder when there is nothing to
// commit. The write then reports the current stamp.
var errUnchanged = errors.New("unchanged")

// change is one collection mutation run by the commit loop.
type change struct {
	// ids are the records read before build is called.
	ids   []string
	all   bool
	// batch is the staged batch dropped by the commit, nil for plain writes.
	batch *store.Batch
	pre   Precondition
	// lww ignores the repository conflict policy.
	lww   bool
	build func(head store.Collection, existing map[string]store.BSO, stamp store.Stamp, now int64) (store.Collection, store.Mutation, error)
}

// Repository reads and writes the records of a collection. Every write is
// a compare-and-retry loop against the collection head.
type Repository struct {
	driver         store.SyncStorage
	collections    *Collections
	clock          *Clock
	quota          *Quota
	retry          RetryPolicy
	policy         ConflictPolicy
	commitAttempts int
	pageSize       int
	logger         *slog.Logger
}

func (r *Repository) commit(ctx context.Context, userID string, collectionID int64, c change) (store.Stamp, error) {
	b := commitBackOff(ctx)
	var last store.Stamp
	for attempt := 0; attempt < r.commitAttempts; attempt++ {
		head, err := r.collections.Head(ctx, userID, collectionID)
		if err != nil {
			return 0, err
		}
		if attempt > 0 {
			if err := r.clock.Observe(last, head.Modified); err != nil {
				return 0, err
			}
		}
		if c.pre.IfUnmodifiedSince != 0 && head.Modified > c.pre.IfUnmodifiedSince {
			return 0, preconditionFailed(head.Modified)
		}

		existing := make(map[string]store.BSO, len(c.ids))
		if len(c.ids) > 0 && head.Modified != 0 {
			rows, err := read(ctx, r.retry, r.logger, "get_bsos", func() ([]store.BSO, error) {
				return r.driver.GetBSOs(ctx, userID, collectionID, c.ids)
			})
			if err != nil {
				return 0, err
			}
			for _, row := range rows {
				existing[row.ID] = row
			}
		}

		now := int64(r.clock.Now())
		if c.pre.IfNotExists {
			for _, row := range existing {
				if !row.Expired(now) {
					return 0, preconditionFailed(head.Modified)
				}
			}
		}
		if attempt > 0 && !c.lww && r.policy == RejectConflicts {
			if c.all {
				return 0, preconditionFailed(head.Modified)
			}
			for _, row := range existing {
				if row.Modified > last {
					return 0, preconditionFailed(head.Modified)
				}
			}
		}

		stamp := r.clock.Next(head.Modified)
		next, m, err := c.build(head, existing, stamp, now)
		if errors.Is(err, errUnchanged) {
			return head.Modified, nil
		}
		if err != nil {
			return 0, err
		}
		next.ID = collectionID
		if c.batch != nil {
			m.Batch, m.BatchVersion = c.batch.ID, c.batch.Version
		}

		delta := next.Bytes - head.Bytes
		if err := r.quota.Check(ctx, userID, delta); err != nil {
			return 0, err
		}

		err = r.driver.Commit(ctx, userID, head.Modified, next, m)
		if err == nil {
			r.quota.Add(userID, delta)
			return stamp, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return 0, err
		}
		r.logger.Debug("commit conflict", "user", userID, "collection", collectionID, "expected", head.Modified, "attempt", attempt+1)
		last = head.Modified
		if err := sleep(ctx, b); err != nil {
			return 0, err
		}
	}
	return 0, newError(KindBackendUnavailable, "collection %d still contended after %d attempts", collectionID, r.commitAttempts)
}

// Get returns one live record.
func (r *Repository) Get(ctx context.Context, userID string, collectionID int64, id string) (store.BSO, error) {
	b, err := read(ctx, r.retry, r.logger, "get_bso", func() (store.BSO, error) {
		return r.driver.GetBSO(ctx, userID, collectionID, id)
	})
	if err != nil {
		return store.BSO{}, err
	}
	if b.Expired(int64(r.clock.Now())) {
		return store.BSO{}, store.ErrNotFound
	}
	// The head is read after the record, so it can only be newer.
	head, err := r.collections.Head(ctx, userID, collectionID)
	if err != nil {
		return store.BSO{}, err
	}
	if err := r.clock.Check(head.Modified, b); err != nil {
		return store.BSO{}, err
	}
	return b, nil
}

// Iter yields the live records matching q. Unless q.Visible is set, the
// head stamp is read once up front and caps what is returned, so records
// committed during the scan never show up next to a stamp that does not
// cover them.
func (r *Repository) Iter(ctx context.Context, userID string, collectionID int64, q store.Query) iter.Seq2[store.BSO, error] {
	return func(yield func(store.BSO, error) bool) {
		if q.Visible == 0 {
			head, err := r.collections.Head(ctx, userID, collectionID)
			if err != nil {
				yield(store.BSO{}, err)
				return
			}
			if head.Modified == 0 {
				return
			}
			q.Visible = head.Modified
		}
		q.Now = int64(r.clock.Now())
		remaining := q.Limit
		for {
			page := q
			page.Limit = r.pageSize
			if remaining > 0 && remaining < page.Limit {
				page.Limit = remaining
			}
			rows, err := read(ctx, r.retry, r.logger, "scan", func() ([]store.BSO, error) {
				return r.driver.Scan(ctx, userID, collectionID, page)
			})
			if err != nil {
				yield(store.BSO{}, err)
				return
			}
			for _, b := range rows {
				if !yield(b, nil) {
					return
				}
			}
			if remaining > 0 {
				if remaining -= len(rows); remaining <= 0 {
					return
				}
			}
			if len(rows) < page.Limit {
				return
			}
			q.After = store.CursorOf(rows[len(rows)-1])
		}
	}
}

func (r *Repository) Put(ctx context.Context, userID string, collectionID int64, in BSOInput, pre Precondition) (store.Stamp, error) {
	return r.PutBatch(ctx, userID, collectionID, []BSOInput{in}, pre, nil)
}

// PutBatch writes every input in one commit, all rows share the stamp. A
// non nil staged batch is dropped in the same commit, which fails unless
// the batch is still at the version it was read at.
func (r *Repository) PutBatch(ctx context.Context, userID string, collectionID int64, inputs []BSOInput, pre Precondition, staged *store.Batch) (store.Stamp, error) {
	ids := make([]string, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if !seen[in.ID] {
			seen[in.ID] = true
			ids = append(ids, in.ID)
		}
	}
	return r.commit(ctx, userID, collectionID, change{
		ids:   ids,
		batch: staged,
		pre:   pre,
		build: func(head store.Collection, existing map[string]store.BSO, stamp store.Stamp, now int64) (store.Collection, store.Mutation, error) {
			rows, countDelta, bytesDelta := mergeInputs(inputs, ids, existing, stamp, now)
			return Touch(head, stamp, countDelta, bytesDelta), store.Mutation{Put: rows}, nil
		},
	})
}

// mergeInputs applies inputs on top of the existing rows. Later inputs for
// the same id apply on top of earlier ones.
func mergeInputs(inputs []BSOInput, ids []string, existing map[string]store.BSO, stamp store.Stamp, now int64) ([]store.BSO, int64, int64) {
	var countDelta, bytesDelta int64
	merged := make(map[string]store.BSO, len(ids))
	for _, in := range inputs {
		old, live := merged[in.ID]
		if !live {
			stored, present := existing[in.ID]
			if present {
				bytesDelta -= int64(len(stored.Payload))
			} else {
				countDelta++
			}
			old, live = stored, present && !stored.Expired(now)
		}

		b := store.BSO{ID: in.ID, Modified: stamp}
		if live {
			b.SortIndex, b.Payload, b.Expiry = old.SortIndex, old.Payload, old.Expiry
			if in.Payload == nil && in.SortIndex == nil && in.TTL != nil {
				b.Modified = old.Modified
			}
		}
		if in.Payload != nil {
			b.Payload = *in.Payload
		}
		if in.SortIndex != nil {
			v := *in.SortIndex
			b.SortIndex = &v
		}
		if in.TTL != nil {
			b.Expiry = int64(stamp) + *in.TTL*1000
		}
		merged[in.ID] = b
	}

	rows := make([]store.BSO, 0, len(ids))
	for _, id := range ids {
		b := merged[id]
		bytesDelta += int64(len(b.Payload))
		rows = append(rows, b)
	}
	return rows, countDelta, bytesDelta
}

// Delete removes ids from the collection and reports how many existed.
// Unknown and expired ids are ignored and a delete that removes nothing
// does not move the stamp. Expired rows are left to the reaper.
func (r *Repository) Delete(ctx context.Context, userID string, collectionID int64, ids []string, pre Precondition) (store.Stamp, int, error) {
	removed := 0
	stamp, err := r.commit(ctx, userID, collectionID, change{
		ids: ids,
		pre: pre,
		build: func(head store.Collection, existing map[string]store.BSO, stamp store.Stamp, now int64) (store.Collection, store.Mutation, error) {
			var m store.Mutation
			var bytesDelta int64
			for _, id := range ids {
				if b, ok := existing[id]; ok && !b.Expired(now) {
					m.Delete = append(m.Delete, id)
					bytesDelta -= int64(len(b.Payload))
					delete(existing, id)
				}
			}
			removed = len(m.Delete)
			if removed == 0 {
				return head, m, errUnchanged
			}
			return Touch(head, stamp, -int64(removed), bytesDelta), m, nil
		},
	})
	if err != nil {
		return 0, 0, err
	}
	return stamp, removed, nil
}

// DeleteAll empties the collection. The head row is kept so the next write
// continues its stamp lineage.
func (r *Repository) DeleteAll(ctx context.Context, userID string, collectionID int64, pre Precondition) (store.Stamp, error) {
	return r.commit(ctx, userID, collectionID, change{
		all: true,
		pre: pre,
		build: func(head store.Collection, _ map[string]store.BSO, stamp store.Stamp, _ int64) (store.Collection, store.Mutation, error) {
			if !head.Exists() {
				return head, store.Mutation{}, store.ErrNotFound
			}
			return store.Collection{Modified: stamp}, store.Mutation{DeleteAll: true}, nil
		},
	})
}

// Purge removes the ids whose stored expiry is still at or before cutoff and
// returns how many were removed. Records extended since they were selected
// are left alone.
func (r *Repository) Purge(ctx context.Context, userID string, collectionID int64, ids []string, cutoff int64) (int, error) {
	removed := 0
	_, err := r.commit(ctx, userID, collectionID, change{
		ids: ids,
		lww: true,
		build: func(head store.Collection, existing map[string]store.BSO, stamp store.Stamp, _ int64) (store.Collection, store.Mutation, error) {
			var m store.Mutation
			var bytesDelta int64
			for _, id := range ids {
				b, ok := existing[id]
				if ok && b.Expiry != 0 && b.Expiry <= cutoff {
					m.Delete = append(m.Delete, id)
					bytesDelta -= int64(len(b.Payload))
					delete(existing, id)
				}
			}
			removed = len(m.Delete)
			if removed == 0 {
				return head, m, errUnchanged
			}
			return Touch(head, stamp, -int64(removed), bytesDelta), m, nil
		},
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// DeleteUser removes all data of the user and moves every head past the
// newest stamp of the user.
func (r *Repository) DeleteUser(ctx context.Context, userID string) (store.Stamp, error) {
	b := commitBackOff(ctx)
	for attempt := 0; attempt < r.commitAttempts; attempt++ {
		heads, err := r.collections.List(ctx, userID)
		if err != nil {
			return 0, err
		}
		var latest store.Stamp
		for _, h := range heads {
			latest = max(latest, h.Modified)
		}
		stamp := r.clock.Next(latest)
		err = r.driver.DeleteUser(ctx, userID, stamp)
		if err == nil {
			r.quota.Forget(userID)
			return stamp, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return 0, err
		}
		if err := sleep(ctx, b); err != nil {
			return 0, err
		}
	}
	return 0, newError(KindBackendUnavailable, "user still contended after %d attempts", r.commitAttempts)
}
