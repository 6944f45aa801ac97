package syncstorage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breez/sync-storage/store"
	"golang.org/x/sync/singleflight"
)

type QuotaConfig struct {
	// Limit is the per user byte limit, 0 disables enforcement.
	Limit int64
	// ReconcileWrites and ReconcileInterval bound how stale a cached total
	// may get before it is recomputed from the stored records.
	ReconcileWrites   int64
	ReconcileInterval time.Duration
}

type usageEntry struct {
	total    atomic.Int64
	writes   atomic.Int64
	loadedAt atomic.Int64 // unix nanoseconds
}

// Quota keeps an approximate running byte total per user. Totals are only
// ever adjusted atomically and are allowed to drift between reconciliations.
type Quota struct {
	driver store.SyncStorage
	config QuotaConfig
	retry  RetryPolicy
	now    func() time.Time
	logger *slog.Logger

	entries sync.Map // user id -> *usageEntry
	loads   singleflight.Group
}

func NewQuota(driver store.SyncStorage, config QuotaConfig, retry RetryPolicy, now func() time.Time, logger *slog.Logger) *Quota {
	return &Quota{driver: driver, config: config, retry: retry, now: now, logger: logger}
}

func (q *Quota) Limit() int64 {
	return q.config.Limit
}

// load returns the cached entry of the user, computing it from the
// collection byte counters on first use.
func (q *Quota) load(ctx context.Context, userID string) (*usageEntry, error) {
	if e, ok := q.entries.Load(userID); ok {
		return e.(*usageEntry), nil
	}
	v, err, _ := q.loads.Do("load:"+userID, func() (any, error) {
		if e, ok := q.entries.Load(userID); ok {
			return e, nil
		}
		heads, err := read(ctx, q.retry, q.logger, "list_collections", func() ([]store.Collection, error) {
			return q.driver.ListCollections(ctx, userID)
		})
		if err != nil {
			return nil, err
		}
		var total int64
		for _, h := range heads {
			total += h.Bytes
		}
		e := &usageEntry{}
		e.total.Store(total)
		e.loadedAt.Store(q.now().UnixNano())
		actual, _ := q.entries.LoadOrStore(userID, e)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*usageEntry), nil
}

func (q *Quota) stale(e *usageEntry) bool {
	if q.config.ReconcileWrites > 0 && e.writes.Load() >= q.config.ReconcileWrites {
		return true
	}
	age := q.now().Sub(time.Unix(0, e.loadedAt.Load()))
	return q.config.ReconcileInterval > 0 && age >= q.config.ReconcileInterval
}

// Check fails with QuotaExceeded when adding delta bytes would take the user
// over the limit. A cached total that would reject is refreshed once first.
func (q *Quota) Check(ctx context.Context, userID string, delta int64) error {
	if q.config.Limit <= 0 || delta <= 0 {
		return nil
	}
	e, err := q.load(ctx, userID)
	if err != nil {
		return err
	}
	total := e.total.Load()
	if q.stale(e) || total+delta > q.config.Limit {
		if total, err = q.Reconcile(ctx, userID); err != nil {
			return err
		}
	}
	if total+delta > q.config.Limit {
		return &Error{Kind: KindQuotaExceeded, Limit: q.config.Limit}
	}
	return nil
}

// Add records a committed change of delta bytes.
func (q *Quota) Add(userID string, delta int64) {
	e, ok := q.entries.Load(userID)
	if !ok {
		return
	}
	entry := e.(*usageEntry)
	entry.total.Add(delta)
	entry.writes.Add(1)
}

// Reconcile recomputes the user's total from the stored records.
func (q *Quota) Reconcile(ctx context.Context, userID string) (int64, error) {
	v, err, _ := q.loads.Do("reconcile:"+userID, func() (any, error) {
		usage, err := read(ctx, q.retry, q.logger, "usage", func() (store.Usage, error) {
			return q.driver.Usage(ctx, userID)
		})
		if err != nil {
			return nil, err
		}
		e := &usageEntry{}
		if existing, loaded := q.entries.LoadOrStore(userID, e); loaded {
			e = existing.(*usageEntry)
		}
		if drift := e.total.Load() - usage.Bytes; drift != 0 {
			q.logger.Debug("reconciled quota", "user", userID, "drift", drift)
		}
		e.total.Store(usage.Bytes)
		e.writes.Store(0)
		e.loadedAt.Store(q.now().UnixNano())
		return usage.Bytes, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Forget drops the cached total of the user.
func (q *Quota) Forget(userID string) {
	q.entries.Delete(userID)
}
