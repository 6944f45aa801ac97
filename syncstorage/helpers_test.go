package syncstorage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/breez/sync-storage/store"
	"github.com/breez/sync-storage/store/bolt"
	"github.com/breez/sync-storage/store/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engine struct {
	name string
	open func(t *testing.T) store.SyncStorage
}

var engines = []engine{
	{"bolt", func(t *testing.T) store.SyncStorage {
		storage, err := bolt.NewBoltSyncStorage(filepath.Join(t.TempDir(), "sync.db"), bolt.WithNoSync(true))
		require.NoError(t, err, "failed to open bolt")
		t.Cleanup(func() { storage.Close() })
		return storage
	}},
	{"sqlite", func(t *testing.T) store.SyncStorage {
		storage, err := sqlite.NewSQLiteSyncStorage(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
		require.NoError(t, err, "failed to open sqlite")
		t.Cleanup(func() { storage.Close() })
		return storage
	}},
}

// forEachEngine runs fn against a fresh storage on every engine.
func forEachEngine(t *testing.T, fn func(t *testing.T, driver store.SyncStorage)) {
	for _, e := range engines {
		t.Run(e.name, func(t *testing.T) {
			fn(t, e.open(t))
		})
	}
}

type recordingObserver struct {
	mu          sync.Mutex
	ops         map[string][]Kind
	regressions []string
	rejected    int
	purged      int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{ops: make(map[string][]Kind)}
}

func (o *recordingObserver) Done(op string, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kind := Kind(-1)
	if err != nil {
		kind = KindOf(err)
	}
	o.ops[op] = append(o.ops[op], kind)
}

func (o *recordingObserver) ClockRegression(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.regressions = append(o.regressions, op)
}

func (o *recordingObserver) QuotaRejected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

func (o *recordingObserver) Purged(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.purged += count
}

// faultyDriver wraps a driver and lets tests intercept calls.
type faultyDriver struct {
	store.SyncStorage

	mu       sync.Mutex
	commits  int
	onCommit func(n int, userID string, expected store.Stamp, next store.Collection, m store.Mutation) error
	getBSO   int
	onGetBSO func(n int) error
	// onGetBatch runs after the batch was read, before it is returned.
	onGetBatch func(n int)
	getBatch   int
	appends    int
}

func (d *faultyDriver) Commit(ctx context.Context, userID string, expected store.Stamp, next store.Collection, m store.Mutation) error {
	d.mu.Lock()
	d.commits++
	n, hook := d.commits, d.onCommit
	d.mu.Unlock()
	if hook != nil {
		if err := hook(n, userID, expected, next, m); err != nil {
			return err
		}
	}
	return d.SyncStorage.Commit(ctx, userID, expected, next, m)
}

func (d *faultyDriver) GetBSO(ctx context.Context, userID string, collectionID int64, id string) (store.BSO, error) {
	d.mu.Lock()
	d.getBSO++
	n, hook := d.getBSO, d.onGetBSO
	d.mu.Unlock()
	if hook != nil {
		if err := hook(n); err != nil {
			return store.BSO{}, err
		}
	}
	return d.SyncStorage.GetBSO(ctx, userID, collectionID, id)
}

func (d *faultyDriver) GetBatch(ctx context.Context, userID string, collectionID int64, id string, now int64) (store.Batch, error) {
	batch, err := d.SyncStorage.GetBatch(ctx, userID, collectionID, id, now)
	d.mu.Lock()
	d.getBatch++
	n, hook := d.getBatch, d.onGetBatch
	d.mu.Unlock()
	if hook != nil && err == nil {
		hook(n)
	}
	return batch, err
}

func (d *faultyDriver) AppendBatch(ctx context.Context, userID string, collectionID int64, id string, items []store.BatchItem) error {
	d.mu.Lock()
	d.appends++
	d.mu.Unlock()
	return d.SyncStorage.AppendBatch(ctx, userID, collectionID, id, items)
}

func (d *faultyDriver) commitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits
}

func ptr[T any](v T) *T {
	return &v
}

func ids(records []store.BSO) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
