package syncstorage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/breez/sync-storage/store"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPreconditionScenario(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now))

		t1, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a1", Payload: ptr("x")}, Precondition{})
		require.NoError(t, err, "failed to put a1")

		page, err := s.GetCollection(ctx, "U", "bookmarks", Query{})
		require.NoError(t, err, "failed to get collection")
		require.Equal(t, []string{"a1"}, ids(page.Items))
		require.Equal(t, t1, page.Items[0].Modified)
		require.Equal(t, t1, page.Modified)

		t2, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a1", Payload: ptr("y")}, Precondition{IfUnmodifiedSince: t1})
		require.NoError(t, err, "failed to put a1 since t1")
		require.Greater(t, t2, t1)

		_, err = s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a1", Payload: ptr("z")}, Precondition{IfUnmodifiedSince: t1})
		require.ErrorIs(t, err, ErrPreconditionFailed)
		var e *Error
		require.True(t, errors.As(err, &e))
		require.Equal(t, t2, e.Stamp)

		b, err := s.GetBSO(ctx, "U", "bookmarks", "a1")
		require.NoError(t, err, "failed to get a1")
		require.Equal(t, "y", b.Payload)
	})
}

func TestIfNotExists(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now))

		_, err := s.PutBSO(ctx, "U", "tabs", BSOInput{ID: "t", Payload: ptr("1")}, Precondition{IfNotExists: true})
		require.NoError(t, err, "failed to create t")
		_, err = s.PutBSO(ctx, "U", "tabs", BSOInput{ID: "t", Payload: ptr("2")}, Precondition{IfNotExists: true})
		require.ErrorIs(t, err, ErrPreconditionFailed)
	})
}

func TestStampsStrictlyIncrease(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now))

		var stamps []store.Stamp
		for i := 0; i < 5; i++ {
			stamp, err := s.PutBSO(ctx, "U", "history", BSOInput{ID: fmt.Sprintf("h%d", i), Payload: ptr("p")}, Precondition{})
			require.NoError(t, err, "failed to put")
			stamps = append(stamps, stamp)
		}
		stamp, err := s.DeleteBSO(ctx, "U", "history", "h0", Precondition{})
		require.NoError(t, err, "failed to delete")
		stamps = append(stamps, stamp)
		for i := 1; i < len(stamps); i++ {
			require.Greater(t, stamps[i], stamps[i-1])
		}

		// reads since a stamp return exactly the newer records
		page, err := s.GetCollection(ctx, "U", "history", Query{Newer: stamps[2], Sort: store.SortOldest})
		require.NoError(t, err, "failed to get since")
		require.Equal(t, []string{"h3", "h4"}, ids(page.Items))
		for _, b := range page.Items {
			require.Greater(t, b.Modified, stamps[2])
		}
	})
}

func TestRePutRestamps(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now))

		first, err := s.PutBSO(ctx, "U", "prefs", BSOInput{ID: "p", Payload: ptr("same")}, Precondition{})
		require.NoError(t, err, "failed to put")
		second, err := s.PutBSO(ctx, "U", "prefs", BSOInput{ID: "p", Payload: ptr("same")}, Precondition{IfUnmodifiedSince: first})
		require.NoError(t, err, "failed to put again")
		require.Greater(t, second, first)

		counts, err := s.CollectionCounts(ctx, "U")
		require.NoError(t, err, "failed to count")
		require.Equal(t, map[string]int64{"prefs": 1}, counts)
	})
}

func TestPartialUpdate(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now))

		_, err := s.PutBSO(ctx, "U", "forms", BSOInput{ID: "f", Payload: ptr("p1"), SortIndex: ptr(int64(5))}, Precondition{})
		require.NoError(t, err, "failed to put")
		s2, err := s.PutBSO(ctx, "U", "forms", BSOInput{ID: "f", SortIndex: ptr(int64(7))}, Precondition{})
		require.NoError(t, err, "failed to update sortindex")

		b, err := s.GetBSO(ctx, "U", "forms", "f")
		require.NoError(t, err, "failed to get")
		require.Equal(t, "p1", b.Payload)
		require.Equal(t, int64(7), *b.SortIndex)
		require.Equal(t, s2, b.Modified)

		s3, err := s.PutBSO(ctx, "U", "forms", BSOInput{ID: "f", TTL: ptr(int64(100))}, Precondition{})
		require.NoError(t, err, "failed to touch ttl")
		require.Greater(t, s3, s2)

		b, err = s.GetBSO(ctx, "U", "forms", "f")
		require.NoError(t, err, "failed to get")
		require.Equal(t, s2, b.Modified, "ttl only update keeps the record stamp")
		require.Equal(t, int64(s3)+100_000, b.Expiry)

		stamps, err := s.ListCollections(ctx, "U")
		require.NoError(t, err, "failed to list")
		require.Equal(t, map[string]store.Stamp{"forms": s3}, stamps)
	})
}

func TestTTLPurge(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		clock := newTestClock()
		observer := newRecordingObserver()
		s := New(driver, WithClock(clock.Now), WithObserver(observer))

		t1, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a1", Payload: ptr("x"), TTL: ptr(int64(1))}, Precondition{})
		require.NoError(t, err, "failed to put")
		_, err = s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a2", Payload: ptr("y")}, Precondition{})
		require.NoError(t, err, "failed to put")

		clock.Advance(2 * time.Second)

		page, err := s.GetCollection(ctx, "U", "bookmarks", Query{})
		require.NoError(t, err, "failed to get collection")
		require.Equal(t, []string{"a2"}, ids(page.Items), "expired record is hidden before purge")
		_, err = s.GetBSO(ctx, "U", "bookmarks", "a1")
		require.ErrorIs(t, err, ErrNotFound)

		before, err := s.StorageModified(ctx, "U")
		require.NoError(t, err, "failed to get storage modified")

		removed, err := s.PurgeExpired(ctx, clock.Now(), 100)
		require.NoError(t, err, "failed to purge")
		require.Equal(t, 1, removed)
		require.Equal(t, 1, observer.purged)

		after, err := s.StorageModified(ctx, "U")
		require.NoError(t, err, "failed to get storage modified")
		require.Greater(t, after, before)
		require.Greater(t, after, t1)

		usage, err := s.Usage(ctx, "U")
		require.NoError(t, err, "failed to get usage")
		require.Equal(t, store.Usage{Bytes: 1, Count: 1}, usage)

		removed, err = s.PurgeExpired(ctx, clock.Now(), 100)
		require.NoError(t, err, "failed to purge again")
		require.Zero(t, removed)
	})
}

func TestPurgeSkipsExtendedRecords(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		clock := newTestClock()
		s := New(driver, WithClock(clock.Now))

		_, err := s.PutBSO(ctx, "U", "tabs", BSOInput{ID: "t", Payload: ptr("x"), TTL: ptr(int64(1))}, Precondition{})
		require.NoError(t, err, "failed to put")
		clock.Advance(2 * time.Second)
		cutoff := clock.Now().UnixMilli()

		// the record is rewritten after the reaper selected it
		extended, err := s.PutBSO(ctx, "U", "tabs", BSOInput{ID: "t", Payload: ptr("x2"), TTL: ptr(int64(3600))}, Precondition{})
		require.NoError(t, err, "failed to extend")

		removed, err := s.repository.Purge(ctx, "U", 9, []string{"t"}, cutoff)
		require.NoError(t, err, "failed to purge")
		require.Zero(t, removed)

		b, err := s.GetBSO(ctx, "U", "tabs", "t")
		require.NoError(t, err, "extended record must survive")
		require.Equal(t, "x2", b.Payload)
		stamp, err := s.StorageModified(ctx, "U")
		require.NoError(t, err, "failed to get storage modified")
		require.Equal(t, extended, stamp)
	})
}

func TestPurgeInBatches(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		clock := newTestClock()
		s := New(driver, WithClock(clock.Now))

		for i, c := range []string{"history", "history", "tabs", "forms", "tabs"} {
			_, err := s.PutBSO(ctx, "U", c, BSOInput{ID: fmt.Sprintf("r%d", i), Payload: ptr("x"), TTL: ptr(int64(1))}, Precondition{})
			require.NoError(t, err, "failed to put")
		}
		batchID, err := s.CreateBatch(ctx, "U", "tabs", nil)
		require.NoError(t, err, "failed to create batch")

		clock.Advance(3 * time.Hour)
		removed, err := s.PurgeExpired(ctx, clock.Now(), 2)
		require.NoError(t, err, "failed to purge")
		require.Equal(t, 5, removed)

		counts, err := s.CollectionCounts(ctx, "U")
		require.NoError(t, err, "failed to count")
		require.Empty(t, counts)
		_, err = driver.GetBatch(ctx, "U", 9, batchID, 0)
		require.ErrorIs(t, err, store.ErrNotFound, "expired batch is purged")
	})
}

func TestQuota(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		observer := newRecordingObserver()
		s := New(driver, WithClock(newTestClock().Now), WithObserver(observer), WithQuota(QuotaConfig{Limit: 10}))

		_, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", Payload: ptr("0123456789")}, Precondition{})
		require.NoError(t, err, "failed to fill quota")

		_, err = s.PutBSO(ctx, "U", "history", BSOInput{ID: "b", Payload: ptr("x")}, Precondition{})
		require.ErrorIs(t, err, ErrQuotaExceeded)
		var e *Error
		require.True(t, errors.As(err, &e))
		require.Equal(t, int64(10), e.Limit)
		require.Equal(t, 1, observer.rejected)

		// shrinking is always allowed
		_, err = s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", Payload: ptr("012345678")}, Precondition{})
		require.NoError(t, err, "failed to shrink")

		_, err = s.DeleteBSO(ctx, "U", "bookmarks", "a", Precondition{})
		require.NoError(t, err, "failed to delete")
		_, err = s.PutBSO(ctx, "U", "history", BSOInput{ID: "b", Payload: ptr("x")}, Precondition{})
		require.NoError(t, err, "delete should unblock writes")

		total, err := s.ReconcileQuota(ctx, "U")
		require.NoError(t, err, "failed to reconcile")
		require.Equal(t, int64(1), total)
	})
}

func TestQuotaSeesOtherInstances(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		clock := newTestClock()
		first := New(driver, WithClock(clock.Now), WithQuota(QuotaConfig{Limit: 10}))
		second := New(driver, WithClock(clock.Now), WithQuota(QuotaConfig{Limit: 10}))

		_, err := first.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", Payload: ptr("0123456789")}, Precondition{})
		require.NoError(t, err, "failed to fill quota")
		_, err = first.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "b", Payload: ptr("x")}, Precondition{})
		require.ErrorIs(t, err, ErrQuotaExceeded)

		// a delete through another instance is picked up by the refresh
		_, err = second.DeleteBSO(ctx, "U", "bookmarks", "a", Precondition{})
		require.NoError(t, err, "failed to delete")
		_, err = first.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "b", Payload: ptr("x")}, Precondition{})
		require.NoError(t, err, "stale cache must not block")
	})
}

func TestBatchCommit(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now))

		id, err := s.CreateBatch(ctx, "U", "passwords", []BSOInput{
			{ID: "a", Payload: ptr("1")},
			{ID: "b", Payload: ptr("2")},
		})
		require.NoError(t, err, "failed to create batch")
		require.NoError(t, s.AppendToBatch(ctx, "U", "passwords", id, []BSOInput{
			{ID: "c", Payload: ptr("3")},
			{ID: "a", SortIndex: ptr(int64(4))},
		}))

		page, err := s.GetCollection(ctx, "U", "passwords", Query{})
		require.NoError(t, err, "failed to get collection")
		require.Empty(t, page.Items, "staged records are not visible")

		stamp, err := s.CommitBatch(ctx, "U", "passwords", id, Precondition{})
		require.NoError(t, err, "failed to commit batch")

		page, err = s.GetCollection(ctx, "U", "passwords", Query{Sort: store.SortIndex})
		require.NoError(t, err, "failed to get collection")
		require.Equal(t, []string{"a", "b", "c"}, ids(page.Items))
		for _, b := range page.Items {
			require.Equal(t, stamp, b.Modified)
		}
		require.Equal(t, "1", page.Items[0].Payload)
		require.Equal(t, int64(4), *page.Items[0].SortIndex)

		_, err = s.CommitBatch(ctx, "U", "passwords", id, Precondition{})
		require.ErrorIs(t, err, ErrInvalidBatch, "a committed batch is gone")
	})
}

func TestBatchCommitFailure(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		faulty := &faultyDriver{SyncStorage: driver}
		s := New(faulty, WithClock(newTestClock().Now))

		id, err := s.CreateBatch(ctx, "U", "addons", []BSOInput{
			{ID: "a", Payload: ptr("1")},
			{ID: "b", Payload: ptr("2")},
			{ID: "c", Payload: ptr("3")},
		})
		require.NoError(t, err, "failed to create batch")

		faulty.onCommit = func(int, string, store.Stamp, store.Collection, store.Mutation) error {
			return fmt.Errorf("%w: connection reset", store.ErrUnavailable)
		}
		_, err = s.CommitBatch(ctx, "U", "addons", id, Precondition{})
		require.ErrorIs(t, err, ErrBackendUnavailable)
		require.Equal(t, 1, faulty.commitCount(), "failed writes are not retried")

		page, err := s.GetCollection(ctx, "U", "addons", Query{})
		require.NoError(t, err, "failed to get collection")
		require.Empty(t, page.Items)

		faulty.onCommit = nil
		stamp, err := s.CommitBatch(ctx, "U", "addons", id, Precondition{})
		require.NoError(t, err, "the batch survives a failed commit")
		page, err = s.GetCollection(ctx, "U", "addons", Query{})
		require.NoError(t, err, "failed to get collection")
		require.Len(t, page.Items, 3)
		require.Equal(t, stamp, page.Modified)
	})
}

func TestInvalidBatch(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		clock := newTestClock()
		limits := DefaultLimits
		limits.MaxTotalRecords = 2
		s := New(driver, WithClock(clock.Now), WithLimits(limits))

		err := s.AppendToBatch(ctx, "U", "clients", "nope", []BSOInput{{ID: "a"}})
		require.ErrorIs(t, err, ErrInvalidBatch)
		err = s.AppendToBatch(ctx, "U", "clients", "6f1ed002-ab5f-4c7c-9d5c-7a1c8f9b1a2e", []BSOInput{{ID: "a"}})
		require.ErrorIs(t, err, ErrInvalidBatch)

		id, err := s.CreateBatch(ctx, "U", "clients", []BSOInput{{ID: "a"}, {ID: "b"}})
		require.NoError(t, err, "failed to create batch")
		err = s.AppendToBatch(ctx, "U", "clients", id, []BSOInput{{ID: "c"}})
		require.ErrorIs(t, err, ErrInvalidRequest, "batch record limit")
		_, err = s.CommitBatch(ctx, "U", "history", id, Precondition{})
		require.ErrorIs(t, err, ErrInvalidBatch, "batch belongs to another collection")

		clock.Advance(3 * time.Hour)
		_, err = s.CommitBatch(ctx, "U", "clients", id, Precondition{})
		require.ErrorIs(t, err, ErrInvalidBatch, "expired batch")
	})
}

func TestBatchAppendDuringCommit(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		clock := newTestClock()
		faulty := &faultyDriver{SyncStorage: driver}
		committer := New(faulty, WithClock(clock.Now))
		appender := New(driver, WithClock(clock.Now))

		id, err := committer.CreateBatch(ctx, "U", "passwords", []BSOInput{{ID: "a", Payload: ptr("1")}})
		require.NoError(t, err, "failed to create batch")

		faulty.onGetBatch = func(n int) {
			if n == 1 {
				require.NoError(t, appender.AppendToBatch(ctx, "U", "passwords", id, []BSOInput{{ID: "z", Payload: ptr("late")}}))
			}
		}
		stamp, err := committer.CommitBatch(ctx, "U", "passwords", id, Precondition{})
		require.NoError(t, err, "failed to commit batch")

		page, err := committer.GetCollection(ctx, "U", "passwords", Query{Sort: store.SortOldest})
		require.NoError(t, err, "failed to get collection")
		require.ElementsMatch(t, []string{"a", "z"}, ids(page.Items), "the late append is committed too")
		for _, b := range page.Items {
			require.Equal(t, stamp, b.Modified)
		}

		err = appender.AppendToBatch(ctx, "U", "passwords", id, []BSOInput{{ID: "y", Payload: ptr("after")}})
		require.ErrorIs(t, err, ErrInvalidBatch, "a committed batch takes no appends")
	})
}

func TestBatchCommittedTwice(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		clock := newTestClock()
		faulty := &faultyDriver{SyncStorage: driver}
		slow := New(faulty, WithClock(clock.Now))
		fast := New(driver, WithClock(clock.Now))

		id, err := slow.CreateBatch(ctx, "U", "tabs", []BSOInput{{ID: "a", Payload: ptr("1")}})
		require.NoError(t, err, "failed to create batch")

		var first store.Stamp
		faulty.onGetBatch = func(n int) {
			if n == 1 {
				first, err = fast.CommitBatch(ctx, "U", "tabs", id, Precondition{})
				require.NoError(t, err, "failed to commit batch")
			}
		}
		_, err = slow.CommitBatch(ctx, "U", "tabs", id, Precondition{})
		require.ErrorIs(t, err, ErrInvalidBatch)

		modified, err := slow.StorageModified(ctx, "U")
		require.NoError(t, err)
		require.Equal(t, first, modified, "only one commit took effect")
	})
}

func TestBatchQuota(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now), WithQuota(QuotaConfig{Limit: 10}))

		_, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", Payload: ptr("01234567")}, Precondition{})
		require.NoError(t, err, "failed to fill quota")

		_, err = s.CreateBatch(ctx, "U", "history", []BSOInput{{ID: "b", Payload: ptr("abc")}})
		require.ErrorIs(t, err, ErrQuotaExceeded, "staging over quota")

		id, err := s.CreateBatch(ctx, "U", "history", []BSOInput{{ID: "b", Payload: ptr("a")}})
		require.NoError(t, err, "failed to create batch")
		err = s.AppendToBatch(ctx, "U", "history", id, []BSOInput{{ID: "c", Payload: ptr("bc")}})
		require.ErrorIs(t, err, ErrQuotaExceeded, "staged bytes count against the quota")
		require.NoError(t, s.AppendToBatch(ctx, "U", "history", id, []BSOInput{{ID: "c", Payload: ptr("b")}}))

		_, err = s.CommitBatch(ctx, "U", "history", id, Precondition{})
		require.NoError(t, err, "failed to commit batch")
	})
}

func TestCreateBatchIsOneCall(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		faulty := &faultyDriver{SyncStorage: driver}
		s := New(faulty, WithClock(newTestClock().Now))

		id, err := s.CreateBatch(ctx, "U", "forms", []BSOInput{{ID: "a", Payload: ptr("1")}, {ID: "b", Payload: ptr("2")}})
		require.NoError(t, err, "failed to create batch")
		require.Zero(t, faulty.appends, "first records are stored with the batch")

		cid, err := driver.CollectionID(ctx, "forms")
		require.NoError(t, err)
		batch, err := driver.GetBatch(ctx, "U", cid, id, 0)
		require.NoError(t, err, "failed to get batch")
		require.Len(t, batch.Items, 2)
		require.Equal(t, int64(0), batch.Version)
	})
}

func TestPaging(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now))

		for i := 0; i < 5; i++ {
			_, err := s.PutBSO(ctx, "U", "history", BSOInput{ID: fmt.Sprintf("r%d", i), Payload: ptr("p")}, Precondition{})
			require.NoError(t, err, "failed to put")
		}

		var pages [][]string
		q := Query{Limit: 2}
		for {
			page, err := s.GetCollection(ctx, "U", "history", q)
			require.NoError(t, err, "failed to get page")
			pages = append(pages, ids(page.Items))
			if page.Next == "" {
				break
			}
			q.Offset = page.Next
		}
		require.Equal(t, [][]string{{"r4", "r3"}, {"r2", "r1"}, {"r0"}}, pages)

		page, err := s.GetCollection(ctx, "U", "history", Query{Limit: 2})
		require.NoError(t, err, "failed to get page")
		_, err = s.GetCollection(ctx, "U", "history", Query{Limit: 2, Offset: page.Next, Sort: store.SortOldest})
		require.ErrorIs(t, err, ErrInvalidRequest, "token of another order")
		_, err = s.GetCollection(ctx, "U", "history", Query{Offset: "!!"})
		require.ErrorIs(t, err, ErrInvalidRequest)

		page, err = s.GetCollection(ctx, "U", "unknown", Query{})
		require.NoError(t, err, "unknown collections are empty")
		require.Empty(t, page.Items)
	})
}

func TestDeleteExpiredRecord(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		clock := newTestClock()
		s := New(driver, WithClock(clock.Now))

		stamp, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", Payload: ptr("x"), TTL: ptr(int64(1))}, Precondition{})
		require.NoError(t, err, "failed to put")
		clock.Advance(2 * time.Second)

		_, err = s.GetBSO(ctx, "U", "bookmarks", "a")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.DeleteBSO(ctx, "U", "bookmarks", "a", Precondition{})
		require.ErrorIs(t, err, ErrNotFound, "an expired record is already gone")
		got, err := s.DeleteBSOs(ctx, "U", "bookmarks", []string{"a"}, Precondition{})
		require.NoError(t, err)
		require.Equal(t, stamp, got, "deleting only expired records does not move the stamp")

		modified, err := s.StorageModified(ctx, "U")
		require.NoError(t, err)
		require.Equal(t, stamp, modified)
	})
}

func TestDeleteCollection(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now))

		_, err := s.PutBSOs(ctx, "U", "custom.things", []BSOInput{
			{ID: "a", Payload: ptr("1")},
			{ID: "b", Payload: ptr("2")},
		}, Precondition{})
		require.NoError(t, err, "failed to put")

		deleted, err := s.DeleteCollection(ctx, "U", "custom.things", Precondition{})
		require.NoError(t, err, "failed to delete collection")

		stamps, err := s.ListCollections(ctx, "U")
		require.NoError(t, err, "failed to list")
		require.Empty(t, stamps)
		_, err = s.DeleteCollection(ctx, "U", "custom.things", Precondition{})
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.DeleteBSO(ctx, "U", "custom.things", "a", Precondition{})
		require.ErrorIs(t, err, ErrNotFound)

		recreated, err := s.PutBSO(ctx, "U", "custom.things", BSOInput{ID: "a", Payload: ptr("1")}, Precondition{})
		require.NoError(t, err, "failed to recreate")
		require.Greater(t, recreated, deleted, "a recreated collection continues its stamps")

		same, err := s.DeleteBSOs(ctx, "U", "custom.things", []string{"zz"}, Precondition{})
		require.NoError(t, err, "failed to delete unknown ids")
		require.Equal(t, recreated, same)
	})
}

func TestDeleteAll(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		s := New(driver, WithClock(newTestClock().Now))

		_, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", Payload: ptr("1")}, Precondition{})
		require.NoError(t, err, "failed to put")
		last, err := s.PutBSO(ctx, "U", "history", BSOInput{ID: "b", Payload: ptr("2")}, Precondition{})
		require.NoError(t, err, "failed to put")
		_, err = s.PutBSO(ctx, "V", "history", BSOInput{ID: "b", Payload: ptr("2")}, Precondition{})
		require.NoError(t, err, "failed to put")

		stamp, err := s.DeleteAll(ctx, "U")
		require.NoError(t, err, "failed to delete all")
		require.Greater(t, stamp, last)

		stamps, err := s.ListCollections(ctx, "U")
		require.NoError(t, err, "failed to list")
		require.Empty(t, stamps)
		modified, err := s.StorageModified(ctx, "U")
		require.NoError(t, err, "failed to get storage modified")
		require.Equal(t, stamp, modified)

		next, err := s.PutBSO(ctx, "U", "history", BSOInput{ID: "b", Payload: ptr("3")}, Precondition{})
		require.NoError(t, err, "failed to put after delete")
		require.Greater(t, next, stamp)

		_, err = s.GetBSO(ctx, "V", "history", "b")
		require.NoError(t, err, "other users keep their data")
	})
}

func TestConcurrentWriters(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		// separate instances share nothing but the driver
		clock := newTestClock()
		instances := []*Storage{
			New(driver, WithClock(clock.Now), WithCommitAttempts(1000)),
			New(driver, WithClock(clock.Now), WithCommitAttempts(1000)),
		}

		var mu sync.Mutex
		seen := make(map[store.Stamp]bool)
		var g errgroup.Group
		for w := 0; w < 8; w++ {
			s := instances[w%len(instances)]
			g.Go(func() error {
				for i := 0; i < 10; i++ {
					stamp, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: fmt.Sprintf("w%d-%d", w, i), Payload: ptr("p")}, Precondition{})
					if err != nil {
						return err
					}
					mu.Lock()
					if seen[stamp] {
						mu.Unlock()
						return fmt.Errorf("stamp %d issued twice", stamp)
					}
					seen[stamp] = true
					mu.Unlock()
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		var latest store.Stamp
		for stamp := range seen {
			latest = max(latest, stamp)
		}
		stamps, err := instances[0].ListCollections(ctx, "U")
		require.NoError(t, err, "failed to list")
		require.Equal(t, latest, stamps["bookmarks"])
		counts, err := instances[1].CollectionCounts(ctx, "U")
		require.NoError(t, err, "failed to count")
		require.Equal(t, int64(80), counts["bookmarks"])

		page, err := instances[0].GetCollection(ctx, "U", "bookmarks", Query{})
		require.NoError(t, err, "failed to get collection")
		require.Len(t, page.Items, 80)
	})
}

// racingDriver commits a competing write of the same record right before
// the first commit of the write under test.
func racingDriver(driver store.SyncStorage) *faultyDriver {
	faulty := &faultyDriver{SyncStorage: driver}
	faulty.onCommit = func(n int, userID string, expected store.Stamp, next store.Collection, m store.Mutation) error {
		if n != 2 {
			return nil
		}
		return driver.Commit(context.Background(), userID, expected, next, store.Mutation{Put: []store.BSO{
			{ID: m.Put[0].ID, Payload: "theirs", Modified: next.Modified},
		}})
	}
	return faulty
}

func TestConflictPolicy(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()

		s := New(racingDriver(driver), WithClock(newTestClock().Now), WithConflictPolicy(RejectConflicts))
		_, err := s.PutBSO(ctx, "U", "crypto", BSOInput{ID: "k", Payload: ptr("seed")}, Precondition{})
		require.NoError(t, err, "failed to seed")
		_, err = s.PutBSO(ctx, "U", "crypto", BSOInput{ID: "k", Payload: ptr("ours")}, Precondition{})
		require.ErrorIs(t, err, ErrPreconditionFailed)
		b, err := s.GetBSO(ctx, "U", "crypto", "k")
		require.NoError(t, err, "failed to get")
		require.Equal(t, "theirs", b.Payload)

		s = New(racingDriver(driver), WithClock(newTestClock().Now))
		_, err = s.PutBSO(ctx, "V", "crypto", BSOInput{ID: "k", Payload: ptr("seed")}, Precondition{})
		require.NoError(t, err, "failed to seed")
		_, err = s.PutBSO(ctx, "V", "crypto", BSOInput{ID: "k", Payload: ptr("ours")}, Precondition{})
		require.NoError(t, err, "last write wins")
		b, err = s.GetBSO(ctx, "V", "crypto", "k")
		require.NoError(t, err, "failed to get")
		require.Equal(t, "ours", b.Payload)
	})
}

func TestClockRegression(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		observer := newRecordingObserver()
		faulty := &faultyDriver{SyncStorage: driver}
		s := New(faulty, WithClock(newTestClock().Now), WithObserver(observer))

		_, err := s.PutBSO(ctx, "U", "meta", BSOInput{ID: "global", Payload: ptr("1")}, Precondition{})
		require.NoError(t, err, "failed to seed")

		// a conflict without any visible change of the head
		faulty.onCommit = func(int, string, store.Stamp, store.Collection, store.Mutation) error {
			return store.ErrConflict
		}
		_, err = s.PutBSO(ctx, "U", "meta", BSOInput{ID: "global", Payload: ptr("2")}, Precondition{})
		require.ErrorIs(t, err, ErrClockRegression)
		require.Equal(t, []string{"put_bso"}, observer.regressions)

		// other operations are unaffected
		faulty.onCommit = nil
		_, err = s.PutBSO(ctx, "U", "meta", BSOInput{ID: "global", Payload: ptr("3")}, Precondition{})
		require.NoError(t, err, "failed to put after regression")
	})
}

func TestStoredRecordAheadOfHead(t *testing.T) {
	driver := engines[0].open(t)
	ctx := context.Background()
	s := New(driver, WithClock(newTestClock().Now))

	require.NoError(t, driver.Commit(ctx, "U", 0, store.Collection{ID: 6, Modified: 1000, Count: 1, Bytes: 1}, store.Mutation{Put: []store.BSO{
		{ID: "m", Payload: "x", Modified: 2000},
	}}))
	_, err := s.GetBSO(ctx, "U", "meta", "m")
	require.ErrorIs(t, err, ErrClockRegression)
}

func TestReadRetry(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx := context.Background()
		faulty := &faultyDriver{SyncStorage: driver}
		s := New(faulty, WithClock(newTestClock().Now), WithRetryPolicy(RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}))

		_, err := s.PutBSO(ctx, "U", "keys", BSOInput{ID: "k", Payload: ptr("1")}, Precondition{})
		require.NoError(t, err, "failed to put")

		faulty.onGetBSO = func(n int) error {
			if n <= 2 {
				return store.ErrUnavailable
			}
			return nil
		}
		_, err = s.GetBSO(ctx, "U", "keys", "k")
		require.NoError(t, err, "transient read errors are retried")

		faulty.onGetBSO = func(int) error { return store.ErrUnavailable }
		_, err = s.GetBSO(ctx, "U", "keys", "k")
		require.ErrorIs(t, err, ErrBackendUnavailable)
	})
}

func TestTimeout(t *testing.T) {
	forEachEngine(t, func(t *testing.T, driver store.SyncStorage) {
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		s := New(driver)

		_, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", Payload: ptr("1")}, Precondition{})
		require.ErrorIs(t, err, ErrBackendTimeout)
	})
}

func TestValidation(t *testing.T) {
	driver := engines[0].open(t)
	ctx := context.Background()
	limits := DefaultLimits
	limits.MaxRecordPayloadBytes = 10
	limits.MaxPostRecords = 2
	s := New(driver, WithLimits(limits))

	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"user", func() error {
			_, err := s.PutBSO(ctx, "", "bookmarks", BSOInput{ID: "a"}, Precondition{})
			return err
		}, ErrInvalidRequest},
		{"collection", func() error {
			_, err := s.PutBSO(ctx, "U", "bad/name", BSOInput{ID: "a"}, Precondition{})
			return err
		}, ErrInvalidRequest},
		{"id", func() error {
			_, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a/b"}, Precondition{})
			return err
		}, ErrInvalidRequest},
		{"payload", func() error {
			_, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", Payload: ptr("01234567890")}, Precondition{})
			return err
		}, ErrPayloadTooLarge},
		{"sortindex", func() error {
			_, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", SortIndex: ptr(int64(1_000_000_000))}, Precondition{})
			return err
		}, ErrInvalidRequest},
		{"ttl", func() error {
			_, err := s.PutBSO(ctx, "U", "bookmarks", BSOInput{ID: "a", TTL: ptr(int64(-1))}, Precondition{})
			return err
		}, ErrInvalidRequest},
		{"post records", func() error {
			_, err := s.PutBSOs(ctx, "U", "bookmarks", []BSOInput{{ID: "a"}, {ID: "b"}, {ID: "c"}}, Precondition{})
			return err
		}, ErrInvalidRequest},
		{"get id", func() error {
			_, err := s.GetBSO(ctx, "U", "bookmarks", "")
			return err
		}, ErrInvalidRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.ErrorIs(t, c.run(), c.want)
		})
	}

	b, err := s.GetCollection(ctx, "U", "bookmarks", Query{})
	require.NoError(t, err, "failed to get collection")
	require.Empty(t, b.Items, "rejected writes leave nothing behind")
}
