package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// StoreTest is the conformance suite every engine runs from its own tests.
type StoreTest struct{}

func (s *StoreTest) RunAll(t *testing.T, storage SyncStorage) {
	t.Run("collections", func(t *testing.T) { s.TestCollections(t, storage) })
	t.Run("commit", func(t *testing.T) { s.TestCommit(t, storage) })
	t.Run("conflict", func(t *testing.T) { s.TestConflict(t, storage) })
	t.Run("delete", func(t *testing.T) { s.TestDelete(t, storage) })
	t.Run("scan", func(t *testing.T) { s.TestScan(t, storage) })
	t.Run("batches", func(t *testing.T) { s.TestBatches(t, storage) })
	t.Run("expired", func(t *testing.T) { s.TestExpired(t, storage) })
	t.Run("delete user", func(t *testing.T) { s.TestDeleteUser(t, storage) })
}

func ptr[T any](v T) *T {
	return &v
}

func (s *StoreTest) TestCollections(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	id, err := storage.CollectionID(ctx, "bookmarks")
	require.NoError(t, err, "failed to get bookmarks id")
	require.Equal(t, int64(7), id)

	id, err = storage.CollectionID(ctx, "creditcards")
	require.NoError(t, err, "failed to get creditcards id")
	require.Equal(t, int64(13), id)

	_, err = storage.CollectionID(ctx, "missing-"+uuid.NewString()[:8])
	require.ErrorIs(t, err, ErrNotFound)

	name := "col-" + uuid.NewString()[:8]
	created, err := storage.CreateCollection(ctx, name)
	require.NoError(t, err, "failed to create collection")
	require.GreaterOrEqual(t, created, int64(100))

	again, err := storage.CreateCollection(ctx, name)
	require.NoError(t, err, "failed to create collection twice")
	require.Equal(t, created, again)

	names, err := storage.CollectionNames(ctx)
	require.NoError(t, err, "failed to list collection names")
	require.Equal(t, name, names[created])
	require.Equal(t, "history", names[4])
}

func (s *StoreTest) TestCommit(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()

	next := Collection{ID: 7, Modified: 1000, Count: 2, Bytes: 10}
	err := storage.Commit(ctx, userID, 0, next, Mutation{Put: []BSO{
		{ID: "a1", Payload: "data1", Modified: 1000, SortIndex: ptr(int64(5))},
		{ID: "a2", Payload: "data2", Modified: 1000, Expiry: 5000},
	}})
	require.NoError(t, err, "failed to commit first write")

	head, err := storage.GetCollection(ctx, userID, 7)
	require.NoError(t, err, "failed to get head")
	require.Equal(t, Collection{ID: 7, Modified: 1000, Count: 2, Bytes: 10}, head)

	b, err := storage.GetBSO(ctx, userID, 7, "a1")
	require.NoError(t, err, "failed to get a1")
	require.Equal(t, BSO{ID: "a1", Payload: "data1", Modified: 1000, SortIndex: ptr(int64(5))}, b)

	b, err = storage.GetBSO(ctx, userID, 7, "a2")
	require.NoError(t, err, "failed to get a2")
	require.Nil(t, b.SortIndex)
	require.Equal(t, int64(5000), b.Expiry)

	_, err = storage.GetBSO(ctx, userID, 7, "a3")
	require.ErrorIs(t, err, ErrNotFound)

	// same record id in another collection and for another user is distinct
	_, err = storage.GetBSO(ctx, userID, 4, "a1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = storage.GetBSO(ctx, uuid.New().String(), 7, "a1")
	require.ErrorIs(t, err, ErrNotFound)

	err = storage.Commit(ctx, userID, 1000, Collection{ID: 7, Modified: 2000, Count: 2, Bytes: 11}, Mutation{Put: []BSO{
		{ID: "a1", Payload: "data1b", Modified: 2000},
	}})
	require.NoError(t, err, "failed to commit update")

	records, err := storage.GetBSOs(ctx, userID, 7, []string{"a1", "a2", "zz"})
	require.NoError(t, err, "failed to get records")
	require.Len(t, records, 2)

	collections, err := storage.ListCollections(ctx, userID)
	require.NoError(t, err, "failed to list collections")
	require.Equal(t, []Collection{{ID: 7, Name: "bookmarks", Modified: 2000, Count: 2, Bytes: 11}}, collections)

	usage, err := storage.Usage(ctx, userID)
	require.NoError(t, err, "failed to compute usage")
	require.Equal(t, Usage{Bytes: 11, Count: 2}, usage)
}

func (s *StoreTest) TestConflict(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()

	err := storage.Commit(ctx, userID, 0, Collection{ID: 4, Modified: 1000, Count: 1, Bytes: 1}, Mutation{Put: []BSO{
		{ID: "h1", Payload: "x", Modified: 1000},
	}})
	require.NoError(t, err, "failed to commit first write")

	err = storage.Commit(ctx, userID, 0, Collection{ID: 4, Modified: 1500, Count: 1, Bytes: 1}, Mutation{Put: []BSO{
		{ID: "h1", Payload: "y", Modified: 1500},
	}})
	require.ErrorIs(t, err, ErrConflict)

	err = storage.Commit(ctx, userID, 999, Collection{ID: 4, Modified: 1500, Count: 1, Bytes: 1}, Mutation{Put: []BSO{
		{ID: "h1", Payload: "y", Modified: 1500},
	}})
	require.ErrorIs(t, err, ErrConflict)

	b, err := storage.GetBSO(ctx, userID, 4, "h1")
	require.NoError(t, err, "failed to get h1")
	require.Equal(t, "x", b.Payload)
	require.Equal(t, Stamp(1000), b.Modified)

	head, err := storage.GetCollection(ctx, userID, 4)
	require.NoError(t, err, "failed to get head")
	require.Equal(t, Stamp(1000), head.Modified)
}

func (s *StoreTest) TestDelete(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()

	puts := []BSO{
		{ID: "d1", Payload: "1", Modified: 1000},
		{ID: "d2", Payload: "2", Modified: 1000},
		{ID: "d3", Payload: "3", Modified: 1000},
	}
	require.NoError(t, storage.Commit(ctx, userID, 0, Collection{ID: 1, Modified: 1000, Count: 3, Bytes: 3}, Mutation{Put: puts}))
	require.NoError(t, storage.Commit(ctx, userID, 0, Collection{ID: 2, Modified: 1000, Count: 1, Bytes: 1}, Mutation{Put: puts[:1]}))

	err := storage.Commit(ctx, userID, 1000, Collection{ID: 1, Modified: 2000, Count: 1, Bytes: 1}, Mutation{Delete: []string{"d1", "d2", "unknown"}})
	require.NoError(t, err, "failed to delete records")

	records, err := storage.Scan(ctx, userID, 1, Query{})
	require.NoError(t, err, "failed to scan")
	require.Len(t, records, 1)
	require.Equal(t, "d3", records[0].ID)

	// deleting in one collection leaves the other untouched
	_, err = storage.GetBSO(ctx, userID, 2, "d1")
	require.NoError(t, err, "record in other collection is gone")

	err = storage.Commit(ctx, userID, 2000, Collection{ID: 1, Modified: 3000}, Mutation{DeleteAll: true})
	require.NoError(t, err, "failed to delete collection")
	records, err = storage.Scan(ctx, userID, 1, Query{})
	require.NoError(t, err, "failed to scan")
	require.Empty(t, records)

	head, err := storage.GetCollection(ctx, userID, 1)
	require.NoError(t, err, "head row should be kept")
	require.False(t, head.Exists())
	require.Equal(t, Stamp(3000), head.Modified)
}

func (s *StoreTest) TestScan(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()

	// b0 newest with sortindex 1, b1 middle with sortindex 0, b2 oldest with
	// sortindex 2, b3 has no sortindex
	head := Stamp(0)
	writes := []BSO{
		{ID: "b2", Payload: "a", Modified: 100, SortIndex: ptr(int64(2))},
		{ID: "b3", Payload: "a", Modified: 150},
		{ID: "b1", Payload: "a", Modified: 200, SortIndex: ptr(int64(0))},
		{ID: "b0", Payload: "a", Modified: 300, SortIndex: ptr(int64(1)), Expiry: 10_000},
	}
	for i, b := range writes {
		next := Collection{ID: 3, Modified: b.Modified, Count: int64(i + 1), Bytes: int64(i + 1)}
		require.NoError(t, storage.Commit(ctx, userID, head, next, Mutation{Put: []BSO{b}}))
		head = b.Modified
	}

	ids := func(records []BSO) []string {
		out := make([]string, len(records))
		for i, r := range records {
			out[i] = r.ID
		}
		return out
	}

	records, err := storage.Scan(ctx, userID, 3, Query{Sort: SortNewest})
	require.NoError(t, err, "failed to scan newest")
	require.Equal(t, []string{"b0", "b1", "b3", "b2"}, ids(records))

	records, err = storage.Scan(ctx, userID, 3, Query{Sort: SortOldest})
	require.NoError(t, err, "failed to scan oldest")
	require.Equal(t, []string{"b2", "b3", "b1", "b0"}, ids(records))

	records, err = storage.Scan(ctx, userID, 3, Query{Sort: SortIndex})
	require.NoError(t, err, "failed to scan index")
	require.Equal(t, []string{"b2", "b0", "b1", "b3"}, ids(records))

	records, err = storage.Scan(ctx, userID, 3, Query{Newer: 150})
	require.NoError(t, err, "failed to scan newer")
	require.Equal(t, []string{"b0", "b1"}, ids(records))

	records, err = storage.Scan(ctx, userID, 3, Query{Older: 200})
	require.NoError(t, err, "failed to scan older")
	require.Equal(t, []string{"b3", "b2"}, ids(records))

	records, err = storage.Scan(ctx, userID, 3, Query{Visible: 200})
	require.NoError(t, err, "failed to scan visible")
	require.Equal(t, []string{"b1", "b3", "b2"}, ids(records))

	records, err = storage.Scan(ctx, userID, 3, Query{IDs: []string{"b3", "b0", "nope"}})
	require.NoError(t, err, "failed to scan ids")
	require.Equal(t, []string{"b0", "b3"}, ids(records))

	records, err = storage.Scan(ctx, userID, 3, Query{Now: 10_000})
	require.NoError(t, err, "failed to scan unexpired")
	require.Equal(t, []string{"b1", "b3", "b2"}, ids(records))

	// page through every ordering two rows at a time
	for _, sorting := range []Sorting{SortNewest, SortOldest, SortIndex} {
		all, err := storage.Scan(ctx, userID, 3, Query{Sort: sorting})
		require.NoError(t, err, "failed to scan %v", sorting)

		var paged []BSO
		var cursor *Cursor
		for {
			page, err := storage.Scan(ctx, userID, 3, Query{Sort: sorting, After: cursor, Limit: 2})
			require.NoError(t, err, "failed to scan page %v", sorting)
			paged = append(paged, page...)
			if len(page) < 2 {
				break
			}
			cursor = CursorOf(page[len(page)-1])
		}
		require.Equal(t, ids(all), ids(paged), "paging %v", sorting)
	}
}

func (s *StoreTest) TestBatches(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()
	batchID := uuid.New().String()

	require.NoError(t, storage.CreateBatch(ctx, userID, 7, batchID, 5000, []BatchItem{
		{ID: "a", Payload: ptr("first"), SortIndex: ptr(int64(3))},
	}))
	batch, err := storage.GetBatch(ctx, userID, 7, batchID, 1000)
	require.NoError(t, err, "failed to get created batch")
	require.Equal(t, int64(0), batch.Version)
	require.Len(t, batch.Items, 1)

	err = storage.AppendBatch(ctx, userID, 7, batchID, []BatchItem{
		{ID: "b", Payload: ptr("second")},
	})
	require.NoError(t, err, "failed to append")

	err = storage.AppendBatch(ctx, userID, 7, batchID, []BatchItem{
		{ID: "a", Payload: ptr("first-v2")},
		{ID: "c", TTL: ptr(int64(60))},
	})
	require.NoError(t, err, "failed to append twice")

	batch, err = storage.GetBatch(ctx, userID, 7, batchID, 1000)
	require.NoError(t, err, "failed to get batch")
	require.Equal(t, int64(5000), batch.Expiry)
	require.Equal(t, int64(2), batch.Version)
	require.Equal(t, []BatchItem{
		{ID: "a", Payload: ptr("first-v2"), SortIndex: ptr(int64(3))},
		{ID: "b", Payload: ptr("second")},
		{ID: "c", TTL: ptr(int64(60))},
	}, batch.Items)

	_, err = storage.GetBatch(ctx, userID, 7, batchID, 5000)
	require.ErrorIs(t, err, ErrNotFound, "expired batch must not be returned")
	_, err = storage.GetBatch(ctx, userID, 4, batchID, 1000)
	require.ErrorIs(t, err, ErrNotFound, "batch belongs to another collection")

	err = storage.AppendBatch(ctx, userID, 7, uuid.New().String(), []BatchItem{{ID: "x"}})
	require.ErrorIs(t, err, ErrNotFound)

	// a commit built from an older read of the batch writes nothing
	next := Collection{ID: 7, Modified: 1000, Count: 1, Bytes: 5}
	err = storage.Commit(ctx, userID, 0, next, Mutation{
		Put:          []BSO{{ID: "a", Payload: "first", Modified: 1000}},
		Batch:        batchID,
		BatchVersion: 1,
	})
	require.ErrorIs(t, err, ErrBatchChanged)
	_, err = storage.GetCollection(ctx, userID, 7)
	require.ErrorIs(t, err, ErrNotFound, "head must not move")
	_, err = storage.GetBSO(ctx, userID, 7, "a")
	require.ErrorIs(t, err, ErrNotFound)

	// committing drops the batch in the same unit
	err = storage.Commit(ctx, userID, 0, next, Mutation{
		Put:          []BSO{{ID: "a", Payload: "first", Modified: 1000}},
		Batch:        batchID,
		BatchVersion: 2,
	})
	require.NoError(t, err, "failed to commit batch")
	_, err = storage.GetBatch(ctx, userID, 7, batchID, 1000)
	require.ErrorIs(t, err, ErrNotFound)

	// a dropped batch cannot be committed again
	err = storage.Commit(ctx, userID, 1000, Collection{ID: 7, Modified: 2000, Count: 2, Bytes: 10}, Mutation{
		Put:          []BSO{{ID: "b", Payload: "second", Modified: 2000}},
		Batch:        batchID,
		BatchVersion: 2,
	})
	require.ErrorIs(t, err, ErrNotFound)
	head, err := storage.GetCollection(ctx, userID, 7)
	require.NoError(t, err)
	require.Equal(t, Stamp(1000), head.Modified)
	_, err = storage.GetBSO(ctx, userID, 7, "b")
	require.ErrorIs(t, err, ErrNotFound)

	other := uuid.New().String()
	require.NoError(t, storage.CreateBatch(ctx, userID, 7, other, 5000, nil))
	require.NoError(t, storage.AppendBatch(ctx, userID, 7, other, []BatchItem{{ID: "x", Payload: ptr("x")}}))
	require.ErrorIs(t, storage.DeleteBatch(ctx, userID, 7, other, 0), ErrBatchChanged)
	require.NoError(t, storage.DeleteBatch(ctx, userID, 7, other, 1))
	_, err = storage.GetBatch(ctx, userID, 7, other, 1000)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, storage.DeleteBatch(ctx, userID, 7, other, 1), ErrNotFound)
}

func (s *StoreTest) TestExpired(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()

	// other tests leave rows behind, so only look at this user's refs
	cutoff := int64(2_000_000)
	err := storage.Commit(ctx, userID, 0, Collection{ID: 5, Modified: 1000, Count: 3, Bytes: 3}, Mutation{Put: []BSO{
		{ID: "e1", Payload: "1", Modified: 1000, Expiry: cutoff - 10},
		{ID: "e2", Payload: "2", Modified: 1000, Expiry: cutoff},
		{ID: "e3", Payload: "3", Modified: 1000, Expiry: cutoff + 10},
	}})
	require.NoError(t, err, "failed to commit")

	refs, err := storage.Expired(ctx, cutoff, 10_000)
	require.NoError(t, err, "failed to select expired")
	var mine []ExpiredRef
	for _, ref := range refs {
		if ref.UserID == userID {
			mine = append(mine, ref)
		}
	}
	require.Equal(t, []ExpiredRef{
		{UserID: userID, CollectionID: 5, ID: "e1", Expiry: cutoff - 10},
		{UserID: userID, CollectionID: 5, ID: "e2", Expiry: cutoff},
	}, mine)

	batchID := uuid.New().String()
	require.NoError(t, storage.CreateBatch(ctx, userID, 5, batchID, 100, nil))
	require.NoError(t, storage.AppendBatch(ctx, userID, 5, batchID, []BatchItem{{ID: "z", Payload: ptr("z")}}))
	purged, err := storage.PurgeBatches(ctx, 100, 10_000)
	require.NoError(t, err, "failed to purge batches")
	require.GreaterOrEqual(t, purged, 1)
	_, err = storage.GetBatch(ctx, userID, 5, batchID, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func (s *StoreTest) TestDeleteUser(t *testing.T, storage SyncStorage) {
	ctx := context.Background()
	userID := uuid.New().String()
	otherID := uuid.New().String()

	for _, u := range []string{userID, otherID} {
		require.NoError(t, storage.Commit(ctx, u, 0, Collection{ID: 1, Modified: 1000, Count: 1, Bytes: 1}, Mutation{Put: []BSO{
			{ID: "x", Payload: "1", Modified: 1000},
		}}))
		require.NoError(t, storage.Commit(ctx, u, 0, Collection{ID: 2, Modified: 2000, Count: 1, Bytes: 1}, Mutation{Put: []BSO{
			{ID: "y", Payload: "2", Modified: 2000},
		}}))
	}
	batchID := uuid.New().String()
	require.NoError(t, storage.CreateBatch(ctx, userID, 1, batchID, 10_000, nil))

	require.ErrorIs(t, storage.DeleteUser(ctx, userID, 2000), ErrConflict)
	require.NoError(t, storage.DeleteUser(ctx, userID, 2001))

	collections, err := storage.ListCollections(ctx, userID)
	require.NoError(t, err, "failed to list collections")
	require.Len(t, collections, 2)
	for _, c := range collections {
		require.Equal(t, Stamp(2001), c.Modified)
		require.False(t, c.Exists())
	}
	_, err = storage.GetBSO(ctx, userID, 1, "x")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = storage.GetBatch(ctx, userID, 1, batchID, 0)
	require.ErrorIs(t, err, ErrNotFound)

	usage, err := storage.Usage(ctx, userID)
	require.NoError(t, err, "failed to compute usage")
	require.Equal(t, Usage{}, usage)

	_, err = storage.GetBSO(ctx, otherID, 1, "x")
	require.NoError(t, err, "other user's data must survive")
}
