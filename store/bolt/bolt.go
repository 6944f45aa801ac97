// Package bolt stores sync data in a single go.etcd.io/bbolt file. Every
// write runs in one bbolt update transaction, which also serializes writers.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/breez/sync-storage/store"
	"go.etcd.io/bbolt"
)

// staticCollections are the well known collection names and their ids.
var staticCollections = []string{
	"clients", "crypto", "forms", "history", "keys", "meta", "bookmarks",
	"prefs", "tabs", "passwords", "addons", "addresses", "creditcards",
}

// firstCustomID is the id given to the first collection created at runtime.
const firstCustomID = 100

type record struct {
	SortIndex *int64 `json:"s,omitempty"`
	Payload   string `json:"p"`
	Modified  int64  `json:"m"`
	Expiry    int64  `json:"e,omitempty"`
}

type batchItem struct {
	SortIndex *int64  `json:"s,omitempty"`
	Payload   *string `json:"p,omitempty"`
	TTL       *int64  `json:"t,omitempty"`
}

type BoltSyncStorage struct {
	db      *bbolt.DB
	logger  *slog.Logger
	timeout time.Duration
	noSync  bool

	commitHook func(stage string) error
}

type Option func(*BoltSyncStorage)

func WithLogger(logger *slog.Logger) Option {
	return func(s *BoltSyncStorage) {
		s.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Only meant for tests.
func WithNoSync(noSync bool) Option {
	return func(s *BoltSyncStorage) {
		s.noSync = noSync
	}
}

// WithOpenTimeout bounds the wait for the file lock held by another process.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(s *BoltSyncStorage) {
		s.timeout = timeout
	}
}

func NewBoltSyncStorage(path string, opts ...Option) (*BoltSyncStorage, error) {
	s := &BoltSyncStorage{
		logger:  slog.Default(),
		timeout: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: s.timeout,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Debug("opened bolt storage", "path", path)
	return s, nil
}

func (s *BoltSyncStorage) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketCollections,
			bucketCollectionNames,
			bucketHeads,
			bucketBSOs,
			bucketBSOsByExpiry,
			bucketBatches,
			bucketBatchesByExpiry,
			bucketBatchItems,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		collections := tx.Bucket(bucketCollections)
		if collections.Sequence() != 0 {
			return nil
		}
		names := tx.Bucket(bucketCollectionNames)
		for i, name := range staticCollections {
			id := putUint64(nil, int64(i+1))
			if err := collections.Put([]byte(name), id); err != nil {
				return fmt.Errorf("seeding collection %s: %w", name, err)
			}
			if err := names.Put(id, []byte(name)); err != nil {
				return fmt.Errorf("seeding collection %s: %w", name, err)
			}
		}
		return collections.SetSequence(firstCustomID - 1)
	})
}

func (s *BoltSyncStorage) hook(stage string) error {
	if s.commitHook == nil {
		return nil
	}
	return s.commitHook(stage)
}

func (s *BoltSyncStorage) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BoltSyncStorage) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(fn)
	if errors.Is(err, bbolt.ErrTimeout) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func (s *BoltSyncStorage) CollectionID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketCollections).Get([]byte(name))
		if v == nil {
			return store.ErrNotFound
		}
		id = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return id, err
}

func (s *BoltSyncStorage) CreateCollection(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		collections := tx.Bucket(bucketCollections)
		if v := collections.Get([]byte(name)); v != nil {
			id = int64(binary.BigEndian.Uint64(v))
			return nil
		}
		seq, err := collections.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating collection id: %w", err)
		}
		id = int64(seq)
		key := putUint64(nil, id)
		if err := collections.Put([]byte(name), key); err != nil {
			return fmt.Errorf("putting collection: %w", err)
		}
		return tx.Bucket(bucketCollectionNames).Put(key, []byte(name))
	})
	return id, err
}

func (s *BoltSyncStorage) CollectionNames(ctx context.Context) (map[int64]string, error) {
	names := make(map[int64]string)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCollectionNames).ForEach(func(k, v []byte) error {
			names[int64(binary.BigEndian.Uint64(k))] = string(v)
			return nil
		})
	})
	return names, err
}

func (s *BoltSyncStorage) GetCollection(ctx context.Context, userID string, collectionID int64) (store.Collection, error) {
	var c store.Collection
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketHeads).Get(collectionKey(userID, collectionID))
		if v == nil {
			return store.ErrNotFound
		}
		h, err := decodeHead(v)
		if err != nil {
			return err
		}
		c = store.Collection{ID: collectionID, Modified: store.Stamp(h.Modified), Count: h.Count, Bytes: h.Bytes}
		return nil
	})
	return c, err
}

func (s *BoltSyncStorage) ListCollections(ctx context.Context, userID string) ([]store.Collection, error) {
	collections := make([]store.Collection, 0)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketCollectionNames)
		prefix := userKey(userID)
		c := tx.Bucket(bucketHeads).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			_, collectionID, _, err := parseBSOKey(k)
			if err != nil {
				return err
			}
			h, err := decodeHead(v)
			if err != nil {
				return err
			}
			collections = append(collections, store.Collection{
				ID:       collectionID,
				Name:     string(names.Get(putUint64(nil, collectionID))),
				Modified: store.Stamp(h.Modified),
				Count:    h.Count,
				Bytes:    h.Bytes,
			})
		}
		return nil
	})
	return collections, err
}

func (s *BoltSyncStorage) Commit(ctx context.Context, userID string, expected store.Stamp, next store.Collection, m store.Mutation) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		heads := tx.Bucket(bucketHeads)
		hk := collectionKey(userID, next.ID)
		current := heads.Get(hk)
		switch {
		case expected == 0 && current != nil:
			return store.ErrConflict
		case expected != 0 && current == nil:
			return store.ErrConflict
		case expected != 0:
			h, err := decodeHead(current)
			if err != nil {
				return err
			}
			if h.Modified != int64(expected) {
				return store.ErrConflict
			}
		}
		if err := heads.Put(hk, head{Modified: int64(next.Modified), Count: next.Count, Bytes: next.Bytes}.encode()); err != nil {
			return fmt.Errorf("putting head: %w", err)
		}

		if m.DeleteAll {
			if err := deletePrefix(tx, hk); err != nil {
				return err
			}
		}
		for _, id := range m.Delete {
			if err := deleteBSO(tx, bsoKey(userID, next.ID, id)); err != nil {
				return err
			}
		}
		if err := s.hook("deleted"); err != nil {
			return err
		}

		for i, b := range m.Put {
			key := bsoKey(userID, next.ID, b.ID)
			if err := deleteBSO(tx, key); err != nil {
				return err
			}
			if err := putBSO(tx, key, b); err != nil {
				return err
			}
			if err := s.hook(fmt.Sprintf("put-%d", i)); err != nil {
				return err
			}
		}

		if m.Batch != "" {
			return dropBatch(tx, batchKey(userID, next.ID, m.Batch), m.BatchVersion)
		}
		return nil
	})
}

func putBSO(tx *bbolt.Tx, key []byte, b store.BSO) error {
	v, err := json.Marshal(record{SortIndex: b.SortIndex, Payload: b.Payload, Modified: int64(b.Modified), Expiry: b.Expiry})
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := tx.Bucket(bucketBSOs).Put(key, v); err != nil {
		return fmt.Errorf("putting record: %w", err)
	}
	if b.Expiry > 0 {
		if err := tx.Bucket(bucketBSOsByExpiry).Put(expiryKey(b.Expiry, key), nil); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
	}
	return nil
}

// deleteBSO removes the record stored under key with its expiry index entry.
// Missing records are ignored.
func deleteBSO(tx *bbolt.Tx, key []byte) error {
	bsos := tx.Bucket(bucketBSOs)
	v := bsos.Get(key)
	if v == nil {
		return nil
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	if r.Expiry > 0 {
		if err := tx.Bucket(bucketBSOsByExpiry).Delete(expiryKey(r.Expiry, key)); err != nil {
			return fmt.Errorf("deleting expiry index: %w", err)
		}
	}
	return bsos.Delete(key)
}

func deletePrefix(tx *bbolt.Tx, prefix []byte) error {
	var keys [][]byte
	c := tx.Bucket(bucketBSOs).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	for _, k := range keys {
		if err := deleteBSO(tx, k); err != nil {
			return err
		}
	}
	return nil
}

func decodeBSO(key, v []byte) (store.BSO, error) {
	_, _, id, err := parseBSOKey(key)
	if err != nil {
		return store.BSO{}, err
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return store.BSO{}, fmt.Errorf("decoding record %s: %w", id, err)
	}
	return store.BSO{ID: id, SortIndex: r.SortIndex, Payload: r.Payload, Modified: store.Stamp(r.Modified), Expiry: r.Expiry}, nil
}

func (s *BoltSyncStorage) GetBSO(ctx context.Context, userID string, collectionID int64, id string) (store.BSO, error) {
	var b store.BSO
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		key := bsoKey(userID, collectionID, id)
		v := tx.Bucket(bucketBSOs).Get(key)
		if v == nil {
			return store.ErrNotFound
		}
		var err error
		b, err = decodeBSO(key, v)
		return err
	})
	return b, err
}

func (s *BoltSyncStorage) GetBSOs(ctx context.Context, userID string, collectionID int64, ids []string) ([]store.BSO, error) {
	records := make([]store.BSO, 0, len(ids))
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		bsos := tx.Bucket(bucketBSOs)
		for _, id := range ids {
			key := bsoKey(userID, collectionID, id)
			v := bsos.Get(key)
			if v == nil {
				continue
			}
			b, err := decodeBSO(key, v)
			if err != nil {
				return err
			}
			records = append(records, b)
		}
		return nil
	})
	return records, err
}

func (s *BoltSyncStorage) Scan(ctx context.Context, userID string, collectionID int64, q store.Query) ([]store.BSO, error) {
	var rows []store.BSO
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		prefix := collectionKey(userID, collectionID)
		c := tx.Bucket(bucketBSOs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			b, err := decodeBSO(k, v)
			if err != nil {
				return err
			}
			rows = append(rows, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q.Apply(rows), nil
}

func (s *BoltSyncStorage) CreateBatch(ctx context.Context, userID string, collectionID int64, id string, expiry int64, items []store.BatchItem) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		key := batchKey(userID, collectionID, id)
		batches := tx.Bucket(bucketBatches)
		if batches.Get(key) != nil {
			return fmt.Errorf("batch %s already exists", id)
		}
		if err := batches.Put(key, batchMeta{Expiry: expiry}.encode()); err != nil {
			return fmt.Errorf("putting batch: %w", err)
		}
		if err := tx.Bucket(bucketBatchesByExpiry).Put(expiryKey(expiry, key), nil); err != nil {
			return fmt.Errorf("putting batch expiry index: %w", err)
		}
		return stageItems(tx, key, items)
	})
}

func (s *BoltSyncStorage) GetBatch(ctx context.Context, userID string, collectionID int64, id string, now int64) (store.Batch, error) {
	batch := store.Batch{ID: id}
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		key := batchKey(userID, collectionID, id)
		v := tx.Bucket(bucketBatches).Get(key)
		if v == nil {
			return store.ErrNotFound
		}
		meta, err := decodeBatchMeta(v)
		if err != nil {
			return err
		}
		if meta.Expiry <= now {
			return store.ErrNotFound
		}
		batch.Expiry, batch.Version = meta.Expiry, meta.Version
		c := tx.Bucket(bucketBatchItems).Cursor()
		for k, v := c.Seek(key); k != nil && bytes.HasPrefix(k, key); k, v = c.Next() {
			var item batchItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decoding batch item: %w", err)
			}
			batch.Items = append(batch.Items, store.BatchItem{
				ID:        string(k[len(key):]),
				SortIndex: item.SortIndex,
				Payload:   item.Payload,
				TTL:       item.TTL,
			})
		}
		return nil
	})
	return batch, err
}

func (s *BoltSyncStorage) AppendBatch(ctx context.Context, userID string, collectionID int64, id string, items []store.BatchItem) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		key := batchKey(userID, collectionID, id)
		batches := tx.Bucket(bucketBatches)
		v := batches.Get(key)
		if v == nil {
			return store.ErrNotFound
		}
		meta, err := decodeBatchMeta(v)
		if err != nil {
			return err
		}
		meta.Version++
		if err := batches.Put(key, meta.encode()); err != nil {
			return fmt.Errorf("putting batch: %w", err)
		}
		return stageItems(tx, key, items)
	})
}

// stageItems merges items into the staged items of the batch at key, field
// by field.
func stageItems(tx *bbolt.Tx, key []byte, items []store.BatchItem) error {
	bucket := tx.Bucket(bucketBatchItems)
	for _, it := range items {
		itemKey := append(bytes.Clone(key), it.ID...)
		var item batchItem
		if v := bucket.Get(itemKey); v != nil {
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decoding batch item: %w", err)
			}
		}
		if it.SortIndex != nil {
			item.SortIndex = it.SortIndex
		}
		if it.Payload != nil {
			item.Payload = it.Payload
		}
		if it.TTL != nil {
			item.TTL = it.TTL
		}
		v, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encoding batch item: %w", err)
		}
		if err := bucket.Put(itemKey, v); err != nil {
			return fmt.Errorf("putting batch item: %w", err)
		}
	}
	return nil
}

func (s *BoltSyncStorage) DeleteBatch(ctx context.Context, userID string, collectionID int64, id string, version int64) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return dropBatch(tx, batchKey(userID, collectionID, id), version)
	})
}

// dropBatch deletes the batch at key if it still has the given version.
func dropBatch(tx *bbolt.Tx, key []byte, version int64) error {
	v := tx.Bucket(bucketBatches).Get(key)
	if v == nil {
		return store.ErrNotFound
	}
	meta, err := decodeBatchMeta(v)
	if err != nil {
		return err
	}
	if meta.Version != version {
		return store.ErrBatchChanged
	}
	return deleteBatch(tx, key)
}

func deleteBatch(tx *bbolt.Tx, key []byte) error {
	batches := tx.Bucket(bucketBatches)
	v := batches.Get(key)
	if v == nil {
		return nil
	}
	meta, err := decodeBatchMeta(v)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketBatchesByExpiry).Delete(expiryKey(meta.Expiry, key)); err != nil {
		return fmt.Errorf("deleting batch expiry index: %w", err)
	}
	if err := batches.Delete(key); err != nil {
		return fmt.Errorf("deleting batch: %w", err)
	}

	items := tx.Bucket(bucketBatchItems)
	var keys [][]byte
	c := items.Cursor()
	for k, _ := c.Seek(key); k != nil && bytes.HasPrefix(k, key); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	for _, k := range keys {
		if err := items.Delete(k); err != nil {
			return fmt.Errorf("deleting batch item: %w", err)
		}
	}
	return nil
}

func (s *BoltSyncStorage) Expired(ctx context.Context, cutoff int64, limit int) ([]store.ExpiredRef, error) {
	refs := make([]store.ExpiredRef, 0)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBSOsByExpiry).Cursor()
		for k, _ := c.First(); k != nil && len(refs) < limit; k, _ = c.Next() {
			expiry := int64(binary.BigEndian.Uint64(k))
			if expiry > cutoff {
				break
			}
			userID, collectionID, id, err := parseBSOKey(k[8:])
			if err != nil {
				return err
			}
			refs = append(refs, store.ExpiredRef{UserID: userID, CollectionID: collectionID, ID: id, Expiry: expiry})
		}
		return nil
	})
	return refs, err
}

func (s *BoltSyncStorage) PurgeBatches(ctx context.Context, cutoff int64, limit int) (int, error) {
	purged := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		var keys [][]byte
		c := tx.Bucket(bucketBatchesByExpiry).Cursor()
		for k, _ := c.First(); k != nil && len(keys) < limit; k, _ = c.Next() {
			if int64(binary.BigEndian.Uint64(k)) > cutoff {
				break
			}
			keys = append(keys, bytes.Clone(k[8:]))
		}
		for _, key := range keys {
			userID, collectionID, batchID, err := parseBatchKey(key)
			if err != nil {
				return err
			}
			if err := deleteBatch(tx, key); err != nil {
				return err
			}
			s.logger.Debug("purged batch", "user", userID, "collection", collectionID, "batch", batchID)
		}
		purged = len(keys)
		return nil
	})
	return purged, err
}

func (s *BoltSyncStorage) Usage(ctx context.Context, userID string) (store.Usage, error) {
	var u store.Usage
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		prefix := userKey(userID)
		c := tx.Bucket(bucketBSOs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decoding record: %w", err)
			}
			u.Bytes += int64(len(r.Payload))
			u.Count++
		}
		return nil
	})
	return u, err
}

func (s *BoltSyncStorage) DeleteUser(ctx context.Context, userID string, stamp store.Stamp) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		prefix := userKey(userID)
		heads := tx.Bucket(bucketHeads)
		var keys [][]byte
		c := heads.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			h, err := decodeHead(v)
			if err != nil {
				return err
			}
			if h.Modified >= int64(stamp) {
				return store.ErrConflict
			}
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := heads.Put(k, head{Modified: int64(stamp)}.encode()); err != nil {
				return fmt.Errorf("resetting head: %w", err)
			}
		}

		if err := deletePrefix(tx, prefix); err != nil {
			return err
		}
		var batches [][]byte
		bc := tx.Bucket(bucketBatches).Cursor()
		for k, _ := bc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = bc.Next() {
			batches = append(batches, bytes.Clone(k))
		}
		for _, k := range batches {
			if err := deleteBatch(tx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltSyncStorage) Ping(ctx context.Context) error {
	return s.view(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketHeads) == nil {
			return fmt.Errorf("heads bucket not found")
		}
		return nil
	})
}

func (s *BoltSyncStorage) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing bolt storage")
	return s.db.Close()
}
