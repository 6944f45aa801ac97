package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned by Commit and DeleteUser when the stored head
	// no longer matches the expected stamp. Nothing was written.
	ErrConflict = errors.New("commit conflict")
	// ErrNotFound is returned when a collection name, collection head, BSO or
	// batch does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks transient backend failures (connection loss,
	// lock timeouts). The outcome of a write that failed this way is unknown.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrBatchChanged is returned by Commit and DeleteBatch when the staged
	// batch was appended to after it was read. Nothing was written.
	ErrBatchChanged = errors.New("batch changed")
)

// Stamp is a collection version in milliseconds since the Unix epoch.
type Stamp int64

func StampFromTime(t time.Time) Stamp {
	return Stamp(t.UnixMilli())
}

func (s Stamp) Time() time.Time {
	return time.UnixMilli(int64(s))
}

type BSO struct {
	ID        string
	SortIndex *int64
	Payload   string
	Modified  Stamp
	// Expiry is an absolute instant in ms since the epoch, 0 never expires.
	Expiry int64
}

// Expired reports whether the BSO is expired at now (ms since epoch).
func (b BSO) Expired(now int64) bool {
	return b.Expiry != 0 && b.Expiry <= now
}

// Collection is the per user metadata row of a collection. A zero Modified
// means the row does not exist.
type Collection struct {
	ID       int64
	Name     string
	Modified Stamp
	Count    int64
	Bytes    int64
}

func (c Collection) Exists() bool {
	return c.Count > 0
}

// Mutation is the set of row changes applied together with a new head.
type Mutation struct {
	Put       []BSO
	Delete    []string
	DeleteAll bool
	// Batch, when set, names a staged batch dropped in the same unit. The
	// commit fails with ErrNotFound when the batch is gone and with
	// ErrBatchChanged when its version is no longer BatchVersion.
	Batch        string
	BatchVersion int64
}

type BatchItem struct {
	ID        string
	SortIndex *int64
	Payload   *string
	TTL       *int64
}

type Batch struct {
	ID      string
	Expiry  int64
	// Version counts the appends to the batch.
	Version int64
	Items   []BatchItem
}

// ExpiredRef identifies a BSO selected for purging together with the expiry
// value read at selection time.
type ExpiredRef struct {
	UserID       string
	CollectionID int64
	ID           string
	Expiry       int64
}

type Usage struct {
	Bytes int64
	Count int64
}

// SyncStorage is implemented by every physical engine. Implementations own
// no cross record invariants: the caller decides stamps, counts and sizes and
// the driver applies them. Commit and DeleteUser must be atomic.
type SyncStorage interface {
	CollectionID(ctx context.Context, name string) (int64, error)
	CreateCollection(ctx context.Context, name string) (int64, error)
	CollectionNames(ctx context.Context) (map[int64]string, error)

	GetCollection(ctx context.Context, userID string, collectionID int64) (Collection, error)
	ListCollections(ctx context.Context, userID string) ([]Collection, error)
	// Commit writes next as the collection head and applies m, provided the
	// stored head stamp equals expected (0 meaning no head row). It returns
	// ErrConflict otherwise.
	Commit(ctx context.Context, userID string, expected Stamp, next Collection, m Mutation) error

	GetBSO(ctx context.Context, userID string, collectionID int64, id string) (BSO, error)
	GetBSOs(ctx context.Context, userID string, collectionID int64, ids []string) ([]BSO, error)
	Scan(ctx context.Context, userID string, collectionID int64, q Query) ([]BSO, error)

	// CreateBatch stores a new batch together with its first items.
	CreateBatch(ctx context.Context, userID string, collectionID int64, id string, expiry int64, items []BatchItem) error
	// GetBatch returns ErrNotFound for unknown batches and batches whose
	// expiry is not after now.
	GetBatch(ctx context.Context, userID string, collectionID int64, id string, now int64) (Batch, error)
	// AppendBatch stages items and bumps the batch version.
	AppendBatch(ctx context.Context, userID string, collectionID int64, id string, items []BatchItem) error
	// DeleteBatch drops the batch provided its version still matches. It
	// fails like the batch part of Commit.
	DeleteBatch(ctx context.Context, userID string, collectionID int64, id string, version int64) error

	Expired(ctx context.Context, cutoff int64, limit int) ([]ExpiredRef, error)
	PurgeBatches(ctx context.Context, cutoff int64, limit int) (int, error)
	Usage(ctx context.Context, userID string) (Usage, error)
	// DeleteUser removes every BSO and batch of the user and resets all of
	// its heads to stamp with zero counts, provided every stored head is
	// older than stamp. It returns ErrConflict otherwise.
	DeleteUser(ctx context.Context, userID string, stamp Stamp) error

	Ping(ctx context.Context) error
	Close() error
}
