package syncstorage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/breez/sync-storage/store"
)

const (
	defaultCommitAttempts = 10
	defaultPageSize       = 100
	defaultBatchLifetime  = 2 * time.Hour
	defaultTimeout        = 30 * time.Second
)

// Storage is the single entry point of the core. All returned errors are
// *Error values.
type Storage struct {
	driver      store.SyncStorage
	clock       *Clock
	collections *Collections
	quota       *Quota
	repository  *Repository
	reaper      *Reaper

	now            func() time.Time
	logger         *slog.Logger
	observer       Observer
	limits         Limits
	quotaConfig    QuotaConfig
	policy         ConflictPolicy
	retry          RetryPolicy
	commitAttempts int
	timeout        time.Duration
	batchLifetime  time.Duration
	pageSize       int
}

func New(driver store.SyncStorage, opts ...Option) *Storage {
	s := &Storage{
		driver:         driver,
		now:            time.Now,
		logger:         slog.Default(),
		observer:       nopObserver{},
		limits:         DefaultLimits,
		retry:          DefaultRetryPolicy,
		commitAttempts: defaultCommitAttempts,
		timeout:        defaultTimeout,
		batchLifetime:  defaultBatchLifetime,
		pageSize:       defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.commitAttempts <= 0 {
		s.commitAttempts = 1
	}
	if s.pageSize <= 0 {
		s.pageSize = defaultPageSize
	}

	s.clock = NewClock(s.now)
	s.collections = NewCollections(driver, s.retry, s.logger)
	s.quota = NewQuota(driver, s.quotaConfig, s.retry, s.now, s.logger)
	s.repository = &Repository{
		driver:         driver,
		collections:    s.collections,
		clock:          s.clock,
		quota:          s.quota,
		retry:          s.retry,
		policy:         s.policy,
		commitAttempts: s.commitAttempts,
		pageSize:       s.pageSize,
		logger:         s.logger,
	}
	s.reaper = &Reaper{driver: driver, repository: s.repository, retry: s.retry, logger: s.logger}
	return s
}

// begin applies the default timeout and returns the function finishing
// the operation. It must be deferred with the named error result.
func (s *Storage) begin(ctx context.Context, op string) (context.Context, func(*error)) {
	start := time.Now()
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func(errp *error) {
		cancel()
		err := withOp(op, *errp)
		if err != nil {
			switch KindOf(err) {
			case KindClockRegression:
				s.logger.Error("clock regression", "op", op, "error", err)
				s.observer.ClockRegression(op)
			case KindQuotaExceeded:
				s.observer.QuotaRejected()
			case KindInternal, KindBackendUnavailable, KindBackendTimeout:
				s.logger.Warn("operation failed", "op", op, "error", err)
			}
		}
		*errp = err
		s.observer.Done(op, err, time.Since(start))
	}
}

// existing resolves the id of a collection for paths that never create one.
func (s *Storage) existing(ctx context.Context, userID, collection string) (int64, error) {
	if err := validateUser(userID); err != nil {
		return 0, err
	}
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	return s.collections.Resolve(ctx, collection)
}

func (s *Storage) create(ctx context.Context, userID, collection string) (int64, error) {
	if err := validateUser(userID); err != nil {
		return 0, err
	}
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	return s.collections.ResolveOrCreate(ctx, collection)
}

// PutBSO creates or updates one record and returns the new collection
// stamp.
func (s *Storage) PutBSO(ctx context.Context, userID, collection string, in BSOInput, pre Precondition) (stamp store.Stamp, err error) {
	ctx, done := s.begin(ctx, "put_bso")
	defer done(&err)

	if err := s.limits.validateInput(in); err != nil {
		return 0, err
	}
	id, err := s.create(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	return s.repository.Put(ctx, userID, id, in, pre)
}

// PutBSOs writes up to MaxPostRecords records in one commit.
func (s *Storage) PutBSOs(ctx context.Context, userID, collection string, inputs []BSOInput, pre Precondition) (stamp store.Stamp, err error) {
	ctx, done := s.begin(ctx, "put_bsos")
	defer done(&err)

	if len(inputs) == 0 {
		return 0, newError(KindInvalidRequest, "no records")
	}
	if _, err := s.limits.validatePost(inputs); err != nil {
		return 0, err
	}
	id, err := s.create(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	return s.repository.PutBatch(ctx, userID, id, inputs, pre, nil)
}

func (s *Storage) GetBSO(ctx context.Context, userID, collection, id string) (b store.BSO, err error) {
	ctx, done := s.begin(ctx, "get_bso")
	defer done(&err)

	if err := validateID(id); err != nil {
		return store.BSO{}, err
	}
	cid, err := s.existing(ctx, userID, collection)
	if err != nil {
		return store.BSO{}, err
	}
	return s.repository.Get(ctx, userID, cid, id)
}

type Query struct {
	Newer store.Stamp
	Older store.Stamp
	IDs   []string
	Sort  store.Sorting
	// Limit caps the page size, 0 returns everything.
	Limit int
	// Offset is the Next token of a previous page.
	Offset string
}

type Page struct {
	Items []store.BSO
	// Next resumes after the last item, empty on the last page.
	Next string
	// Modified is the collection stamp the page is consistent with.
	Modified store.Stamp
}

// GetCollection returns one page of the live records of a collection.
// Unknown and empty collections yield an empty page.
func (s *Storage) GetCollection(ctx context.Context, userID, collection string, q Query) (page Page, err error) {
	ctx, done := s.begin(ctx, "get_collection")
	defer done(&err)

	if q.Limit < 0 {
		return Page{}, newError(KindInvalidRequest, "negative limit")
	}
	for _, id := range q.IDs {
		if err := validateID(id); err != nil {
			return Page{}, err
		}
	}
	if s.limits.MaxPostRecords > 0 && len(q.IDs) > s.limits.MaxPostRecords {
		return Page{}, newError(KindInvalidRequest, "too many ids")
	}
	cursor, err := decodeToken(q.Sort, q.Offset)
	if err != nil {
		return Page{}, err
	}
	cid, err := s.existing(ctx, userID, collection)
	if errors.Is(err, store.ErrNotFound) {
		return Page{Items: []store.BSO{}}, nil
	}
	if err != nil {
		return Page{}, err
	}
	head, err := s.collections.Head(ctx, userID, cid)
	if err != nil {
		return Page{}, err
	}
	page = Page{Items: []store.BSO{}, Modified: head.Modified}
	if head.Modified == 0 {
		return page, nil
	}

	sq := store.Query{
		Newer:   q.Newer,
		Older:   q.Older,
		Visible: head.Modified,
		IDs:     q.IDs,
		Sort:    q.Sort,
		After:   cursor,
	}
	if q.Limit > 0 {
		sq.Limit = q.Limit + 1
	}
	for b, err := range s.repository.Iter(ctx, userID, cid, sq) {
		if err != nil {
			return Page{}, err
		}
		if q.Limit > 0 && len(page.Items) == q.Limit {
			page.Next = encodeToken(q.Sort, page.Items[len(page.Items)-1])
			break
		}
		page.Items = append(page.Items, b)
	}
	return page, nil
}

// DeleteBSO removes one record, NotFound if it does not exist.
func (s *Storage) DeleteBSO(ctx context.Context, userID, collection, id string, pre Precondition) (stamp store.Stamp, err error) {
	ctx, done := s.begin(ctx, "delete_bso")
	defer done(&err)

	if err := validateID(id); err != nil {
		return 0, err
	}
	cid, err := s.existing(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	stamp, removed, err := s.repository.Delete(ctx, userID, cid, []string{id}, pre)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, store.ErrNotFound
	}
	return stamp, nil
}

// DeleteBSOs removes the listed records, ignoring unknown ids.
func (s *Storage) DeleteBSOs(ctx context.Context, userID, collection string, ids []string, pre Precondition) (stamp store.Stamp, err error) {
	ctx, done := s.begin(ctx, "delete_bsos")
	defer done(&err)

	if len(ids) == 0 {
		return 0, newError(KindInvalidRequest, "no ids")
	}
	if s.limits.MaxPostRecords > 0 && len(ids) > s.limits.MaxPostRecords {
		return 0, newError(KindInvalidRequest, "too many ids")
	}
	for _, id := range ids {
		if err := validateID(id); err != nil {
			return 0, err
		}
	}
	cid, err := s.existing(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	stamp, _, err = s.repository.Delete(ctx, userID, cid, ids, pre)
	return stamp, err
}

// DeleteCollection removes every record of a collection.
func (s *Storage) DeleteCollection(ctx context.Context, userID, collection string, pre Precondition) (stamp store.Stamp, err error) {
	ctx, done := s.begin(ctx, "delete_collection")
	defer done(&err)

	cid, err := s.existing(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	return s.repository.DeleteAll(ctx, userID, cid, pre)
}

// DeleteAll removes all data of the user.
func (s *Storage) DeleteAll(ctx context.Context, userID string) (stamp store.Stamp, err error) {
	ctx, done := s.begin(ctx, "delete_all")
	defer done(&err)

	if err := validateUser(userID); err != nil {
		return 0, err
	}
	return s.repository.DeleteUser(ctx, userID)
}

// ListCollections maps the names of the user's existing collections to
// their stamps.
func (s *Storage) ListCollections(ctx context.Context, userID string) (stamps map[string]store.Stamp, err error) {
	ctx, done := s.begin(ctx, "list_collections")
	defer done(&err)

	stamps = make(map[string]store.Stamp)
	err = s.eachExisting(ctx, userID, func(name string, h store.Collection) {
		stamps[name] = h.Modified
	})
	return stamps, err
}

func (s *Storage) CollectionCounts(ctx context.Context, userID string) (counts map[string]int64, err error) {
	ctx, done := s.begin(ctx, "collection_counts")
	defer done(&err)

	counts = make(map[string]int64)
	err = s.eachExisting(ctx, userID, func(name string, h store.Collection) {
		counts[name] = h.Count
	})
	return counts, err
}

func (s *Storage) CollectionUsage(ctx context.Context, userID string) (usage map[string]int64, err error) {
	ctx, done := s.begin(ctx, "collection_usage")
	defer done(&err)

	usage = make(map[string]int64)
	err = s.eachExisting(ctx, userID, func(name string, h store.Collection) {
		usage[name] = h.Bytes
	})
	return usage, err
}

func (s *Storage) eachExisting(ctx context.Context, userID string, fn func(name string, h store.Collection)) error {
	if err := validateUser(userID); err != nil {
		return err
	}
	heads, err := s.collections.List(ctx, userID)
	if err != nil {
		return err
	}
	for _, h := range heads {
		if !h.Exists() {
			continue
		}
		name := h.Name
		if name == "" {
			if name, err = s.collections.Name(ctx, h.ID); err != nil {
				return err
			}
		}
		fn(name, h)
	}
	return nil
}

// Usage returns the stored record bytes and count of the user, computed
// from the records themselves.
func (s *Storage) Usage(ctx context.Context, userID string) (usage store.Usage, err error) {
	ctx, done := s.begin(ctx, "usage")
	defer done(&err)

	if err := validateUser(userID); err != nil {
		return store.Usage{}, err
	}
	return read(ctx, s.retry, s.logger, "usage", func() (store.Usage, error) {
		return s.driver.Usage(ctx, userID)
	})
}

// StorageModified returns the newest stamp over all collections of the
// user, including emptied ones.
func (s *Storage) StorageModified(ctx context.Context, userID string) (stamp store.Stamp, err error) {
	ctx, done := s.begin(ctx, "storage_modified")
	defer done(&err)

	if err := validateUser(userID); err != nil {
		return 0, err
	}
	heads, err := s.collections.List(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, h := range heads {
		stamp = max(stamp, h.Modified)
	}
	return stamp, nil
}

// ReconcileQuota recomputes the cached quota total of the user and returns
// it.
func (s *Storage) ReconcileQuota(ctx context.Context, userID string) (total int64, err error) {
	ctx, done := s.begin(ctx, "reconcile_quota")
	defer done(&err)

	if err := validateUser(userID); err != nil {
		return 0, err
	}
	return s.quota.Reconcile(ctx, userID)
}

// PurgeExpired removes records and batches expired at or before cutoff. It
// is meant for a scheduler, not for request traffic.
func (s *Storage) PurgeExpired(ctx context.Context, cutoff time.Time, batchSize int) (count int, err error) {
	ctx, done := s.begin(ctx, "purge_expired")
	defer done(&err)

	count, err = s.reaper.PurgeExpired(ctx, cutoff, batchSize)
	if count > 0 {
		s.observer.Purged(count)
	}
	return count, err
}

func (s *Storage) Ping(ctx context.Context) (err error) {
	ctx, done := s.begin(ctx, "ping")
	defer done(&err)

	return s.driver.Ping(ctx)
}
