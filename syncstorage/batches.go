package syncstorage

import (
	"context"
	"errors"

	"github.com/breez/sync-storage/store"
	"github.com/google/uuid"
)

func invalidBatch(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindInvalidBatch, "unknown or expired batch")
	}
	return err
}

// CreateBatch opens a staged batch with optional first records and returns
// its id. The batch is durable, so any instance may append to or commit it
// until it expires.
func (s *Storage) CreateBatch(ctx context.Context, userID, collection string, inputs []BSOInput) (id string, err error) {
	ctx, done := s.begin(ctx, "create_batch")
	defer done(&err)

	size, err := s.limits.validatePost(inputs)
	if err != nil {
		return "", err
	}
	if err := s.checkTotals(0, 0, len(inputs), size); err != nil {
		return "", err
	}
	cid, err := s.create(ctx, userID, collection)
	if err != nil {
		return "", err
	}
	if err := s.quota.Check(ctx, userID, size); err != nil {
		return "", err
	}

	id = uuid.NewString()
	expiry := s.now().Add(s.batchLifetime).UnixMilli()
	if err := s.driver.CreateBatch(ctx, userID, cid, id, expiry, batchItems(inputs)); err != nil {
		return "", err
	}
	s.logger.Debug("created batch", "user", userID, "collection", collection, "batch", id)
	return id, nil
}

// AppendToBatch stages more records. Records already staged under the same
// id are merged field by field.
func (s *Storage) AppendToBatch(ctx context.Context, userID, collection, id string, inputs []BSOInput) (err error) {
	ctx, done := s.begin(ctx, "append_to_batch")
	defer done(&err)

	size, err := s.limits.validatePost(inputs)
	if err != nil {
		return err
	}
	cid, batch, err := s.openBatch(ctx, userID, collection, id)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return nil
	}
	staged := stagedBytes(batch)
	if err := s.checkTotals(len(batch.Items), staged, len(inputs), size); err != nil {
		return err
	}
	if err := s.quota.Check(ctx, userID, staged+size); err != nil {
		return err
	}
	return invalidBatch(s.driver.AppendBatch(ctx, userID, cid, id, batchItems(inputs)))
}

// CommitBatch applies every staged record in one commit and drops the
// batch. All records get the returned stamp. Records appended while the
// commit runs are picked up by re-reading the batch; a batch committed
// concurrently fails with InvalidBatch.
func (s *Storage) CommitBatch(ctx context.Context, userID, collection, id string, pre Precondition) (stamp store.Stamp, err error) {
	ctx, done := s.begin(ctx, "commit_batch")
	defer done(&err)

	for attempt := 0; attempt < s.commitAttempts; attempt++ {
		cid, batch, err := s.openBatch(ctx, userID, collection, id)
		if err != nil {
			return 0, err
		}
		stamp, err = s.commitBatch(ctx, userID, cid, batch, pre)
		if !errors.Is(err, store.ErrBatchChanged) {
			return stamp, invalidBatch(err)
		}
		s.logger.Debug("batch changed during commit", "user", userID, "collection", collection, "batch", id, "attempt", attempt+1)
	}
	return 0, newError(KindBackendUnavailable, "batch %s still appended to after %d attempts", id, s.commitAttempts)
}

func (s *Storage) commitBatch(ctx context.Context, userID string, cid int64, batch store.Batch, pre Precondition) (store.Stamp, error) {
	if len(batch.Items) == 0 {
		if err := s.driver.DeleteBatch(ctx, userID, cid, batch.ID, batch.Version); err != nil {
			return 0, err
		}
		head, err := s.collections.Head(ctx, userID, cid)
		return head.Modified, err
	}

	inputs := make([]BSOInput, len(batch.Items))
	for i, item := range batch.Items {
		inputs[i] = BSOInput{ID: item.ID, Payload: item.Payload, SortIndex: item.SortIndex, TTL: item.TTL}
	}
	return s.repository.PutBatch(ctx, userID, cid, inputs, pre, &batch)
}

func (s *Storage) openBatch(ctx context.Context, userID, collection, id string) (int64, store.Batch, error) {
	if _, err := uuid.Parse(id); err != nil {
		return 0, store.Batch{}, newError(KindInvalidBatch, "malformed batch id")
	}
	cid, err := s.existing(ctx, userID, collection)
	if err != nil {
		return 0, store.Batch{}, invalidBatch(err)
	}
	now := s.now().UnixMilli()
	batch, err := read(ctx, s.retry, s.logger, "get_batch", func() (store.Batch, error) {
		return s.driver.GetBatch(ctx, userID, cid, id, now)
	})
	if err != nil {
		return 0, store.Batch{}, invalidBatch(err)
	}
	return cid, batch, nil
}

func (s *Storage) checkTotals(stagedRecords int, stagedBytes int64, records int, bytes int64) error {
	if s.limits.MaxTotalRecords > 0 && stagedRecords+records > s.limits.MaxTotalRecords {
		return newError(KindInvalidRequest, "batch would hold more than %d records", s.limits.MaxTotalRecords)
	}
	if s.limits.MaxTotalBytes > 0 && stagedBytes+bytes > s.limits.MaxTotalBytes {
		return &Error{Kind: KindPayloadTooLarge, Limit: s.limits.MaxTotalBytes}
	}
	return nil
}

func stagedBytes(b store.Batch) int64 {
	var n int64
	for _, item := range b.Items {
		if item.Payload != nil {
			n += int64(len(*item.Payload))
		}
	}
	return n
}

func batchItems(inputs []BSOInput) []store.BatchItem {
	items := make([]store.BatchItem, len(inputs))
	for i, in := range inputs {
		items[i] = store.BatchItem{ID: in.ID, SortIndex: in.SortIndex, Payload: in.Payload, TTL: in.TTL}
	}
	return items
}
