package syncstorage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/breez/sync-storage/store"
	"github.com/hashicorp/go-multierror"
)

// Reaper physically removes expired records and batches. It is driven by an
// external schedule and is safe to run next to request traffic and other
// reapers: every removal goes through the collection commit loop and re
// checks the stored expiry.
type Reaper struct {
	driver     store.SyncStorage
	repository *Repository
	retry      RetryPolicy
	logger     *slog.Logger
}

type groupKey struct {
	userID       string
	collectionID int64
}

// PurgeExpired removes records and batches that expired at or before
// cutoff, batchSize candidates at a time. Failed groups do not stop the run;
// their errors are returned together with the number of removed records and
// the rows are picked up again by a later run.
func (r *Reaper) PurgeExpired(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, newError(KindInvalidRequest, "batch size must be positive")
	}
	cut := cutoff.UnixMilli()
	var result *multierror.Error
	removed := 0

	for {
		refs, err := read(ctx, r.retry, r.logger, "expired", func() ([]store.ExpiredRef, error) {
			return r.driver.Expired(ctx, cut, batchSize)
		})
		if err != nil {
			result = multierror.Append(result, err)
			break
		}

		groups := make(map[groupKey][]string)
		var order []groupKey
		for _, ref := range refs {
			k := groupKey{ref.UserID, ref.CollectionID}
			if _, ok := groups[k]; !ok {
				order = append(order, k)
			}
			groups[k] = append(groups[k], ref.ID)
		}

		progress := 0
		failed := false
		for _, k := range order {
			n, err := r.repository.Purge(ctx, k.userID, k.collectionID, groups[k], cut)
			if err != nil {
				failed = true
				r.logger.Warn("failed to purge collection", "user", k.userID, "collection", k.collectionID, "error", err)
				result = multierror.Append(result, fmt.Errorf("user %s collection %d: %w", k.userID, k.collectionID, err))
				continue
			}
			progress += n
		}
		removed += progress
		r.logger.Debug("purged expired records", "candidates", len(refs), "removed", progress)

		if len(refs) < batchSize || progress == 0 || failed || ctx.Err() != nil {
			break
		}
	}

	for ctx.Err() == nil {
		n, err := r.driver.PurgeBatches(ctx, cut, batchSize)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("batches: %w", err))
			break
		}
		if n > 0 {
			r.logger.Debug("purged expired batches", "count", n)
		}
		if n < batchSize {
			break
		}
	}

	return removed, result.ErrorOrNil()
}
