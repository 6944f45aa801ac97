package syncstorage

import (
	"time"

	"github.com/breez/sync-storage/store"
)

// Clock issues collection stamps. A stamp is never below wall clock time in
// milliseconds and always above the last stamp of the collection, so stamps
// stay strictly increasing when writers' clocks disagree.
type Clock struct {
	now func() time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) Now() store.Stamp {
	return store.StampFromTime(c.now())
}

// Next returns the stamp for a commit on top of a head stamped last.
func (c *Clock) Next(last store.Stamp) store.Stamp {
	return max(c.Now(), last+1)
}

// Observe validates a head stamp re-read after a failed commit against the
// stamp the commit expected. A concurrent writer must have moved the head
// forward, anything else means the backend went back in time.
func (c *Clock) Observe(last, observed store.Stamp) error {
	if observed <= last {
		return newError(KindClockRegression, "collection stamp went from %d to %d", last, observed)
	}
	return nil
}

// Check validates that a stored record is not newer than its collection.
func (c *Clock) Check(head store.Stamp, b store.BSO) error {
	if b.Modified > head {
		return newError(KindClockRegression, "record %s modified %d after collection %d", b.ID, b.Modified, head)
	}
	return nil
}
