package syncstorage

import "time"

// Observer receives operation outcomes. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// Done is called once per Storage operation with its error, nil on
	// success.
	Done(op string, err error, took time.Duration)
	ClockRegression(op string)
	QuotaRejected()
	Purged(count int)
}

type nopObserver struct{}

func (nopObserver) Done(string, error, time.Duration) {}
func (nopObserver) ClockRegression(string)            {}
func (nopObserver) QuotaRejected()                    {}
func (nopObserver) Purged(int)                        {}
