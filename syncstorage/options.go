package syncstorage

import (
	"log/slog"
	"time"
)

type Option func(*Storage)

// WithClock replaces the wall clock used for stamps, expiry and batch
// lifetimes.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

func WithObserver(observer Observer) Option {
	return func(s *Storage) {
		s.observer = observer
	}
}

func WithLimits(limits Limits) Option {
	return func(s *Storage) {
		s.limits = limits
	}
}

func WithQuota(config QuotaConfig) Option {
	return func(s *Storage) {
		s.quotaConfig = config
	}
}

func WithConflictPolicy(policy ConflictPolicy) Option {
	return func(s *Storage) {
		s.policy = policy
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(s *Storage) {
		s.retry = policy
	}
}

// WithCommitAttempts bounds the commit loop of a single write.
func WithCommitAttempts(attempts int) Option {
	return func(s *Storage) {
		s.commitAttempts = attempts
	}
}

// WithOperationTimeout sets the deadline applied to operations whose
// context has none. Zero leaves such contexts alone.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(s *Storage) {
		s.timeout = timeout
	}
}

func WithBatchLifetime(lifetime time.Duration) Option {
	return func(s *Storage) {
		s.batchLifetime = lifetime
	}
}

// WithPageSize sets how many rows a collection scan fetches per driver
// call.
func WithPageSize(size int) Option {
	return func(s *Storage) {
		s.pageSize = size
	}
}
