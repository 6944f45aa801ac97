// Package backends opens the storage engine selected by configuration.
package backends

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/breez/sync-storage/config"
	"github.com/breez/sync-storage/store"
	"github.com/breez/sync-storage/store/bolt"
	"github.com/breez/sync-storage/store/postgres"
	"github.com/breez/sync-storage/store/sqlite"
	"github.com/breez/sync-storage/syncstorage"
)

func Open(c *config.Config, logger *slog.Logger) (store.SyncStorage, error) {
	switch c.StorageBackend {
	case config.BackendPostgres:
		return postgres.NewPGSyncStorage(c.PgDatabaseUrl)
	case config.BackendBolt:
		if err := ensureDir(c.BoltDBPath); err != nil {
			return nil, err
		}
		return bolt.NewBoltSyncStorage(c.BoltDBPath, bolt.WithLogger(logger))
	case config.BackendSQLite:
		if err := ensureDir(c.SQLiteDBPath); err != nil {
			return nil, err
		}
		return sqlite.NewSQLiteSyncStorage(fmt.Sprintf("file:%s", c.SQLiteDBPath))
	}
	return nil, fmt.Errorf("unknown storage backend %q", c.StorageBackend)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// Options maps the configuration onto syncstorage options.
func Options(c *config.Config, logger *slog.Logger) ([]syncstorage.Option, error) {
	policy, err := syncstorage.ParseConflictPolicy(c.WriteConflictPolicy)
	if err != nil {
		return nil, err
	}
	return []syncstorage.Option{
		syncstorage.WithLogger(logger),
		syncstorage.WithConflictPolicy(policy),
		syncstorage.WithCommitAttempts(c.CommitAttempts),
		syncstorage.WithOperationTimeout(c.OperationTimeout.Duration),
		syncstorage.WithBatchLifetime(c.BatchLifetime.Duration),
		syncstorage.WithRetryPolicy(syncstorage.RetryPolicy{
			Attempts: c.ReadRetryAttempts,
			Initial:  c.ReadRetryInitial.Duration,
			Max:      c.ReadRetryMax.Duration,
		}),
		syncstorage.WithQuota(syncstorage.QuotaConfig{
			Limit:             c.QuotaBytes,
			ReconcileWrites:   c.QuotaReconcileWrites,
			ReconcileInterval: c.QuotaReconcileInterval.Duration,
		}),
		syncstorage.WithLimits(syncstorage.Limits{
			MaxRecordPayloadBytes: c.MaxRecordPayloadBytes,
			MaxPostRecords:        c.MaxPostRecords,
			MaxPostBytes:          c.MaxPostBytes,
			MaxTotalRecords:       c.MaxTotalRecords,
			MaxTotalBytes:         c.MaxTotalBytes,
		}),
	}, nil
}
