package backends

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/breez/sync-storage/config"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{config.BackendSQLite, config.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			c := &config.Config{
				StorageBackend: backend,
				SQLiteDBPath:   filepath.Join(dir, "sqlite", "sync.db"),
				BoltDBPath:     filepath.Join(dir, "bolt", "sync.bolt"),
			}
			storage, err := Open(c, slog.Default())
			require.NoError(t, err, "failed to open %s", backend)
			defer storage.Close()
			require.NoError(t, storage.Ping(context.Background()))

			id, err := storage.CollectionID(context.Background(), "tabs")
			require.NoError(t, err)
			require.Equal(t, int64(9), id)
		})
	}

	_, err := Open(&config.Config{StorageBackend: "mysql"}, slog.Default())
	require.Error(t, err)
}

func TestOptions(t *testing.T) {
	d := func(v time.Duration) *config.Duration { return &config.Duration{Duration: v} }
	c := &config.Config{
		WriteConflictPolicy:    "reject",
		CommitAttempts:         3,
		OperationTimeout:       d(time.Second),
		BatchLifetime:          d(time.Hour),
		ReadRetryAttempts:      2,
		ReadRetryInitial:       d(time.Millisecond),
		ReadRetryMax:           d(10 * time.Millisecond),
		QuotaReconcileInterval: d(time.Minute),
	}
	opts, err := Options(c, slog.Default())
	require.NoError(t, err)
	require.NotEmpty(t, opts)

	c.WriteConflictPolicy = "first"
	_, err = Options(c, slog.Default())
	require.Error(t, err)
}
