// Command purge removes expired records and batches once and exits.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breez/sync-storage/config"
	"github.com/breez/sync-storage/store/backends"
	"github.com/breez/sync-storage/syncstorage"
)

func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel.Level}))

	driver, err := backends.Open(config, logger)
	if err != nil {
		log.Fatalf("Failed to open %s backend: %v", config.StorageBackend, err)
	}
	defer driver.Close()
	opts, err := backends.Options(config, logger)
	if err != nil {
		log.Fatalf("Invalid storage options: %v", err)
	}
	// The run as a whole is bounded by the signal context, not by the
	// per operation timeout.
	storage := syncstorage.New(driver, append(opts, syncstorage.WithOperationTimeout(0))...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	count, err := storage.PurgeExpired(ctx, start, config.PurgeBatchSize)
	logger.Info("purge finished", slog.Int("purged", count), slog.Duration("took", time.Since(start)))
	if err != nil {
		logger.Error("purge failed", slog.Any("error", err))
		driver.Close()
		os.Exit(1)
	}
}
