package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalEnvironmentValue(data string) error {
	parsed, err := time.ParseDuration(data)
	if err != nil {
		return fmt.Errorf("could not parse duration %q: %w", data, err)
	}
	d.Duration = parsed
	return nil
}

type LogLevel struct {
	slog.Level
}

func (l *LogLevel) UnmarshalEnvironmentValue(data string) error {
	return l.Level.UnmarshalText([]byte(data))
}

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
)

type Config struct {
	GrpcListenAddress    string    `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	MetricsListenAddress string    `env:"METRICS_LISTEN_ADDRESS,default=0.0.0.0:9090"`
	LogLevel             *LogLevel `env:"LOG_LEVEL,default=info"`

	StorageBackend string `env:"STORAGE_BACKEND,default=sqlite"`
	SQLiteDBPath   string `env:"SQLITE_DB_PATH,default=db/sync.db"`
	PgDatabaseUrl  string `env:"DATABASE_URL"`
	BoltDBPath     string `env:"BOLT_DB_PATH,default=db/sync.bolt"`

	QuotaBytes             int64     `env:"QUOTA_BYTES,default=0"`
	QuotaReconcileWrites   int64     `env:"QUOTA_RECONCILE_WRITES,default=100"`
	QuotaReconcileInterval *Duration `env:"QUOTA_RECONCILE_INTERVAL,default=10m"`

	MaxRecordPayloadBytes int64     `env:"MAX_RECORD_PAYLOAD_BYTES,default=2097152"`
	MaxPostRecords        int       `env:"MAX_POST_RECORDS,default=100"`
	MaxPostBytes          int64     `env:"MAX_POST_BYTES,default=2097152"`
	MaxTotalRecords       int       `env:"MAX_TOTAL_RECORDS,default=10000"`
	MaxTotalBytes         int64     `env:"MAX_TOTAL_BYTES,default=104857600"`
	BatchLifetime         *Duration `env:"BATCH_LIFETIME,default=2h"`

	WriteConflictPolicy string    `env:"WRITE_CONFLICT_POLICY,default=lww"`
	CommitAttempts      int       `env:"COMMIT_ATTEMPTS,default=10"`
	ReadRetryAttempts   int       `env:"READ_RETRY_ATTEMPTS,default=3"`
	ReadRetryInitial    *Duration `env:"READ_RETRY_INITIAL,default=20ms"`
	ReadRetryMax        *Duration `env:"READ_RETRY_MAX,default=500ms"`
	OperationTimeout    *Duration `env:"OPERATION_TIMEOUT,default=30s"`

	PurgeInterval  *Duration `env:"PURGE_INTERVAL,default=1h"`
	PurgeBatchSize int       `env:"PURGE_BATCH_SIZE,default=1000"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendSQLite, BackendBolt:
	case BackendPostgres:
		if c.PgDatabaseUrl == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q, want one of %s", c.StorageBackend,
			strings.Join([]string{BackendSQLite, BackendPostgres, BackendBolt}, ", "))
	}
	switch c.WriteConflictPolicy {
	case "lww", "reject":
	default:
		return fmt.Errorf("unknown WRITE_CONFLICT_POLICY %q", c.WriteConflictPolicy)
	}
	if c.QuotaBytes < 0 {
		return fmt.Errorf("QUOTA_BYTES must not be negative")
	}
	if c.CommitAttempts < 1 {
		return fmt.Errorf("COMMIT_ATTEMPTS must be at least 1")
	}
	if c.PurgeBatchSize < 1 {
		return fmt.Errorf("PURGE_BATCH_SIZE must be at least 1")
	}
	if c.PurgeInterval == nil || c.PurgeInterval.Duration <= 0 {
		return fmt.Errorf("PURGE_INTERVAL must be positive")
	}
	return nil
}
