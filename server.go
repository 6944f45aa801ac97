package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/breez/sync-storage/config"
	"github.com/breez/sync-storage/middleware"
	"github.com/breez/sync-storage/syncstorage"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const healthInterval = 10 * time.Second

// MaintenanceServer keeps the health status in line with the backend and
// purges expired records on a fixed interval.
type MaintenanceServer struct {
	config  *config.Config
	storage *syncstorage.Storage
	health  *health.Server
	logger  *slog.Logger
}

func NewMaintenanceServer(config *config.Config, storage *syncstorage.Storage, logger *slog.Logger) *MaintenanceServer {
	return &MaintenanceServer{
		config:  config,
		storage: storage,
		health:  health.NewServer(),
		logger:  logger,
	}
}

func (s *MaintenanceServer) Start(quitChan chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-quitChan
		cancel()
	}()

	s.checkHealth(ctx)
	go func() {
		healthTicker := time.NewTicker(healthInterval)
		defer healthTicker.Stop()
		purgeTicker := time.NewTicker(s.config.PurgeInterval.Duration)
		defer purgeTicker.Stop()
		for {
			select {
			case <-healthTicker.C:
				s.checkHealth(ctx)
			case <-purgeTicker.C:
				s.purge(ctx)
			case <-quitChan:
				s.health.Shutdown()
				return
			}
		}
	}()
}

func (s *MaintenanceServer) checkHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.storage.Ping(ctx); err != nil {
		s.logger.Warn("backend ping failed", slog.Any("error", err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}

func (s *MaintenanceServer) purge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.config.PurgeInterval.Duration)
	defer cancel()
	start := time.Now()
	count, err := s.storage.PurgeExpired(ctx, start, s.config.PurgeBatchSize)
	if err != nil {
		s.logger.Error("purge failed", slog.Int("purged", count), slog.Any("error", err))
		return
	}
	s.logger.Info("purged expired records", slog.Int("purged", count), slog.Duration("took", time.Since(start)))
}

func CreateServer(config *config.Config, listener net.Listener, maintenance *MaintenanceServer, metrics *grpcprom.ServerMetrics) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{
		middleware.Deadline(config.OperationTimeout.Duration),
		middleware.Logging(maintenance.logger),
	}
	if metrics != nil {
		interceptors = append([]grpc.UnaryServerInterceptor{metrics.UnaryServerInterceptor()}, interceptors...)
	}
	s := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	healthpb.RegisterHealthServer(s, maintenance.health)
	if metrics != nil {
		metrics.InitializeMetrics(s)
	}
	return s
}
