package main

import (
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/breez/sync-storage/config"
	"github.com/breez/sync-storage/metrics"
	"github.com/breez/sync-storage/store/backends"
	"github.com/breez/sync-storage/syncstorage"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel.Level}))
	slog.SetDefault(logger)

	driver, err := backends.Open(config, logger)
	if err != nil {
		log.Fatalf("Failed to open %s backend: %v", config.StorageBackend, err)
	}
	defer driver.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	serverMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	registry.MustRegister(serverMetrics)

	opts, err := backends.Options(config, logger)
	if err != nil {
		log.Fatalf("Invalid storage options: %v", err)
	}
	storage := syncstorage.New(driver, append(opts, syncstorage.WithObserver(metrics.NewObserver(registry)))...)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		logger.Info("metrics listening", slog.String("address", config.MetricsListenAddress))
		if err := http.ListenAndServe(config.MetricsListenAddress, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to serve metrics: %v", err)
		}
	}()

	grpcListener, err := net.Listen("tcp", config.GrpcListenAddress)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	quitChan := make(chan struct{})
	defer close(quitChan)
	maintenance := NewMaintenanceServer(config, storage, logger)
	maintenance.Start(quitChan)
	s := CreateServer(config, grpcListener, maintenance, serverMetrics)
	logger.Info("server listening", slog.String("address", config.GrpcListenAddress), slog.String("backend", config.StorageBackend))
	if err := s.Serve(grpcListener); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
