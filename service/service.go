// Package service hosts the sidecar HTTP surfaces: a healthz endpoint
// reporting liveness and version, and the Prometheus metrics endpoint.
// Both are independent of the orchestration lifecycle; a taken listen
// address never stops the pipeline.
package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-retest/metrics"
)

const (
	DefaultHealthzAddr = "0.0.0.0:8080"
	DefaultMetricsAddr = "0.0.0.0:7300"
)

type Service struct {
	log     log.Logger
	healthz *HealthzServer
	metrics *MetricsServer

	healthzAddr string
	metricsAddr string
}

func New(version string) *Service {
	return &Service{
		log:         log.Root(),
		healthz:     &HealthzServer{version: version},
		metrics:     &MetricsServer{},
		healthzAddr: DefaultHealthzAddr,
		metricsAddr: DefaultMetricsAddr,
	}
}

// Start brings both servers up in the background and returns immediately.
func (s *Service) Start(ctx context.Context) {
	s.serve(ctx, "healthz", s.healthzAddr, s.healthz.Start)
	s.serve(ctx, "metrics", s.metricsAddr, s.metrics.Start)
}

func (s *Service) serve(ctx context.Context, name, addr string, start func(context.Context, string) error) {
	go func() {
		s.log.Info("Starting sidecar server", "server", name, "addr", addr)
		if err := start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Sidecar server failed", "server", name, "err", err)
			metrics.RecordErrorDetails(name+"_server", err)
		}
	}()
}

func (s *Service) Shutdown() {
	if err := s.healthz.Shutdown(); err != nil {
		s.log.Debug("Healthz server shutdown", "err", err)
	}
	if err := s.metrics.Shutdown(); err != nil {
		s.log.Debug("Metrics server shutdown", "err", err)
	}
	s.log.Info("Sidecar servers stopped")
}
