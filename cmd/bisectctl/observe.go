package main

import (
	"context"

	"github.com/kbisect/kbisect/internal/config"
	"github.com/kbisect/kbisect/internal/logging"
	"github.com/kbisect/kbisect/internal/metrics"
	"github.com/kbisect/kbisect/internal/observability"
)

// initObservability wires up structured logging, OpenTelemetry tracing, and
// Prometheus metrics from cfg, in the order the daemon itself depends on
// them: logging first, since every later init step logs through it.
func initObservability(ctx context.Context, cfg *config.Config) (func(), error) {
	logging.SetLevelFromString(cfg.Observability.Logging.Level)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return nil, err
	}

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	return func() { _ = observability.Shutdown(context.Background()) }, nil
}
