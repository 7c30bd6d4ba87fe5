package runner

import (
	"context"

	internaltracing "github.com/wehubfusion/runhelper/internal/tracing"
	"go.uber.org/zap"
)

// TracingConfig configures span export for a batch. The batch id is added
// to the exported resource.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRatio    float64
}

// DefaultTracingConfig returns a tracing configuration for a local collector
func DefaultTracingConfig(serviceName string) TracingConfig {
	cfg := internaltracing.DefaultConfig(serviceName)
	return TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.SampleRatio,
	}
}

func (c TracingConfig) toInternalConfig() internaltracing.TracingConfig {
	return internaltracing.TracingConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		SampleRatio:    c.SampleRatio,
	}
}

// WithTracing exports the runner's spans over OTLP. Tracing is flushed and
// stopped by Wait. A setup failure is logged and the batch runs untraced.
func WithTracing(cfg TracingConfig) Option {
	return func(r *Runner) {
		r.tracingConfig = &cfg
	}
}

func (r *Runner) setupTracing() {
	if r.tracingConfig == nil {
		return
	}
	cfg := r.tracingConfig.toInternalConfig()
	cfg.BatchID = r.cfg.BatchID
	shutdown, err := internaltracing.SetupTracing(context.Background(), cfg, r.logger)
	if err != nil {
		r.logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		return
	}
	r.tracingShutdown = shutdown
}

func (r *Runner) shutdownTracing() {
	if r.tracingShutdown == nil {
		return
	}
	_ = internaltracing.ShutdownTracing(r.tracingShutdown, r.logger)
	r.tracingShutdown = nil
}
