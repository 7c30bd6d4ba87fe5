// Package runner schedules benchmark instances on a bounded pool of workers
// and merges their results into a resumable result table.
//
// Workers only execute instances. Every completion is handed to a single
// consumer goroutine that owns the result table, runs the instance callback
// and appends the row, so completion handling is strictly serialized.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/runhelper/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
	"github.com/wehubfusion/runhelper/pkg/launcher"
	"github.com/wehubfusion/runhelper/pkg/record"
	"github.com/wehubfusion/runhelper/pkg/table"
)

// DefaultTerminationWait is the launcher's SIGTERM to SIGKILL delay in seconds
const DefaultTerminationWait = 5

// Config describes one batch
type Config struct {
	// LauncherPath is the resource-supervising launcher executable
	LauncherPath string
	// TablePath is the result table; an existing table is resumed
	TablePath string
	// Timeout is the per-instance wall clock limit in seconds; 0 means none
	Timeout int
	// Memout is the per-instance memory limit in MiB; 0 means none
	Memout int
	// TerminationWait is passed to the launcher as -d
	TerminationWait int
	// PoolSize is the number of instances run at once
	PoolSize int
	// BatchID identifies the batch in events, traces and archives; generated if empty
	BatchID string
}

// InstanceCallback is invoked for every completed instance before its row is
// written. Changes made to rec are persisted.
type InstanceCallback func(instanceID string, rec *record.Record, outputFile string)

// FailureCallback is invoked for every instance that produced no record
type FailureCallback func(instanceID, outputFile string, err error)

// InstanceExecutor runs one instance to completion
type InstanceExecutor interface {
	Run(ctx context.Context, inv launcher.Invocation) launcher.Outcome
}

// EventPublisher announces instance results to other systems
type EventPublisher interface {
	PublishCompleted(ctx context.Context, batchID string, rec *record.Record) error
	PublishFailed(ctx context.Context, batchID, instanceID string, cause error) error
}

// FailureReporter forwards instance failures to an error tracker
type FailureReporter interface {
	Report(batchID, instanceID string, err error)
}

// Progress is a snapshot of the batch state
type Progress struct {
	Expected  int
	Completed int
	Failed    int
	Skipped   int
}

// Output names the output file of a recorded instance
type Output struct {
	InstanceID string
	File       string
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(r *Runner) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithPublisher publishes an event per completed or failed instance
func WithPublisher(publisher EventPublisher) Option {
	return func(r *Runner) {
		r.publisher = publisher
	}
}

// WithFailureReporter reports failed instances to an error tracker
func WithFailureReporter(reporter FailureReporter) Option {
	return func(r *Runner) {
		r.reporter = reporter
	}
}

// WithExecutor replaces the launcher executor
func WithExecutor(executor InstanceExecutor) Option {
	return func(r *Runner) {
		if executor != nil {
			r.executor = executor
		}
	}
}

// Runner runs a batch of instances
type Runner struct {
	cfg         Config
	baseCommand []string
	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     MetricsCollector
	publisher   EventPublisher
	reporter    FailureReporter
	executor    InstanceExecutor
	limiter     *concurrency.Limiter

	tracingConfig   *TracingConfig
	tracingShutdown func(context.Context) error

	// previousIDs is read-only after New
	previousIDs map[string]struct{}

	mu              sync.Mutex
	callback        InstanceCallback
	failureCallback FailureCallback
	closed          bool
	fatalErr        error
	skipNotified    bool
	progress        Progress
	outputs         []Output

	inflight  sync.WaitGroup
	results   chan launcher.Outcome
	closeOnce sync.Once
	done      chan struct{}

	// table is owned by the consumer goroutine
	table *table.Table
}

// New validates cfg, loads the existing result table and starts the consumer.
// A launcher path that is not a regular file yields a *errors.PathError.
func New(cfg Config, opts ...Option) (*Runner, error) {
	if cfg.PoolSize <= 0 {
		return nil, errors.New("pool size must be greater than 0")
	}
	if cfg.TablePath == "" {
		return nil, errors.New("table path cannot be empty")
	}
	if cfg.Timeout < 0 || cfg.Memout < 0 || cfg.TerminationWait < 0 {
		return nil, errors.New("limits cannot be negative")
	}
	if err := launcher.ValidatePath(cfg.LauncherPath); err != nil {
		return nil, err
	}
	if cfg.BatchID == "" {
		cfg.BatchID = uuid.NewString()
	}

	r := &Runner{
		cfg: cfg,
		baseCommand: launcher.BaseCommand(cfg.LauncherPath, launcher.Limits{
			TerminationWait: cfg.TerminationWait,
			Timeout:         cfg.Timeout,
			Memout:          cfg.Memout,
		}),
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("runhelper/runner"),
		metrics:     NewNoopMetricsCollector(),
		limiter:     concurrency.NewLimiter(cfg.PoolSize),
		previousIDs: make(map[string]struct{}),
		results:     make(chan launcher.Outcome, cfg.PoolSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.executor == nil {
		r.executor = launcher.NewExecutor(r.logger)
	}
	r.logger = r.logger.With(zap.String("batchID", cfg.BatchID))
	r.setupTracing()

	t, err := table.Open(cfg.TablePath, r.logger)
	if err != nil {
		r.shutdownTracing()
		return nil, fmt.Errorf("failed to load result table: %w", err)
	}
	r.table = t
	for _, id := range t.InstanceIDs() {
		r.previousIDs[id] = struct{}{}
	}

	r.logger.Info("Runner created",
		zap.Strings("baseCommand", r.baseCommand),
		zap.String("table", cfg.TablePath),
		zap.Int("poolSize", cfg.PoolSize),
		zap.Int("previousInstances", len(r.previousIDs)))

	go r.consume()
	return r, nil
}

// BatchID returns the batch identifier
func (r *Runner) BatchID() string {
	return r.cfg.BatchID
}

// BaseCommand returns the launcher invocation prefix shared by all instances
func (r *Runner) BaseCommand() []string {
	return append([]string(nil), r.baseCommand...)
}

// TablePath returns the result table file
func (r *Runner) TablePath() string {
	return r.cfg.TablePath
}

// RegisterInstanceCallback installs fn as the instance callback, replacing any previous one
func (r *Runner) RegisterInstanceCallback(fn InstanceCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = fn
}

// RegisterFailureCallback installs fn as the failure callback, replacing any previous one
func (r *Runner) RegisterFailureCallback(fn FailureCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureCallback = fn
}

// Schedule submits an instance. It returns once the instance holds a pool
// slot, blocking while the pool is full. Instances already present in the
// result table when the runner was created are skipped.
func (r *Runner) Schedule(ctx context.Context, instanceID string, args []string, outputFile string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return sdkerrors.ErrRunnerClosed
	}
	if r.fatalErr != nil {
		err := r.fatalErr
		r.mu.Unlock()
		return err
	}
	if _, done := r.previousIDs[instanceID]; done {
		r.progress.Skipped++
		notify := !r.skipNotified
		r.skipNotified = true
		r.mu.Unlock()

		if notify {
			r.logger.Warn("Skipping instances already present in the result table",
				zap.String("instance", instanceID),
				zap.String("table", r.cfg.TablePath))
		}
		r.metrics.InstanceSkipped()
		return nil
	}
	r.mu.Unlock()

	if err := r.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("instance %s: %w", instanceID, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.limiter.Release()
		return sdkerrors.ErrRunnerClosed
	}
	r.inflight.Add(1)
	r.progress.Expected++
	r.mu.Unlock()

	r.metrics.InstanceScheduled()
	r.metrics.InstancesRunning(int(r.limiter.CurrentActive()))

	inv := launcher.Invocation{
		InstanceID:  instanceID,
		BaseCommand: r.baseCommand,
		Args:        append([]string(nil), args...),
		OutputFile:  outputFile,
	}
	// Instances always run to completion; the launcher enforces the limits.
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer r.inflight.Done()
		outcome := r.executor.Run(runCtx, inv)
		// Holding the slot until the consumer takes the outcome bounds the
		// number of pending completions by the pool size.
		r.results <- outcome
		r.limiter.Release()
		r.metrics.InstancesRunning(int(r.limiter.CurrentActive()))
	}()
	return nil
}

// Wait blocks until every scheduled instance has been run and recorded, then
// stops accepting work. It returns the first table error of the batch, if any.
func (r *Runner) Wait() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.inflight.Wait()
	r.closeOnce.Do(func() { close(r.results) })
	<-r.done

	p := r.Progress()
	m := r.limiter.GetMetrics()
	r.logger.Info("Batch finished",
		zap.Int("completed", p.Completed),
		zap.Int("failed", p.Failed),
		zap.Int("skipped", p.Skipped),
		zap.Int64("peakConcurrent", m.PeakConcurrent),
		zap.Duration("averageSlotWait", r.limiter.GetAverageWaitTime()))

	r.shutdownTracing()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

// Progress returns a snapshot of the batch counters
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Outputs returns the output files of recorded instances in completion order
func (r *Runner) Outputs() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Output(nil), r.outputs...)
}

// PeakConcurrent is the largest number of instances that ran at once
func (r *Runner) PeakConcurrent() int {
	return int(r.limiter.GetMetrics().PeakConcurrent)
}

func (r *Runner) consume() {
	defer close(r.done)
	for outcome := range r.results {
		r.handleCompletion(outcome)
	}
}

func (r *Runner) handleCompletion(outcome launcher.Outcome) {
	ctx, span := r.tracer.Start(context.Background(), "runner.handleCompletion",
		trace.WithAttributes(
			attribute.String("batch.id", r.cfg.BatchID),
			attribute.String("instance.id", outcome.InstanceID),
			attribute.Int64("instance.duration_ms", outcome.Duration.Milliseconds()),
		))
	defer span.End()

	r.mu.Lock()
	callback := r.callback
	failureCallback := r.failureCallback
	fatal := r.fatalErr != nil
	r.mu.Unlock()

	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
		r.handleFailure(ctx, outcome, failureCallback)
		return
	}

	if fatal {
		// The table is unusable; keep draining so Wait returns.
		span.SetStatus(codes.Error, "result table unavailable")
		return
	}

	rec := outcome.Record
	if callback != nil {
		callback(outcome.InstanceID, rec, outcome.OutputFile)
		if !rec.Has(record.KeyInstance) {
			rec.Set(record.KeyInstance, outcome.InstanceID)
		}
	}

	start := time.Now()
	migrated, err := r.table.Append(rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Failed to record instance; stopping batch",
			zap.String("instance", outcome.InstanceID),
			zap.Error(err))
		r.mu.Lock()
		r.fatalErr = fmt.Errorf("result table: %w", err)
		r.mu.Unlock()
		return
	}
	if migrated {
		r.metrics.TableMigration()
	}
	r.metrics.RowAppended(time.Since(start))
	r.metrics.InstanceCompleted(rec)

	r.mu.Lock()
	r.progress.Completed++
	r.outputs = append(r.outputs, Output{InstanceID: outcome.InstanceID, File: outcome.OutputFile})
	p := r.progress
	r.mu.Unlock()

	span.SetAttributes(attribute.Bool("table.migrated", migrated))
	span.SetStatus(codes.Ok, "instance recorded")

	r.logger.Info("Instance completed",
		zap.String("instance", outcome.InstanceID),
		zap.Duration("duration", outcome.Duration),
		zap.Int("done", p.Completed+p.Failed),
		zap.Int("expected", p.Expected))

	if r.publisher != nil {
		if err := r.publisher.PublishCompleted(ctx, r.cfg.BatchID, rec); err != nil {
			r.logger.Warn("Failed to publish completion event",
				zap.String("instance", outcome.InstanceID),
				zap.Error(err))
		}
	}
}

func (r *Runner) handleFailure(ctx context.Context, outcome launcher.Outcome, failureCallback FailureCallback) {
	r.mu.Lock()
	r.progress.Failed++
	p := r.progress
	r.mu.Unlock()

	r.logger.Error("Instance failed",
		zap.String("instance", outcome.InstanceID),
		zap.String("outputFile", outcome.OutputFile),
		zap.Duration("duration", outcome.Duration),
		zap.Int("done", p.Completed+p.Failed),
		zap.Int("expected", p.Expected),
		zap.Error(outcome.Err))

	reason := "launch"
	if sdkerrors.IsMalformedLauncherOutput(outcome.Err) {
		reason = "malformed_output"
	}
	r.metrics.InstanceFailed(reason)

	if r.reporter != nil {
		r.reporter.Report(r.cfg.BatchID, outcome.InstanceID, outcome.Err)
	}
	if r.publisher != nil {
		if err := r.publisher.PublishFailed(ctx, r.cfg.BatchID, outcome.InstanceID, outcome.Err); err != nil {
			r.logger.Warn("Failed to publish failure event",
				zap.String("instance", outcome.InstanceID),
				zap.Error(err))
		}
	}
	if failureCallback != nil {
		failureCallback(outcome.InstanceID, outcome.OutputFile, outcome.Err)
	}
}
