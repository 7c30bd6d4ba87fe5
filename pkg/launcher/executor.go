// Package launcher runs single benchmark instances under an external
// resource-supervising launcher and turns its report into a result record.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
	"github.com/wehubfusion/runhelper/pkg/record"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Limits are the resource limits applied to every instance of a batch
type Limits struct {
	// TerminationWait is the delay in seconds between SIGTERM and SIGKILL
	TerminationWait int
	// Timeout is the wall clock limit in seconds; 0 disables it
	Timeout int
	// Memout is the RSS+swap limit in MiB; 0 disables it
	Memout int
}

// ValidatePath checks that path names an existing regular file
func ValidatePath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &sdkerrors.PathError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &sdkerrors.PathError{Path: path, Err: errors.New("not a regular file")}
	}
	return nil
}

// BaseCommand builds the launcher invocation prefix shared by all instances
func BaseCommand(path string, limits Limits) []string {
	cmd := []string{path, "-d", strconv.Itoa(limits.TerminationWait)}
	if limits.Timeout > 0 {
		cmd = append(cmd, "-W", strconv.Itoa(limits.Timeout))
	}
	if limits.Memout > 0 {
		cmd = append(cmd, "--rss-swap-limit", strconv.Itoa(limits.Memout))
	}
	return cmd
}

// Invocation describes one instance run
type Invocation struct {
	InstanceID  string
	BaseCommand []string
	Args        []string
	OutputFile  string
}

// Command returns the full argument vector: base ++ ["-o", output] ++ args
func (inv Invocation) Command() []string {
	cmd := make([]string, 0, len(inv.BaseCommand)+2+len(inv.Args))
	cmd = append(cmd, inv.BaseCommand...)
	cmd = append(cmd, "-o", inv.OutputFile)
	return append(cmd, inv.Args...)
}

// Outcome is what a worker hands back to the runner for one instance
type Outcome struct {
	InstanceID string
	Record     *record.Record
	OutputFile string
	Duration   time.Duration
	Err        error
}

// Executor runs invocations. It holds no per-instance state and is safe for concurrent use.
type Executor struct {
	logger *zap.Logger
	tracer trace.Tracer
}

// NewExecutor creates an executor; a nil logger disables logging
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		logger: logger,
		tracer: otel.Tracer("runhelper/launcher"),
	}
}

// Run executes one invocation to completion and parses its result.
// Failures are reported in Outcome.Err and never affect other instances.
func (e *Executor) Run(ctx context.Context, inv Invocation) Outcome {
	ctx, span := e.tracer.Start(ctx, "launcher.Run",
		trace.WithAttributes(
			attribute.String("instance.id", inv.InstanceID),
			attribute.String("instance.output_file", inv.OutputFile),
		))
	defer span.End()

	start := time.Now()
	rec, err := e.run(ctx, inv)
	duration := time.Since(start)

	span.SetAttributes(attribute.Int64("instance.duration_ms", duration.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "instance completed")
	}

	return Outcome{
		InstanceID: inv.InstanceID,
		Record:     rec,
		OutputFile: inv.OutputFile,
		Duration:   duration,
		Err:        err,
	}
}

func (e *Executor) run(ctx context.Context, inv Invocation) (*record.Record, error) {
	if len(inv.BaseCommand) == 0 {
		return nil, fmt.Errorf("instance %s: base command is empty", inv.InstanceID)
	}
	if err := os.MkdirAll(filepath.Dir(inv.OutputFile), 0o755); err != nil {
		return nil, fmt.Errorf("instance %s: failed to create output directory: %w", inv.InstanceID, err)
	}

	argv := inv.Command()
	e.logger.Debug("Launching instance",
		zap.String("instance", inv.InstanceID),
		zap.String("command", strings.Join(argv, " ")))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// The launcher's own exit code carries no information we need; only a
		// failure to start it is fatal for the instance.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("instance %s: failed to run launcher: %w", inv.InstanceID, err)
		}
		e.logger.Debug("Launcher exited with non-zero status",
			zap.String("instance", inv.InstanceID),
			zap.Int("exitCode", exitErr.ExitCode()),
			zap.String("stderr", stderr.String()))
	}

	rec, err := ParseReport(inv.InstanceID, stdout.String())
	if err != nil {
		return nil, err
	}

	if err := readTagLog(inv.OutputFile, rec); err != nil {
		return nil, fmt.Errorf("instance %s: failed to read tag log: %w", inv.InstanceID, err)
	}

	return rec, nil
}

func readTagLog(path string, rec *record.Record) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return ParseTagLog(f, rec)
}
