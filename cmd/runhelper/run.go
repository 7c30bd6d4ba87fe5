package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/runhelper/internal/logging"
	natsconn "github.com/wehubfusion/runhelper/internal/nats"
	"github.com/wehubfusion/runhelper/pkg/callback"
	"github.com/wehubfusion/runhelper/pkg/concurrency"
	"github.com/wehubfusion/runhelper/pkg/config"
	"github.com/wehubfusion/runhelper/pkg/publish"
	"github.com/wehubfusion/runhelper/pkg/runner"
	"github.com/wehubfusion/runhelper/pkg/storage"
)

var runCmd = &cobra.Command{
	Use:   "run <manifest.yaml>",
	Short: "Run the instances of a batch manifest",
	Long: `Run every instance listed in a batch manifest and append the results to
the result table.

Example:
  runhelper run batch.yaml
  runhelper run batch.yaml --pool-size 8 --timeout 300 --memout 4096`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

// setMaxProcs aligns GOMAXPROCS with the container CPU quota
var setMaxProcs = concurrency.InitializeForKubernetes

func init() {
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("batch-id", "", "Batch id (default: manifest batch_id, else a new UUID)")
	cmd.Flags().String("table", "", "Result table path")
	cmd.Flags().Int("pool-size", 0, "Number of instances run at once")
	cmd.Flags().Int("timeout", 0, "Per-instance wall clock limit in seconds (0 disables)")
	cmd.Flags().Int("memout", 0, "Per-instance memory limit in MiB (0 disables)")
	cmd.Flags().Bool("no-archive", false, "Do not archive the batch to blob storage")
}

// integrations holds the optional services a batch reports to
type integrations struct {
	logger    *zap.Logger
	metrics   *runner.PrometheusMetricsCollector
	server    *http.Server
	publisher *publish.Publisher
	closeNATS func()
	reporter  *publish.SentryReporter
	archiver  *storage.Archiver
}

// loadBatch layers environment, manifest and flags into the run configuration.
// GOMAXPROCS is set first since the default pool size is derived from it.
// The returned function restores GOMAXPROCS.
func loadBatch(cmd *cobra.Command, manifestPath string) (*config.Config, *config.Manifest, func(), error) {
	undo := setMaxProcs(zap.NewNop())

	cfg, err := config.Load()
	if err != nil {
		undo()
		return nil, nil, nil, err
	}
	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		undo()
		return nil, nil, nil, err
	}
	manifest.Apply(cfg)
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		undo()
		return nil, nil, nil, err
	}
	return cfg, manifest, undo, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, manifest, undo, err := loadBatch(cmd, args[0])
	if err != nil {
		return err
	}
	defer undo()

	batchID, _ := cmd.Flags().GetString("batch-id")
	if batchID == "" {
		batchID = manifest.BatchID
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Debug("Run configuration loaded",
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		zap.Int("poolSize", cfg.PoolSize))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := setupIntegrations(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer in.close()

	noArchive, _ := cmd.Flags().GetBool("no-archive")
	if in.archiver != nil && !noArchive {
		if _, err := in.archiver.RestoreTable(ctx, batchID, cfg.TablePath); err != nil {
			return err
		}
	}

	opts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithMetrics(in.metrics),
	}
	if cfg.OTLPEndpoint != "" {
		tc := runner.DefaultTracingConfig("runhelper")
		tc.ServiceVersion = version
		tc.OTLPEndpoint = cfg.OTLPEndpoint
		opts = append(opts, runner.WithTracing(tc))
	}
	if in.publisher != nil {
		opts = append(opts, runner.WithPublisher(in.publisher))
	}
	if in.reporter != nil {
		opts = append(opts, runner.WithFailureReporter(in.reporter))
	}

	r, err := runner.New(cfg.RunnerConfig(batchID), opts...)
	if err != nil {
		return err
	}

	if cfg.CallbackScript != "" {
		script, err := callback.LoadFile(cfg.CallbackScript, callback.Config{
			Timeout: cfg.CallbackTimeout,
			Logger:  logger,
		})
		if err != nil {
			_ = r.Wait()
			return err
		}
		r.RegisterInstanceCallback(script.Callback())
	}

	var scheduleErr error
	for _, inst := range manifest.Instances {
		if err := r.Schedule(ctx, inst.ID, inst.Args, manifest.OutputFile(inst)); err != nil {
			scheduleErr = err
			break
		}
	}
	if scheduleErr != nil {
		logger.Warn("Stopped scheduling, waiting for running instances", zap.Error(scheduleErr))
	}

	waitErr := r.Wait()
	progress := r.Progress()
	fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d completed, %d failed, %d skipped\n",
		batchID, progress.Completed, progress.Failed, progress.Skipped)

	if in.archiver != nil && !noArchive && waitErr == nil {
		// Archive even when interrupted so partial batches can be resumed elsewhere
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		defer cancel()
		if _, err := in.archiver.ArchiveBatch(archiveCtx, batchID, cfg.TablePath, archiveOutputs(r.Outputs())); err != nil {
			logger.Error("Failed to archive batch", zap.Error(err))
		}
	}

	return errors.Join(waitErr, ignoreCanceled(scheduleErr))
}

// applyFlags overrides cfg with the flags given on the command line
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("table") {
		cfg.TablePath, _ = flags.GetString("table")
	}
	if flags.Changed("pool-size") {
		cfg.PoolSize, _ = flags.GetInt("pool-size")
	}
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetInt("timeout")
	}
	if flags.Changed("memout") {
		cfg.Memout, _ = flags.GetInt("memout")
	}
}

func setupIntegrations(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*integrations, error) {
	in := &integrations{
		logger:    logger,
		metrics:   runner.NewPrometheusMetricsCollector("runhelper"),
		closeNATS: func() {},
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", in.metrics.Handler())
		in.server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := in.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	if cfg.NATSURL != "" {
		conn, err := natsconn.Connect(ctx, natsconn.DefaultConnectionConfig(cfg.NATSURL), logger)
		if err != nil {
			in.close()
			return nil, err
		}
		in.closeNATS = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := conn.Shutdown(ctx); err != nil {
				logger.Warn("Failed to drain NATS connection", zap.Error(err))
			}
		}
		publisher, err := publish.NewPublisher(conn, cfg.NATSSubject, logger)
		if err != nil {
			in.close()
			return nil, err
		}
		in.publisher = publisher
	}

	if cfg.SentryDSN != "" {
		reporter, err := publish.NewSentryReporter(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: "runhelper@" + version,
		}, logger)
		if err != nil {
			in.close()
			return nil, err
		}
		in.reporter = reporter
	}

	if cfg.AzureConnectionString != "" {
		client, err := storage.NewAzureBlobClient(cfg.AzureConnectionString, cfg.AzureContainer, logger)
		if err != nil {
			in.close()
			return nil, err
		}
		archiver, err := storage.NewArchiver(client, storage.DefaultPrefix, logger)
		if err != nil {
			in.close()
			return nil, err
		}
		in.archiver = archiver
	}

	return in, nil
}

func (in *integrations) close() {
	if in.reporter != nil {
		in.reporter.Flush(2 * time.Second)
	}
	in.closeNATS()
	if in.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := in.server.Shutdown(ctx); err != nil {
			in.logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}
}

func archiveOutputs(outputs []runner.Output) []storage.OutputFile {
	files := make([]storage.OutputFile, len(outputs))
	for i, out := range outputs {
		files[i] = storage.OutputFile{InstanceID: out.InstanceID, Path: out.File}
	}
	return files
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
