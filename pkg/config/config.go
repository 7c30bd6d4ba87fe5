// Package config loads runhelper settings from RUNHELPER_* environment
// variables and YAML batch manifests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wehubfusion/runhelper/pkg/concurrency"
	"github.com/wehubfusion/runhelper/pkg/runner"
)

// Environment variables
const (
	EnvLauncher              = "RUNHELPER_LAUNCHER"
	EnvTable                 = "RUNHELPER_TABLE"
	EnvTimeout               = "RUNHELPER_TIMEOUT"
	EnvMemout                = "RUNHELPER_MEMOUT"
	EnvTerminationWait       = "RUNHELPER_TERMINATION_WAIT"
	EnvPoolSize              = concurrency.PoolSizeEnv
	EnvLogLevel              = "RUNHELPER_LOG_LEVEL"
	EnvLogFormat             = "RUNHELPER_LOG_FORMAT"
	EnvNATSURL               = "RUNHELPER_NATS_URL"
	EnvNATSSubject           = "RUNHELPER_NATS_SUBJECT"
	EnvAzureConnectionString = "RUNHELPER_AZURE_CONNECTION_STRING"
	EnvAzureContainer        = "RUNHELPER_AZURE_CONTAINER"
	EnvSentryDSN             = "RUNHELPER_SENTRY_DSN"
	EnvOTLPEndpoint          = "RUNHELPER_OTLP_ENDPOINT"
	EnvMetricsAddr           = "RUNHELPER_METRICS_ADDR"
	EnvCallbackScript        = "RUNHELPER_CALLBACK_SCRIPT"
	EnvCallbackTimeout       = "RUNHELPER_CALLBACK_TIMEOUT"
)

// Defaults
const (
	DefaultTable           = "results.csv"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultAzureContainer  = "runhelper"
	DefaultCallbackTimeout = 5 * time.Second
)

// Config holds process-wide settings. Integrations whose address is empty
// are disabled.
type Config struct {
	LauncherPath    string
	TablePath       string
	Timeout         int
	Memout          int
	TerminationWait int
	PoolSize        int
	PoolSource      concurrency.ConfigSource

	LogLevel  string
	LogFormat string

	NATSURL     string
	NATSSubject string

	AzureConnectionString string
	AzureContainer        string

	SentryDSN    string
	OTLPEndpoint string
	MetricsAddr  string

	CallbackScript  string
	CallbackTimeout time.Duration
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	pool := concurrency.LoadConfig()

	cfg := &Config{
		LauncherPath:          os.Getenv(EnvLauncher),
		TablePath:             getEnv(EnvTable, DefaultTable),
		PoolSize:              pool.PoolSize,
		PoolSource:            pool.Source,
		LogLevel:              getEnv(EnvLogLevel, DefaultLogLevel),
		LogFormat:             getEnv(EnvLogFormat, DefaultLogFormat),
		NATSURL:               os.Getenv(EnvNATSURL),
		NATSSubject:           os.Getenv(EnvNATSSubject),
		AzureConnectionString: os.Getenv(EnvAzureConnectionString),
		AzureContainer:        getEnv(EnvAzureContainer, DefaultAzureContainer),
		SentryDSN:             os.Getenv(EnvSentryDSN),
		OTLPEndpoint:          os.Getenv(EnvOTLPEndpoint),
		MetricsAddr:           os.Getenv(EnvMetricsAddr),
		CallbackScript:        os.Getenv(EnvCallbackScript),
	}

	var err error
	if cfg.Timeout, err = getEnvInt(EnvTimeout, 0); err != nil {
		return nil, err
	}
	if cfg.Memout, err = getEnvInt(EnvMemout, 0); err != nil {
		return nil, err
	}
	if cfg.TerminationWait, err = getEnvInt(EnvTerminationWait, runner.DefaultTerminationWait); err != nil {
		return nil, err
	}
	if cfg.CallbackTimeout, err = getEnvDuration(EnvCallbackTimeout, DefaultCallbackTimeout); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings a batch needs
func (c *Config) Validate() error {
	if c.LauncherPath == "" {
		return fmt.Errorf("launcher path is required (%s)", EnvLauncher)
	}
	if c.TablePath == "" {
		return fmt.Errorf("table path is required (%s)", EnvTable)
	}
	if c.Timeout < 0 || c.Memout < 0 || c.TerminationWait < 0 {
		return fmt.Errorf("limits cannot be negative")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be greater than 0")
	}
	return nil
}

// RunnerConfig converts the settings into a runner configuration
func (c *Config) RunnerConfig(batchID string) runner.Config {
	return runner.Config{
		LauncherPath:    c.LauncherPath,
		TablePath:       c.TablePath,
		Timeout:         c.Timeout,
		Memout:          c.Memout,
		TerminationWait: c.TerminationWait,
		PoolSize:        c.PoolSize,
		BatchID:         batchID,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
