package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// PoolSizeEnv overrides the detected pool size
const PoolSizeEnv = "RUNHELPER_POOL_SIZE"

// Config holds the pool sizing decision
type Config struct {
	PoolSize      int
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig sizes the pool with priority: env var > auto-detection.
// Instances are timed, so auto-detection never oversubscribes the CPUs.
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if size := getEnvInt(PoolSizeEnv, 0); size > 0 {
		config.PoolSize = size
		config.Source = ConfigSourceEnvVar
	} else {
		config.PoolSize = getDefaultPoolSize(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if config.PoolSize < 1 {
		config.PoolSize = 1
	}
	return config
}

func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultPoolSize leaves one CPU for the launcher processes on bare metal.
// Pods get their whole quota since GOMAXPROCS already follows it.
func getDefaultPoolSize(isK8s bool, cpus int) int {
	if isK8s {
		return cpus
	}
	return max(cpus-1, 1)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{PoolSize: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.PoolSize, c.IsKubernetes, c.EffectiveCPUs, c.Source)
}
