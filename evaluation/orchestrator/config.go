package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// OrchestratorConfig is the tunable surface of one orchestrator instance:
// concurrency, backend dial target, and persistence/observability wiring.
// It is loaded from YAML with environment overrides, mirroring
// evaluation/swe_bench's ConfigManager.
type OrchestratorConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	AbortPollInterval time.Duration `yaml:"abort_poll_interval"`
	RunStoreFlushSize int           `yaml:"run_store_flush_size"`
	RedisAddr         string        `yaml:"redis_addr"`
	PostgresDSN       string        `yaml:"postgres_dsn"`
	BackendAddr       string        `yaml:"backend_addr"`
	MetricsEnabled    bool          `yaml:"metrics_enabled"`
	TracingEnabled    bool          `yaml:"tracing_enabled"`
}

// DefaultOrchestratorConfig returns the baseline configuration every
// LoadConfig call starts from before a file and env overrides are applied.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Concurrency:       5,
		AbortPollInterval: 500 * time.Millisecond,
		RunStoreFlushSize: 10,
		RedisAddr:         "localhost:6379",
		MetricsEnabled:    true,
		TracingEnabled:    true,
	}
}

// ConfigManager loads and validates OrchestratorConfig values.
type ConfigManager struct {
	defaultConfig *OrchestratorConfig
}

// NewConfigManager builds a manager seeded with DefaultOrchestratorConfig.
func NewConfigManager() *ConfigManager {
	return &ConfigManager{defaultConfig: DefaultOrchestratorConfig()}
}

// LoadConfig reads a YAML file (if path is non-empty), applies environment
// overrides, clamps non-positive values to safe defaults, and then
// validates the result, failing on what clamping cannot repair (a
// concurrency above 256 or a missing backend address).
func (cm *ConfigManager) LoadConfig(path string) (*OrchestratorConfig, error) {
	config := *cm.defaultConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cm.applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	cm.clampConfig(&config)

	if err := cm.ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (cm *ConfigManager) applyEnvOverrides(config *OrchestratorConfig) error {
	if v := os.Getenv("EVALCORE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid EVALCORE_CONCURRENCY %q: %w", v, err)
		}
		config.Concurrency = n
	}
	if v := os.Getenv("EVALCORE_REDIS_ADDR"); v != "" {
		config.RedisAddr = v
	}
	if v := os.Getenv("EVALCORE_POSTGRES_DSN"); v != "" {
		config.PostgresDSN = v
	}
	if v := os.Getenv("EVALCORE_BACKEND_ADDR"); v != "" {
		config.BackendAddr = v
	}
	if v := os.Getenv("EVALCORE_ABORT_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid EVALCORE_ABORT_POLL_INTERVAL %q: %w", v, err)
		}
		config.AbortPollInterval = d
	}
	return nil
}

// clampConfig replaces invalid values with safe defaults rather than
// rejecting the whole config, matching the teacher's ValidateConfig habit
// of self-healing obviously-zero fields before erroring on the rest.
func (cm *ConfigManager) clampConfig(config *OrchestratorConfig) {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.AbortPollInterval <= 0 {
		config.AbortPollInterval = 500 * time.Millisecond
	}
	if config.RunStoreFlushSize <= 0 {
		config.RunStoreFlushSize = 1
	}
}

// ValidateConfig rejects configurations clampConfig could not repair.
func (cm *ConfigManager) ValidateConfig(config *OrchestratorConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if config.Concurrency > 256 {
		return fmt.Errorf("concurrency cannot exceed 256")
	}
	if config.BackendAddr == "" {
		return fmt.Errorf("backend_addr is required")
	}
	return nil
}
