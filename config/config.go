package config

import (
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/model"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
	"os"
	"time"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config groups configuration of all subsystems.
// Optional subsystems are disabled by leaving their section nil.
type Config struct {
	// Policies maps every category that may hold entries to its policy.
	// A category missing here rejects every set.
	Policies map[model.Category]model.Policy `yaml:"policies"`

	// Sweep configures the periodic expiration sweep.
	// If nil, expired entries are only removed lazily on read.
	Sweep *SweepCfg `yaml:"sweep"`

	// Prefetch configures the prefetch advisor. If nil, prefetch is disabled.
	Prefetch *PrefetchCfg `yaml:"prefetch"`

	// Pipeline configures the optimization orchestrator and its schedule.
	Pipeline PipelineCfg `yaml:"pipeline"`

	// Persistence configures the durable blob store. If nil, nothing survives a restart.
	Persistence *PersistenceCfg `yaml:"persistence"`

	// Encryption holds the key used by categories with encryption enabled.
	Encryption EncryptionCfg `yaml:"encryption"`

	// Telemetry configures periodic stats logs and metrics. If nil, both are off.
	Telemetry *TelemetryCfg `yaml:"telemetry"`

	Events EventsCfg `yaml:"events"`

	// Watch enables hot reload of Policies when the file at Path changes.
	Watch bool `yaml:"watch"`

	// Path is the file the config was loaded from. It is not read from YAML.
	Path string `yaml:"-"`
}

type envOverrides struct {
	PersistenceBackend string `env:"PERSISTENCE_BACKEND"`
	PersistenceDir     string `env:"PERSISTENCE_DIR"`
	S3Bucket           string `env:"S3_BUCKET"`
	S3Region           string `env:"S3_REGION"`
	S3Endpoint         string `env:"S3_ENDPOINT"`
	EncryptionKey      string `env:"ENCRYPTION_KEY"`
}

const envPrefix = "ASHTIERS_"

func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config yaml file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path

	return cfg, nil
}

// Parse decodes YAML, applies ASHTIERS_* env overrides, derives defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg *Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.AdjustConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}

	if o.PersistenceBackend != "" || o.PersistenceDir != "" || o.S3Bucket != "" {
		if cfg.Persistence == nil {
			cfg.Persistence = &PersistenceCfg{}
		}
	}
	if cfg.Persistence != nil {
		if o.PersistenceBackend != "" {
			cfg.Persistence.Backend = Backend(o.PersistenceBackend)
		}
		if o.PersistenceDir != "" {
			cfg.Persistence.Dir = o.PersistenceDir
		}
		if o.S3Bucket != "" {
			cfg.Persistence.S3.Bucket = o.S3Bucket
		}
		if o.S3Region != "" {
			cfg.Persistence.S3.Region = o.S3Region
		}
		if o.S3Endpoint != "" {
			cfg.Persistence.S3.Endpoint = o.S3Endpoint
		}
	}
	if o.EncryptionKey != "" {
		cfg.Encryption.Key = o.EncryptionKey
	}
	return nil
}

// AdjustConfig fills derived and default values. It is idempotent.
func (cfg *Config) AdjustConfig() {
	for category, policy := range cfg.Policies {
		if policy.EvictionStrategy == "" {
			policy.EvictionStrategy = model.EvictLRU
		}
		if policy.SyncStrategy == "" {
			policy.SyncStrategy = model.SyncBatched
		}
		cfg.Policies[category] = policy
	}

	if cfg.Sweep.Enabled() && cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = defaultSweepInterval
	}

	if cfg.Prefetch.Enabled() {
		if cfg.Prefetch.Interval <= 0 {
			cfg.Prefetch.Interval = defaultPrefetchInterval
		}
		if cfg.Prefetch.BudgetRatio <= 0 || cfg.Prefetch.BudgetRatio > 1 {
			cfg.Prefetch.BudgetRatio = defaultBudgetRatio
		}
		if cfg.Prefetch.MaxPerRun <= 0 {
			cfg.Prefetch.MaxPerRun = defaultPrefetchPerRun
		}
		if cfg.Prefetch.SketchCapacity <= 0 {
			cfg.Prefetch.SketchCapacity = defaultSketchCapacity
		}
	}

	if cfg.Pipeline.StageTimeout <= 0 {
		cfg.Pipeline.StageTimeout = defaultStageTimeout
	}
	if cfg.Pipeline.HistorySize <= 0 {
		cfg.Pipeline.HistorySize = defaultHistorySize
	}

	if cfg.Persistence.Enabled() {
		if cfg.Persistence.Backend == "" {
			cfg.Persistence.Backend = BackendFS
		}
		if cfg.Persistence.FlushInterval <= 0 {
			cfg.Persistence.FlushInterval = defaultFlushInterval
		}
	}

	if cfg.Telemetry.Enabled() {
		if cfg.Telemetry.LogsInterval <= 0 {
			cfg.Telemetry.LogsInterval = defaultLogsInterval
		}
		if cfg.Telemetry.Namespace == "" {
			cfg.Telemetry.Namespace = defaultMetricsNamespace
		}
	}

	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = defaultEventsBuffer
	}
}

func (cfg *Config) Validate() error {
	if len(cfg.Policies) == 0 {
		return fmt.Errorf("%w: no category policies", ErrInvalidConfig)
	}
	for category, policy := range cfg.Policies {
		if !category.Valid() {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidConfig, category)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: category %s: %w", ErrInvalidConfig, category, err)
		}
		if policy.EncryptionEnabled {
			if _, err := cfg.Encryption.KeyBytes(); err != nil {
				return fmt.Errorf("%w: category %s: %w", ErrInvalidConfig, category, err)
			}
		}
	}
	if cfg.Persistence.Enabled() {
		switch cfg.Persistence.Backend {
		case BackendFS:
			if cfg.Persistence.Dir == "" {
				return fmt.Errorf("%w: persistence: fs backend requires dir", ErrInvalidConfig)
			}
		case BackendS3:
			if cfg.Persistence.S3.Bucket == "" {
				return fmt.Errorf("%w: persistence: s3 backend requires bucket", ErrInvalidConfig)
			}
		case BackendMemory:
		default:
			return fmt.Errorf("%w: persistence: unknown backend %q", ErrInvalidConfig, cfg.Persistence.Backend)
		}
	}
	return nil
}

const (
	defaultSweepInterval    = time.Minute
	defaultPrefetchInterval = 5 * time.Minute
	defaultBudgetRatio      = 0.8
	defaultPrefetchPerRun   = 64
	defaultSketchCapacity   = 4096
	defaultStageTimeout     = 30 * time.Second
	defaultHistorySize      = 64
	defaultFlushInterval    = 30 * time.Second
	defaultLogsInterval     = 5 * time.Second
	defaultEventsBuffer     = 1024
	defaultMetricsNamespace = "ashtiers"
)
