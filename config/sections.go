package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/model"
	"time"
)

type SweepCfg struct {
	// Interval between two expiration sweeps. Example: "1m".
	Interval time.Duration `yaml:"interval"`
}

func (cfg *SweepCfg) Enabled() bool {
	return cfg != nil
}

// PrefetchCfg configures warming of externally proposed keys.
type PrefetchCfg struct {
	// Interval between two prefetch evaluations.
	Interval time.Duration `yaml:"interval"`

	// MaxPerRun caps how many candidates are considered per evaluation.
	MaxPerRun int `yaml:"max_per_run"`

	// BudgetRatio is the share of a category's max_size prefetch may fill.
	// Prefetch never evicts live entries: a candidate that would push the
	// category above BudgetRatio * max_size is skipped.
	//
	// Example:
	//   BudgetRatio: 0.8 // keep 20% of every category for foreground writes
	BudgetRatio float64 `yaml:"budget_ratio"`

	// MinDemand is the minimal estimated miss frequency (0..15) a candidate key must
	// have before it is warmed. Zero honors every candidate.
	MinDemand uint8 `yaml:"min_demand"`

	// SketchCapacity dimensions the miss-frequency sketch (number of distinct keys tracked).
	SketchCapacity int `yaml:"sketch_capacity"`

	// Rate limits loader calls per second. Zero means unlimited.
	Rate int `yaml:"rate"`

	// Priority assigned to warmed entries when a candidate does not carry one.
	Priority model.Priority `yaml:"priority"`
}

func (cfg *PrefetchCfg) Enabled() bool {
	return cfg != nil
}

type PipelineCfg struct {
	// Interval between scheduled pipeline runs. Zero disables the schedule;
	// manual triggers still work.
	Interval time.Duration `yaml:"interval"`

	// Kinds run on every scheduled tick, each as its own pipeline instance.
	Kinds []string `yaml:"kinds"`

	// StageTimeout bounds a single stage's external call.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// HistorySize is how many finished pipelines are retained for reporting.
	HistorySize int `yaml:"history_size"`
}

type Backend string

const (
	BackendFS     Backend = "fs"
	BackendS3     Backend = "s3"
	BackendMemory Backend = "memory"
)

type PersistenceCfg struct {
	// Backend selects the blob store: "fs", "s3" or "memory".
	Backend Backend `yaml:"backend"`

	// Dir is where the fs backend keeps one blob per namespace.
	Dir string `yaml:"dir"`

	// Gzip compresses snapshot blobs.
	Gzip bool `yaml:"gzip"`

	// FlushInterval is the cadence of batched-category flushes.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// RestoreOnStart loads every category namespace when the cache starts.
	RestoreOnStart bool `yaml:"restore_on_start"`

	S3 S3Cfg `yaml:"s3"`
}

func (cfg *PersistenceCfg) Enabled() bool {
	return cfg != nil
}

type S3Cfg struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

type EncryptionCfg struct {
	// Key is a hex encoded AES key (16, 24 or 32 bytes once decoded).
	Key string `yaml:"key"`
}

var errNoEncryptionKey = errors.New("encryption enabled but no key configured")

func (cfg EncryptionCfg) KeyBytes() ([]byte, error) {
	if cfg.Key == "" {
		return nil, errNoEncryptionKey
	}
	key, err := hex.DecodeString(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", len(key))
}

type TelemetryCfg struct {
	// LogsInterval is the cadence of periodic stats logs.
	LogsInterval time.Duration `yaml:"logs_interval"`

	// Namespace prefixes every exported metric.
	Namespace string `yaml:"namespace"`

	// MetricsAddr is where the CLI serves /metrics. Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

func (cfg *TelemetryCfg) Enabled() bool {
	return cfg != nil
}

type EventsCfg struct {
	// Buffer is the default per-subscriber channel capacity.
	Buffer int `yaml:"buffer"`
}
