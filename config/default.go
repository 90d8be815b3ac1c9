package config

import (
	"github.com/Borislavv/go-ash-tiers/model"
	"time"
)

// Default returns a configuration with a policy for every known category,
// an in-memory blob store and the sweep enabled.
func Default() *Config {
	cfg := &Config{
		Policies: map[model.Category]model.Policy{
			model.CategoryUserData: {
				MaxSize:          8 << 20,
				MaxAge:           24 * time.Hour,
				EvictionStrategy: model.EvictLRU,
				SyncStrategy:     model.SyncImmediate,
			},
			model.CategoryContent: {
				MaxSize:            64 << 20,
				MaxAge:             6 * time.Hour,
				EvictionStrategy:   model.EvictLFU,
				CompressionEnabled: true,
				SyncStrategy:       model.SyncBatched,
			},
			model.CategoryAnalytics: {
				MaxSize:          16 << 20,
				MaxAge:           time.Hour,
				EvictionStrategy: model.EvictFIFO,
				SyncStrategy:     model.SyncBackground,
			},
			model.CategorySessions: {
				MaxSize:          4 << 20,
				MaxAge:           30 * time.Minute,
				EvictionStrategy: model.EvictLRU,
				SyncStrategy:     model.SyncBatched,
			},
			model.CategoryRecommendations: {
				MaxSize:          16 << 20,
				MaxAge:           12 * time.Hour,
				EvictionStrategy: model.EvictPriority,
				SyncStrategy:     model.SyncBatched,
			},
			model.CategoryMedia: {
				MaxSize:            128 << 20,
				MaxAge:             7 * 24 * time.Hour,
				EvictionStrategy:   model.EvictLRU,
				CompressionEnabled: true,
				SyncStrategy:       model.SyncBackground,
			},
		},
		Sweep:       &SweepCfg{Interval: time.Minute},
		Persistence: &PersistenceCfg{Backend: BackendMemory},
		Pipeline: PipelineCfg{
			Interval: 24 * time.Hour,
			Kinds:    []string{"full"},
		},
	}
	cfg.AdjustConfig()
	return cfg
}
