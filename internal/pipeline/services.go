package pipeline

import (
	"context"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/internal/cache"
	"github.com/Borislavv/go-ash-tiers/internal/prefetch"
	"github.com/Borislavv/go-ash-tiers/model"
)

type Sweeper interface {
	Run(ctx context.Context) int
}

type Reevaluator interface {
	ReevaluateAll() (freedBytes, evictedItems int64)
}

// Storage is the part of the cache the cache service drives directly.
type Storage interface {
	Snapshot(ctx context.Context) error
	Verify() (checked, dropped int)
}

type Warmer interface {
	Run(ctx context.Context) (prefetch.Report, error)
}

type SweepOutput struct{ Removed int }

type ReevaluateOutput struct{ FreedBytes, EvictedItems int64 }

type VerifyOutput struct{ Checked, Dropped int }

// CacheService serves the sweep, reevaluate, flush and verify actions.
type CacheService struct {
	sweeper Sweeper
	evictor Reevaluator
	storage Storage
}

func NewCacheService(sweeper Sweeper, evictor Reevaluator, storage Storage) *CacheService {
	return &CacheService{sweeper: sweeper, evictor: evictor, storage: storage}
}

func (s *CacheService) Run(ctx context.Context, in StageInput) (StageResult, error) {
	res := StageResult{Service: ServiceCache}
	switch in.Action {
	case ActionSweep:
		res.Output = SweepOutput{Removed: s.sweeper.Run(ctx)}
	case ActionReevaluate:
		freed, evicted := s.evictor.ReevaluateAll()
		res.Output = ReevaluateOutput{FreedBytes: freed, EvictedItems: evicted}
	case ActionFlush:
		if err := s.storage.Snapshot(ctx); err != nil {
			return res, err
		}
	case ActionVerify:
		checked, dropped := s.storage.Verify()
		res.Output = VerifyOutput{Checked: checked, Dropped: dropped}
	default:
		return res, fmt.Errorf("cache service: unsupported action %q", in.Action)
	}
	return res, nil
}

// PrefetchService serves the warm action.
type PrefetchService struct {
	warmer Warmer
}

func NewPrefetchService(warmer Warmer) *PrefetchService {
	return &PrefetchService{warmer: warmer}
}

func (s *PrefetchService) Run(ctx context.Context, in StageInput) (StageResult, error) {
	if in.Action != ActionWarm {
		return StageResult{Service: ServicePrefetch}, fmt.Errorf("prefetch service: unsupported action %q", in.Action)
	}
	rep, err := s.warmer.Run(ctx)
	return StageResult{Service: ServicePrefetch, Output: rep}, err
}

// StatsSource is the part of the cache the analytics service reads.
type StatsSource interface {
	CategoryStats() []cache.CategoryStat
	Metrics() cache.Metrics
}

// RunCounter reports pipeline outcomes so far.
type RunCounter interface {
	Metrics() (started, completed, failed int64)
}

// pressureFill is the share of max_size above which a category counts as pressured.
const pressureFill = 0.9

type CategoryUsage struct {
	Category model.Category
	Entries  int64
	Bytes    int64
	MaxSize  int64
	Fill     float64 // Bytes / MaxSize, 0 without a policy
}

type AnalyticsOutput struct {
	Categories []CategoryUsage
	Hits       int64
	Misses     int64
	Evicted    int64
	Rejected   int64
	HitRatio   float64

	// Pressured lists categories filled above pressureFill. Only analyze actions set it.
	Pressured []model.Category

	PipelinesStarted   int64
	PipelinesCompleted int64
	PipelinesFailed    int64
}

// AnalyticsService reads the cache counters and category occupancy. It is the
// built-in analytics producer; an injected one replaces it.
type AnalyticsService struct {
	stats StatsSource
	runs  RunCounter
}

func NewAnalyticsService(stats StatsSource, runs RunCounter) *AnalyticsService {
	return &AnalyticsService{stats: stats, runs: runs}
}

func (s *AnalyticsService) Run(_ context.Context, in StageInput) (StageResult, error) {
	res := StageResult{Service: ServiceAnalytics}
	switch in.Action {
	case ActionCollectMetrics, ActionCollectUsage, ActionAnalyzePerformance, ActionAnalyzeSystem:
	default:
		return res, fmt.Errorf("analytics service: unsupported action %q", in.Action)
	}

	m := s.stats.Metrics()
	out := AnalyticsOutput{
		Hits:     m.Hits,
		Misses:   m.Misses,
		Evicted:  m.EvictedItems,
		Rejected: m.Rejected,
	}
	if total := m.Hits + m.Misses; total > 0 {
		out.HitRatio = float64(m.Hits) / float64(total)
	}
	analyze := in.Action == ActionAnalyzePerformance || in.Action == ActionAnalyzeSystem
	for _, st := range s.stats.CategoryStats() {
		u := CategoryUsage{Category: st.Category, Entries: st.Len, Bytes: st.Mem, MaxSize: st.MaxSize}
		if st.MaxSize > 0 {
			u.Fill = float64(st.Mem) / float64(st.MaxSize)
		}
		if analyze && u.Fill >= pressureFill {
			out.Pressured = append(out.Pressured, st.Category)
		}
		out.Categories = append(out.Categories, u)
	}
	if s.runs != nil {
		out.PipelinesStarted, out.PipelinesCompleted, out.PipelinesFailed = s.runs.Metrics()
	}
	res.Output = out
	return res, nil
}

type Ranker interface {
	Rank(ctx context.Context) ([]prefetch.Prediction, error)
}

type PredictionOutput struct {
	Ranked []prefetch.Prediction
}

// PredictionService ranks the proposed keys by observed miss demand. It is
// the built-in prediction producer; an injected one replaces it.
type PredictionService struct {
	ranker Ranker
}

func NewPredictionService(ranker Ranker) *PredictionService {
	return &PredictionService{ranker: ranker}
}

func (s *PredictionService) Run(ctx context.Context, in StageInput) (StageResult, error) {
	res := StageResult{Service: ServicePrediction}
	if in.Action != ActionTrain {
		return res, fmt.Errorf("prediction service: unsupported action %q", in.Action)
	}
	ranked, err := s.ranker.Rank(ctx)
	if err != nil {
		return res, err
	}
	res.Output = PredictionOutput{Ranked: ranked}
	return res, nil
}
