package pipeline

import (
	"context"
	"errors"
	"github.com/Borislavv/go-ash-tiers/config"
	"github.com/Borislavv/go-ash-tiers/internal/cache"
	"github.com/Borislavv/go-ash-tiers/internal/events"
	"github.com/Borislavv/go-ash-tiers/internal/prefetch"
	"github.com/Borislavv/go-ash-tiers/model"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recorder) Run(_ context.Context, in StageInput) (StageResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in.StageID)
	if err := r.fail[in.StageID]; err != nil {
		return StageResult{}, err
	}
	return StageResult{Output: in.StageID}, nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newOrchestrator(cfg config.PipelineCfg, pub events.Publisher) *Orchestrator {
	return New(cfg, clock.NewMock(), pub, zerolog.Nop())
}

func stage(id string, deps ...string) *Stage {
	return &Stage{ID: id, Name: id, RequiredServices: []string{"svc"}, Dependencies: deps, Status: StatusPending}
}

func custom(stages ...*Stage) *Pipeline {
	return &Pipeline{ID: "p-" + stages[0].ID, Kind: "custom", Stages: stages, Status: StatusPending}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func ids(stages []*Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, s.ID)
	}
	return out
}

// TestValidate_OrdersByDependencies moves a stage after the stages it depends on.
func TestValidate_OrdersByDependencies(t *testing.T) {
	order, err := Validate(custom(stage("c", "b"), stage("a"), stage("b", "a")))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(order))
}

// TestValidate_KeepsDeclarationOrder leaves an already valid order untouched.
func TestValidate_KeepsDeclarationOrder(t *testing.T) {
	order, err := Validate(custom(stage("x"), stage("z"), stage("y", "x")))
	require.NoError(t, err)
	require.Equal(t, []string{"x", "z", "y"}, ids(order))
}

// TestValidate_RejectsMalformedGraphs covers cycles, dangling and duplicate ids.
func TestValidate_RejectsMalformedGraphs(t *testing.T) {
	cases := map[string]*Pipeline{
		"cycle":     custom(stage("a", "c"), stage("b", "a"), stage("c", "b")),
		"self":      custom(stage("a", "a")),
		"unknown":   custom(stage("a"), stage("b", "missing")),
		"duplicate": custom(stage("a"), stage("a")),
		"empty":     {ID: "empty", Status: StatusPending},
	}
	for name, p := range cases {
		_, err := Validate(p)
		require.ErrorIs(t, err, ErrInvalidPipeline, name)
	}
}

// TestExecute_InvalidPipelineRunsNothing fails fast before any stage starts and
// still reports the failure.
func TestExecute_InvalidPipelineRunsNothing(t *testing.T) {
	bus := events.NewBus(16, nil)
	ch, cancel := bus.Subscribe(0)
	defer cancel()

	o := newOrchestrator(config.PipelineCfg{}, bus)
	rec := &recorder{}
	o.Register("svc", rec)

	p := custom(stage("a", "b"), stage("b", "a"))
	err := o.Execute(context.Background(), p)
	require.ErrorIs(t, err, ErrInvalidPipeline)
	require.Empty(t, rec.seen())
	require.Equal(t, StatusFailed, p.Status)

	got := drain(ch)
	require.Len(t, got, 1)
	require.Equal(t, events.PipelineFailed, got[0].Type)
	require.Equal(t, p.ID, got[0].PipelineID)
	require.Zero(t, got[0].Completed)
	require.Contains(t, got[0].Err, "dependency cycle")

	_, _, failed := o.Metrics()
	require.Equal(t, int64(1), failed)
	require.Len(t, o.History(), 1)
}

// TestExecute_RunsStagesAndReportsProgress completes every stage and publishes progress.
func TestExecute_RunsStagesAndReportsProgress(t *testing.T) {
	bus := events.NewBus(64, nil)
	ch, cancel := bus.Subscribe(0)
	defer cancel()

	o := newOrchestrator(config.PipelineCfg{}, bus)
	rec := &recorder{}
	o.Register("svc", rec)

	p := custom(stage("b", "a"), stage("a"), stage("c", "a"), stage("d", "b", "c"))
	require.NoError(t, o.Execute(context.Background(), p))

	require.Equal(t, []string{"a", "b", "c", "d"}, rec.seen())
	require.Equal(t, StatusCompleted, p.Status)
	require.Equal(t, float64(100), p.Progress)
	require.Equal(t, 4, p.CompletedStages())

	got := drain(ch)
	require.Len(t, got, 6)
	require.Equal(t, events.PipelineStarted, got[0].Type)
	require.Equal(t, events.PipelineProgress, got[1].Type)
	require.Equal(t, float64(25), got[1].Progress)
	require.Equal(t, "a", got[1].StageID)
	require.Equal(t, float64(75), got[3].Progress)
	require.Equal(t, events.PipelineCompleted, got[5].Type)
	require.Equal(t, 4, got[5].Completed)
}

// TestExecute_PassesDependencyResults hands a stage the results of its dependencies.
func TestExecute_PassesDependencyResults(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	var got map[string]map[string]StageResult
	o.Register("svc", ServiceFunc(func(_ context.Context, in StageInput) (StageResult, error) {
		if in.StageID == "b" {
			got = in.Results
		}
		return StageResult{Output: in.StageID + "-out"}, nil
	}))

	require.NoError(t, o.Execute(context.Background(), custom(stage("a"), stage("b", "a"))))
	require.Equal(t, "a-out", got["a"]["svc"].Output)
	require.Equal(t, "svc", got["a"]["svc"].Service)
}

// TestExecute_FailureHaltsRemainingStages leaves the stages after a failure pending.
func TestExecute_FailureHaltsRemainingStages(t *testing.T) {
	bus := events.NewBus(64, nil)
	ch, cancel := bus.Subscribe(0)
	defer cancel()

	o := newOrchestrator(config.PipelineCfg{}, bus)
	boom := errors.New("boom")
	rec := &recorder{fail: map[string]error{"b": boom}}
	o.Register("svc", rec)

	p := custom(stage("a"), stage("b", "a"), stage("c", "b"))
	err := o.Execute(context.Background(), p)
	require.ErrorIs(t, err, ErrStageFailure)
	require.ErrorIs(t, err, boom)

	require.Equal(t, []string{"a", "b"}, rec.seen())
	require.Equal(t, StatusFailed, p.Status)
	require.Equal(t, StatusCompleted, p.Stages[0].Status)
	require.Equal(t, StatusFailed, p.Stages[1].Status)
	require.Equal(t, StatusPending, p.Stages[2].Status)
	require.Equal(t, 1, p.CompletedStages())

	got := drain(ch)
	last := got[len(got)-1]
	require.Equal(t, events.PipelineFailed, last.Type)
	require.Equal(t, "b", last.StageID)
	require.Equal(t, 1, last.Completed)
}

// TestExecute_MissingServiceFailsStage fails a stage whose service is not registered.
func TestExecute_MissingServiceFailsStage(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	p := custom(stage("a"))
	err := o.Execute(context.Background(), p)
	require.ErrorIs(t, err, ErrStageFailure)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Equal(t, StatusFailed, p.Status)
}

// TestExecute_StageTimeout fails a stage whose service outlives the stage timeout.
func TestExecute_StageTimeout(t *testing.T) {
	o := New(config.PipelineCfg{StageTimeout: 20 * time.Millisecond}, clock.New(), nil, zerolog.Nop())
	release := make(chan struct{})
	defer close(release)
	o.Register("svc", ServiceFunc(func(context.Context, StageInput) (StageResult, error) {
		<-release
		return StageResult{}, nil
	}))

	p := custom(stage("a"), stage("b", "a"))
	err := o.Execute(context.Background(), p)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StatusFailed, p.Stages[0].Status)
	require.Equal(t, StatusPending, p.Stages[1].Status)
}

// TestExecute_ServiceDeadlineIsTimeout maps a service returning on its deadline to a timeout.
func TestExecute_ServiceDeadlineIsTimeout(t *testing.T) {
	o := New(config.PipelineCfg{}, clock.New(), nil, zerolog.Nop())
	o.Register("svc", ServiceFunc(func(ctx context.Context, _ StageInput) (StageResult, error) {
		<-ctx.Done()
		return StageResult{}, ctx.Err()
	}))

	s := stage("a")
	s.Timeout = 10 * time.Millisecond
	err := o.Execute(context.Background(), custom(s))
	require.ErrorIs(t, err, ErrTimeout)
}

// TestExecute_CancelBetweenStages finishes the running stage and starts no other.
func TestExecute_CancelBetweenStages(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	p := custom(stage("a"), stage("b", "a"))
	var (
		calls     []string
		cancelled bool
	)
	o.Register("svc", ServiceFunc(func(_ context.Context, in StageInput) (StageResult, error) {
		calls = append(calls, in.StageID)
		cancelled = o.Cancel(p.ID)
		return StageResult{}, nil
	}))

	err := o.Execute(context.Background(), p)
	require.ErrorIs(t, err, ErrCancelled)
	require.True(t, cancelled)
	require.Equal(t, []string{"a"}, calls)
	require.Equal(t, StatusCompleted, p.Stages[0].Status)
	require.Equal(t, StatusPending, p.Stages[1].Status)
	require.Equal(t, StatusFailed, p.Status)
	require.False(t, o.Cancel(p.ID))
}

// TestExecute_ContextCancelledBetweenStages treats a cancelled context like Cancel.
func TestExecute_ContextCancelledBetweenStages(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stageCtxErr error
	o.Register("svc", ServiceFunc(func(sctx context.Context, _ StageInput) (StageResult, error) {
		cancel()
		stageCtxErr = sctx.Err()
		return StageResult{}, nil
	}))

	p := custom(stage("a"), stage("b", "a"))
	require.ErrorIs(t, o.Execute(ctx, p), ErrCancelled)
	require.NoError(t, stageCtxErr)
	require.Equal(t, 1, p.CompletedStages())
}

// TestExecute_RejectsFinishedPipeline does not run a pipeline twice.
func TestExecute_RejectsFinishedPipeline(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	o.Register("svc", &recorder{})
	p := custom(stage("a"))
	require.NoError(t, o.Execute(context.Background(), p))
	require.ErrorIs(t, o.Execute(context.Background(), p), ErrInvalidPipeline)
}

// TestOrchestrator_HistoryIsBounded keeps only the most recent pipelines.
func TestOrchestrator_HistoryIsBounded(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{HistorySize: 2}, nil)
	o.Register("svc", &recorder{})

	ps := []*Pipeline{custom(stage("a")), custom(stage("b")), custom(stage("c"))}
	for _, p := range ps {
		require.NoError(t, o.Execute(context.Background(), p))
	}

	hist := o.History()
	require.Len(t, hist, 2)
	require.Equal(t, "p-b", hist[0].ID)
	require.Equal(t, "p-c", hist[1].ID)

	_, ok := o.Get("p-a")
	require.False(t, ok)
	v, ok := o.Get("p-c")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, v.Status)
	require.Equal(t, 1, v.Completed)

	started, completed, failed := o.Metrics()
	require.Equal(t, int64(3), started)
	require.Equal(t, int64(3), completed)
	require.Zero(t, failed)
}

// TestBuild_EveryKindIsValid builds each kind into an acyclic graph.
func TestBuild_EveryKindIsValid(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	for _, kind := range Kinds {
		p, err := o.Build(kind)
		require.NoError(t, err)
		require.Equal(t, StatusPending, p.Status)
		require.NotEmpty(t, p.ID)
		_, err = Validate(p)
		require.NoError(t, err, kind)
	}

	_, err := o.Build("nope")
	require.ErrorIs(t, err, ErrUnknownKind)
}

// TestBuild_FullWrapsOtherKinds starts with analysis and ends with verification.
func TestBuild_FullWrapsOtherKinds(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	p, err := o.Build(KindFull)
	require.NoError(t, err)

	order, err := Validate(p)
	require.NoError(t, err)
	require.Equal(t, "full_analysis", order[0].ID)
	require.Equal(t, "full_verify", order[len(order)-1].ID)
	require.Len(t, order, len(cacheStages)+len(performanceStages)+len(predictiveStages)+2)

	sweep, ok := p.Stage("cache_sweep")
	require.True(t, ok)
	require.Equal(t, []string{"full_analysis"}, sweep.Dependencies)
}

// TestParseKind accepts the known kinds only.
func TestParseKind(t *testing.T) {
	k, err := ParseKind("predictive")
	require.NoError(t, err)
	require.Equal(t, KindPredictive, k)

	_, err = ParseKind("cash")
	require.ErrorIs(t, err, ErrUnknownKind)
}

type fakeSweeper struct{ removed int }

func (f fakeSweeper) Run(context.Context) int { return f.removed }

type fakeEvictor struct{}

func (fakeEvictor) ReevaluateAll() (int64, int64) { return 64, 2 }

type fakeStorage struct {
	snapshots int
	err       error
}

func (f *fakeStorage) Snapshot(context.Context) error {
	f.snapshots++
	return f.err
}

func (f *fakeStorage) Verify() (int, int) { return 5, 1 }

type fakeWarmer struct{}

func (fakeWarmer) Run(context.Context) (prefetch.Report, error) {
	return prefetch.Report{Considered: 3, Warmed: 2}, nil
}

// TestCachePipeline_DrivesBuiltInServices runs the cache kind end to end.
func TestCachePipeline_DrivesBuiltInServices(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	storage := &fakeStorage{}
	o.Register(ServiceCache, NewCacheService(fakeSweeper{removed: 7}, fakeEvictor{}, storage))
	o.Register(ServicePrefetch, NewPrefetchService(fakeWarmer{}))

	p, err := o.Run(context.Background(), KindCache)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, p.Status)
	require.Equal(t, 1, storage.snapshots)

	sweep, _ := p.Stage("cache_sweep")
	require.Equal(t, SweepOutput{Removed: 7}, sweep.Results[ServiceCache].Output)
	reeval, _ := p.Stage("cache_reevaluate")
	require.Equal(t, ReevaluateOutput{FreedBytes: 64, EvictedItems: 2}, reeval.Results[ServiceCache].Output)
	warm, _ := p.Stage("cache_prefetch")
	require.Equal(t, 2, warm.Results[ServicePrefetch].Output.(prefetch.Report).Warmed)
}

// TestCachePipeline_FlushFailureFailsPipeline surfaces a persistence error as a stage failure.
func TestCachePipeline_FlushFailureFailsPipeline(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	disk := errors.New("disk full")
	o.Register(ServiceCache, NewCacheService(fakeSweeper{}, fakeEvictor{}, &fakeStorage{err: disk}))
	o.Register(ServicePrefetch, NewPrefetchService(fakeWarmer{}))

	p, err := o.Run(context.Background(), KindCache)
	require.ErrorIs(t, err, disk)
	flush, _ := p.Stage("cache_flush")
	require.Equal(t, StatusFailed, flush.Status)
	require.Equal(t, 3, p.CompletedStages())
}

// TestPredictivePipeline_NeedsPredictionService fails without an injected model.
func TestPredictivePipeline_NeedsPredictionService(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	o.Register(ServiceAnalytics, &recorder{})

	p, err := o.Run(context.Background(), KindPredictive)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	train, _ := p.Stage("predict_train_model")
	require.Equal(t, StatusFailed, train.Status)
	require.Equal(t, 1, p.CompletedStages())
}

type fakeStats struct{}

func (fakeStats) CategoryStats() []cache.CategoryStat {
	return []cache.CategoryStat{
		{Category: model.CategoryUserData, Len: 2, Mem: 95, MaxSize: 100},
		{Category: model.CategoryContent, Len: 1, Mem: 10, MaxSize: 100},
		{Category: model.CategoryMedia},
	}
}

func (fakeStats) Metrics() cache.Metrics {
	return cache.Metrics{Hits: 3, Misses: 1, EvictedItems: 4, Rejected: 2}
}

type fakeRanker struct{ err error }

func (f fakeRanker) Rank(context.Context) ([]prefetch.Prediction, error) {
	return []prefetch.Prediction{{Key: "hot", Category: model.CategoryContent, Demand: 5}}, f.err
}

// TestPerformancePipeline_BuiltInAnalytics reports occupancy and flags pressured categories.
func TestPerformancePipeline_BuiltInAnalytics(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	o.Register(ServiceCache, NewCacheService(fakeSweeper{}, fakeEvictor{}, &fakeStorage{}))
	o.Register(ServiceAnalytics, NewAnalyticsService(fakeStats{}, o))

	p, err := o.Run(context.Background(), KindPerformance)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, p.Status)

	collect, _ := p.Stage("perf_collect_metrics")
	got := collect.Results[ServiceAnalytics].Output.(AnalyticsOutput)
	require.Equal(t, 0.75, got.HitRatio)
	require.Equal(t, int64(4), got.Evicted)
	require.Len(t, got.Categories, 3)
	require.Equal(t, 0.95, got.Categories[0].Fill)
	require.Zero(t, got.Categories[2].Fill)
	require.Nil(t, got.Pressured)
	require.Equal(t, int64(1), got.PipelinesStarted)

	analyze, _ := p.Stage("perf_analyze")
	require.Equal(t, []model.Category{model.CategoryUserData}, analyze.Results[ServiceAnalytics].Output.(AnalyticsOutput).Pressured)
}

// TestPredictivePipeline_BuiltInPrediction ranks keys before warming them.
func TestPredictivePipeline_BuiltInPrediction(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	o.Register(ServiceAnalytics, NewAnalyticsService(fakeStats{}, nil))
	o.Register(ServicePrediction, NewPredictionService(fakeRanker{}))
	o.Register(ServicePrefetch, NewPrefetchService(fakeWarmer{}))

	p, err := o.Run(context.Background(), KindPredictive)
	require.NoError(t, err)

	train, _ := p.Stage("predict_train_model")
	out := train.Results[ServicePrediction].Output.(PredictionOutput)
	require.Equal(t, []prefetch.Prediction{{Key: "hot", Category: model.CategoryContent, Demand: 5}}, out.Ranked)
}

// TestPredictionService_SourceFailureFailsStage surfaces a ranking error.
func TestPredictionService_SourceFailureFailsStage(t *testing.T) {
	o := newOrchestrator(config.PipelineCfg{}, nil)
	down := errors.New("source down")
	o.Register(ServiceAnalytics, NewAnalyticsService(fakeStats{}, nil))
	o.Register(ServicePrediction, NewPredictionService(fakeRanker{err: down}))

	_, err := o.Run(context.Background(), KindPredictive)
	require.ErrorIs(t, err, down)
	require.ErrorIs(t, err, ErrStageFailure)
}

// TestAnalyticsService_RejectsUnknownAction keeps foreign actions out.
func TestAnalyticsService_RejectsUnknownAction(t *testing.T) {
	_, err := NewAnalyticsService(fakeStats{}, nil).Run(context.Background(), StageInput{Action: ActionSweep})
	require.Error(t, err)
}
