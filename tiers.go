package ashtiers

import (
	"context"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/config"
	"github.com/Borislavv/go-ash-tiers/internal/blob"
	"github.com/Borislavv/go-ash-tiers/internal/cache"
	"github.com/Borislavv/go-ash-tiers/internal/cache/codec"
	"github.com/Borislavv/go-ash-tiers/internal/cache/policy"
	"github.com/Borislavv/go-ash-tiers/internal/events"
	"github.com/Borislavv/go-ash-tiers/internal/evictor"
	"github.com/Borislavv/go-ash-tiers/internal/lifetimer"
	"github.com/Borislavv/go-ash-tiers/internal/pipeline"
	"github.com/Borislavv/go-ash-tiers/internal/prefetch"
	"github.com/Borislavv/go-ash-tiers/internal/scheduler"
	"github.com/Borislavv/go-ash-tiers/internal/syncer"
	"github.com/Borislavv/go-ash-tiers/internal/telemetry"
	"github.com/Borislavv/go-ash-tiers/model"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"io"
	"net/http"
	"sync"
)

var (
	ErrTooLarge           = cache.ErrTooLarge
	ErrUnknownCategory    = cache.ErrUnknownCategory
	ErrInvalidPipeline    = pipeline.ErrInvalidPipeline
	ErrStageFailure       = pipeline.ErrStageFailure
	ErrTimeout            = pipeline.ErrTimeout
	ErrCancelled          = pipeline.ErrCancelled
	ErrServiceUnavailable = pipeline.ErrServiceUnavailable
	ErrUnknownKind        = pipeline.ErrUnknownKind
)

type (
	Kind         = pipeline.Kind
	PipelineView = pipeline.View
	Service      = pipeline.Service
	ServiceFunc  = pipeline.ServiceFunc
	StageInput   = pipeline.StageInput
	StageResult  = pipeline.StageResult
	Candidate    = prefetch.Candidate
	Source       = prefetch.Source
	Loader       = prefetch.Loader
	Report       = prefetch.Report
	Event        = events.Event
	CategoryStat = cache.CategoryStat
	BlobStore    = blob.Store
)

const (
	KindCache       = pipeline.KindCache
	KindPerformance = pipeline.KindPerformance
	KindPredictive  = pipeline.KindPredictive
	KindFull        = pipeline.KindFull
)

const (
	ServiceAnalytics  = pipeline.ServiceAnalytics
	ServicePrediction = pipeline.ServicePrediction
)

type AshTiers interface {
	cache.Cacher
	TriggerOptimization(ctx context.Context, kind Kind) error
	io.Closer
}

type options struct {
	clock    clock.Clock
	store    blob.Store
	source   prefetch.Source
	loader   prefetch.Loader
	services map[string]pipeline.Service
}

type Option func(*options)

// WithClock drives every timestamp, ticker and timeout from clk.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithStore replaces the blob store the persistence section would build.
func WithStore(store blob.Store) Option {
	return func(o *options) { o.store = store }
}

// WithPrefetch sets where prefetch candidates come from and how they are loaded.
func WithPrefetch(source prefetch.Source, loader prefetch.Loader) Option {
	return func(o *options) {
		o.source = source
		o.loader = loader
	}
}

// WithService registers an external pipeline service. A service named like a
// built-in one, such as analytics or prediction, replaces it.
func WithService(name string, svc pipeline.Service) Option {
	return func(o *options) { o.services[name] = svc }
}

// Tiers wires the cache store with its workers: sync strategies, policy
// re-evaluation, expiration sweeps, prefetch, the optimization pipelines and
// telemetry.
type Tiers struct {
	*cache.Cache

	cfg          *config.Config
	logger       zerolog.Logger
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
	closeErr     error
	ready        bool // fully constructed; only then Close snapshots
	bus          *events.Bus
	codec        *codec.Codec
	policies     *policy.Table
	syncer       *syncer.Syncer
	evictor      *evictor.EvictionWorker
	sweeper      *lifetimer.Sweeper
	advisor      *prefetch.Advisor
	orchestrator *pipeline.Orchestrator
	scheduler    *scheduler.Scheduler
	telemetry    *telemetry.Logs
	metrics      *telemetry.Metrics
}

func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (_ *Tiers, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{services: make(map[string]pipeline.Service)}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Tiers{cfg: cfg, logger: logger, cancel: cancel}
	defer func() {
		if err != nil {
			_ = t.Close()
		}
	}()

	store := o.store
	if store == nil {
		if store, err = blob.New(ctx, cfg.Persistence); err != nil {
			return nil, err
		}
	}

	t.bus = events.NewBus(cfg.Events.Buffer, o.clock.Now)

	var policyStore blob.Store
	if cfg.Persistence.Enabled() {
		policyStore = store
	}
	t.policies = policy.New(cfg.Policies, policyStore, logger)
	if found, lerr := t.policies.Load(ctx); lerr != nil {
		logger.Warn().Err(lerr).Msg("saved policies unreadable, using configured ones")
	} else if found {
		logger.Info().Msg("saved policies applied")
	}

	var key []byte
	if cfg.Encryption.Key != "" {
		if key, err = cfg.Encryption.KeyBytes(); err != nil {
			return nil, err
		}
	}
	if t.codec, err = codec.New(key); err != nil {
		return nil, err
	}

	t.Cache, err = cache.New(cache.Deps{
		Policies: t.policies,
		Codec:    t.codec,
		Store:    store,
		Gzip:     cfg.Persistence.Enabled() && cfg.Persistence.Gzip,
		Clock:    o.clock,
		Events:   t.bus,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Persistence.Enabled() {
		if cfg.Persistence.RestoreOnStart {
			if _, err = t.Cache.Restore(ctx); err != nil {
				return nil, fmt.Errorf("restore on start: %w", err)
			}
		}
		t.syncer = syncer.New(ctx, t.Cache, t.policies, o.clock, cfg.Persistence.FlushInterval, logger)
		t.Cache.SetSyncer(t.syncer)
	}

	t.evictor = evictor.New(ctx, t.policies, t.Cache, logger)
	t.sweeper = lifetimer.New(t.Cache, logger)

	var prefetcher scheduler.Prefetcher
	if cfg.Prefetch.Enabled() {
		t.advisor = prefetch.New(ctx, cfg.Prefetch, t.Cache, o.source, o.loader, logger)
		prefetcher = t.advisor
		t.consume(func(ch <-chan events.Event) { t.advisor.Observe(ctx, ch) })
	}

	t.orchestrator = pipeline.New(cfg.Pipeline, o.clock, t.bus, logger)
	t.orchestrator.Register(pipeline.ServiceCache, pipeline.NewCacheService(t.sweeper, t.evictor, t.Cache))
	t.orchestrator.Register(pipeline.ServiceAnalytics, pipeline.NewAnalyticsService(t.Cache, t.orchestrator))
	if t.advisor != nil {
		t.orchestrator.Register(pipeline.ServicePrefetch, pipeline.NewPrefetchService(t.advisor))
		t.orchestrator.Register(pipeline.ServicePrediction, pipeline.NewPredictionService(t.advisor))
	} else {
		t.orchestrator.Register(pipeline.ServicePrefetch, pipeline.NewPrefetchService(disabledPrefetch{}))
		t.orchestrator.Register(pipeline.ServicePrediction, pipeline.NewPredictionService(disabledPrefetch{}))
	}
	// injected producers replace the built-in ones
	for name, svc := range o.services {
		t.orchestrator.Register(name, svc)
	}

	schedCfg := scheduler.Config{
		PipelineInterval: cfg.Pipeline.Interval,
		Kinds:            cfg.Pipeline.Kinds,
	}
	if cfg.Sweep.Enabled() {
		schedCfg.SweepInterval = cfg.Sweep.Interval
	}
	if cfg.Prefetch.Enabled() {
		schedCfg.PrefetchInterval = cfg.Prefetch.Interval
	}
	if t.scheduler, err = scheduler.New(ctx, schedCfg, o.clock, t.sweeper, prefetcher, t.orchestrator, logger); err != nil {
		return nil, err
	}

	if cfg.Telemetry.Enabled() {
		if t.metrics, err = telemetry.NewMetrics(cfg.Telemetry.Namespace, t.bus.Dropped); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		t.consume(func(ch <-chan events.Event) { t.metrics.Consume(ctx, ch) })
	}
	src := telemetry.Sources{
		Cache:     t.Cache,
		Evictor:   t.evictor,
		Lifetimer: t.sweeper,
		Pipelines: t.orchestrator,
	}
	if t.syncer != nil {
		src.Syncer = t.syncer
	}
	if t.advisor != nil {
		src.Prefetch = t.advisor
	}
	t.telemetry = telemetry.New(ctx, cfg.Telemetry, o.clock, src, t.metrics, logger)

	if cfg.Watch && cfg.Path != "" {
		if err = t.policies.Watch(ctx, cfg.Path); err != nil {
			return nil, err
		}
	}

	t.scheduler.Start()
	t.ready = true
	logger.Info().Int("categories", len(t.policies.Categories())).Msg("ash tiers is running")
	return t, nil
}

// consume runs fn on a fresh bus subscription until the bus is closed.
func (t *Tiers) consume(fn func(ch <-chan events.Event)) {
	ch, _ := t.bus.Subscribe(0)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(ch)
	}()
}

type disabledPrefetch struct{}

func (disabledPrefetch) Run(context.Context) (prefetch.Report, error) { return prefetch.Report{}, nil }

func (disabledPrefetch) Rank(context.Context) ([]prefetch.Prediction, error) { return nil, nil }

// TriggerOptimization runs a fresh pipeline of kind and waits for it.
func (t *Tiers) TriggerOptimization(ctx context.Context, kind Kind) error {
	return t.scheduler.TriggerOptimization(ctx, kind)
}

// Pipeline returns a running or recently finished pipeline.
func (t *Tiers) Pipeline(id string) (PipelineView, bool) { return t.orchestrator.Get(id) }

// Pipelines returns the retained finished pipelines, oldest first.
func (t *Tiers) Pipelines() []PipelineView { return t.orchestrator.History() }

// CancelPipeline stops a running pipeline before its next stage.
func (t *Tiers) CancelPipeline(id string) bool { return t.orchestrator.Cancel(id) }

// UpdatePolicy changes the policy of category. Stored entries are re-evaluated
// against the new policy in the background.
func (t *Tiers) UpdatePolicy(ctx context.Context, category model.Category, fn func(p *model.Policy)) error {
	return t.policies.Update(ctx, category, fn)
}

func (t *Tiers) PolicyFor(category model.Category) (model.Policy, error) {
	return t.policies.PolicyFor(category)
}

// Subscribe returns a channel of events and its cancel function.
func (t *Tiers) Subscribe(buffer int) (<-chan Event, func()) { return t.bus.Subscribe(buffer) }

// Prefetch runs one prefetch evaluation now. It is a no-op when prefetch is disabled.
func (t *Tiers) Prefetch(ctx context.Context) (Report, error) {
	if t.advisor == nil {
		return Report{}, nil
	}
	return t.advisor.Run(ctx)
}

// MetricsHandler serves Prometheus metrics, or nil when telemetry is disabled.
func (t *Tiers) MetricsHandler() http.Handler {
	if t.metrics == nil {
		return nil
	}
	return t.metrics.Handler()
}

// Close stops every worker, flushes pending writes and snapshots every
// category when persistence is enabled. It is idempotent.
func (t *Tiers) Close() error {
	t.closeOnce.Do(func() {
		var closers []io.Closer
		if t.scheduler != nil {
			closers = append(closers, t.scheduler)
		}
		if t.telemetry != nil {
			closers = append(closers, t.telemetry)
		}
		if t.evictor != nil {
			closers = append(closers, t.evictor)
		}
		if t.syncer != nil {
			closers = append(closers, t.syncer)
		}

		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		if t.ready && t.cfg.Persistence.Enabled() {
			errs = append(errs, t.Cache.Snapshot(context.Background()))
		}
		t.cancel()
		if t.bus != nil {
			errs = append(errs, t.bus.Close())
		}
		t.wg.Wait()
		if t.codec != nil {
			errs = append(errs, t.codec.Close())
		}
		t.closeErr = errors.Join(errs...)
		t.logger.Info().Msg("ash tiers is stopped")
	})
	return t.closeErr
}
