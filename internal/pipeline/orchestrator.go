package pipeline

import (
	"context"
	"errors"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/config"
	"github.com/Borislavv/go-ash-tiers/internal/events"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultStageTimeout = 30 * time.Second
	defaultHistorySize  = 64
)

type Orchestrator struct {
	mu       sync.RWMutex
	services map[string]Service
	running  map[string]*Pipeline
	history  []*Pipeline // oldest first, at most historySize

	stageTimeout time.Duration
	historySize  int
	clock        clock.Clock
	events       events.Publisher
	logger       zerolog.Logger
	newID        func() string

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func New(cfg config.PipelineCfg, clk clock.Clock, pub events.Publisher, logger zerolog.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	o := &Orchestrator{
		services:     make(map[string]Service),
		running:      make(map[string]*Pipeline),
		stageTimeout: cfg.StageTimeout,
		historySize:  cfg.HistorySize,
		clock:        clk,
		events:       pub,
		logger:       logger.With().Str("component", "pipeline").Logger(),
		newID:        func() string { return uuid.NewString() },
	}
	if o.stageTimeout <= 0 {
		o.stageTimeout = defaultStageTimeout
	}
	if o.historySize <= 0 {
		o.historySize = defaultHistorySize
	}
	return o
}

// Register binds a service name used by stages. Registering a name twice
// replaces the previous service.
func (o *Orchestrator) Register(name string, svc Service) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.services[name] = svc
}

func (o *Orchestrator) service(name string) (Service, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	svc, ok := o.services[name]
	return svc, ok
}

// Run builds a pipeline of kind and executes it.
func (o *Orchestrator) Run(ctx context.Context, kind Kind) (*Pipeline, error) {
	p, err := o.Build(kind)
	if err != nil {
		return nil, err
	}
	return p, o.Execute(ctx, p)
}

// Execute runs p to completion on the calling goroutine. Stages run one at a
// time in dependency order. The first failing stage fails the pipeline and the
// stages after it stay pending. Cancellation, through ctx or Cancel, is only
// observed between stages; each stage gets its own timeout independent of ctx.
func (o *Orchestrator) Execute(ctx context.Context, p *Pipeline) error {
	order, err := Validate(p)
	if err != nil {
		return o.fail(p, nil, err)
	}

	now := o.clock.Now()
	var estimate time.Duration
	for _, s := range p.Stages {
		estimate += s.EstimatedDuration
	}

	p.mu.Lock()
	if p.Status != StatusPending {
		p.mu.Unlock()
		return fmt.Errorf("%w: pipeline %s is %s", ErrInvalidPipeline, p.ID, p.Status)
	}
	p.Status = StatusRunning
	p.StartTime = now
	p.EstimatedCompletionTime = now.Add(estimate)
	p.mu.Unlock()

	o.mu.Lock()
	o.running[p.ID] = p
	o.mu.Unlock()
	o.started.Add(1)

	o.events.Publish(events.Event{Type: events.PipelineStarted, PipelineID: p.ID, Kind: string(p.Kind)})
	o.logger.Info().Str("pipeline", p.ID).Str("kind", string(p.Kind)).Int("stages", len(p.Stages)).Msg("pipeline started")

	results := make(map[string]map[string]StageResult, len(order))
	for i, stage := range order {
		p.mu.RLock()
		cancelled := p.cancelRequested
		p.mu.RUnlock()
		if cancelled || ctx.Err() != nil {
			return o.fail(p, nil, fmt.Errorf("%w after %d of %d stages", ErrCancelled, i, len(order)))
		}

		p.mu.Lock()
		stage.Status = StatusRunning
		stage.StartedAt = o.clock.Now()
		p.CurrentStage = stage.ID
		p.mu.Unlock()

		out, err := o.runStage(ctx, p, stage, results)
		if err != nil {
			return o.fail(p, stage, fmt.Errorf("%w: %s: %w", ErrStageFailure, stage.ID, err))
		}
		results[stage.ID] = out

		p.mu.Lock()
		stage.Status = StatusCompleted
		stage.FinishedAt = o.clock.Now()
		stage.Results = out
		done := i + 1
		p.Progress = float64(done) / float64(len(order)) * 100
		progress := p.Progress
		p.mu.Unlock()

		o.events.Publish(events.Event{
			Type:       events.PipelineProgress,
			PipelineID: p.ID,
			Kind:       string(p.Kind),
			StageID:    stage.ID,
			Progress:   progress,
			Completed:  done,
		})
	}

	p.mu.Lock()
	p.Status = StatusCompleted
	p.Progress = 100
	p.CurrentStage = ""
	p.FinishTime = o.clock.Now()
	elapsed := p.FinishTime.Sub(p.StartTime)
	p.mu.Unlock()
	o.completed.Add(1)
	o.finish(p)

	o.events.Publish(events.Event{
		Type:       events.PipelineCompleted,
		PipelineID: p.ID,
		Kind:       string(p.Kind),
		Progress:   100,
		Completed:  len(order),
	})
	o.logger.Info().Str("pipeline", p.ID).Str("kind", string(p.Kind)).Str("elapsed", elapsed.String()).Msg("pipeline completed")
	return nil
}

// runStage calls every required service of stage in order. Each call is bounded
// by the stage timeout and detached from ctx cancellation.
func (o *Orchestrator) runStage(ctx context.Context, p *Pipeline, stage *Stage, results map[string]map[string]StageResult) (map[string]StageResult, error) {
	in := StageInput{
		PipelineID: p.ID,
		Kind:       p.Kind,
		StageID:    stage.ID,
		Action:     stage.Action,
		Results:    make(map[string]map[string]StageResult, len(stage.Dependencies)),
	}
	for _, dep := range stage.Dependencies {
		in.Results[dep] = results[dep]
	}

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = o.stageTimeout
	}

	out := make(map[string]StageResult, len(stage.RequiredServices))
	for _, name := range stage.RequiredServices {
		svc, ok := o.service(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrServiceUnavailable, name)
		}
		res, err := o.call(ctx, svc, in, timeout)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if res.Service == "" {
			res.Service = name
		}
		out[name] = res
	}
	return out, nil
}

type callResult struct {
	res StageResult
	err error
}

func (o *Orchestrator) call(ctx context.Context, svc Service, in StageInput, timeout time.Duration) (StageResult, error) {
	sctx, cancel := o.clock.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := o.clock.Now()
	done := make(chan callResult, 1)
	go func() {
		res, err := svc.Run(sctx, in)
		done <- callResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return StageResult{}, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, r.err)
			}
			return StageResult{}, r.err
		}
		if r.res.Elapsed == 0 {
			r.res.Elapsed = o.clock.Since(start)
		}
		return r.res, nil
	case <-sctx.Done():
		return StageResult{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func (o *Orchestrator) fail(p *Pipeline, stage *Stage, err error) error {
	now := o.clock.Now()
	p.mu.Lock()
	if stage != nil {
		stage.Status = StatusFailed
		stage.Err = err
		stage.FinishedAt = now
	}
	p.Status = StatusFailed
	p.Err = err
	p.FinishTime = now
	completed := p.completedUnlocked()
	p.mu.Unlock()

	o.failed.Add(1)
	o.finish(p)

	ev := events.Event{
		Type:       events.PipelineFailed,
		PipelineID: p.ID,
		Kind:       string(p.Kind),
		Completed:  completed,
		Err:        err.Error(),
	}
	if stage != nil {
		ev.StageID = stage.ID
	}
	o.events.Publish(ev)
	o.logger.Error().Err(err).Str("pipeline", p.ID).Str("kind", string(p.Kind)).Int("completed", completed).Msg("pipeline failed")
	return err
}

// finish moves p from the running set into the bounded history.
func (o *Orchestrator) finish(p *Pipeline) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, p.ID)
	o.history = append(o.history, p)
	if over := len(o.history) - o.historySize; over > 0 {
		clear(o.history[:over])
		o.history = o.history[over:]
	}
}

// Cancel requests cancellation of a running pipeline. The pipeline stops before
// its next stage starts. It reports whether a running pipeline with that id exists.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.RLock()
	p, ok := o.running[id]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	p.cancelRequested = true
	p.mu.Unlock()
	return true
}

// Get returns the state of a running or retained pipeline.
func (o *Orchestrator) Get(id string) (View, bool) {
	o.mu.RLock()
	p, ok := o.running[id]
	if !ok {
		for i := len(o.history) - 1; i >= 0; i-- {
			if o.history[i].ID == id {
				p, ok = o.history[i], true
				break
			}
		}
	}
	o.mu.RUnlock()
	if !ok {
		return View{}, false
	}
	return p.View(), true
}

// Running returns the pipelines currently executing.
func (o *Orchestrator) Running() []View {
	o.mu.RLock()
	ps := make([]*Pipeline, 0, len(o.running))
	for _, p := range o.running {
		ps = append(ps, p)
	}
	o.mu.RUnlock()

	views := make([]View, 0, len(ps))
	for _, p := range ps {
		views = append(views, p.View())
	}
	return views
}

// History returns the retained finished pipelines, oldest first.
func (o *Orchestrator) History() []View {
	o.mu.RLock()
	ps := append([]*Pipeline(nil), o.history...)
	o.mu.RUnlock()

	views := make([]View, 0, len(ps))
	for _, p := range ps {
		views = append(views, p.View())
	}
	return views
}

// Metrics returns the number of started, completed and failed pipelines.
func (o *Orchestrator) Metrics() (started, completed, failed int64) {
	return o.started.Load(), o.completed.Load(), o.failed.Load()
}
