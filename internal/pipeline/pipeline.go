// Package pipeline runs staged optimization jobs. A pipeline is a set of
// stages with declared dependencies; stages run one at a time in dependency
// order, each calling the services it requires, and the first failure halts
// the pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidPipeline    = errors.New("invalid pipeline")
	ErrStageFailure       = errors.New("stage failure")
	ErrTimeout            = errors.New("stage timed out")
	ErrCancelled          = errors.New("pipeline cancelled")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrUnknownKind        = errors.New("unknown pipeline kind")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Kind string

const (
	KindCache       Kind = "cache"
	KindPerformance Kind = "performance"
	KindPredictive  Kind = "predictive"
	KindFull        Kind = "full"
)

var Kinds = []Kind{KindCache, KindPerformance, KindPredictive, KindFull}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// StageInput is what a service receives. Results holds the results of the
// stages this one depends on: stage id, then service name.
type StageInput struct {
	PipelineID string
	Kind       Kind
	StageID    string
	Action     string
	Results    map[string]map[string]StageResult
}

// StageResult is opaque to the orchestrator beyond its presence.
type StageResult struct {
	Service string
	Output  any
	Elapsed time.Duration
}

type Service interface {
	Run(ctx context.Context, in StageInput) (StageResult, error)
}

type ServiceFunc func(ctx context.Context, in StageInput) (StageResult, error)

func (f ServiceFunc) Run(ctx context.Context, in StageInput) (StageResult, error) { return f(ctx, in) }

type Stage struct {
	ID                string
	Name              string
	Action            string
	RequiredServices  []string
	EstimatedDuration time.Duration
	Dependencies      []string
	// Timeout bounds each service call of the stage. Zero uses the orchestrator default.
	Timeout time.Duration

	Status     Status
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
	Results    map[string]StageResult // by service name
}

// Pipeline is mutated only by the orchestrator executing it. Use View to read
// a pipeline that may be running.
type Pipeline struct {
	mu sync.RWMutex

	ID                      string
	Kind                    Kind
	Name                    string
	Stages                  []*Stage
	CurrentStage            string
	Progress                float64
	StartTime               time.Time
	FinishTime              time.Time
	EstimatedCompletionTime time.Time
	Status                  Status
	Err                     error

	cancelRequested bool
}

// CompletedStages counts the stages that finished successfully.
func (p *Pipeline) CompletedStages() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completedUnlocked()
}

func (p *Pipeline) completedUnlocked() (n int) {
	for _, s := range p.Stages {
		if s.Status == StatusCompleted {
			n++
		}
	}
	return n
}

func (p *Pipeline) Stage(id string) (*Stage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// StageView is a copy of a stage's state.
type StageView struct {
	ID           string
	Name         string
	Status       Status
	Err          string
	StartedAt    time.Time
	FinishedAt   time.Time
	Dependencies []string
}

// View is a consistent copy of a pipeline's state.
type View struct {
	ID                      string
	Kind                    Kind
	Name                    string
	Status                  Status
	Progress                float64
	CurrentStage            string
	Completed               int
	Total                   int
	StartTime               time.Time
	FinishTime              time.Time
	EstimatedCompletionTime time.Time
	Err                     string
	Stages                  []StageView
}

func (p *Pipeline) View() View {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v := View{
		ID:                      p.ID,
		Kind:                    p.Kind,
		Name:                    p.Name,
		Status:                  p.Status,
		Progress:                p.Progress,
		CurrentStage:            p.CurrentStage,
		Completed:               p.completedUnlocked(),
		Total:                   len(p.Stages),
		StartTime:               p.StartTime,
		FinishTime:              p.FinishTime,
		EstimatedCompletionTime: p.EstimatedCompletionTime,
		Stages:                  make([]StageView, 0, len(p.Stages)),
	}
	if p.Err != nil {
		v.Err = p.Err.Error()
	}
	for _, s := range p.Stages {
		sv := StageView{
			ID:           s.ID,
			Name:         s.Name,
			Status:       s.Status,
			StartedAt:    s.StartedAt,
			FinishedAt:   s.FinishedAt,
			Dependencies: append([]string(nil), s.Dependencies...),
		}
		if s.Err != nil {
			sv.Err = s.Err.Error()
		}
		v.Stages = append(v.Stages, sv)
	}
	return v
}
