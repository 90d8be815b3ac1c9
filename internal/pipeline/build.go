package pipeline

import (
	"fmt"
	"time"
)

// Service names known to the orchestrator.
const (
	ServiceCache      = "cache"
	ServicePrefetch   = "prefetch"
	ServiceAnalytics  = "analytics"
	ServicePrediction = "prediction"
)

// Actions understood by the built-in services.
const (
	ActionSweep      = "sweep"
	ActionReevaluate = "reevaluate"
	ActionFlush      = "flush"
	ActionVerify     = "verify"
	ActionWarm       = "warm"

	ActionCollectMetrics     = "collect_metrics"
	ActionAnalyzePerformance = "analyze_performance"
	ActionCollectUsage       = "collect_usage"
	ActionAnalyzeSystem      = "analyze_system"
	ActionTrain              = "train"
)

type stageDef struct {
	id, name, action string
	services         []string
	estimate         time.Duration
	deps             []string
}

var (
	cacheStages = []stageDef{
		{"cache_sweep", "Sweep expired entries", ActionSweep, []string{ServiceCache}, 2 * time.Second, nil},
		{"cache_reevaluate", "Re-evaluate category budgets", ActionReevaluate, []string{ServiceCache}, 3 * time.Second, []string{"cache_sweep"}},
		{"cache_prefetch", "Warm proposed keys", ActionWarm, []string{ServicePrefetch}, 5 * time.Second, []string{"cache_reevaluate"}},
		{"cache_flush", "Flush categories", ActionFlush, []string{ServiceCache}, 2 * time.Second, []string{"cache_reevaluate"}},
	}
	performanceStages = []stageDef{
		{"perf_collect_metrics", "Collect performance metrics", ActionCollectMetrics, []string{ServiceAnalytics}, 5 * time.Second, nil},
		{"perf_analyze", "Analyze bottlenecks", ActionAnalyzePerformance, []string{ServiceAnalytics}, 10 * time.Second, []string{"perf_collect_metrics"}},
		{"perf_apply", "Apply cache tuning", ActionReevaluate, []string{ServiceCache}, 3 * time.Second, []string{"perf_analyze"}},
	}
	predictiveStages = []stageDef{
		{"predict_collect_usage", "Collect usage patterns", ActionCollectUsage, []string{ServiceAnalytics}, 5 * time.Second, nil},
		{"predict_train_model", "Train demand model", ActionTrain, []string{ServicePrediction}, 30 * time.Second, []string{"predict_collect_usage"}},
		{"predict_warm_cache", "Warm predicted keys", ActionWarm, []string{ServicePrefetch}, 5 * time.Second, []string{"predict_train_model"}},
	}
	fullHead = stageDef{"full_analysis", "Analyze system state", ActionAnalyzeSystem, []string{ServiceAnalytics}, 10 * time.Second, nil}
	fullTail = stageDef{"full_verify", "Verify stored entries", ActionVerify, []string{ServiceCache}, 5 * time.Second, nil}
)

// Build constructs a fresh pending pipeline of kind. The full kind runs the
// other three kinds after a system analysis stage and finishes with a
// verification stage that depends on every other stage.
func (o *Orchestrator) Build(kind Kind) (*Pipeline, error) {
	var defs []stageDef
	switch kind {
	case KindCache:
		defs = cacheStages
	case KindPerformance:
		defs = performanceStages
	case KindPredictive:
		defs = predictiveStages
	case KindFull:
		defs = append(defs, fullHead)
		for _, part := range [][]stageDef{cacheStages, performanceStages, predictiveStages} {
			for _, d := range part {
				if len(d.deps) == 0 {
					d.deps = []string{fullHead.id}
				}
				defs = append(defs, d)
			}
		}
		tail := fullTail
		for _, d := range defs {
			tail.deps = append(tail.deps, d.id)
		}
		defs = append(defs, tail)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	p := &Pipeline{
		ID:     o.newID(),
		Kind:   kind,
		Name:   string(kind) + " optimization",
		Status: StatusPending,
		Stages: make([]*Stage, 0, len(defs)),
	}
	for _, d := range defs {
		p.Stages = append(p.Stages, &Stage{
			ID:                d.id,
			Name:              d.name,
			Action:            d.action,
			RequiredServices:  append([]string(nil), d.services...),
			EstimatedDuration: d.estimate,
			Dependencies:      append([]string(nil), d.deps...),
			Status:            StatusPending,
		})
	}
	return p, nil
}

// Validate checks that the stage graph is non-empty, has unique ids, refers
// only to known stages and is acyclic. It returns the execution order: a
// topological order that keeps declaration order wherever dependencies allow.
func Validate(p *Pipeline) ([]*Stage, error) {
	if len(p.Stages) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrInvalidPipeline)
	}

	index := make(map[string]int, len(p.Stages))
	for i, s := range p.Stages {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: stage %d has no id", ErrInvalidPipeline, i)
		}
		if _, dup := index[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate stage id %q", ErrInvalidPipeline, s.ID)
		}
		index[s.ID] = i
	}

	indegree := make([]int, len(p.Stages))
	dependents := make([][]int, len(p.Stages))
	for i, s := range p.Stages {
		for _, dep := range s.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: stage %q depends on unknown stage %q", ErrInvalidPipeline, s.ID, dep)
			}
			if j == i {
				return nil, fmt.Errorf("%w: stage %q depends on itself", ErrInvalidPipeline, s.ID)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm, always taking the earliest declared ready stage.
	order := make([]*Stage, 0, len(p.Stages))
	done := make([]bool, len(p.Stages))
	for len(order) < len(p.Stages) {
		next := -1
		for i := range p.Stages {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("%w: dependency cycle", ErrInvalidPipeline)
		}
		done[next] = true
		order = append(order, p.Stages[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}
