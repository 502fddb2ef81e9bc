package suite

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/marian925/crucible/internal/backend"
	"github.com/marian925/crucible/internal/engine"
	"github.com/marian925/crucible/internal/scenario"
)

// TagToken marks templates that need a real credential and are skipped
// automatically when no token is configured.
const TagToken = "@token"

// Options selects and shapes a suite run.
type Options struct {
	Concurrency int
	IncludeTags []string
	ExcludeTags []string

	// ShuffleSeed randomizes instance order when non-zero. The same seed
	// reproduces the same order.
	ShuffleSeed int64

	BaseImage   string
	StepTimeout time.Duration
	Commands    engine.Commands
	Credentials engine.Credentials

	// OnResult observes each completed instance (progress reporting).
	OnResult func(engine.InstanceResult)

	// OnSkip observes templates dropped by tag filtering.
	OnSkip func(tmpl *scenario.Template, reason string)

	// OnTransition observes runner state changes per instance. Called
	// from worker goroutines; observers must be safe for concurrent use.
	OnTransition func(inst *scenario.Instance, from, to engine.State)
}

// Orchestrator runs a whole suite: parse, filter, expand, dispatch.
type Orchestrator struct {
	provider backend.Provider
	opts     Options
}

func NewOrchestrator(provider backend.Provider, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 5 * time.Minute
	}
	return &Orchestrator{provider: provider, opts: opts}
}

// Plan parses the given feature files and returns the instances a run
// would execute, after tag filtering and matrix expansion, in dispatch
// order.
func (o *Orchestrator) Plan(files []string) ([]*scenario.Instance, error) {
	var templates []*scenario.Template
	for _, file := range files {
		parsed, err := scenario.ParseFile(file)
		if err != nil {
			return nil, err
		}
		templates = append(templates, parsed...)
	}

	selected := o.filter(templates)

	instances, err := scenario.ExpandAll(selected)
	if err != nil {
		return nil, err
	}

	if o.opts.ShuffleSeed != 0 {
		rng := rand.New(rand.NewSource(o.opts.ShuffleSeed))
		rng.Shuffle(len(instances), func(i, j int) {
			instances[i], instances[j] = instances[j], instances[i]
		})
	}
	return instances, nil
}

// Run executes all instances from the given feature files under the
// configured concurrency limit and returns the aggregated report. A
// parse or expansion problem aborts before any environment is created.
func (o *Orchestrator) Run(ctx context.Context, files []string) (*Report, error) {
	instances, err := o.Plan(files)
	if err != nil {
		return nil, err
	}
	return o.RunPlan(ctx, instances)
}

// RunPlan executes an already planned instance list. Callers that need
// the plan up front (progress totals) plan once and hand it in here.
func (o *Orchestrator) RunPlan(ctx context.Context, instances []*scenario.Instance) (*Report, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no scenarios selected (check tag filters)")
	}

	report := NewReport()
	runner := engine.NewRunner(o.provider, engine.RunnerConfig{
		BaseImage:    o.opts.BaseImage,
		StepTimeout:  o.opts.StepTimeout,
		Commands:     o.opts.Commands,
		Credentials:  o.opts.Credentials,
		OnTransition: o.opts.OnTransition,
	})

	slog.Debug("dispatching suite",
		"instances", len(instances),
		"concurrency", o.opts.Concurrency,
	)

	sem := make(chan struct{}, o.opts.Concurrency)
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *scenario.Instance) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				// Never started: no environment exists, nothing to clean.
				o.record(report, engine.InstanceResult{
					Instance:  inst,
					Outcome:   engine.OutcomeErrored,
					Err:       fmt.Errorf("suite aborted before start: %w", ctx.Err()),
					StartTime: time.Now().UTC(),
					EndTime:   time.Now().UTC(),
				})
				return
			}

			o.record(report, runner.Run(ctx, inst))
		}(inst)
	}
	wg.Wait()

	report.EndTime = time.Now().UTC()
	return report, nil
}

func (o *Orchestrator) record(report *Report, res engine.InstanceResult) {
	report.append(res)
	if o.opts.OnResult != nil {
		o.opts.OnResult(res)
	}
}

// filter applies include/exclude tag rules, preserving declaration
// order. Credentialed templates are dropped when no token is set.
func (o *Orchestrator) filter(templates []*scenario.Template) []*scenario.Template {
	var out []*scenario.Template
	for _, tmpl := range templates {
		if reason := o.skipReason(tmpl); reason != "" {
			slog.Debug("skipping template", "template", tmpl.Name, "reason", reason)
			if o.opts.OnSkip != nil {
				o.opts.OnSkip(tmpl, reason)
			}
			continue
		}
		out = append(out, tmpl)
	}
	return out
}

func (o *Orchestrator) skipReason(tmpl *scenario.Template) string {
	for _, tag := range o.opts.ExcludeTags {
		if tmpl.HasTag(tag) {
			return fmt.Sprintf("excluded by tag %s", tag)
		}
	}
	if len(o.opts.IncludeTags) > 0 {
		matched := false
		for _, tag := range o.opts.IncludeTags {
			if tmpl.HasTag(tag) {
				matched = true
				break
			}
		}
		if !matched {
			return "no matching include tag"
		}
	}
	if tmpl.HasTag(TagToken) && o.opts.Credentials.Token == "" {
		return "needs a credential token and none is configured"
	}
	return ""
}
