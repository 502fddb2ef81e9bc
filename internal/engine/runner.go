package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/marian925/crucible/internal/backend"
	"github.com/marian925/crucible/internal/scenario"
)

// cleanupTimeout bounds environment teardown so a wedged backend cannot
// hold the suite open forever.
const cleanupTimeout = 2 * time.Minute

// State is a scenario runner's lifecycle phase.
type State int

const (
	StatePending State = iota
	StateProvisioning
	StateRunning
	StateCleaning
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateProvisioning:
		return "provisioning"
	case StateRunning:
		return "running"
	case StateCleaning:
		return "cleaning"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// RunnerConfig configures scenario execution. Credentials are read-only
// and shared by every runner; nothing here is mutated mid-run.
type RunnerConfig struct {
	BaseImage   string
	StepTimeout time.Duration
	Commands    Commands
	Credentials Credentials

	// OnTransition, when set, observes every state change. The suite
	// orchestrator forwards its observer here; tests use it to check
	// lifecycle sequencing.
	OnTransition func(inst *scenario.Instance, from, to State)
}

// Runner executes scenario instances, owning one environment per
// instance from provision through guaranteed teardown.
type Runner struct {
	provider backend.Provider
	cfg      RunnerConfig
}

// NewRunner creates a Runner on the given provider.
func NewRunner(provider backend.Provider, cfg RunnerConfig) *Runner {
	return &Runner{provider: provider, cfg: cfg}
}

// Run executes one instance to its terminal outcome.
//
// The environment is destroyed exactly once on every path: pass, failed
// assertion, infrastructure error, provisioning failure (including a
// partially created environment), and cancellation. Teardown runs under
// a context detached from the caller's so a suite-level abort cannot
// skip it.
func (r *Runner) Run(ctx context.Context, inst *scenario.Instance) (result InstanceResult) {
	result = InstanceResult{Instance: inst, StartTime: time.Now().UTC()}

	state := StatePending
	transition := func(to State) {
		if r.cfg.OnTransition != nil {
			r.cfg.OnTransition(inst, state, to)
		}
		state = to
	}

	var env *backend.Environment
	cleaned := false
	cleanup := func() {
		if cleaned {
			return
		}
		cleaned = true
		transition(StateCleaning)
		if env != nil {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			defer cancel()
			if err := r.provider.Destroy(dctx, env); err != nil {
				// Teardown failures are logged, never escalated: they must
				// not mask the instance's primary outcome.
				slog.Warn("environment cleanup failed",
					"instance", inst.ID(),
					"env", env.Name,
					"error", err,
				)
			}
		}
		transition(StateDone)
	}
	defer cleanup()
	defer func() { result.EndTime = time.Now().UTC() }()

	transition(StateProvisioning)
	var err error
	env, err = r.provider.Launch(ctx, backend.Spec{
		Release:     inst.Release,
		MachineType: inst.MachineType,
		BaseImage:   r.cfg.BaseImage,
	})
	if err != nil {
		// env may still be non-nil here; cleanup reclaims the partial
		// environment either way.
		result.Outcome = OutcomeErrored
		result.Err = err
		return result
	}

	transition(StateRunning)
	slog.Debug("running scenario instance",
		"instance", inst.ID(),
		"env", env.Name,
		"steps", len(inst.Steps),
	)

	interp := NewInterpreter(r.provider, env, r.cfg.Commands, r.cfg.Credentials, r.cfg.StepTimeout)
	outcome, stepFailure, runErr := interp.Run(ctx, inst.Steps)
	result.Outcome = outcome
	result.Failure = stepFailure
	result.Err = runErr
	return result
}
