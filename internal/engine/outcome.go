// Package engine executes scenario instances: it owns one environment's
// lifecycle per instance and interprets the instance's typed steps
// against it. Step results bubble up as outcomes, never as panics, so
// cleanup is unconditional.
package engine

import (
	"fmt"
	"time"

	"github.com/marian925/crucible/internal/backend"
	"github.com/marian925/crucible/internal/scenario"
)

// Outcome is the terminal classification of one scenario instance.
type Outcome int

const (
	// OutcomePassed: every step completed and every assertion held.
	OutcomePassed Outcome = iota
	// OutcomeFailed: an assertion was not met; the behavior under test
	// is wrong.
	OutcomeFailed
	// OutcomeErrored: the test infrastructure failed (provisioning,
	// transfer, lost environment). The result says nothing about the
	// behavior under test.
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	case OutcomeErrored:
		return "errored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StepFailure records which step's assertion failed and with what
// context, so operators see expected vs. actual without re-running.
type StepFailure struct {
	Index    int // position in the instance's step list
	Step     scenario.Step
	Expected string
	Actual   string
	Result   backend.ExecResult // last command's captured output
}

func (f *StepFailure) Summary() string {
	return fmt.Sprintf("step %d (%s): expected %s, got %s",
		f.Index, f.Step.Describe(), f.Expected, f.Actual)
}

// InstanceResult is the recorded outcome of one scenario instance.
type InstanceResult struct {
	Instance  *scenario.Instance
	Outcome   Outcome
	Failure   *StepFailure // set when Outcome is OutcomeFailed
	Err       error        // set when Outcome is OutcomeErrored
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the wall-clock duration of the run, excluding cleanup.
func (r *InstanceResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Credentials is the process-wide, read-only credential configuration
// shared by every runner. Loaded once; never mutated mid-run.
type Credentials struct {
	Token string
}

// Commands holds the domain command templates the interpreter sequences.
// The literal command text is scenario data, not engine logic, so it is
// injected here rather than hard-coded.
type Commands struct {
	Attach  string // must contain {token}
	Detach  string
	Install string // must contain {package}
}

// DefaultCommands returns the command templates for the pro client under
// test on apt-based systems.
func DefaultCommands() Commands {
	return Commands{
		Attach:  "pro attach {token}",
		Detach:  "pro detach --assume-yes",
		Install: "DEBIAN_FRONTEND=noninteractive apt-get install -qq -y {package}",
	}
}
