package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/marian925/crucible/internal/backend"
	"github.com/marian925/crucible/internal/scenario"
)

const (
	// maxAttempts caps run_command retries, including the first attempt.
	maxAttempts = 4
	// baseBackoff is doubled after each retried attempt.
	baseBackoff = time.Second

	// dpkgLockExitCode is retried by install_package: concurrent apt
	// activity on a freshly booted machine is expected, not a failure.
	dpkgLockExitCode = 100
)

// Interpreter executes one instance's steps sequentially against one
// environment, maintaining the scenario-local state (last command
// result, named captures) between steps.
type Interpreter struct {
	provider    backend.Provider
	env         *backend.Environment
	commands    Commands
	creds       Credentials
	stepTimeout time.Duration

	// sleep is injectable so tests do not wait out real backoffs.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewInterpreter creates an interpreter bound to one environment.
func NewInterpreter(provider backend.Provider, env *backend.Environment, commands Commands, creds Credentials, stepTimeout time.Duration) *Interpreter {
	return &Interpreter{
		provider:    provider,
		env:         env,
		commands:    commands,
		creds:       creds,
		stepTimeout: stepTimeout,
		sleep:       sleepCtx,
	}
}

// Run executes the steps in declaration order. The first failed
// assertion stops execution immediately; no subsequent step runs.
// Infrastructure problems return a non-nil error and OutcomeErrored,
// never a panic, so the caller's cleanup path always runs.
func (it *Interpreter) Run(ctx context.Context, steps []scenario.Step) (Outcome, *StepFailure, error) {
	var last backend.ExecResult
	captures := make(map[string]string)

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return OutcomeErrored, nil, fmt.Errorf("step %d (%s): %w", i, step.Kind, err)
		}

		switch step.Kind {
		case scenario.KindRunCommand:
			res, err := it.execWithRetry(ctx, expandCaptures(step.Command, captures), step.User, step.RetryExitCodes)
			if err != nil {
				return OutcomeErrored, nil, stepError(i, step, err)
			}
			last = res

		case scenario.KindInstallPackage:
			cmd := strings.ReplaceAll(it.commands.Install, "{package}", step.Package)
			res, err := it.execWithRetry(ctx, cmd, "root", []int{dpkgLockExitCode})
			if err != nil {
				return OutcomeErrored, nil, stepError(i, step, err)
			}
			last = res

		case scenario.KindAttachCredential:
			if it.creds.Token == "" {
				return OutcomeErrored, nil, stepError(i, step, fmt.Errorf("no credential token configured"))
			}
			cmd := strings.ReplaceAll(it.commands.Attach, "{token}", it.creds.Token)
			res, err := it.exec(ctx, cmd, "root")
			if err != nil {
				return OutcomeErrored, nil, stepError(i, step, err)
			}
			last = res

		case scenario.KindDetach:
			// Precondition step: a machine that was never attached makes
			// detach exit non-zero, which is fine.
			res, err := it.exec(ctx, it.commands.Detach, "root")
			if err != nil {
				return OutcomeErrored, nil, stepError(i, step, err)
			}
			last = res

		case scenario.KindMutateState:
			res, err := it.exec(ctx, expandCaptures(step.Command, captures), "root")
			if err != nil {
				return OutcomeErrored, nil, stepError(i, step, err)
			}
			last = res

		case scenario.KindWait:
			if err := it.sleep(ctx, step.Duration); err != nil {
				return OutcomeErrored, nil, stepError(i, step, err)
			}

		case scenario.KindPushFile:
			if err := it.provider.PushFile(ctx, it.env, step.LocalPath, step.RemotePath); err != nil {
				return OutcomeErrored, nil, stepError(i, step, err)
			}

		case scenario.KindCaptureStdout:
			captures[step.CaptureName] = strings.TrimSpace(last.Stdout)

		case scenario.KindExpectExitCode:
			if last.ExitCode != step.ExpectedExit {
				return OutcomeFailed, failure(i, step,
					fmt.Sprintf("exit code %d", step.ExpectedExit),
					fmt.Sprintf("exit code %d", last.ExitCode),
					last), nil
			}

		case scenario.KindExpectStdoutExact:
			actual := strings.TrimSuffix(last.Stdout, "\n")
			if actual != step.Text {
				return OutcomeFailed, failure(i, step,
					fmt.Sprintf("stdout %q", step.Text),
					fmt.Sprintf("stdout %q", actual),
					last), nil
			}

		case scenario.KindExpectStderrExact:
			actual := strings.TrimSuffix(last.Stderr, "\n")
			if actual != step.Text {
				return OutcomeFailed, failure(i, step,
					fmt.Sprintf("stderr %q", step.Text),
					fmt.Sprintf("stderr %q", actual),
					last), nil
			}

		case scenario.KindExpectStdoutMatches:
			// Pattern validity was checked at parse time.
			re := regexp.MustCompile(step.Text)
			if !re.MatchString(last.Stdout) {
				return OutcomeFailed, failure(i, step,
					fmt.Sprintf("stdout matching %q", step.Text),
					fmt.Sprintf("stdout %q", last.Stdout),
					last), nil
			}

		case scenario.KindExpectStdoutContains:
			if !strings.Contains(last.Stdout, step.Text) {
				return OutcomeFailed, failure(i, step,
					fmt.Sprintf("stdout containing %q", step.Text),
					fmt.Sprintf("stdout %q", last.Stdout),
					last), nil
			}

		case scenario.KindExpectStderrContains:
			if !strings.Contains(last.Stderr, step.Text) {
				return OutcomeFailed, failure(i, step,
					fmt.Sprintf("stderr containing %q", step.Text),
					fmt.Sprintf("stderr %q", last.Stderr),
					last), nil
			}

		case scenario.KindExpectFileExists, scenario.KindExpectFileAbsent:
			matched, err := it.globMatches(ctx, step.Glob)
			if err != nil {
				return OutcomeErrored, nil, stepError(i, step, err)
			}
			wantMatch := step.Kind == scenario.KindExpectFileExists
			if matched != wantMatch {
				expected, actual := "at least one match", "no matches"
				if !wantMatch {
					expected, actual = "no matches", "at least one match"
				}
				return OutcomeFailed, failure(i, step,
					fmt.Sprintf("%s for %q", expected, step.Glob),
					actual,
					last), nil
			}

		default:
			return OutcomeErrored, nil, stepError(i, step, fmt.Errorf("unknown step kind %v", step.Kind))
		}
	}

	return OutcomePassed, nil, nil
}

func (it *Interpreter) exec(ctx context.Context, command, user string) (backend.ExecResult, error) {
	return it.provider.Exec(ctx, it.env, backend.ExecOpts{
		Command: command,
		User:    user,
		Timeout: it.stepTimeout,
	})
}

// execWithRetry retries the command when its exit code is in retryCodes,
// with doubling backoff, up to the fixed attempt cap. The final result
// is surfaced either way; a later expect_exit_code decides pass or fail.
func (it *Interpreter) execWithRetry(ctx context.Context, command, user string, retryCodes []int) (backend.ExecResult, error) {
	backoff := baseBackoff
	var res backend.ExecResult
	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err = it.exec(ctx, command, user)
		if err != nil {
			return res, err
		}
		if !containsInt(retryCodes, res.ExitCode) {
			return res, nil
		}
		if attempt == maxAttempts {
			break
		}
		slog.Debug("retrying command",
			"env", it.env.Name,
			"command", command,
			"exit_code", res.ExitCode,
			"attempt", attempt,
			"backoff", backoff,
		)
		if err := it.sleep(ctx, backoff); err != nil {
			return res, err
		}
		backoff *= 2
	}
	return res, nil
}

// globMatches tests a remote glob without clobbering the scenario's
// last-command state. compgen needs bash; sh on Ubuntu images is dash.
func (it *Interpreter) globMatches(ctx context.Context, glob string) (bool, error) {
	probe := fmt.Sprintf(`bash -c 'compgen -G %q' > /dev/null 2>&1`, glob)
	res, err := it.exec(ctx, probe, "root")
	if err != nil {
		return false, err
	}
	if res.TimedOut {
		return false, fmt.Errorf("glob probe for %q timed out", glob)
	}
	return res.ExitCode == 0, nil
}

func stepError(index int, step scenario.Step, err error) error {
	return fmt.Errorf("step %d (%s): %w", index, step.Kind, err)
}

func failure(index int, step scenario.Step, expected, actual string, last backend.ExecResult) *StepFailure {
	return &StepFailure{
		Index:    index,
		Step:     step,
		Expected: expected,
		Actual:   actual,
		Result:   last,
	}
}

// captureRe matches $name and ${name} references to earlier captures.
var captureRe = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)

// expandCaptures substitutes named captures into a command. Unknown
// names are left untouched so ordinary shell variables still work.
func expandCaptures(command string, captures map[string]string) string {
	if len(captures) == 0 || !strings.Contains(command, "$") {
		return command
	}
	return captureRe.ReplaceAllStringFunc(command, func(token string) string {
		name := strings.Trim(token[1:], "{}")
		if v, ok := captures[name]; ok {
			return v
		}
		return token
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
