package suite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marian925/crucible/internal/backend"
	"github.com/marian925/crucible/internal/engine"
	"github.com/marian925/crucible/internal/scenario"
)

// gaugeProvider tracks how many environments are alive at once.
type gaugeProvider struct {
	mu      sync.Mutex
	live    int
	maxLive int
	holdFor time.Duration

	launchErr error
}

func (g *gaugeProvider) Launch(ctx context.Context, spec backend.Spec) (*backend.Environment, error) {
	if g.launchErr != nil {
		return nil, g.launchErr
	}
	g.mu.Lock()
	g.live++
	if g.live > g.maxLive {
		g.maxLive = g.live
	}
	g.mu.Unlock()
	return &backend.Environment{
		Name:        backend.NewEnvironmentName("gauge-"),
		Release:     spec.Release,
		MachineType: spec.MachineType,
	}, nil
}

func (g *gaugeProvider) Exec(ctx context.Context, env *backend.Environment, opts backend.ExecOpts) (backend.ExecResult, error) {
	if g.holdFor > 0 {
		select {
		case <-time.After(g.holdFor):
		case <-ctx.Done():
			return backend.ExecResult{}, ctx.Err()
		}
	}
	return backend.ExecResult{ExitCode: 0, Stdout: "ok\n"}, nil
}

func (g *gaugeProvider) PushFile(ctx context.Context, env *backend.Environment, local, remote string) error {
	return nil
}

func (g *gaugeProvider) Destroy(ctx context.Context, env *backend.Environment) error {
	g.mu.Lock()
	g.live--
	g.mu.Unlock()
	return nil
}

func writeFeature(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const matrixFeature = `Feature: package install

  Scenario: install latest package
    Given a "<release>" lxd-container machine
    When I run ` + "`apt-get update`" + ` as root
    Then the exit code should be 0

    Examples:
      | release |
      | focal   |
      | jammy   |
      | noble   |
      | mantic  |
      | lunar   |
  `

const taggedFeature = `Feature: attach lifecycle

  @token
  Scenario: attach with a real credential
    Given a "jammy" lxd-container machine
    When the machine is attached
    Then the exit code should be 0

  @slow
  Scenario: long upgrade path
    Given a "focal" lxd-container machine
    When I run ` + "`do-release-upgrade`" + ` as root
    Then the exit code should be 0

  Scenario: version check
    Given a "jammy" lxd-container machine
    When I run ` + "`demo-agent version`" + ` as non-root
    Then the exit code should be 0
  `

func TestRunBoundedConcurrency(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeature(t, dir, "install.feature", matrixFeature)

	g := &gaugeProvider{holdFor: 20 * time.Millisecond}
	o := NewOrchestrator(g, Options{Concurrency: 2, StepTimeout: time.Minute})

	report, err := o.Run(context.Background(), []string{dir})
	require.NoError(t, err)

	passed, failed, errored := report.Counts()
	assert.Equal(t, 5, passed)
	assert.Zero(t, failed)
	assert.Zero(t, errored)

	// At most two environments existed at any moment.
	assert.LessOrEqual(t, g.maxLive, 2)
	assert.GreaterOrEqual(t, g.maxLive, 1)
	assert.Zero(t, g.live) // all destroyed
}

func TestRunReportsAllInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeature(t, dir, "install.feature", matrixFeature)

	g := &gaugeProvider{}
	o := NewOrchestrator(g, Options{Concurrency: 4, StepTimeout: time.Minute})

	report, err := o.Run(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Len(t, report.Results(), 5)
	assert.False(t, report.Failed())
	assert.False(t, report.EndTime.IsZero())
}

func TestRunForwardsStateTransitions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeature(t, dir, "install.feature", matrixFeature)

	var mu sync.Mutex
	transitions := make(map[string][]engine.State)

	g := &gaugeProvider{}
	o := NewOrchestrator(g, Options{
		Concurrency: 2,
		StepTimeout: time.Minute,
		OnTransition: func(inst *scenario.Instance, from, to engine.State) {
			mu.Lock()
			transitions[inst.ID()] = append(transitions[inst.ID()], to)
			mu.Unlock()
		},
	})

	report, err := o.Run(context.Background(), []string{dir})
	require.NoError(t, err)

	// Every instance's lifecycle reaches the orchestrator's observer.
	require.Len(t, transitions, len(report.Results()))
	want := []engine.State{engine.StateProvisioning, engine.StateRunning, engine.StateCleaning, engine.StateDone}
	for id, seq := range transitions {
		assert.Equal(t, want, seq, "instance %s", id)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeFeature(t, dir, "install.feature", matrixFeature)

	o := NewOrchestrator(&gaugeProvider{}, Options{})

	first, err := o.Plan([]string{file})
	require.NoError(t, err)
	second, err := o.Plan([]string{file})
	require.NoError(t, err)

	require.Len(t, first, 5)
	for i := range first {
		assert.Equal(t, first[i].ID(), second[i].ID())
	}
	// Declaration order: rows in table order.
	assert.Equal(t, "focal", first[0].Release)
	assert.Equal(t, "jammy", first[1].Release)
}

func TestPlanShuffleSeedIsReproducible(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeFeature(t, dir, "install.feature", matrixFeature)

	shuffled := NewOrchestrator(&gaugeProvider{}, Options{ShuffleSeed: 42})

	a, err := shuffled.Plan([]string{file})
	require.NoError(t, err)
	b, err := shuffled.Plan([]string{file})
	require.NoError(t, err)

	require.Len(t, a, 5)
	for i := range a {
		assert.Equal(t, a[i].ID(), b[i].ID())
	}
}

func TestFilterExcludeTags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeFeature(t, dir, "tagged.feature", taggedFeature)

	var skipped []string
	o := NewOrchestrator(&gaugeProvider{}, Options{
		ExcludeTags: []string{"@slow"},
		Credentials: engine.Credentials{Token: "tok"},
		OnSkip: func(tmpl *scenario.Template, reason string) {
			skipped = append(skipped, tmpl.Name)
		},
	})

	instances, err := o.Plan([]string{file})
	require.NoError(t, err)

	names := make([]string, 0, len(instances))
	for _, inst := range instances {
		names = append(names, inst.Template)
	}
	assert.Equal(t, []string{"attach with a real credential", "version check"}, names)
	assert.Equal(t, []string{"long upgrade path"}, skipped)
}

func TestFilterIncludeTags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeFeature(t, dir, "tagged.feature", taggedFeature)

	o := NewOrchestrator(&gaugeProvider{}, Options{
		IncludeTags: []string{"@slow"},
	})

	instances, err := o.Plan([]string{file})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "long upgrade path", instances[0].Template)
}

func TestFilterDropsCredentialedTemplatesWithoutToken(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeFeature(t, dir, "tagged.feature", taggedFeature)

	var reasons []string
	o := NewOrchestrator(&gaugeProvider{}, Options{
		OnSkip: func(tmpl *scenario.Template, reason string) {
			reasons = append(reasons, reason)
		},
	})

	instances, err := o.Plan([]string{file})
	require.NoError(t, err)

	for _, inst := range instances {
		assert.NotEqual(t, "attach with a real credential", inst.Template)
	}
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "credential token")
}

func TestRunNoScenariosSelected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeFeature(t, dir, "tagged.feature", taggedFeature)

	o := NewOrchestrator(&gaugeProvider{}, Options{
		IncludeTags: []string{"@nonexistent"},
	})

	_, err := o.Run(context.Background(), []string{file})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scenarios selected")
}

func TestRunAbortMarksUnstartedInstancesErrored(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeature(t, dir, "install.feature", matrixFeature)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := &gaugeProvider{}
	o := NewOrchestrator(g, Options{Concurrency: 1, StepTimeout: time.Minute})

	report, err := o.Run(ctx, []string{dir})
	require.NoError(t, err)

	// Every instance completed with a result; none leaked an environment.
	assert.Len(t, report.Results(), 5)
	assert.True(t, report.Failed())
	assert.Zero(t, g.live)
}

func TestRunParseErrorAbortsBeforeProvisioning(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFeature(t, dir, "broken.feature", `Feature: broken

  Scenario: has no machine declaration
    When I run `+"`true`"+` as root
    Then the exit code should be 0
  `)

	g := &gaugeProvider{launchErr: fmt.Errorf("must never be called")}
	o := NewOrchestrator(g, Options{})

	_, err := o.Run(context.Background(), []string{dir})
	require.Error(t, err)
	assert.Zero(t, g.maxLive)
}

func TestRunFailedInstanceSurfacesInReport(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeFeature(t, dir, "fail.feature", `Feature: failing

  Scenario: wrong exit code
    Given a "jammy" lxd-container machine
    When I run `+"`true`"+` as root
    Then the exit code should be 3
  `)

	g := &gaugeProvider{}
	o := NewOrchestrator(g, Options{})

	report, err := o.Run(context.Background(), []string{file})
	require.NoError(t, err)
	assert.True(t, report.Failed())

	failures := report.Failures()
	require.Len(t, failures, 1)
	require.NotNil(t, failures[0].Failure)
	assert.Contains(t, failures[0].Failure.Expected, "exit code 3")
}
