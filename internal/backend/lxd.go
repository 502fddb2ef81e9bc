package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	envNamePrefix = "crucible-"

	defaultLaunchTimeout = 3 * time.Minute
	bootPollInterval     = 2 * time.Second
	bootPollAttempts     = 30
)

// runCommandFunc executes a local command and returns its captured
// output and exit code. err is non-nil only when the command could not
// be run at all (binary missing, context cancelled before start).
type runCommandFunc func(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)

// runLocal is the real runner, backed by os/exec.
func runLocal(ctx context.Context, name string, args ...string) (string, string, int, error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return outBuf.String(), errBuf.String(), exitErr.ExitCode(), nil
		}
		return outBuf.String(), errBuf.String(), 0, err
	}
	return outBuf.String(), errBuf.String(), 0, nil
}

// LXDProvider drives disposable LXD containers and VMs through the lxc
// CLI: launch, exec, file push, delete --force.
type LXDProvider struct {
	run           runCommandFunc
	imageRemote   string
	launchTimeout time.Duration
	bootInterval  time.Duration
	bootAttempts  int
}

// LXDOption customizes an LXDProvider.
type LXDOption func(*LXDProvider)

// WithCommandRunner replaces the local command runner (for tests).
func WithCommandRunner(run runCommandFunc) LXDOption {
	return func(p *LXDProvider) { p.run = run }
}

// WithLaunchTimeout bounds how long Launch waits for boot.
func WithLaunchTimeout(d time.Duration) LXDOption {
	return func(p *LXDProvider) { p.launchTimeout = d }
}

// WithBootPoll customizes the boot polling cadence (for tests).
func WithBootPoll(interval time.Duration, attempts int) LXDOption {
	return func(p *LXDProvider) {
		p.bootInterval = interval
		p.bootAttempts = attempts
	}
}

// NewLXDProvider creates a provider using the ubuntu: image remote.
func NewLXDProvider(opts ...LXDOption) *LXDProvider {
	p := &LXDProvider{
		run:           runLocal,
		imageRemote:   "ubuntu:",
		launchTimeout: defaultLaunchTimeout,
		bootInterval:  bootPollInterval,
		bootAttempts:  bootPollAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Launch creates a container or VM for the release and waits for boot.
// The returned environment is non-nil whenever a launch was attempted,
// so a partially provisioned instance can still be destroyed.
func (p *LXDProvider) Launch(ctx context.Context, spec Spec) (*Environment, error) {
	image := spec.BaseImage
	if image == "" {
		image = p.imageRemote + spec.Release
	}

	env := &Environment{
		Name:        NewEnvironmentName(envNamePrefix),
		Release:     spec.Release,
		MachineType: spec.MachineType,
	}

	args := []string{"launch", image, env.Name}
	switch spec.MachineType {
	case MachineLXDContainer:
		// default
	case MachineLXDVM:
		args = append(args, "--vm")
	default:
		return nil, &ProvisionError{
			Release:     spec.Release,
			MachineType: spec.MachineType,
			Cause:       fmt.Errorf("machine type %q is not supported by the lxd backend", spec.MachineType),
		}
	}

	launchCtx, cancel := context.WithTimeout(ctx, p.launchTimeout)
	defer cancel()

	_, stderr, code, err := p.run(launchCtx, "lxc", args...)
	if err != nil {
		return env, &ProvisionError{Release: spec.Release, MachineType: spec.MachineType, Cause: err}
	}
	if code != 0 {
		return env, &ProvisionError{
			Release:     spec.Release,
			MachineType: spec.MachineType,
			Cause:       fmt.Errorf("lxc launch exited %d: %s", code, strings.TrimSpace(stderr)),
		}
	}

	if err := p.waitForBoot(launchCtx, env); err != nil {
		return env, &ProvisionError{Release: spec.Release, MachineType: spec.MachineType, Cause: err}
	}

	slog.Debug("launched environment", "name", env.Name, "release", env.Release, "machine_type", env.MachineType)
	return env, nil
}

// waitForBoot polls runlevel until the init system reports multi-user.
func (p *LXDProvider) waitForBoot(ctx context.Context, env *Environment) error {
	for attempt := 0; attempt < p.bootAttempts; attempt++ {
		stdout, _, code, err := p.run(ctx, "lxc", "exec", env.Name, "--", "runlevel")
		if err == nil && code == 0 {
			fields := strings.Fields(strings.TrimSpace(stdout))
			if len(fields) == 2 && (fields[1] == "2" || fields[1] == "3" || fields[1] == "5") {
				return nil
			}
		}

		timer := time.NewTimer(p.bootInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for %s to boot: %w", env.Name, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s did not boot within %d attempts", env.Name, p.bootAttempts)
}

// Exec runs a command inside the environment. lxc exec runs as root;
// non-root commands are dropped to the default ubuntu user.
func (p *LXDProvider) Exec(ctx context.Context, env *Environment, opts ExecOpts) (ExecResult, error) {
	if env == nil {
		return ExecResult{}, fmt.Errorf("exec on nil environment")
	}

	args := []string{"exec", env.Name, "--"}
	if opts.User == "non-root" {
		args = append(args, "sudo", "-u", "ubuntu")
	}
	args = append(args, "sh", "-c", opts.Command)

	execCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	stdout, stderr, code, err := p.run(execCtx, "lxc", args...)

	// A per-command timeout is a distinguished exit status, not an
	// infrastructure error; parent cancellation still is.
	if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		slog.Debug("command timed out", "env", env.Name, "command", opts.Command, "timeout", opts.Timeout)
		return ExecResult{ExitCode: TimeoutExitCode, Stdout: stdout, Stderr: stderr, TimedOut: true}, nil
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("executing in %s: %w", env.Name, err)
	}
	return ExecResult{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
}

// PushFile copies a local file into the environment.
func (p *LXDProvider) PushFile(ctx context.Context, env *Environment, localPath, remotePath string) error {
	if env == nil {
		return fmt.Errorf("push to nil environment")
	}

	_, stderr, code, err := p.run(ctx, "lxc", "file", "push", localPath, env.Name+remotePath)
	if err != nil {
		return &TransferError{LocalPath: localPath, RemotePath: remotePath, Cause: err}
	}
	if code != 0 {
		return &TransferError{
			LocalPath:  localPath,
			RemotePath: remotePath,
			Cause:      fmt.Errorf("lxc file push exited %d: %s", code, strings.TrimSpace(stderr)),
		}
	}
	return nil
}

// Destroy deletes the environment. Safe on a nil or half-created
// environment; deleting an instance that no longer exists is success.
func (p *LXDProvider) Destroy(ctx context.Context, env *Environment) error {
	if env == nil || env.Name == "" {
		return nil
	}

	_, stderr, code, err := p.run(ctx, "lxc", "delete", env.Name, "--force")
	if err != nil {
		return fmt.Errorf("deleting %s: %w", env.Name, err)
	}
	if code != 0 {
		if strings.Contains(stderr, "not found") || strings.Contains(stderr, "Instance not found") {
			return nil
		}
		return fmt.Errorf("lxc delete %s exited %d: %s", env.Name, code, strings.TrimSpace(stderr))
	}
	slog.Debug("destroyed environment", "name", env.Name)
	return nil
}
