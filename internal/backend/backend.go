// Package backend abstracts the disposable execution environments that
// scenarios run against. An environment is created for exactly one
// scenario instance and destroyed when that instance finishes.
package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// TimeoutExitCode is the distinguished exit status reported when a
// command exceeds its allotted duration (shell timeout convention).
const TimeoutExitCode = 124

// Machine types understood by the built-in providers.
const (
	MachineLXDContainer = "lxd-container"
	MachineLXDVM        = "lxd-vm"
	MachineEC2          = "ec2"
)

// Spec describes the environment a scenario instance needs.
type Spec struct {
	Release     string // OS release, e.g. "jammy"
	MachineType string // "lxd-container", "lxd-vm", "ec2"
	BaseImage   string // optional override of the provider's image choice
}

// Environment is an opaque handle to one isolated execution context,
// exclusively owned by the scenario runner that launched it.
type Environment struct {
	Name        string
	Release     string
	MachineType string
}

// ExecOpts configures one command execution inside an environment.
type ExecOpts struct {
	Command string
	User    string        // "root" or "non-root"
	Timeout time.Duration // zero means no per-command timeout
}

// ExecResult holds the captured outcome of one command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Provider creates, drives, and destroys environments.
// Implementations must be safe for concurrent use: the suite runs many
// scenario instances at once, each against its own environment.
type Provider interface {
	// Launch provisions a fresh environment. When provisioning partially
	// failed, the returned environment (if non-nil) still identifies
	// whatever was created, so Destroy can reclaim it.
	Launch(ctx context.Context, spec Spec) (*Environment, error)

	// Exec runs a command and captures exit code, stdout, and stderr.
	// It never blocks past opts.Timeout: an expired timeout yields
	// ExitCode TimeoutExitCode with TimedOut set, not an error.
	Exec(ctx context.Context, env *Environment, opts ExecOpts) (ExecResult, error)

	// PushFile copies a local file into the environment.
	PushFile(ctx context.Context, env *Environment, localPath, remotePath string) error

	// Destroy tears the environment down. Idempotent and safe to call
	// with a partially provisioned or already-deleted environment.
	// Callers log the returned error; they never propagate it.
	Destroy(ctx context.Context, env *Environment) error
}

// NewEnvironmentName returns a unique name for a fresh environment.
func NewEnvironmentName(prefix string) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s%08x", prefix, time.Now().UnixNano()&0xFFFFFFFF)
	}
	return prefix + hex.EncodeToString(b)
}
