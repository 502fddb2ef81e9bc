package backend

import (
	"fmt"
	"strings"
)

// ProvisionError means an environment could not be created. Terminal for
// the scenario instance; the suite classifies it as infrastructure error,
// not a test failure.
type ProvisionError struct {
	Release     string
	MachineType string
	Cause       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning %s %s: %v", e.Release, e.MachineType, e.Cause)
}

func (e *ProvisionError) Unwrap() error {
	return e.Cause
}

// TransferError means a file push into an environment failed.
type TransferError struct {
	LocalPath  string
	RemotePath string
	Cause      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("pushing %s to %s: %v", e.LocalPath, e.RemotePath, e.Cause)
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

// ClassifiedError wraps a provider error with user-facing context.
type ClassifiedError struct {
	Message string // user-facing description
	Fix     string // actionable fix instruction
	Cause   error  // original error
}

func (e *ClassifiedError) Error() string {
	return e.Message
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// ClassifyLaunchError examines a provisioning error and returns a
// ClassifiedError with actionable guidance, or nil if the error is not
// recognized and should be reported as-is.
func ClassifyLaunchError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	msg := err.Error()

	if containsAny(msg, "executable file not found", "lxc: command not found") {
		return &ClassifiedError{
			Message: "the lxc client is not installed",
			Fix:     "install LXD: snap install lxd && lxd init --auto",
			Cause:   err,
		}
	}
	if containsAny(msg, "unix.socket", "connection refused", "LXD unix socket") {
		return &ClassifiedError{
			Message: "cannot reach the LXD daemon",
			Fix:     "start it with: sudo snap start lxd (or run: lxd init --auto)",
			Cause:   err,
		}
	}
	if containsAny(msg, "permission denied") {
		return &ClassifiedError{
			Message: "no permission to talk to LXD",
			Fix:     "add yourself to the lxd group: sudo usermod -aG lxd $USER, then re-login",
			Cause:   err,
		}
	}
	if containsAny(msg, "Image not found", "couldn't find the requested image") {
		return &ClassifiedError{
			Message: "the requested OS image does not exist",
			Fix:     "check the release name in the Examples table against: lxc image list ubuntu:",
			Cause:   err,
		}
	}
	if containsAny(msg, "quota", "Quota exceeded", "no space left on device") {
		return &ClassifiedError{
			Message: "host is out of capacity for new environments",
			Fix:     "lower run.concurrency in .crucible.toml or free disk space",
			Cause:   err,
		}
	}
	if containsAny(msg, "ExpiredToken", "ExpiredTokenException", "RequestExpired") {
		return &ClassifiedError{
			Message: "AWS credentials have expired",
			Fix:     "refresh your session: aws sso login (or re-run aws configure)",
			Cause:   err,
		}
	}
	if containsAny(msg, "UnauthorizedOperation", "AuthFailure") {
		return &ClassifiedError{
			Message: "AWS credentials lack EC2 permissions",
			Fix:     "attach an IAM policy allowing ec2:RunInstances and related actions",
			Cause:   err,
		}
	}
	if containsAny(msg, "InstanceLimitExceeded", "VcpuLimitExceeded") {
		return &ClassifiedError{
			Message: "EC2 instance limit reached",
			Fix:     "lower run.concurrency in .crucible.toml or request a limit increase",
			Cause:   err,
		}
	}

	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
