package preflight

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Result is the outcome of a single preflight check.
type Result struct {
	Name    string // e.g. "lxc"
	OK      bool
	Message string // user-facing error description
	Fix     string // actionable fix instruction
}

// CheckLXC verifies that the lxc client is installed and available on PATH.
func CheckLXC() Result {
	r := Result{Name: "lxc"}
	_, err := exec.LookPath("lxc")
	if err != nil {
		r.OK = false
		r.Message = "lxc is not installed"
		switch runtime.GOOS {
		case "linux":
			r.Fix = "install: snap install lxd && lxd init --auto"
		default:
			r.Fix = "install LXD and ensure lxc is on your PATH"
		}
		return r
	}
	r.OK = true
	return r
}

// CheckAWSCredentials verifies that AWS credentials are configured.
// It checks for the environment variables and config files that the AWS SDK resolves.
// This is a fast, offline check — it does not call AWS APIs.
func CheckAWSCredentials(lookupEnv func(string) (string, bool), fileExists func(string) bool, homeDir string) Result {
	r := Result{Name: "aws-credentials"}

	// Check environment variables first (highest priority in SDK resolution).
	if key, ok := lookupEnv("AWS_ACCESS_KEY_ID"); ok && key != "" {
		r.OK = true
		return r
	}
	if profile, ok := lookupEnv("AWS_PROFILE"); ok && profile != "" {
		r.OK = true
		return r
	}
	if webIdentity, ok := lookupEnv("AWS_WEB_IDENTITY_TOKEN_FILE"); ok && webIdentity != "" {
		r.OK = true
		return r
	}

	// Check for credential files.
	if homeDir != "" {
		credPath := fmt.Sprintf("%s/.aws/credentials", homeDir)
		configPath := fmt.Sprintf("%s/.aws/config", homeDir)
		if fileExists(credPath) || fileExists(configPath) {
			r.OK = true
			return r
		}
	}

	r.OK = false
	r.Message = "no AWS credentials found"
	r.Fix = "run: aws configure (or set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables)"
	return r
}

// CheckToken verifies that an attach token is configured when the suite
// includes credentialed scenarios.
func CheckToken(token string, needed bool) Result {
	r := Result{Name: "credential-token"}
	if !needed || token != "" {
		r.OK = true
		return r
	}
	r.OK = false
	r.Message = "credentialed scenarios selected but no token is configured"
	r.Fix = "set credentials.token in .crucible.toml or CRUCIBLE_CREDENTIALS_TOKEN"
	return r
}

// Options selects which checks apply to a run.
type Options struct {
	BackendKind string // lxd or ec2
	TokenNeeded bool
	Token       string

	LookupEnv  func(string) (string, bool)
	FileExists func(string) bool
	HomeDir    string
}

// RunAll runs the preflight checks for the selected backend and returns
// any failures.
func RunAll(opts Options) []Result {
	var checks []Result
	switch opts.BackendKind {
	case "ec2":
		checks = append(checks, CheckAWSCredentials(opts.LookupEnv, opts.FileExists, opts.HomeDir))
	default:
		checks = append(checks, CheckLXC())
	}
	checks = append(checks, CheckToken(opts.Token, opts.TokenNeeded))

	var failures []Result
	for _, c := range checks {
		if !c.OK {
			failures = append(failures, c)
		}
	}
	return failures
}
