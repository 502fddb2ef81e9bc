// Package scenario defines the declarative test-case model: templates
// parsed from feature files, typed steps, and the parameter-matrix
// expansion that turns templates into concrete, immutable instances.
package scenario

import (
	"fmt"
	"strings"
	"time"
)

// StepKind discriminates the typed step variants the engine can execute.
type StepKind int

const (
	KindRunCommand StepKind = iota
	KindInstallPackage
	KindAttachCredential
	KindDetach
	KindMutateState
	KindWait
	KindPushFile
	KindCaptureStdout
	KindExpectExitCode
	KindExpectStdoutExact
	KindExpectStdoutMatches
	KindExpectStdoutContains
	KindExpectStderrExact
	KindExpectStderrContains
	KindExpectFileExists
	KindExpectFileAbsent
)

var stepKindNames = map[StepKind]string{
	KindRunCommand:           "run_command",
	KindInstallPackage:       "install_package",
	KindAttachCredential:     "attach_credential",
	KindDetach:               "detach",
	KindMutateState:          "mutate_external_state",
	KindWait:                 "wait",
	KindPushFile:             "push_file",
	KindCaptureStdout:        "capture_stdout",
	KindExpectExitCode:       "expect_exit_code",
	KindExpectStdoutExact:    "expect_stdout_exact",
	KindExpectStdoutMatches:  "expect_stdout_matches",
	KindExpectStdoutContains: "expect_stdout_contains",
	KindExpectStderrExact:    "expect_stderr_exact",
	KindExpectStderrContains: "expect_stderr_contains",
	KindExpectFileExists:     "expect_file_exists",
	KindExpectFileAbsent:     "expect_file_absent",
}

// String returns the snake_case name of the step kind.
func (k StepKind) String() string {
	if name, ok := stepKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("step_kind(%d)", int(k))
}

// IsAssertion reports whether a step of this kind checks an expectation
// rather than performing an action.
func (k StepKind) IsAssertion() bool {
	switch k {
	case KindExpectExitCode,
		KindExpectStdoutExact, KindExpectStdoutMatches, KindExpectStdoutContains,
		KindExpectStderrExact, KindExpectStderrContains,
		KindExpectFileExists, KindExpectFileAbsent:
		return true
	}
	return false
}

// Step is one tagged variant. Kind selects which of the remaining fields
// are meaningful; the zero value of unused fields is ignored.
type Step struct {
	Kind StepKind

	// Source position, for authoring-error and failure reports.
	Line int

	Command        string        // run_command, mutate_external_state
	User           string        // "root" or "non-root"
	RetryExitCodes []int         // run_command: exit codes that trigger a bounded retry
	Package        string        // install_package
	ExpectedExit   int           // expect_exit_code
	Text           string        // expect_stdout_*/expect_stderr_*: literal, pattern, or substring
	Glob           string        // expect_file_exists/expect_file_absent
	LocalPath      string        // push_file
	RemotePath     string        // push_file
	CaptureName    string        // capture_stdout
	Duration       time.Duration // wait
}

// Describe returns a short human-readable label for reports.
func (s Step) Describe() string {
	switch s.Kind {
	case KindRunCommand, KindMutateState:
		return fmt.Sprintf("%s `%s`", s.Kind, s.Command)
	case KindInstallPackage:
		return fmt.Sprintf("%s %q", s.Kind, s.Package)
	case KindExpectExitCode:
		return fmt.Sprintf("%s %d", s.Kind, s.ExpectedExit)
	case KindExpectStdoutExact, KindExpectStdoutMatches, KindExpectStdoutContains,
		KindExpectStderrExact, KindExpectStderrContains:
		return fmt.Sprintf("%s %q", s.Kind, s.Text)
	case KindExpectFileExists, KindExpectFileAbsent:
		return fmt.Sprintf("%s %q", s.Kind, s.Glob)
	case KindPushFile:
		return fmt.Sprintf("%s %q -> %q", s.Kind, s.LocalPath, s.RemotePath)
	case KindCaptureStdout:
		return fmt.Sprintf("%s %q", s.Kind, s.CaptureName)
	case KindWait:
		return fmt.Sprintf("%s %s", s.Kind, s.Duration)
	default:
		return s.Kind.String()
	}
}

// Table is an Examples table: ordered columns, ordered rows.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Template is the declarative, parameterizable description of one test
// case. Immutable after parsing; shared read-only across runners.
type Template struct {
	Name        string
	SourceFile  string
	Line        int
	Tags        []string
	Release     string // may contain <placeholders>
	MachineType string // may contain <placeholders>
	Steps       []Step
	Examples    *Table // nil when the template is not parameterized
}

// HasTag reports whether the template carries the given tag (with or
// without the leading "@").
func (t *Template) HasTag(tag string) bool {
	tag = strings.TrimPrefix(tag, "@")
	for _, have := range t.Tags {
		if strings.TrimPrefix(have, "@") == tag {
			return true
		}
	}
	return false
}

// Instance is one fully resolved run of a template against one Examples
// row. Identity is (template name, row values). Immutable once created.
type Instance struct {
	Template    string
	SourceFile  string
	Tags        []string
	Release     string
	MachineType string
	RowValues   []string // empty when the template had no Examples table
	Steps       []Step
}

// ID returns the instance identity string used in reports.
func (i *Instance) ID() string {
	if len(i.RowValues) == 0 {
		return i.Template
	}
	return fmt.Sprintf("%s [%s]", i.Template, strings.Join(i.RowValues, ", "))
}
