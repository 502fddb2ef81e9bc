package scenario

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	gherkin "github.com/cucumber/gherkin/go/v26"
	messages "github.com/cucumber/messages/go/v21"
)

// ParseError describes an authoring error in a feature file.
type ParseError struct {
	File    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// ParseFile reads one feature file and returns its templates, one per
// scenario, in declaration order.
func ParseFile(path string) ([]*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening feature file: %w", err)
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads Gherkin source and maps every step line to a typed Step.
// A step line that matches no known pattern is an authoring error, not a
// runtime failure: it is reported here, before any environment exists.
func Parse(r io.Reader, source string) ([]*Template, error) {
	doc, err := gherkin.ParseGherkinDocument(r, (&messages.Incrementing{}).NewId)
	if err != nil {
		return nil, &ParseError{File: source, Message: err.Error()}
	}
	if doc.Feature == nil {
		return nil, &ParseError{File: source, Message: "no feature found"}
	}

	featureTags := tagNames(doc.Feature.Tags)

	var background []*messages.Step
	var templates []*Template
	for _, child := range doc.Feature.Children {
		switch {
		case child.Background != nil:
			background = child.Background.Steps
		case child.Scenario != nil:
			tmpl, err := buildTemplate(source, child.Scenario, background, featureTags)
			if err != nil {
				return nil, err
			}
			templates = append(templates, tmpl)
		}
	}
	if len(templates) == 0 {
		return nil, &ParseError{File: source, Message: "feature contains no scenarios"}
	}
	return templates, nil
}

func buildTemplate(source string, sc *messages.Scenario, background []*messages.Step, featureTags []string) (*Template, error) {
	tmpl := &Template{
		Name:       sc.Name,
		SourceFile: source,
		Line:       int(sc.Location.Line),
		Tags:       append(append([]string{}, featureTags...), tagNames(sc.Tags)...),
	}

	lines := make([]*messages.Step, 0, len(background)+len(sc.Steps))
	lines = append(lines, background...)
	lines = append(lines, sc.Steps...)

	for _, line := range lines {
		if release, machine, ok := matchMachineLine(line.Text); ok {
			if tmpl.Release != "" {
				return nil, stepErr(source, line, "machine is declared twice")
			}
			tmpl.Release = release
			tmpl.MachineType = machine
			continue
		}
		step, err := mapStep(source, line)
		if err != nil {
			return nil, err
		}
		tmpl.Steps = append(tmpl.Steps, step)
	}

	if tmpl.Release == "" {
		return nil, &ParseError{
			File:    source,
			Line:    int(sc.Location.Line),
			Message: fmt.Sprintf("scenario %q does not declare a machine (expected: Given a \"<release>\" <machine-type> machine)", sc.Name),
		}
	}

	table, err := buildExamples(source, sc)
	if err != nil {
		return nil, err
	}
	tmpl.Examples = table
	return tmpl, nil
}

// buildExamples merges a scenario's Examples tables into one Table.
// Multiple tables are allowed only when their headers agree.
func buildExamples(source string, sc *messages.Scenario) (*Table, error) {
	if len(sc.Examples) == 0 {
		return nil, nil
	}

	table := &Table{}
	for _, ex := range sc.Examples {
		if ex.TableHeader == nil {
			continue
		}
		cols := cellValues(ex.TableHeader)
		if table.Columns == nil {
			table.Columns = cols
		} else if !equalStrings(table.Columns, cols) {
			return nil, &ParseError{
				File:    source,
				Line:    int(ex.Location.Line),
				Message: fmt.Sprintf("examples tables of %q have mismatched columns", sc.Name),
			}
		}
		for _, row := range ex.TableBody {
			vals := cellValues(row)
			if len(vals) != len(table.Columns) {
				return nil, &ParseError{
					File:    source,
					Line:    int(row.Location.Line),
					Message: fmt.Sprintf("examples row has %d values, header has %d columns", len(vals), len(table.Columns)),
				}
			}
			table.Rows = append(table.Rows, vals)
		}
	}
	if table.Columns == nil {
		return nil, nil
	}
	return table, nil
}

// Step-line grammar. Each pattern is anchored and matched exactly once,
// at parse time; the engine itself never inspects English text.
var (
	reMachine        = regexp.MustCompile("^a \"([^\"]+)\" ([a-z0-9-]+) machine$")
	reRunRetry       = regexp.MustCompile("^I run `([^`]+)` as (root|non-root), retrying exit codes `([0-9, ]+)`$")
	reRun            = regexp.MustCompile("^I run `([^`]+)` as (root|non-root)$")
	rePackage        = regexp.MustCompile("^the package \"([^\"]+)\" is installed$")
	reAttached       = regexp.MustCompile("^the machine is attached$")
	reNotAttached    = regexp.MustCompile("^the machine is not attached$")
	reMutate         = regexp.MustCompile("^I change the machine state with `([^`]+)`$")
	reWait           = regexp.MustCompile(`^I wait (\d+) seconds?$`)
	rePush           = regexp.MustCompile("^I push \"([^\"]+)\" to \"([^\"]+)\"$")
	reCapture        = regexp.MustCompile("^I capture stdout as \"([A-Za-z_][A-Za-z0-9_]*)\"$")
	reExitCode       = regexp.MustCompile(`^the exit code should be (\d+)$`)
	reStdoutExact    = regexp.MustCompile(`^I will see the following on stdout:?$`)
	reStderrExact    = regexp.MustCompile(`^I will see the following on stderr:?$`)
	reStdoutMatches  = regexp.MustCompile("^stdout should match \"(.+)\"$")
	reStdoutContains = regexp.MustCompile("^stdout should contain \"(.+)\"$")
	reStderrContains = regexp.MustCompile("^stderr should contain \"(.+)\"$")
	reFileExists     = regexp.MustCompile("^the file \"([^\"]+)\" should exist on the machine$")
	reFileAbsent     = regexp.MustCompile("^the file \"([^\"]+)\" should be absent from the machine$")
)

func matchMachineLine(text string) (release, machine string, ok bool) {
	m := reMachine.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func mapStep(source string, line *messages.Step) (Step, error) {
	text := strings.TrimSpace(line.Text)
	step := Step{Line: int(line.Location.Line)}

	switch {
	case reRunRetry.MatchString(text):
		m := reRunRetry.FindStringSubmatch(text)
		codes, err := parseExitCodes(m[3])
		if err != nil {
			return Step{}, stepErr(source, line, err.Error())
		}
		step.Kind = KindRunCommand
		step.Command = m[1]
		step.User = m[2]
		step.RetryExitCodes = codes

	case reRun.MatchString(text):
		m := reRun.FindStringSubmatch(text)
		step.Kind = KindRunCommand
		step.Command = m[1]
		step.User = m[2]

	case rePackage.MatchString(text):
		m := rePackage.FindStringSubmatch(text)
		step.Kind = KindInstallPackage
		step.Package = m[1]

	case reAttached.MatchString(text):
		step.Kind = KindAttachCredential

	case reNotAttached.MatchString(text):
		step.Kind = KindDetach

	case reMutate.MatchString(text):
		m := reMutate.FindStringSubmatch(text)
		step.Kind = KindMutateState
		step.Command = m[1]

	case reWait.MatchString(text):
		m := reWait.FindStringSubmatch(text)
		secs, _ := strconv.Atoi(m[1])
		step.Kind = KindWait
		step.Duration = time.Duration(secs) * time.Second

	case rePush.MatchString(text):
		m := rePush.FindStringSubmatch(text)
		step.Kind = KindPushFile
		step.LocalPath = m[1]
		step.RemotePath = m[2]

	case reCapture.MatchString(text):
		m := reCapture.FindStringSubmatch(text)
		step.Kind = KindCaptureStdout
		step.CaptureName = m[1]

	case reExitCode.MatchString(text):
		m := reExitCode.FindStringSubmatch(text)
		code, _ := strconv.Atoi(m[1])
		step.Kind = KindExpectExitCode
		step.ExpectedExit = code

	case reStdoutExact.MatchString(text):
		content, err := docString(source, line)
		if err != nil {
			return Step{}, err
		}
		step.Kind = KindExpectStdoutExact
		step.Text = content

	case reStderrExact.MatchString(text):
		content, err := docString(source, line)
		if err != nil {
			return Step{}, err
		}
		step.Kind = KindExpectStderrExact
		step.Text = content

	case reStdoutMatches.MatchString(text):
		m := reStdoutMatches.FindStringSubmatch(text)
		if _, err := regexp.Compile(m[1]); err != nil {
			return Step{}, stepErr(source, line, fmt.Sprintf("invalid pattern %q: %v", m[1], err))
		}
		step.Kind = KindExpectStdoutMatches
		step.Text = m[1]

	case reStdoutContains.MatchString(text):
		m := reStdoutContains.FindStringSubmatch(text)
		step.Kind = KindExpectStdoutContains
		step.Text = m[1]

	case reStderrContains.MatchString(text):
		m := reStderrContains.FindStringSubmatch(text)
		step.Kind = KindExpectStderrContains
		step.Text = m[1]

	case reFileExists.MatchString(text):
		m := reFileExists.FindStringSubmatch(text)
		step.Kind = KindExpectFileExists
		step.Glob = m[1]

	case reFileAbsent.MatchString(text):
		m := reFileAbsent.FindStringSubmatch(text)
		step.Kind = KindExpectFileAbsent
		step.Glob = m[1]

	default:
		return Step{}, stepErr(source, line, fmt.Sprintf("unrecognized step: %q", text))
	}

	return step, nil
}

func docString(source string, line *messages.Step) (string, error) {
	if line.DocString == nil {
		return "", stepErr(source, line, "step requires a docstring with the expected text")
	}
	return line.DocString.Content, nil
}

func parseExitCodes(s string) ([]int, error) {
	var codes []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid retry exit code %q", part)
		}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("empty retry exit code list")
	}
	return codes, nil
}

func stepErr(source string, line *messages.Step, msg string) *ParseError {
	return &ParseError{File: source, Line: int(line.Location.Line), Message: msg}
}

func tagNames(tags []*messages.Tag) []string {
	var names []string
	for _, t := range tags {
		names = append(names, t.Name)
	}
	return names
}

func cellValues(row *messages.TableRow) []string {
	vals := make([]string, 0, len(row.Cells))
	for _, c := range row.Cells {
		vals = append(vals, c.Value)
	}
	return vals
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
