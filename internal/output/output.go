package output

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	prefix    = "crucible | "
	separator = "─────────────────────────────────────────────"
)

// Mode controls output format.
type Mode int

const (
	ModeText Mode = iota
	ModeJSON
	ModeQuiet
)

// Writer handles all user-facing output.
type Writer struct {
	out  io.Writer
	err  io.Writer
	mode Mode
	now  func() time.Time // injectable clock for testing
}

// New creates a Writer with the given mode, writing to stdout/stderr.
func New(mode Mode) *Writer {
	return &Writer{
		out:  os.Stdout,
		err:  os.Stderr,
		mode: mode,
		now:  time.Now,
	}
}

// NewWithWriters creates a Writer with explicit output targets (for testing).
func NewWithWriters(out, errOut io.Writer, mode Mode) *Writer {
	return &Writer{
		out:  out,
		err:  errOut,
		mode: mode,
		now:  time.Now,
	}
}

// SetClock overrides the time source (for testing).
func (w *Writer) SetClock(fn func() time.Time) {
	w.now = fn
}

// Info prints a crucible-prefixed informational message.
func (w *Writer) Info(msg string) {
	switch w.mode {
	case ModeJSON:
		w.writeJSON("info", msg, nil)
	case ModeQuiet:
		// suppress
	default:
		fmt.Fprintf(w.out, "%s%s\n", prefix, msg)
	}
}

// Infof prints a formatted crucible-prefixed informational message.
func (w *Writer) Infof(format string, args ...any) {
	w.Info(fmt.Sprintf(format, args...))
}

// Error prints a crucible-prefixed error message with an optional fix suggestion.
func (w *Writer) Error(msg, fix string) {
	switch w.mode {
	case ModeJSON:
		fields := map[string]string{}
		if fix != "" {
			fields["fix"] = fix
		}
		w.writeJSON("error", msg, fields)
	default:
		fmt.Fprintf(w.err, "%serror: %s\n", prefix, msg)
		if fix != "" {
			fmt.Fprintf(w.err, "%s%s\n", prefix, fix)
		}
	}
}

// Separator prints a visual separator line.
func (w *Writer) Separator() {
	switch w.mode {
	case ModeJSON:
		// no separator in JSON mode
	case ModeQuiet:
		// suppress
	default:
		fmt.Fprintf(w.out, "%s%s\n", prefix, separator)
	}
}

// Result prints one scenario instance's terminal outcome. JSON mode
// emits a machine-readable line per instance; quiet mode still prints
// non-passing outcomes so failures are never silent.
func (w *Writer) Result(id, outcome string, duration time.Duration, detail string) {
	switch w.mode {
	case ModeJSON:
		fields := map[string]string{
			"instance": id,
			"outcome":  outcome,
			"duration": duration.Round(time.Millisecond).String(),
		}
		if detail != "" {
			fields["detail"] = detail
		}
		w.writeJSON("result", outcome, fields)
	case ModeQuiet:
		if outcome == "passed" {
			return
		}
		fmt.Fprintf(w.err, "%s%s  %s\n", prefix, outcomeBadge(outcome, false), id)
	default:
		fmt.Fprintf(w.out, "%s%s  %s  (%s)\n",
			prefix, outcomeBadge(outcome, w.colorOut()), id, duration.Round(time.Millisecond))
		if detail != "" {
			for _, line := range strings.Split(strings.TrimRight(detail, "\n"), "\n") {
				fmt.Fprintf(w.out, "%s       %s\n", prefix, line)
			}
		}
	}
}

// Skip prints a skipped-template notice.
func (w *Writer) Skip(name, reason string) {
	switch w.mode {
	case ModeJSON:
		w.writeJSON("skip", reason, map[string]string{"template": name})
	case ModeQuiet:
		// suppress
	default:
		fmt.Fprintf(w.out, "%s%s  %s: %s\n", prefix, badge("SKIP", DimStyle, w.colorOut()), name, reason)
	}
}

// Summary prints the suite totals.
func (w *Writer) Summary(passed, failed, errored int, duration time.Duration) {
	total := passed + failed + errored
	switch w.mode {
	case ModeJSON:
		w.writeJSON("summary", fmt.Sprintf("%d scenarios", total), map[string]string{
			"passed":   fmt.Sprintf("%d", passed),
			"failed":   fmt.Sprintf("%d", failed),
			"errored":  fmt.Sprintf("%d", errored),
			"duration": duration.Round(time.Millisecond).String(),
		})
	case ModeQuiet:
		if failed > 0 || errored > 0 {
			fmt.Fprintf(w.err, "%s%d of %d scenarios did not pass\n", prefix, failed+errored, total)
		}
	default:
		w.Separator()
		line := fmt.Sprintf("%d scenarios: %d passed, %d failed, %d errored in %s",
			total, passed, failed, errored, duration.Round(time.Second))
		if failed == 0 && errored == 0 && w.colorOut() {
			line = SuccessStyle.Render(line)
		}
		fmt.Fprintf(w.out, "%s%s\n", prefix, line)
	}
}

func (w *Writer) colorOut() bool {
	return w.mode == ModeText && SupportsColor(w.out)
}

func outcomeBadge(outcome string, color bool) string {
	switch outcome {
	case "passed":
		return badge("PASS", PassStyle, color)
	case "failed":
		return badge("FAIL", FailStyle, color)
	default:
		return badge("ERROR", ErrorStyle, color)
	}
}

func (w *Writer) writeJSON(msgType, msg string, fields map[string]string) {
	msg = strings.TrimRight(msg, "\n")
	obj := map[string]string{
		"type":      msgType,
		"message":   msg,
		"timestamp": w.now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		obj[k] = v
	}
	data, err := json.Marshal(obj)
	if err != nil {
		slog.Error("failed to marshal JSON output", "error", err)
		return
	}
	fmt.Fprintln(w.out, string(data))
}

// SetupSlog configures slog for the given verbosity level.
// When verbose is true, debug-level messages are shown.
func SetupSlog(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}
