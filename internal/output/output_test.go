package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode Mode
		msg  string
		want string
	}{
		{
			name: "text mode prints prefixed message",
			mode: ModeText,
			msg:  "discovered 3 feature files",
			want: "crucible | discovered 3 feature files\n",
		},
		{
			name: "quiet mode suppresses info",
			mode: ModeQuiet,
			msg:  "discovered 3 feature files",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			w := NewWithWriters(&buf, &bytes.Buffer{}, tt.mode)
			w.Info(tt.msg)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestInfoJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeJSON)
	w.Info("discovered 3 feature files")

	var got map[string]string
	err := json.Unmarshal(buf.Bytes(), &got)
	require.NoError(t, err)
	assert.Equal(t, "info", got["type"])
	assert.Equal(t, "discovered 3 feature files", got["message"])
}

func TestInfof(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeText)
	w.Infof("running %d scenarios across %d releases", 12, 3)
	assert.Equal(t, "crucible | running 12 scenarios across 3 releases\n", buf.String())
}

func TestError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    Mode
		msg     string
		fix     string
		wantOut string
		wantErr string
	}{
		{
			name:    "text mode with fix suggestion",
			mode:    ModeText,
			msg:     "lxc not found in PATH",
			fix:     "run: snap install lxd",
			wantOut: "",
			wantErr: "crucible | error: lxc not found in PATH\ncrucible | run: snap install lxd\n",
		},
		{
			name:    "text mode without fix",
			mode:    ModeText,
			msg:     "environment not found",
			fix:     "",
			wantOut: "",
			wantErr: "crucible | error: environment not found\n",
		},
		{
			name:    "quiet mode still shows errors",
			mode:    ModeQuiet,
			msg:     "provisioning failed",
			fix:     "check the LXD daemon",
			wantOut: "",
			wantErr: "crucible | error: provisioning failed\ncrucible | check the LXD daemon\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out, errBuf bytes.Buffer
			w := NewWithWriters(&out, &errBuf, tt.mode)
			w.Error(tt.msg, tt.fix)
			assert.Equal(t, tt.wantOut, out.String())
			assert.Equal(t, tt.wantErr, errBuf.String())
		})
	}
}

func TestErrorJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeJSON)
	w.Error("lxc not found in PATH", "run: snap install lxd")

	var got map[string]string
	err := json.Unmarshal(buf.Bytes(), &got)
	require.NoError(t, err)
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, "lxc not found in PATH", got["message"])
	assert.Equal(t, "run: snap install lxd", got["fix"])
}

func TestErrorJSONWithoutFix(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeJSON)
	w.Error("provisioning failed", "")

	var got map[string]string
	err := json.Unmarshal(buf.Bytes(), &got)
	require.NoError(t, err)
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, "provisioning failed", got["message"])
	_, hasFix := got["fix"]
	assert.False(t, hasFix, "fix field should be absent when empty")
}

func TestSeparator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode Mode
		want string
	}{
		{
			name: "text mode prints separator",
			mode: ModeText,
			want: "crucible | ─────────────────────────────────────────────\n",
		},
		{
			name: "quiet mode suppresses separator",
			mode: ModeQuiet,
			want: "",
		},
		{
			name: "json mode suppresses separator",
			mode: ModeJSON,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			w := NewWithWriters(&buf, &bytes.Buffer{}, tt.mode)
			w.Separator()
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestResultText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeText)
	w.Result("install latest package [jammy]", "passed", 91231*time.Millisecond, "")

	got := buf.String()
	assert.Contains(t, got, "PASS")
	assert.Contains(t, got, "install latest package [jammy]")
	assert.Contains(t, got, "1m31.231s")
}

func TestResultTextWithDetail(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeText)
	w.Result("upgrade path [focal]", "failed", 4*time.Second,
		"step 3: expected exit code 0\ngot exit code 100")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "FAIL")
	assert.Contains(t, lines[1], "expected exit code 0")
	assert.Contains(t, lines[2], "got exit code 100")
}

func TestResultJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeJSON)
	w.Result("upgrade path [focal]", "errored", 2*time.Second, "boot never completed")

	var got map[string]string
	err := json.Unmarshal(buf.Bytes(), &got)
	require.NoError(t, err)
	assert.Equal(t, "result", got["type"])
	assert.Equal(t, "upgrade path [focal]", got["instance"])
	assert.Equal(t, "errored", got["outcome"])
	assert.Equal(t, "2s", got["duration"])
	assert.Equal(t, "boot never completed", got["detail"])
}

func TestResultQuietOnlyShowsProblems(t *testing.T) {
	t.Parallel()

	var out, errBuf bytes.Buffer
	w := NewWithWriters(&out, &errBuf, ModeQuiet)

	w.Result("ok scenario", "passed", time.Second, "")
	assert.Empty(t, out.String())
	assert.Empty(t, errBuf.String())

	w.Result("bad scenario", "failed", time.Second, "")
	assert.Empty(t, out.String())
	assert.Contains(t, errBuf.String(), "bad scenario")
}

func TestSkip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeText)
	w.Skip("attach with a real credential", "needs a credential token and none is configured")

	got := buf.String()
	assert.Contains(t, got, "SKIP")
	assert.Contains(t, got, "attach with a real credential")
}

func TestSummaryText(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeText)
	w.Summary(10, 1, 2, 95*time.Second)

	assert.Contains(t, buf.String(), "13 scenarios: 10 passed, 1 failed, 2 errored in 1m35s")
}

func TestSummaryJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeJSON)
	w.Summary(10, 1, 2, 95*time.Second)

	var got map[string]string
	err := json.Unmarshal(buf.Bytes(), &got)
	require.NoError(t, err)
	assert.Equal(t, "summary", got["type"])
	assert.Equal(t, "10", got["passed"])
	assert.Equal(t, "1", got["failed"])
	assert.Equal(t, "2", got["errored"])
}

func TestSummaryQuiet(t *testing.T) {
	t.Parallel()

	var out, errBuf bytes.Buffer
	w := NewWithWriters(&out, &errBuf, ModeQuiet)

	w.Summary(5, 0, 0, time.Minute)
	assert.Empty(t, errBuf.String())

	w.Summary(5, 2, 0, time.Minute)
	assert.Contains(t, errBuf.String(), "2 of 7 scenarios did not pass")
}

func TestFullOutputSequence(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeText)

	w.Info("discovered 2 feature files")
	w.Info("running 3 scenarios, concurrency 2")
	w.Separator()
	w.Result("install latest package [jammy]", "passed", 90*time.Second, "")
	w.Result("install latest package [focal]", "passed", 85*time.Second, "")
	w.Result("upgrade path [focal]", "failed", 40*time.Second, "")
	w.Summary(2, 1, 0, 215*time.Second)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "crucible | discovered 2 feature files", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "crucible | ─"))
	assert.Contains(t, lines[3], "PASS")
	assert.Contains(t, lines[5], "FAIL")
	assert.True(t, strings.HasPrefix(lines[6], "crucible | ─"))
	assert.Contains(t, lines[7], "3 scenarios: 2 passed, 1 failed, 0 errored")
}

func TestJSONTimestamp(t *testing.T) {
	t.Parallel()

	fixedTime := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		emit    func(w *Writer)
		wantKey string
	}{
		{
			name:    "Info includes timestamp",
			emit:    func(w *Writer) { w.Info("hello") },
			wantKey: "info",
		},
		{
			name:    "Error includes timestamp",
			emit:    func(w *Writer) { w.Error("oops", "") },
			wantKey: "error",
		},
		{
			name:    "Result includes timestamp",
			emit:    func(w *Writer) { w.Result("x", "passed", time.Second, "") },
			wantKey: "result",
		},
		{
			name:    "Summary includes timestamp",
			emit:    func(w *Writer) { w.Summary(1, 0, 0, time.Second) },
			wantKey: "summary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			w := NewWithWriters(&buf, &buf, ModeJSON)
			w.SetClock(func() time.Time { return fixedTime })
			tt.emit(w)

			var got map[string]string
			err := json.Unmarshal(buf.Bytes(), &got)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, got["type"])
			assert.Equal(t, "2026-02-15T10:30:00Z", got["timestamp"])
		})
	}
}

func TestJSONTimestampIsRFC3339(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWithWriters(&buf, &bytes.Buffer{}, ModeJSON)
	w.Info("test")

	var got map[string]string
	err := json.Unmarshal(buf.Bytes(), &got)
	require.NoError(t, err)

	ts := got["timestamp"]
	require.NotEmpty(t, ts, "timestamp field must be present")
	_, err = time.Parse(time.RFC3339, ts)
	assert.NoError(t, err, "timestamp must be valid RFC 3339")
}

func TestNew(t *testing.T) {
	t.Parallel()

	// Verify the production constructor doesn't panic and sets correct mode.
	w := New(ModeText)
	require.NotNil(t, w)
	assert.Equal(t, ModeText, w.mode)
	assert.NotNil(t, w.out)
	assert.NotNil(t, w.err)
	assert.NotNil(t, w.now)

	w2 := New(ModeJSON)
	assert.Equal(t, ModeJSON, w2.mode)

	w3 := New(ModeQuiet)
	assert.Equal(t, ModeQuiet, w3.mode)
}

func TestSupportsColorOffForBuffers(t *testing.T) {
	t.Parallel()

	assert.False(t, SupportsColor(&bytes.Buffer{}))
}
