package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marian925/crucible/internal/backend"
	"github.com/marian925/crucible/internal/engine"
	"github.com/marian925/crucible/internal/scenario"
)

// --- Mock S3 ---

type mockS3 struct {
	putObjectFn func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	putCalls    []s3.PutObjectInput
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.putCalls = append(m.putCalls, *params)
	if m.putObjectFn != nil {
		return m.putObjectFn(ctx, params, optFns...)
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) keys() []string {
	var out []string
	for _, call := range m.putCalls {
		out = append(out, *call.Key)
	}
	return out
}

func (m *mockS3) bodyFor(key string) []byte {
	for _, call := range m.putCalls {
		if *call.Key == key {
			data, _ := io.ReadAll(call.Body)
			return data
		}
	}
	return nil
}

// --- Fixtures ---

func failedResult() engine.InstanceResult {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return engine.InstanceResult{
		Instance: &scenario.Instance{
			Template:    "install latest package",
			SourceFile:  "features/install.feature",
			Release:     "jammy",
			MachineType: backend.MachineLXDContainer,
			RowValues:   []string{"jammy"},
		},
		Outcome: engine.OutcomeFailed,
		Failure: &engine.StepFailure{
			Index:    4,
			Expected: "exit code 0",
			Actual:   "exit code 100",
			Result: backend.ExecResult{
				ExitCode: 100,
				Stdout:   "Reading package lists...\n",
				Stderr:   "E: Could not get lock\n",
			},
		},
		StartTime: start,
		EndTime:   start.Add(90 * time.Second),
	}
}

// --- Tests ---

func TestKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		prefix   string
		instance string
		expected string
	}{
		{"no prefix", "", "install latest package [jammy]", "run1/install-latest-package-jammy/stdout.log"},
		{"with prefix", "nightly", "install latest package [jammy]", "nightly/run1/install-latest-package-jammy/stdout.log"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := NewStore(&mockS3{}, "crucible-failures", tt.prefix)
			assert.Equal(t, tt.expected, store.Key("run1", tt.instance, "stdout.log"))
		})
	}
}

func TestUploadFailure(t *testing.T) {
	t.Parallel()

	s3api := &mockS3{}
	store := NewStore(s3api, "crucible-failures", "")

	err := store.UploadFailure(context.Background(), "run1", failedResult())
	require.NoError(t, err)

	keys := s3api.keys()
	require.Len(t, keys, 3)
	assert.Contains(t, keys, "run1/install-latest-package-jammy/stdout.log")
	assert.Contains(t, keys, "run1/install-latest-package-jammy/stderr.log")
	assert.Contains(t, keys, "run1/install-latest-package-jammy/meta.json")

	assert.Equal(t, []byte("Reading package lists...\n"),
		s3api.bodyFor("run1/install-latest-package-jammy/stdout.log"))
	assert.Equal(t, []byte("E: Could not get lock\n"),
		s3api.bodyFor("run1/install-latest-package-jammy/stderr.log"))

	var meta InstanceMeta
	require.NoError(t, json.Unmarshal(s3api.bodyFor("run1/install-latest-package-jammy/meta.json"), &meta))
	assert.Equal(t, "install latest package [jammy]", meta.Instance)
	assert.Equal(t, "jammy", meta.Release)
	assert.Equal(t, "failed", meta.Outcome)
	assert.Equal(t, 4, meta.StepIndex)
	assert.Equal(t, "exit code 0", meta.Expected)
	assert.Equal(t, "exit code 100", meta.Actual)
	assert.Equal(t, "1m30s", meta.Duration)
}

func TestUploadFailureSkipsPassed(t *testing.T) {
	t.Parallel()

	s3api := &mockS3{}
	store := NewStore(s3api, "crucible-failures", "")

	res := failedResult()
	res.Outcome = engine.OutcomePassed
	res.Failure = nil

	require.NoError(t, store.UploadFailure(context.Background(), "run1", res))
	assert.Empty(t, s3api.putCalls)
}

func TestUploadFailureErroredInstance(t *testing.T) {
	t.Parallel()

	s3api := &mockS3{}
	store := NewStore(s3api, "crucible-failures", "")

	res := failedResult()
	res.Outcome = engine.OutcomeErrored
	res.Failure = nil
	res.Err = fmt.Errorf("boot never completed")

	require.NoError(t, store.UploadFailure(context.Background(), "run1", res))

	var meta InstanceMeta
	require.NoError(t, json.Unmarshal(s3api.bodyFor("run1/install-latest-package-jammy/meta.json"), &meta))
	assert.Equal(t, "errored", meta.Outcome)
	assert.Equal(t, "boot never completed", meta.Error)
	assert.Empty(t, meta.Expected)
}

func TestUploadFailurePutError(t *testing.T) {
	t.Parallel()

	s3api := &mockS3{
		putObjectFn: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, fmt.Errorf("access denied")
		},
	}
	store := NewStore(s3api, "crucible-failures", "")

	err := store.UploadFailure(context.Background(), "run1", failedResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestUploadAllCollectsErrors(t *testing.T) {
	t.Parallel()

	var calls int
	s3api := &mockS3{
		putObjectFn: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			calls++
			if calls == 1 {
				return nil, fmt.Errorf("throttled")
			}
			return &s3.PutObjectOutput{}, nil
		},
	}
	store := NewStore(s3api, "crucible-failures", "")

	passing := failedResult()
	passing.Outcome = engine.OutcomePassed
	passing.Failure = nil

	errs := store.UploadAll(context.Background(), "run1", []engine.InstanceResult{
		failedResult(), // first put fails
		passing,        // skipped
		failedResult(), // succeeds
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "throttled")
}
