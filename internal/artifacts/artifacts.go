package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marian925/crucible/internal/engine"
)

// S3API is the subset of the S3 client used for artifact uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// InstanceMeta describes one non-passing instance, stored as meta.json
// next to its captured output.
type InstanceMeta struct {
	Instance    string    `json:"instance"`
	SourceFile  string    `json:"source_file"`
	Release     string    `json:"release"`
	MachineType string    `json:"machine_type"`
	Outcome     string    `json:"outcome"`
	StepIndex   int       `json:"step_index,omitempty"`
	Expected    string    `json:"expected,omitempty"`
	Actual      string    `json:"actual,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Duration    string    `json:"duration"`
}

// Store uploads failure evidence to S3.
type Store struct {
	s3     S3API
	bucket string
	prefix string
}

// NewStore creates a Store for the given bucket. Prefix may be empty.
func NewStore(s3api S3API, bucket, prefix string) *Store {
	return &Store{s3: s3api, bucket: bucket, prefix: prefix}
}

// Key returns the object key for one file of one instance in one run.
func (s *Store) Key(runID, instanceID, filename string) string {
	parts := []string{runID, sanitize(instanceID), filename}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

// UploadFailure uploads the last command output and metadata for a
// non-passing instance. Passing instances are skipped.
func (s *Store) UploadFailure(ctx context.Context, runID string, res engine.InstanceResult) error {
	if res.Outcome == engine.OutcomePassed {
		return nil
	}

	meta := InstanceMeta{
		Instance:    res.Instance.ID(),
		SourceFile:  res.Instance.SourceFile,
		Release:     res.Instance.Release,
		MachineType: res.Instance.MachineType,
		Outcome:     res.Outcome.String(),
		StartTime:   res.StartTime,
		EndTime:     res.EndTime,
		Duration:    res.Duration().String(),
	}

	var stdout, stderr []byte
	if res.Failure != nil {
		meta.StepIndex = res.Failure.Index
		meta.Expected = res.Failure.Expected
		meta.Actual = res.Failure.Actual
		stdout = []byte(res.Failure.Result.Stdout)
		stderr = []byte(res.Failure.Result.Stderr)
	}
	if res.Err != nil {
		meta.Error = res.Err.Error()
	}

	id := res.Instance.ID()
	for name, data := range map[string][]byte{
		"stdout.log": stdout,
		"stderr.log": stderr,
	} {
		if err := s.putObject(ctx, s.Key(runID, id, name), data, "text/plain"); err != nil {
			return fmt.Errorf("uploading %s: %w", name, err)
		}
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling meta.json: %w", err)
	}
	if err := s.putObject(ctx, s.Key(runID, id, "meta.json"), metaJSON, "application/json"); err != nil {
		return fmt.Errorf("uploading meta.json: %w", err)
	}

	slog.Debug("uploaded failure artifacts",
		"bucket", s.bucket,
		"instance", id,
		"run_id", runID,
	)
	return nil
}

// UploadAll uploads evidence for every non-passing result. Upload
// problems are reported but never abort the remaining uploads.
func (s *Store) UploadAll(ctx context.Context, runID string, results []engine.InstanceResult) []error {
	var errs []error
	for _, res := range results {
		if err := s.UploadFailure(ctx, runID, res); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Instance.ID(), err))
		}
	}
	return errs
}

func (s *Store) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// sanitize makes an instance ID safe for use as an S3 key segment.
func sanitize(id string) string {
	r := strings.NewReplacer(
		" ", "-",
		"/", "-",
		"[", "",
		"]", "",
		",", "",
		"\"", "",
	)
	return r.Replace(id)
}
