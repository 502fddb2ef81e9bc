package suite

import (
	"sync"
	"time"

	"github.com/marian925/crucible/internal/engine"
)

// Report aggregates instance results as they complete. It is append-only
// and safe for concurrent use; Results preserves completion order, which
// differs from dispatch order under concurrency.
type Report struct {
	mu      sync.Mutex
	results []engine.InstanceResult

	StartTime time.Time
	EndTime   time.Time
}

func NewReport() *Report {
	return &Report{StartTime: time.Now().UTC()}
}

func (r *Report) append(res engine.InstanceResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns a snapshot of completed results in completion order.
func (r *Report) Results() []engine.InstanceResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.InstanceResult, len(r.results))
	copy(out, r.results)
	return out
}

// Counts returns the number of passed, failed and errored instances.
func (r *Report) Counts() (passed, failed, errored int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		switch res.Outcome {
		case engine.OutcomePassed:
			passed++
		case engine.OutcomeFailed:
			failed++
		default:
			errored++
		}
	}
	return passed, failed, errored
}

// Failed reports whether any instance did not pass.
func (r *Report) Failed() bool {
	_, failed, errored := r.Counts()
	return failed > 0 || errored > 0
}

// Failures returns the results of instances that failed or errored.
func (r *Report) Failures() []engine.InstanceResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []engine.InstanceResult
	for _, res := range r.results {
		if res.Outcome != engine.OutcomePassed {
			out = append(out, res)
		}
	}
	return out
}

func (r *Report) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}
