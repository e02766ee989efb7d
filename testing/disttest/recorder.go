// Package disttest writes the outcome of a run as a JSON report.
package disttest

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"
)

type ResultType string

const (
	TypeSuccess ResultType = "success"
	TypeFailure ResultType = "failure"
	TypePanic   ResultType = "panic"
)

// TestResult is one entry of the JSON report.
type TestResult struct {
	Type       ResultType `json:"type"`
	Name       string     `json:"name"`
	DurationMs int64      `json:"duration_ms"`
	Message    string     `json:"message,omitempty"`
	Panic      string     `json:"panic,omitempty"`
}

// Recorder collects pass/fail results of checks and tests so a run can be
// reported as JSON.
type Recorder struct {
	mu      sync.Mutex
	results []TestResult
}

// Wrap runs fn as test t and records its outcome, including a panic.
func (r *Recorder) Wrap(t *testing.T, fn func(t *testing.T)) {
	name := t.Name()
	start := time.Now()

	defer func() {
		elapsed := time.Since(start)
		if p := recover(); p != nil {
			t.Fail()
			r.add(TestResult{Type: TypePanic, Name: name, DurationMs: elapsed.Milliseconds(), Panic: formatPanic(p)})
			return
		}
		if t.Failed() {
			r.Add(name, false, "test failed", elapsed)
			return
		}
		r.Add(name, true, "", elapsed)
	}()

	fn(t)
}

// Add records the outcome of a named check.
func (r *Recorder) Add(name string, ok bool, message string, elapsed time.Duration) {
	res := TestResult{Type: TypeSuccess, Name: name, DurationMs: elapsed.Milliseconds(), Message: message}
	if !ok {
		res.Type = TypeFailure
	}
	r.add(res)
}

func (r *Recorder) add(res TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *Recorder) Results() []TestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TestResult(nil), r.results...)
}

// Failed reports whether any recorded result is not a success.
func (r *Recorder) Failed() bool {
	for _, res := range r.Results() {
		if res.Type != TypeSuccess {
			return true
		}
	}
	return false
}

func (r *Recorder) Write(file string) error {
	data, err := json.MarshalIndent(r.Results(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

func formatPanic(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	default:
		return "unknown panic"
	}
}
