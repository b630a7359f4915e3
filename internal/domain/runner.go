package domain

import (
	"context"
	"errors"
)

// Mode selects which pipeline of a language profile a job runs.
type Mode string

const (
	ModeRun  Mode = "run"
	ModeTest Mode = "test"
)

// ExecutionRequest is a single one-shot job: source code, its language and
// an optional line of stdin.
type ExecutionRequest struct {
	JobID    string `json:"job_id"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input,omitempty"`
	Mode     Mode   `json:"mode"`
}

// ExecutionResult is the sole value a job produces.
// Output holds the combined stdout/stderr plus any appended diagnostics.
// ExitCode is nil when the program never reported a status.
// Err is nil for success and for a non-zero exit; otherwise it matches one of
// the sentinel errors in errors.go.
type ExecutionResult struct {
	Output   string
	ExitCode *int
	Err      error
}

// TimedOut reports whether the job hit its wall-clock limit.
func (r ExecutionResult) TimedOut() bool {
	return errors.Is(r.Err, ErrTimedOut)
}

// Status is a short machine-readable classification of the result.
func (r ExecutionResult) Status() string {
	switch {
	case r.Err == nil:
		return "ok"
	case errors.Is(r.Err, ErrValidation):
		return "invalid"
	case errors.Is(r.Err, ErrTimedOut):
		return "timed_out"
	case errors.Is(r.Err, ErrStream):
		return "stream_error"
	default:
		return "error"
	}
}

// Executor runs a job end to end, dispatching on req.Mode.
type Executor interface {
	Dispatch(ctx context.Context, req ExecutionRequest) ExecutionResult
}

// Job represents a unit of work delivered through the queue.
type Job struct {
	ID      string           `json:"id"`
	Request ExecutionRequest `json:"request"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// JobResult is what a worker broadcasts once a queued job finishes.
type JobResult struct {
	JobID    string `json:"job_id"`
	Output   string `json:"output"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Status   string `json:"status"`
}

// NewJobResult flattens an ExecutionResult for the wire.
func NewJobResult(jobID string, res ExecutionResult) JobResult {
	return JobResult{
		JobID:    jobID,
		Output:   res.Output,
		ExitCode: res.ExitCode,
		Status:   res.Status(),
	}
}
