package asyncjob

import (
	"context"
	"io"
)

// Status is the external job status reported by a provider.
type Status int

const (
	StatusPending Status = iota
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PollResult is one status check. Result is set for StatusDone and must be
// closed by the receiver; Err describes a StatusFailed job.
type PollResult struct {
	Status Status
	Result io.ReadCloser
	Err    error
}

// Provider is an external service that runs jobs asynchronously.
type Provider interface {
	// Submit starts a job for payload and returns the external job id.
	Submit(ctx context.Context, payload io.Reader) (string, error)
	// Poll checks the status of a job once.
	Poll(ctx context.Context, jobID string) (PollResult, error)
}

// Canceler is implemented by providers that can stop a superseded job.
type Canceler interface {
	Cancel(ctx context.Context, jobID string) error
}
