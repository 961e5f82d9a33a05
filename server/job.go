// Package server exposes the handler over HTTP with the serverless worker
// routes: synchronous runs, queued runs with status polling, health and
// metrics.
package server

import (
	"context"
	"errors"
	"time"

	"refgen_worker/handlers"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	StatusInQueue    JobStatus = "IN_QUEUE"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the job will not change again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
)

// Job is the record returned by /run and /status/{id}.
type Job struct {
	ID     string             `json:"id"`
	Status JobStatus          `json:"status"`
	Output *handlers.Response `json:"output,omitempty"`
	Error  string             `json:"error,omitempty"`

	// DelayTime and ExecutionTime are in milliseconds.
	DelayTime     int64 `json:"delayTime,omitempty"`
	ExecutionTime int64 `json:"executionTime,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobStore keeps job records for a bounded time. Records that expire behave
// like records that never existed.
type JobStore interface {
	Put(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	Close() error
}
