// Package queue is the asynchronous delivery job system. Jobs are executed at
// least once; a job is in flight on at most one worker at a time and its next
// attempt is only scheduled after the previous one has finished.
package queue

import (
	"context"
)

// HandleFunc processes one attempt of a job. A nil error completes the job.
type HandleFunc func(ctx context.Context, job Job) error

// ExhaustedFunc is raised for a job that failed its final permitted attempt,
// or failed permanently. The job stays in the queue until the hook returns
// nil, so a hook may run more than once and must tolerate repeats.
type ExhaustedFunc func(ctx context.Context, job Job, cause error) error

type Enqueuer interface {
	Enqueue(ctx context.Context, name Name, key string, payload any, opts ...EnqueueOption) (Job, error)
}

type Service interface {
	Enqueuer
	Process(name Name, handle HandleFunc, exhausted ExhaustedFunc) error
	Stats(ctx context.Context, name Name) (Stats, error)
}
