// ABOUTME: Queue client contract for reserving, acknowledging and publishing jobs on tubes.
// ABOUTME: Implementations provide at-least-once delivery; this layer carries no business logic.

package queue

import (
	"context"
	"errors"
)

// ErrUnreachable wraps every failure to talk to the queue server. Workers
// treat it as fatal and rely on process supervision to restart them.
var ErrUnreachable = errors.New("queue unreachable")

// Job is a reserved queue entry. Body is the raw payload as published.
type Job struct {
	ID   uint64
	Tube string
	Body []byte
}

// Client abstracts the work queue. Reserve blocks until a job is available
// on the watched tube or the context is cancelled. A reserved job that is
// never deleted becomes eligible for redelivery once its lease expires.
type Client interface {
	Reserve(ctx context.Context) (*Job, error)
	Delete(ctx context.Context, job *Job) error
	Put(ctx context.Context, body []byte, tube string) error
	Close() error
}

// Publisher is the publish-only subset of Client used by routing components
type Publisher interface {
	Put(ctx context.Context, body []byte, tube string) error
}
