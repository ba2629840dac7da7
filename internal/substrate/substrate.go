// Package substrate abstracts the durable queue / key-value / stream store
// the control plane runs on. Any backend implementing JobQueue, Scheduler
// and KeyValueStore is acceptable; the shipped implementation is Redis.
package substrate

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when a key does not exist.
var ErrKeyNotFound = errors.New("substrate: key not found")

// Job statuses tracked by the queue.
const (
	StatusQueued   = "queued"
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Job is one unit of work on a named queue. Payload is an opaque
// JSON-encoded descriptor; the queue never inspects it.
type Job struct {
	ID      string
	Queue   string
	Payload []byte
	Timeout time.Duration
}

// JobStatus is the queryable state of a job.
type JobStatus struct {
	Status  string `json:"status"`
	Queue   string `json:"queue"`
	Retries int    `json:"retries"`
}

// JobQueue is a durable FIFO queue with per-job status tracking.
// Delivery is at-most-once: a popped job is gone from the queue.
type JobQueue interface {
	// Push appends the job to its queue and records StatusQueued.
	Push(ctx context.Context, job *Job) error
	// Pop blocks up to block for a job on any of the given queues.
	// Returns nil when the wait times out. A block <= 0 polls once and
	// returns immediately when every queue is empty.
	Pop(ctx context.Context, queues []string, block time.Duration) (*Job, error)
	// PeekDepth returns the number of jobs waiting on the queue.
	PeekDepth(ctx context.Context, queue string) (int, error)
	// GetStatus returns the job's status, or nil if unknown.
	GetStatus(ctx context.Context, jobID string) (*JobStatus, error)
	// SetStatus records a status transition for the job.
	SetStatus(ctx context.Context, jobID, status string) error
}

// Entry is a persisted periodic schedule bound to one workflow.
// Exactly one of Cron or Interval is set. Left counts remaining firings;
// nil means unbounded.
type Entry struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"projectid"`
	Cron       string        `json:"cron,omitempty"`
	Interval   time.Duration `json:"interval,omitempty"`
	StartDelay time.Duration `json:"start_delay,omitempty"`
	Left       *int          `json:"left,omitempty"`
	NextRun    time.Time     `json:"next_run"`
}

// Scheduler persists periodic entries in the substrate so the trigger can
// replay them without touching SQL. Adding an entry with an existing ID
// replaces it.
type Scheduler interface {
	AddCron(ctx context.Context, e *Entry) error
	AddInterval(ctx context.Context, e *Entry) error
	Remove(ctx context.Context, id string) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context) ([]*Entry, error)
	// Update rewrites an entry in place (next-run bookkeeping).
	Update(ctx context.Context, e *Entry) error
}

// StreamEntry is one item read from an append-only stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Pipe batches mutations issued inside KeyValueStore.Pipeline.
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	SAdd(set string, members ...string)
	SRem(set string, members ...string)
}

// KeyValueStore is the shared ephemeral state store: plain keys with TTL,
// sets, atomic pipelines, and append-only streams.
type KeyValueStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, set string, members ...string) error
	SRem(ctx context.Context, set string, members ...string) error
	SMembers(ctx context.Context, set string) ([]string, error)

	// Pipeline executes fn's batched mutations atomically.
	Pipeline(ctx context.Context, fn func(Pipe)) error

	// XAdd appends fields to the stream, refreshing the stream TTL when
	// ttl > 0, and returns the server-assigned entry id.
	XAdd(ctx context.Context, stream string, fields map[string]string, ttl time.Duration) (string, error)
	// XRead blocks up to block for entries after cursor. cursor "" (or
	// "0") reads from the start. Returns nil when nothing arrived.
	XRead(ctx context.Context, stream, cursor string, block time.Duration) ([]StreamEntry, error)
}
