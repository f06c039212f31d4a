// Package jobqueue runs background work off the request path: metadata
// fetches, email notifications, analytics aggregation, and click
// ingestion. Jobs are retried with exponential backoff and dead-lettered
// after their attempt budget.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"go.shortlink.dev/infra/go/skerr"
)

// Kind names one queue.
type Kind string

const (
	KindMetadata      Kind = "metadata-fetching"
	KindEmail         Kind = "email-notifications"
	KindAnalytics     Kind = "analytics-processing"
	KindClickTracking Kind = "click-tracking"
)

// Kinds lists every queue, in a stable order for stats reporting.
var Kinds = []Kind{KindMetadata, KindEmail, KindAnalytics, KindClickTracking}

// ErrQueueFull is returned by Enqueue when the queue stayed full past the
// enqueue grace period. Callers on the hot path fall back to doing the
// work synchronously.
var ErrQueueFull = errors.New("job queue is full")

// ErrUnknownKind is returned for a Kind not in Kinds.
var ErrUnknownKind = errors.New("unknown job kind")

const (
	// defaultMaxAttempts is the attempt budget for most queues;
	// analytics aggregation gets analyticsMaxAttempts because its input
	// can be regenerated.
	defaultMaxAttempts   = 3
	analyticsMaxAttempts = 2

	// backoffBase is the delay before the first retry; it doubles per
	// attempt.
	backoffBase = 2 * time.Second

	// clickConcurrency is the worker count for click ingestion; the other
	// queues use defaultConcurrency.
	clickConcurrency   = 10
	defaultConcurrency = 5

	// Click jobs are batched: at most BatchSize jobs per flush, flushed
	// every batchFlushInterval even when the batch is short.
	BatchSize          = 10
	batchFlushInterval = 5 * time.Second

	// enqueueGrace is how long Enqueue blocks on a full queue before
	// giving up with ErrQueueFull.
	enqueueGrace = 50 * time.Millisecond

	// queueDepth bounds each queue.
	queueDepth = 1000
)

// Job is one unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// DecodePayload unmarshals the job payload into dst.
func (j *Job) DecodePayload(dst interface{}) error {
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return skerr.Wrapf(err, "decoding %s payload for job %s", j.Kind, j.ID)
	}
	return nil
}

// NewJob builds a Job of the given kind with a JSON-encoded payload.
func NewJob(kind Kind, payload interface{}, createdAt time.Time) (*Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, skerr.Wrapf(err, "encoding %s payload", kind)
	}
	return &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     b,
		MaxAttempts: MaxAttemptsFor(kind),
		CreatedAt:   createdAt,
	}, nil
}

// Handler processes one job. A non-nil error schedules a retry until the
// attempt budget runs out.
type Handler func(ctx context.Context, job *Job) error

// BatchHandler processes a batch of jobs from one queue. A non-nil error
// retries the whole batch as individual jobs.
type BatchHandler func(ctx context.Context, jobs []*Job) error

// QueueStats is one queue's view in Stats.
type QueueStats struct {
	Pending    int  `json:"pending"`
	Processing bool `json:"processing"`
}

// Stats maps each queue to its depth and activity, for live-stats and
// admin alerting.
type Stats map[Kind]QueueStats

// Service accepts jobs and runs registered handlers against them.
// Handlers must be registered before Start.
type Service interface {
	// Enqueue adds a job. On a full queue it blocks briefly, then fails
	// with ErrQueueFull.
	Enqueue(ctx context.Context, kind Kind, payload interface{}) error

	// RegisterHandler sets the per-job handler for a queue.
	RegisterHandler(kind Kind, h Handler)

	// RegisterBatchHandler sets a batching handler for a queue; jobs are
	// delivered in groups of up to BatchSize.
	RegisterBatchHandler(kind Kind, h BatchHandler)

	// Start launches the worker pools. It returns immediately; workers
	// stop when ctx is cancelled.
	Start(ctx context.Context)

	// Stats reports per-queue depth and activity.
	Stats() Stats
}

// ConcurrencyFor returns the worker-pool size for a queue.
func ConcurrencyFor(kind Kind) int {
	if kind == KindClickTracking {
		return clickConcurrency
	}
	return defaultConcurrency
}

// MaxAttemptsFor returns the attempt budget for a queue.
func MaxAttemptsFor(kind Kind) int {
	if kind == KindAnalytics {
		return analyticsMaxAttempts
	}
	return defaultMaxAttempts
}

// RetryDelay returns the backoff before the given retry; attempts is the
// number of attempts already made.
func RetryDelay(attempts int) time.Duration {
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// ValidKind reports whether kind names a real queue.
func ValidKind(kind Kind) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
