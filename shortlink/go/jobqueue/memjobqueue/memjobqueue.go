// Package memjobqueue implements jobqueue.Service with in-process
// bounded channels. Jobs do not survive a restart; the redis variant is
// used where durability matters.
package memjobqueue

import (
	"context"
	"sync/atomic"
	"time"

	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
)

// Option tweaks the service; used by tests.
type Option func(*Service)

// WithQueueDepth overrides the per-queue channel capacity.
func WithQueueDepth(n int) Option {
	return func(s *Service) {
		s.depth = n
	}
}

// WithEnqueueGrace overrides how long Enqueue blocks on a full queue.
func WithEnqueueGrace(d time.Duration) Option {
	return func(s *Service) {
		s.grace = d
	}
}

// WithRetryDelay overrides the backoff schedule; used by tests to avoid
// waiting out real delays.
func WithRetryDelay(f func(attempts int) time.Duration) Option {
	return func(s *Service) {
		s.retryDelay = f
	}
}

// WithBatchFlushInterval overrides the click-batch flush interval.
func WithBatchFlushInterval(d time.Duration) Option {
	return func(s *Service) {
		s.flushInterval = d
	}
}

type queue struct {
	kind     jobqueue.Kind
	jobs     chan *jobqueue.Job
	handler  jobqueue.Handler
	batch    jobqueue.BatchHandler
	inFlight atomic.Int64
}

// Service implements jobqueue.Service.
type Service struct {
	queues        map[jobqueue.Kind]*queue
	depth         int
	grace         time.Duration
	flushInterval time.Duration
	retryDelay    func(attempts int) time.Duration
	deadLettered  metrics2.Counter
}

// New returns an unstarted in-memory job queue service.
func New(opts ...Option) *Service {
	s := &Service{
		queues:        map[jobqueue.Kind]*queue{},
		depth:         1000,
		grace:         50 * time.Millisecond,
		flushInterval: 5 * time.Second,
		retryDelay:    jobqueue.RetryDelay,
		deadLettered:  metrics2.GetCounter("jobqueue_dead_lettered"),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, kind := range jobqueue.Kinds {
		s.queues[kind] = &queue{
			kind: kind,
			jobs: make(chan *jobqueue.Job, s.depth),
		}
	}
	return s
}

// Enqueue implements jobqueue.Service.
func (s *Service) Enqueue(ctx context.Context, kind jobqueue.Kind, payload interface{}) error {
	q, ok := s.queues[kind]
	if !ok {
		return skerr.Wrap(jobqueue.ErrUnknownKind)
	}
	job, err := jobqueue.NewJob(kind, payload, now.Now(ctx))
	if err != nil {
		return err
	}
	select {
	case q.jobs <- job:
		return nil
	default:
	}
	// Full queue: give workers a moment to drain before failing over.
	t := time.NewTimer(s.grace)
	defer t.Stop()
	select {
	case q.jobs <- job:
		return nil
	case <-t.C:
		metrics2.GetCounter("jobqueue_full", map[string]string{"queue": string(kind)}).Inc(1)
		return skerr.Wrap(jobqueue.ErrQueueFull)
	case <-ctx.Done():
		return skerr.Wrap(ctx.Err())
	}
}

// RegisterHandler implements jobqueue.Service.
func (s *Service) RegisterHandler(kind jobqueue.Kind, h jobqueue.Handler) {
	s.queues[kind].handler = h
}

// RegisterBatchHandler implements jobqueue.Service.
func (s *Service) RegisterBatchHandler(kind jobqueue.Kind, h jobqueue.BatchHandler) {
	s.queues[kind].batch = h
}

// Start implements jobqueue.Service.
func (s *Service) Start(ctx context.Context) {
	for _, q := range s.queues {
		if q.batch != nil {
			batches := make(chan []*jobqueue.Job, jobqueue.ConcurrencyFor(q.kind))
			go s.collectBatches(ctx, q, batches)
			for i := 0; i < jobqueue.ConcurrencyFor(q.kind); i++ {
				go s.runBatchWorker(ctx, q, batches)
			}
			continue
		}
		if q.handler == nil {
			sklog.Warningf("No handler registered for queue %q; jobs will pile up.", q.kind)
			continue
		}
		for i := 0; i < jobqueue.ConcurrencyFor(q.kind); i++ {
			go s.runWorker(ctx, q)
		}
	}
}

func (s *Service) runWorker(ctx context.Context, q *queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.inFlight.Add(1)
			s.process(ctx, q, job)
			q.inFlight.Add(-1)
		}
	}
}

// collectBatches groups jobs into batches of up to jobqueue.BatchSize,
// flushing early on the interval so short batches never sit forever.
func (s *Service) collectBatches(ctx context.Context, q *queue, batches chan<- []*jobqueue.Job) {
	var pending []*jobqueue.Job
	flush := func() {
		if len(pending) == 0 {
			return
		}
		select {
		case batches <- pending:
			pending = nil
		case <-ctx.Done():
		}
	}
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			pending = append(pending, job)
			if len(pending) >= jobqueue.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Service) runBatchWorker(ctx context.Context, q *queue, batches <-chan []*jobqueue.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-batches:
			q.inFlight.Add(1)
			for _, job := range batch {
				job.Attempts++
			}
			if err := q.batch(ctx, batch); err != nil {
				sklog.Errorf("Batch of %d %s jobs failed: %s", len(batch), q.kind, err)
				for _, job := range batch {
					s.retryOrDeadLetter(ctx, q, job, err)
				}
			}
			q.inFlight.Add(-1)
		}
	}
}

func (s *Service) process(ctx context.Context, q *queue, job *jobqueue.Job) {
	job.Attempts++
	if err := q.handler(ctx, job); err != nil {
		sklog.Errorf("Job %s (%s) attempt %d failed: %s", job.ID, job.Kind, job.Attempts, err)
		s.retryOrDeadLetter(ctx, q, job, err)
	}
}

func (s *Service) retryOrDeadLetter(ctx context.Context, q *queue, job *jobqueue.Job, err error) {
	if job.Attempts >= job.MaxAttempts {
		s.deadLettered.Inc(1)
		sklog.Errorf("Dead-lettering job %s (%s) after %d attempts: %s; payload: %s",
			job.ID, job.Kind, job.Attempts, err, job.Payload)
		return
	}
	time.AfterFunc(s.retryDelay(job.Attempts), func() {
		select {
		case q.jobs <- job:
		case <-ctx.Done():
		default:
			// The queue refilled while the retry was pending; treat it as
			// dead rather than blocking the timer goroutine.
			s.deadLettered.Inc(1)
			sklog.Errorf("Dropping retry of job %s (%s): queue full.", job.ID, job.Kind)
		}
	})
}

// Stats implements jobqueue.Service.
func (s *Service) Stats() jobqueue.Stats {
	ret := jobqueue.Stats{}
	for kind, q := range s.queues {
		ret[kind] = jobqueue.QueueStats{
			Pending:    len(q.jobs),
			Processing: q.inFlight.Load() > 0,
		}
	}
	return ret
}

var _ jobqueue.Service = (*Service)(nil)
