// Package redisjobqueue implements jobqueue.Service on Redis lists, so
// queued jobs survive process restarts and can be shared between
// replicas.
package redisjobqueue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
)

const (
	// keyPrefix namespaces the queue lists in Redis.
	keyPrefix = "jobs:"

	// popTimeout bounds each blocking pop so workers notice context
	// cancellation.
	popTimeout = time.Second

	// queueDepth bounds each list; Enqueue fails over once a list is this
	// deep.
	queueDepth = 1000

	// enqueueGrace is how long Enqueue waits for a full list to drain.
	enqueueGrace = 50 * time.Millisecond
)

type queue struct {
	kind     jobqueue.Kind
	key      string
	handler  jobqueue.Handler
	batch    jobqueue.BatchHandler
	inFlight atomic.Int64
}

// Service implements jobqueue.Service.
type Service struct {
	client       *redis.Client
	queues       map[jobqueue.Kind]*queue
	retryDelay   func(attempts int) time.Duration
	deadLettered metrics2.Counter
}

// New returns an unstarted Redis-backed job queue service.
func New(client *redis.Client) *Service {
	s := &Service{
		client:       client,
		queues:       map[jobqueue.Kind]*queue{},
		retryDelay:   jobqueue.RetryDelay,
		deadLettered: metrics2.GetCounter("jobqueue_dead_lettered"),
	}
	for _, kind := range jobqueue.Kinds {
		s.queues[kind] = &queue{
			kind: kind,
			key:  keyPrefix + string(kind),
		}
	}
	return s
}

func (s *Service) push(ctx context.Context, q *queue, job *jobqueue.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return skerr.Wrapf(err, "encoding job %s", job.ID)
	}
	if err := s.client.LPush(ctx, q.key, b).Err(); err != nil {
		return skerr.Wrapf(err, "pushing job %s onto %s", job.ID, q.key)
	}
	return nil
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
	depth, err := s.client.LLen(ctx, q.key).Result()
	if err != nil {
		return skerr.Wrapf(err, "checking depth of %s", q.key)
	}
	if depth >= queueDepth {
		// Give workers a moment to drain before failing over.
		select {
		case <-time.After(enqueueGrace):
		case <-ctx.Done():
			return skerr.Wrap(ctx.Err())
		}
		depth, err = s.client.LLen(ctx, q.key).Result()
		if err != nil {
			return skerr.Wrapf(err, "re-checking depth of %s", q.key)
		}
		if depth >= queueDepth {
			metrics2.GetCounter("jobqueue_full", map[string]string{"queue": string(kind)}).Inc(1)
			return skerr.Wrap(jobqueue.ErrQueueFull)
		}
	}
	return s.push(ctx, q, job)
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
		if q.handler == nil && q.batch == nil {
			sklog.Warningf("No handler registered for queue %q; jobs will pile up.", q.kind)
			continue
		}
		for i := 0; i < jobqueue.ConcurrencyFor(q.kind); i++ {
			go s.runWorker(ctx, q)
		}
	}
}

// pop blocks for one job, then drains up to max-1 more without blocking
// so batch workers get full batches when the queue is deep.
func (s *Service) pop(ctx context.Context, q *queue, max int) ([]*jobqueue.Job, error) {
	res, err := s.client.BRPop(ctx, popTimeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "popping from %s", q.key)
	}
	raw := []string{res[1]}
	if max > 1 {
		more, err := s.client.RPopCount(ctx, q.key, max-1).Result()
		if err != nil && err != redis.Nil {
			return nil, skerr.Wrapf(err, "draining %s", q.key)
		}
		raw = append(raw, more...)
	}
	ret := make([]*jobqueue.Job, 0, len(raw))
	for _, r := range raw {
		job := &jobqueue.Job{}
		if err := json.Unmarshal([]byte(r), job); err != nil {
			// A corrupt entry is unrecoverable; log it and move on.
			sklog.Errorf("Dropping undecodable job on %s: %s", q.key, err)
			continue
		}
		ret = append(ret, job)
	}
	return ret, nil
}

func (s *Service) runWorker(ctx context.Context, q *queue) {
	max := 1
	if q.batch != nil {
		max = jobqueue.BatchSize
	}
	for {
		if ctx.Err() != nil {
			return
		}
		jobs, err := s.pop(ctx, q, max)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sklog.Errorf("Worker for %s failed to pop: %s", q.kind, err)
			time.Sleep(popTimeout)
			continue
		}
		if len(jobs) == 0 {
			continue
		}
		q.inFlight.Add(1)
		for _, job := range jobs {
			job.Attempts++
		}
		if q.batch != nil {
			if err := q.batch(ctx, jobs); err != nil {
				sklog.Errorf("Batch of %d %s jobs failed: %s", len(jobs), q.kind, err)
				for _, job := range jobs {
					s.retryOrDeadLetter(ctx, q, job, err)
				}
			}
		} else {
			for _, job := range jobs {
				if err := q.handler(ctx, job); err != nil {
					sklog.Errorf("Job %s (%s) attempt %d failed: %s", job.ID, job.Kind, job.Attempts, err)
					s.retryOrDeadLetter(ctx, q, job, err)
				}
			}
		}
		q.inFlight.Add(-1)
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
		if ctx.Err() != nil {
			return
		}
		if err := s.push(ctx, q, job); err != nil {
			s.deadLettered.Inc(1)
			sklog.Errorf("Dropping retry of job %s (%s): %s", job.ID, job.Kind, err)
		}
	})
}

// Stats implements jobqueue.Service.
func (s *Service) Stats() jobqueue.Stats {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ret := jobqueue.Stats{}
	for kind, q := range s.queues {
		depth, err := s.client.LLen(ctx, q.key).Result()
		if err != nil {
			sklog.Errorf("Failed to read depth of %s: %s", q.key, err)
		}
		ret[kind] = jobqueue.QueueStats{
			Pending:    int(depth),
			Processing: q.inFlight.Load() > 0,
		}
	}
	return ret
}

var _ jobqueue.Service = (*Service)(nil)
