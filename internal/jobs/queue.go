// Package jobs provides the bounded background work queue that runs
// aggregation continuations after a completion webhook has already been
// answered. Making the fire-and-forget work an explicit queue keeps
// completion, failure, and saturation visible instead of implicit.
package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Submit when the queue buffer is saturated.
// Callers log and drop; the reconciliation processor repairs anything a
// dropped continuation would have produced.
var ErrQueueFull = errors.New("job queue full")

// ErrQueueClosed is returned by Submit after Stop has begun.
var ErrQueueClosed = errors.New("job queue closed")

// Job is one unit of detached background work. Name labels metrics and logs;
// keep it low-cardinality (a job kind, not an id).
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner accepts background jobs. The Queue is the production
// implementation; tests substitute a synchronous runner.
type Runner interface {
	Submit(job Job) error
}

var jobsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_jobs_total",
		Help: "Background jobs processed, by job kind and outcome.",
	},
	[]string{"job", "outcome"},
)

func init() {
	prometheus.MustRegister(jobsProcessed)
}

// Queue is a fixed-size buffered queue drained by a pool of workers. Submit
// never blocks: a full buffer is an explicit error, not hidden backpressure
// on the webhook path.
type Queue struct {
	jobs chan Job
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue constructs a queue with the given buffer size.
func NewQueue(size int, log zerolog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		jobs: make(chan Job, size),
		log:  log,
	}
}

// Start launches workers goroutines that drain the queue until Stop is
// called. ctx is passed to every job; cancelling it asks in-flight jobs to
// wind down.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Submit enqueues a job without blocking.
func (q *Queue) Submit(job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	defer q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	default:
		jobsProcessed.WithLabelValues(job.Name, "rejected").Inc()
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for the workers to drain the remaining
// buffered jobs.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(ctx, job)
	}
}

// run executes one job, converting panics into counted failures so a bad
// continuation never takes a worker down.
func (q *Queue) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			jobsProcessed.WithLabelValues(job.Name, "panic").Inc()
			q.log.Error().Str("job", job.Name).Interface("panic", r).Msg("background job panicked")
		}
	}()

	if err := job.Run(ctx); err != nil {
		jobsProcessed.WithLabelValues(job.Name, "error").Inc()
		q.log.Error().Str("job", job.Name).Err(err).Msg("background job failed")
		return
	}
	jobsProcessed.WithLabelValues(job.Name, "ok").Inc()
}

// Sync is a Runner that executes jobs inline on the calling goroutine. It
// exists for tests and one-off tooling where detached execution would only
// obscure ordering.
type Sync struct{}

// Submit runs the job immediately and reports its error.
func (Sync) Submit(job Job) error {
	return job.Run(context.Background())
}
