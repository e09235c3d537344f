// Package jobrunner implements the worker-pool half of C8: leasing jobs
// from job.Store with a visibility timeout, dispatching each to its
// type-specific handler, and retrying with backoff or dead-lettering on
// repeated failure. Broker wake-ups (rabbitqueue.Consume) only shorten the
// latency until the next lease poll; Postgres leases remain the source of
// truth so a missed or duplicate wake-up is harmless.
package jobrunner

import (
	"context"
	"time"

	"github.com/blacklake-io/blacklake/internal/domain/job"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/blacklake-io/blacklake/internal/platform/log"
	"github.com/blacklake-io/blacklake/internal/platform/retry"
)

// Handler processes one leased job's payload. Returning an error that
// errkind.Is(err, errkind.BackendUnavailable) (or any other Retryable kind)
// schedules a backoff retry while attempts remain; any other error fails the
// job terminally on that attempt.
type Handler func(ctx context.Context, j *job.Job) error

// Runner leases and dispatches jobs of a fixed set of types.
type Runner struct {
	store             job.Store
	handlers          map[job.Type]Handler
	visibilityTimeout time.Duration
	batchSize         int
	backoff           retry.Config
	log               log.Logger
}

type Config struct {
	VisibilityTimeout time.Duration
	BatchSize         int
	Backoff           retry.Config
}

func New(store job.Store, cfg Config, logger log.Logger) *Runner {
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}

	return &Runner{
		store:             store,
		handlers:          make(map[job.Type]Handler),
		visibilityTimeout: cfg.VisibilityTimeout,
		batchSize:         cfg.BatchSize,
		backoff:           cfg.Backoff,
		log:               logger,
	}
}

// Register binds a handler to a job type. Call once per type at startup,
// before Run.
func (r *Runner) Register(t job.Type, h Handler) {
	r.handlers[t] = h
}

// RunOnce leases and processes up to one batch of jobs for every registered
// type, returning the number processed. Callers (cmd/blacklaked's daemon
// loop, or a test) decide the polling cadence.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	processed := 0

	for t, handler := range r.handlers {
		jobs, err := r.store.Lease(ctx, t, r.batchSize, r.visibilityTimeout)
		if err != nil {
			return processed, err
		}

		for _, j := range jobs {
			r.process(ctx, j, handler)
			processed++
		}
	}

	return processed, nil
}

func (r *Runner) process(ctx context.Context, j *job.Job, handler Handler) {
	jlog := r.log.WithFields("jobId", j.ID, "type", j.Type, "attempt", j.Attempts+1)

	err := handler(ctx, j)
	if err == nil {
		if err := r.store.Complete(ctx, j.ID); err != nil {
			jlog.Error("failed to mark job complete", "error", err)
		}

		return
	}

	jlog.Warn("job attempt failed", "error", err)

	if !isRetryable(err) || j.Attempts+1 >= j.MaxAttempts {
		if err := r.store.Fail(ctx, j.ID, err.Error(), nil); err != nil {
			jlog.Error("failed to record terminal failure", "error", err)
		}

		return
	}

	// Step the exponential schedule forward to this job's attempt number so
	// each retry waits longer than the one before it.
	bo := r.backoff.NewBackOff()
	backoffDur := bo.NextBackOff()

	for i := 0; i < j.Attempts; i++ {
		backoffDur = bo.NextBackOff()
	}

	if backoffDur < 0 {
		backoffDur = r.backoff.MaxBackoff
	}

	nextVisible := time.Now().Add(backoffDur)

	if err := r.store.Fail(ctx, j.ID, err.Error(), &nextVisible); err != nil {
		jlog.Error("failed to reschedule job", "error", err)
	}
}

func isRetryable(err error) bool {
	if e, ok := err.(*errkind.Error); ok {
		return e.Retryable()
	}

	return errkind.KindOf(err) == errkind.BackendUnavailable || errkind.KindOf(err) == errkind.Timeout
}
