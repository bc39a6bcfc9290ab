package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Returning nil completes it, an error built with
// Retry reschedules it, any other error fails it.
type Handler func(ctx context.Context, job *Job) error

type WorkerOptions struct {
	Concurrency     int
	LockDuration    time.Duration
	Backoff         BackoffFunc
	PollTimeout     time.Duration
	PromoteInterval time.Duration
	StalledInterval time.Duration
}

func (o *WorkerOptions) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff(time.Second, 5*time.Minute)
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = o.LockDuration
	}
}

type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
	logger  *zap.Logger
}

func (q *Queue) NewWorker(handler Handler, opts WorkerOptions) *Worker {
	opts.setDefaults()
	return &Worker{
		queue:   q,
		handler: handler,
		opts:    opts,
		logger:  q.logger.With(zap.String("queue", q.name)),
	}
}

// Run blocks until ctx is cancelled. It runs Concurrency processing loops
// plus the delayed-job promoter and the stalled-job checker.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Job queue worker starting", zap.Int("concurrency", w.opts.Concurrency))
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			w.processLoop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		w.every(ctx, w.opts.PromoteInterval, func(ctx context.Context) {
			if _, err := w.queue.promoteDelayed(ctx, time.Now(), 1000); err != nil {
				w.logger.Error("Failed to promote delayed jobs", zap.Error(err))
			}
		})
		return nil
	})
	g.Go(func() error {
		w.every(ctx, w.opts.StalledInterval, func(ctx context.Context) {
			n, err := w.queue.checkStalled(ctx)
			if err != nil {
				w.logger.Error("Failed to check stalled jobs", zap.Error(err))
				return
			}
			if n > 0 {
				w.logger.Warn("Recovered stalled jobs", zap.Int("count", n))
			}
		})
		return nil
	})

	err := g.Wait()
	w.logger.Info("Job queue worker stopped")
	return err
}

func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *Worker) processLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := w.ProcessNext(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to fetch next job", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessNext waits up to PollTimeout for one job and runs it. It reports
// whether a job was taken.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	q := w.queue
	id, err := q.client.BRPopLPush(ctx, q.waitKey(), q.activeKey(), w.opts.PollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to move job to active: %w", err)
	}

	token := uuid.NewString()
	if err := q.client.Set(ctx, q.lockKey(id), token, w.opts.LockDuration).Err(); err != nil {
		// The stalled checker returns the job to wait once the missing lock is seen twice.
		return true, fmt.Errorf("failed to lock job %s: %w", id, err)
	}

	job, err := q.loadJob(ctx, id)
	if err != nil {
		return true, err
	}
	if job == nil {
		q.client.LRem(ctx, q.activeKey(), 0, id)
		q.client.Del(ctx, q.lockKey(id))
		return true, nil
	}
	q.client.HSet(ctx, q.jobKey(id), "state", string(StateActive))

	handlerErr := w.runHandler(ctx, job, token)
	w.finish(ctx, job, handlerErr)
	return true, nil
}

func (w *Worker) runHandler(ctx context.Context, job *Job, token string) (err error) {
	lockCtx, stopLock := context.WithCancel(ctx)
	defer stopLock()
	go w.keepLock(lockCtx, job.ID, token)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job handler panicked: %v", p)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) keepLock(ctx context.Context, id, token string) {
	ticker := time.NewTicker(w.opts.LockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := extendLockScript.Run(ctx, w.queue.client, []string{w.queue.lockKey(id)}, token, w.opts.LockDuration.Milliseconds()).Err()
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("Failed to extend job lock", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
}

// finish records the outcome. It uses a fresh context so a shutdown in the
// middle of a job still releases it.
func (w *Worker) finish(ctx context.Context, job *Job, handlerErr error) {
	q := w.queue
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	now := time.Now()
	keys := []string{q.activeKey(), q.jobKey(job.ID), q.lockKey(job.ID)}

	var retryErr *RetryError
	switch {
	case handlerErr == nil:
		if err := completeJobScript.Run(fctx, q.client, keys, job.ID, now.UnixMilli()).Err(); err != nil {
			w.logger.Error("Failed to complete job", zap.String("job_id", job.ID), zap.Error(err))
		}
	case errors.As(handlerErr, &retryErr):
		delay := w.opts.Backoff(retryErr.Attempt)
		due := now.Add(delay)
		err := retryJobScript.Run(fctx, q.client, append(keys, q.delayedKey()),
			job.ID, due.UnixMilli(), retryErr.Attempt, handlerErr.Error()).Err()
		if err != nil {
			w.logger.Error("Failed to schedule job retry", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		w.logger.Debug("Job scheduled for retry",
			zap.String("job_id", job.ID), zap.Int("attempt", retryErr.Attempt), zap.Duration("delay", delay))
	default:
		w.logger.Warn("Job failed", zap.String("job_id", job.ID), zap.String("job_name", job.Name), zap.Error(handlerErr))
		if err := failJobScript.Run(fctx, q.client, append(keys, q.failedKey()), job.ID, handlerErr.Error(), now.UnixMilli()).Err(); err != nil {
			w.logger.Error("Failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}
