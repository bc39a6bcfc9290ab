// Package jobqueue is a small Redis-backed durable job queue: jobs are
// deduplicated by id, processed by workers with bounded concurrency,
// retried after a backoff chosen by the handler and recovered when the worker
// holding them dies.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "eventrelay:queue:"

type JobOptions struct {
	// JobID deduplicates the job. Empty means a random id.
	JobID            string
	RemoveOnComplete bool
	RemoveOnFail     bool
}

type Job struct {
	ID   string
	Name string
	Data json.RawMessage
	// Attempt is the attempt number the handler reported on its last retry,
	// zero for a fresh job.
	Attempt int
}

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type Queue struct {
	client redis.UniversalClient
	name   string
	prefix string
	logger *zap.Logger
}

func NewQueue(client redis.UniversalClient, name string, logger *zap.Logger) *Queue {
	return &Queue{
		client: client,
		name:   name,
		prefix: keyPrefix + name + ":",
		logger: logger,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) jobKey(id string) string  { return q.prefix + "job:" + id }
func (q *Queue) lockKey(id string) string { return q.prefix + "lock:" + id }
func (q *Queue) waitKey() string          { return q.prefix + "wait" }
func (q *Queue) activeKey() string        { return q.prefix + "active" }
func (q *Queue) delayedKey() string       { return q.prefix + "delayed" }
func (q *Queue) failedKey() string        { return q.prefix + "failed" }
func (q *Queue) stalledKey() string       { return q.prefix + "stalled" }

// Add enqueues a job. data is JSON-encoded. It returns ErrJobExists when a job
// with opts.JobID is waiting, active, delayed or kept after finishing.
func (q *Queue) Add(ctx context.Context, jobName string, data any, opts JobOptions) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job data for %s: %w", jobName, err)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	created, err := addJobScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.waitKey()},
		id, jobName, string(raw), boolFlag(opts.RemoveOnComplete), boolFlag(opts.RemoveOnFail), time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to add job %s to queue %s: %w", id, q.name, err)
	}
	if created == 0 {
		return id, ErrJobExists
	}
	return id, nil
}

// GetState reports where a job currently is. A job that was removed after
// finishing reports ok == false.
func (q *Queue) GetState(ctx context.Context, id string) (state State, ok bool, err error) {
	s, err := q.client.HGet(ctx, q.jobKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	return State(s), true, nil
}

// Counts returns the number of jobs per live state.
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.waitKey())
	active := pipe.LLen(ctx, q.activeKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	failed := pipe.LLen(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs in queue %s: %w", q.name, err)
	}
	return map[State]int64{
		StateWaiting: wait.Val(),
		StateActive:  active.Val(),
		StateDelayed: delayed.Val(),
		StateFailed:  failed.Val(),
	}, nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	job := &Job{ID: id, Name: fields["name"], Data: json.RawMessage(fields["data"])}
	if a, err := strconv.Atoi(fields["attempt"]); err == nil {
		job.Attempt = a
	}
	return job, nil
}

func (q *Queue) promoteDelayed(ctx context.Context, now time.Time, limit int) (int, error) {
	n, err := promoteDelayedScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.waitKey()},
		now.UnixMilli(), limit, q.prefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs in queue %s: %w", q.name, err)
	}
	return n, nil
}

func (q *Queue) checkStalled(ctx context.Context) (int, error) {
	n, err := checkStalledScript.Run(ctx, q.client,
		[]string{q.stalledKey(), q.activeKey(), q.waitKey()},
		q.prefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to check stalled jobs in queue %s: %w", q.name, err)
	}
	return n, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
