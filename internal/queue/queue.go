// Package queue implements the Redis-backed job queue (spec component C5)
// that schedules workflow executions for the worker loop to pick up in
// priority order, with retry-with-backoff and a dead letter queue for jobs
// that exhaust their retry budget.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
	StatusRetrying  Status = "retrying"
)

// Priority orders jobs within the queue. Higher values run first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

const recordTTL = 24 * time.Hour

// key space, literal per the queue design: job:{id} holds the serialized
// job record, queue is the sorted set of pending ids scored by negated
// priority, processing is the set of ids currently dispatched to a worker,
// dlq is the list of entries that exhausted their retry budget.
const (
	jobKeyPrefix  = "job:"
	queueKey      = "queue"
	processingKey = "processing"
	dlqKey        = "dlq"
)

// Job is one unit of work, typically "run this workflow execution".
type Job struct {
	ID            string          `json:"job_id"`
	Type          string          `json:"job_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Priority      Priority        `json:"priority"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	TimeoutSecond int             `json:"timeout_seconds"`
	Tags          []string        `json:"tags,omitempty"`
}

// CanRetry reports whether the job has retry budget remaining.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// DLQEntry is one dead-letter-queue record for a job that exhausted retries.
type DLQEntry struct {
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
	RetryCount int       `json:"retry_count"`
}

// Handler executes one job's payload and returns its result, or an error.
// Handlers are looked up by Job.Type.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Queue is a Redis-backed priority queue of jobs.
type Queue struct {
	rdb      *redis.Client
	log      *zap.Logger
	handlers map[string]Handler
}

// New returns a Queue backed by rdb.
func New(rdb *redis.Client, log *zap.Logger) *Queue {
	return &Queue{
		rdb:      rdb,
		log:      log.Named("queue"),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler associates a handler with a job type. Dispatch consults
// this table; a job whose type has no handler fails immediately.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.handlers[jobType] = h
}

// Enqueue creates a new job and schedules it. priority controls the order it
// is popped from the queue relative to other pending jobs; it does not
// affect jobs already dispatched to processing.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, priority Priority, maxRetries, timeoutSeconds int, tags []string) (string, error) {
	job := &Job{
		ID:            uuid.NewString(),
		Type:          jobType,
		Payload:       payload,
		Status:        StatusPending,
		Priority:      priority,
		CreatedAt:     time.Now(),
		MaxRetries:    maxRetries,
		TimeoutSecond: timeoutSeconds,
		Tags:          tags,
	}

	if err := q.save(ctx, job); err != nil {
		return "", err
	}

	score := -float64(priority)
	if err := q.rdb.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		return "", fmt.Errorf("queue: scheduling job %s: %w", job.ID, err)
	}

	q.log.Info("job enqueued", zap.String("job_id", job.ID), zap.String("type", jobType))
	return job.ID, nil
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshaling job %s: %w", job.ID, err)
	}
	if err := q.rdb.Set(ctx, jobKeyPrefix+job.ID, data, recordTTL).Err(); err != nil {
		return fmt.Errorf("queue: saving job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the current state of a job, or nil if it is unknown or its
// record has expired.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.rdb.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: loading job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: decoding job %s: %w", jobID, err)
	}
	return &job, nil
}

// Cancel removes a still-pending job from the queue and marks it cancelled.
// It reports false if the job was not pending (already dispatched, already
// terminal, or unknown).
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.rdb.ZRem(ctx, queueKey, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("queue: cancelling job %s: %w", jobID, err)
	}
	if removed == 0 {
		return false, nil
	}

	job, err := q.Get(ctx, jobID)
	if err != nil {
		return true, err
	}
	if job == nil {
		return true, nil
	}
	job.Status = StatusCancelled
	now := time.Now()
	job.CompletedAt = &now
	if err := q.save(ctx, job); err != nil {
		return true, err
	}
	q.log.Info("job cancelled", zap.String("job_id", jobID))
	return true, nil
}

// Stats is a point-in-time count of jobs by bucket.
type Stats struct {
	Pending    int64
	Processing int64
	DeadLetter int64
}

// Stats reports queue depth across all three buckets.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.rdb.ZCard(ctx, queueKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: counting pending: %w", err)
	}
	processing, err := q.rdb.SCard(ctx, processingKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: counting processing: %w", err)
	}
	dead, err := q.rdb.LLen(ctx, dlqKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: counting dead letter entries: %w", err)
	}
	return Stats{Pending: pending, Processing: processing, DeadLetter: dead}, nil
}

// DeadLetterEntries returns up to limit entries from the dead letter queue,
// most recently failed first.
func (q *Queue) DeadLetterEntries(ctx context.Context, limit int64) ([]DLQEntry, error) {
	raw, err := q.rdb.LRange(ctx, dlqKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: reading dead letter queue: %w", err)
	}
	entries := make([]DLQEntry, 0, len(raw))
	for _, r := range raw {
		var e DLQEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			q.log.Warn("skipping malformed dead letter entry", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Run starts a worker loop that dispatches pending jobs to registered
// handlers until ctx is cancelled. batchSize controls how many ids are
// pulled from the queue per iteration; an empty queue waits one second
// before checking again rather than busy-polling.
func (q *Queue) Run(ctx context.Context, workerID int, batchSize int64) {
	log := q.log.With(zap.Int("worker_id", workerID))
	log.Info("worker started")
	defer log.Info("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ids, err := q.rdb.ZRange(ctx, queueKey, 0, batchSize-1).Result()
		if err != nil {
			log.Error("fetching next batch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		if len(ids) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, id := range ids {
			q.dispatchOne(ctx, log, id)
		}
	}
}

// dispatchOne moves a single job from queue to processing, runs its handler,
// and resolves retry/dead-letter outcomes. Errors are logged and do not
// interrupt the worker loop.
func (q *Queue) dispatchOne(ctx context.Context, log *zap.Logger, id string) {
	if err := q.rdb.ZRem(ctx, queueKey, id).Err(); err != nil {
		log.Error("removing job from queue failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if err := q.rdb.SAdd(ctx, processingKey, id).Err(); err != nil {
		log.Error("marking job processing failed", zap.String("job_id", id), zap.Error(err))
	}
	defer func() {
		if err := q.rdb.SRem(ctx, processingKey, id).Err(); err != nil {
			log.Error("clearing processing marker failed", zap.String("job_id", id), zap.Error(err))
		}
	}()

	if err := q.process(ctx, id); err != nil {
		log.Error("processing job failed", zap.String("job_id", id), zap.Error(err))
	}
}

// process loads a job, runs it to a terminal or retrying state, and handles
// the resulting re-enqueue-with-backoff or dead-letter transition.
func (q *Queue) process(ctx context.Context, jobID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		q.log.Warn("job not found, skipping", zap.String("job_id", jobID))
		return nil
	}

	q.runJob(ctx, job)

	switch job.Status {
	case StatusRetrying:
		backoff := RetryBackoff(job.RetryCount)
		go q.reenqueueAfter(job, backoff)

	case StatusFailed:
		if err := q.deadLetter(ctx, job); err != nil {
			return err
		}
	}

	return nil
}

// RetryBackoff computes the delay before a retry attempt, per the queue's
// exponential backoff with a one-hour ceiling.
func RetryBackoff(retryCount int) time.Duration {
	seconds := 60 << uint(retryCount)
	if seconds > 3600 || seconds <= 0 {
		seconds = 3600
	}
	return time.Duration(seconds) * time.Second
}

func (q *Queue) reenqueueAfter(job *Job, backoff time.Duration) {
	time.Sleep(backoff)
	ctx := context.Background()
	score := -float64(job.Priority)
	if err := q.rdb.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: job.ID}).Err(); err != nil {
		q.log.Error("re-enqueueing job after backoff failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.log.Info("job re-enqueued after backoff", zap.String("job_id", job.ID), zap.Duration("backoff", backoff))
}

// runJob executes the job's handler under its timeout, updating status and
// persisting the result before returning.
func (q *Queue) runJob(ctx context.Context, job *Job) {
	handler, ok := q.handlers[job.Type]
	if !ok {
		job.Status = StatusFailed
		job.Error = fmt.Sprintf("no handler registered for job type: %s", job.Type)
		q.finishSave(ctx, job)
		return
	}

	now := time.Now()
	job.Status = StatusRunning
	job.StartedAt = &now
	q.finishSave(ctx, job)

	timeout := time.Duration(job.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := handler(runCtx, job)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	completedAt := time.Now()
	select {
	case <-runCtx.Done():
		job.Status = StatusTimeout
		job.CompletedAt = &completedAt
		job.Error = fmt.Sprintf("job timed out after %d seconds", job.TimeoutSecond)

	case result := <-resultCh:
		job.Status = StatusCompleted
		job.CompletedAt = &completedAt
		job.Result = result

	case err := <-errCh:
		if job.CanRetry() {
			job.RetryCount++
			job.Status = StatusRetrying
			job.Error = ""
		} else {
			job.Status = StatusFailed
			job.CompletedAt = &completedAt
			job.Error = err.Error()
		}
	}

	q.finishSave(ctx, job)
}

func (q *Queue) finishSave(ctx context.Context, job *Job) {
	if err := q.save(ctx, job); err != nil {
		q.log.Error("saving job state failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (q *Queue) deadLetter(ctx context.Context, job *Job) error {
	entry := DLQEntry{
		JobID:      job.ID,
		JobType:    job.Type,
		Error:      job.Error,
		FailedAt:   time.Now(),
		RetryCount: job.RetryCount,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshaling dead letter entry for %s: %w", job.ID, err)
	}
	if err := q.rdb.LPush(ctx, dlqKey, data).Err(); err != nil {
		return fmt.Errorf("queue: pushing dead letter entry for %s: %w", job.ID, err)
	}
	q.log.Warn("job moved to dead letter queue", zap.String("job_id", job.ID))
	return nil
}
