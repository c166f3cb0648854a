// Package workflow implements the workflow driver (spec component C7): the
// four-stage product_manager -> architect -> engineer -> qa_engineer
// pipeline that turns one Execution's requirements brief into a sequence of
// model generations, persisted agent logs, and streamed events.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/modelclient"
	"github.com/UnknownEngineOfficial/xteam/internal/queue"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
)

// defaultExecutionTimeout bounds how long one execution's four stages may run
// before the driver marks it timeout instead of letting it run forever. A
// caller that wants a different bound can build a Driver and overwrite
// Timeout directly; there is no per-execution override.
const defaultExecutionTimeout = 30 * time.Minute

// Role identifies one stage of the pipeline.
type Role string

const (
	RoleProductManager Role = "product_manager"
	RoleArchitect      Role = "architect"
	RoleEngineer       Role = "engineer"
	RoleQAEngineer     Role = "qa_engineer"
)

// stages is the fixed pipeline order with each stage's cumulative progress
// percentage once it completes.
var stages = []struct {
	role    Role
	percent int
}{
	{RoleProductManager, 25},
	{RoleArchitect, 50},
	{RoleEngineer, 75},
	{RoleQAEngineer, 90},
}

// rolePrompts gives each role's default system prompt, used when an
// AgentConfig does not override it.
var rolePrompts = map[Role]string{
	RoleProductManager: "You are a product manager. Turn the brief into a clear product requirements document.",
	RoleArchitect:      "You are a software architect. Design a system architecture satisfying the requirements document.",
	RoleEngineer:       "You are a software engineer. Implement the architecture as working code.",
	RoleQAEngineer:     "You are a QA engineer. Write tests and review the implementation for defects.",
}

// Driver runs executions to completion, one at a time per execution, each on
// its own goroutine.
type Driver struct {
	executions ExecutionStore
	configs    repository.AgentConfigRepository
	models     *modelclient.Registry
	bus        *eventbus.Bus
	jobs       *queue.Queue
	log        *zap.Logger

	// Timeout bounds one execution's total run time. Exported so callers
	// that need a different bound than defaultExecutionTimeout can set it
	// right after New.
	Timeout time.Duration

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

// run tracks the control channels for one in-flight execution.
type run struct {
	cancel context.CancelFunc
	pause  chan struct{}
	resume chan struct{}
}

// ExecutionStore is the subset of the execution repository the driver needs,
// named separately so tests can supply an in-memory fake without pulling in
// GORM.
type ExecutionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error)
	Update(ctx context.Context, exec *db.Execution) error
	UpdateStatus(ctx context.Context, id uuid.UUID, fields map[string]any) error
	AppendLog(ctx context.Context, entry *db.ExecutionLog) error
	NextSequence(ctx context.Context, executionID uuid.UUID) (int64, error)
}

// New constructs a Driver. jobs is used only to re-enqueue a "run_execution"
// job when a storage-write failure leaves retry budget remaining; it may be
// nil, in which case a failed execution is never retried automatically.
func New(executions ExecutionStore, configs repository.AgentConfigRepository, models *modelclient.Registry, bus *eventbus.Bus, jobs *queue.Queue, log *zap.Logger) *Driver {
	return &Driver{
		executions: executions,
		configs:    configs,
		models:     models,
		bus:        bus,
		jobs:       jobs,
		log:        log.Named("workflow"),
		Timeout:    defaultExecutionTimeout,
		runs:       make(map[uuid.UUID]*run),
	}
}

// Start launches the pipeline for exec in its own goroutine. It returns
// immediately; progress is reported through emitted events and persisted
// execution state.
func (d *Driver) Start(exec *db.Execution) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultExecutionTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	r := &run{cancel: cancel, pause: make(chan struct{}, 1), resume: make(chan struct{}, 1)}

	d.mu.Lock()
	d.runs[exec.ID] = r
	d.mu.Unlock()

	go d.runExecution(ctx, exec, r)
}

// Cancel marks an execution cancelled by cancelling its context, whether that
// execution is currently running or paused. A generation in flight receives
// the same context, so it is aborted too; the pipeline then stops at its next
// checkpoint.
func (d *Driver) Cancel(execID uuid.UUID) {
	d.mu.Lock()
	r, ok := d.runs[execID]
	d.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// Pause signals a running execution to suspend after its current stage.
func (d *Driver) Pause(execID uuid.UUID) {
	d.mu.Lock()
	r, ok := d.runs[execID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case r.pause <- struct{}{}:
	default:
	}
}

// Resume wakes a paused execution back up.
func (d *Driver) Resume(execID uuid.UUID) {
	d.mu.Lock()
	r, ok := d.runs[execID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case r.resume <- struct{}{}:
	default:
	}
}

func (d *Driver) runExecution(ctx context.Context, exec *db.Execution, r *run) {
	defer func() {
		d.mu.Lock()
		delete(d.runs, exec.ID)
		d.mu.Unlock()
	}()

	log := d.log.With(zap.String("execution_id", exec.ID.String()))

	now := time.Now()
	exec.Status = "running"
	exec.StartedAt = &now
	if err := d.executions.Update(ctx, exec); err != nil {
		log.Error("persisting running status failed", zap.Error(err))
		d.finishFailed(ctx, exec, log, err)
		return
	}
	d.emit(exec, "execution_start", "", eventbus.PriorityNormal, nil)

	for _, stage := range stages {
		if terminal := d.checkDone(ctx); terminal != "" {
			d.finishInterrupted(ctx, exec, log, terminal)
			return
		}

		if cancelled := d.checkPause(ctx, exec, r, log); cancelled {
			d.finishInterrupted(ctx, exec, log, d.checkDone(ctx))
			return
		}

		if err := d.runStage(ctx, exec, stage.role, stage.percent, log); err != nil {
			if isStorageErr(err) {
				d.finishFailed(ctx, exec, log, err)
				return
			}
			log.Error("stage failed, continuing to next stage", zap.String("role", string(stage.role)), zap.Error(err))
			d.emit(exec, "error", string(stage.role), eventbus.PriorityCritical, map[string]string{"message": err.Error()})
		}
	}

	completedAt := time.Now()
	exec.Status = "completed"
	exec.EndedAt = &completedAt
	exec.ProgressPercent = 100
	setDuration(exec)
	if err := d.executions.Update(ctx, exec); err != nil {
		log.Error("persisting completed status failed", zap.Error(err))
		d.finishFailed(ctx, exec, log, err)
		return
	}
	d.emit(exec, "execution_complete", "", eventbus.PriorityNormal, nil)
}

// checkDone reports why ctx has already ended, if it has: "cancelled" for an
// explicit Cancel call, "timeout" once the execution's deadline has passed,
// or "" while the execution should keep running.
func (d *Driver) checkDone(ctx context.Context) string {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "timeout"
		}
		return "cancelled"
	default:
		return ""
	}
}

// setDuration stamps DurationSeconds from StartedAt/EndedAt. Called at every
// terminal transition alongside EndedAt so the two fields are never set out
// of step with each other.
func setDuration(exec *db.Execution) {
	if exec.StartedAt == nil || exec.EndedAt == nil {
		return
	}
	seconds := int(exec.EndedAt.Sub(*exec.StartedAt).Seconds())
	exec.DurationSeconds = &seconds
}

// isStorageErr reports whether err came from a persistence write rather than
// from stage generation itself — storage failures fail the whole execution
// per the recovery policy; a bad generation only skips its stage.
func isStorageErr(err error) bool {
	var se *storageError
	return errors.As(err, &se)
}

// storageError wraps a failed ExecutionStore write so runExecution can tell
// it apart from an ordinary stage-generation failure.
type storageError struct{ cause error }

func (e *storageError) Error() string { return e.cause.Error() }
func (e *storageError) Unwrap() error { return e.cause }

// checkPause observes whether Pause has been requested since the last
// checkpoint, and if so, persists the paused state, emits a status event,
// and blocks until Resume or Cancel. Reports true if the execution should
// terminate as cancelled instead of continuing.
func (d *Driver) checkPause(ctx context.Context, exec *db.Execution, r *run, log *zap.Logger) bool {
	select {
	case <-r.pause:
	default:
		return false
	}

	exec.Status = "paused"
	if err := d.executions.Update(ctx, exec); err != nil {
		log.Error("persisting paused status failed", zap.Error(err))
	}
	d.emit(exec, "status", "", eventbus.PriorityNormal, map[string]string{"status": "paused"})

	select {
	case <-r.resume:
		exec.Status = "running"
		if err := d.executions.Update(ctx, exec); err != nil {
			log.Error("persisting resumed status failed", zap.Error(err))
		}
		d.emit(exec, "status", "", eventbus.PriorityNormal, map[string]string{"status": "running"})
		return false
	case <-ctx.Done():
		return true
	}
}

// finishInterrupted handles the two ways an execution can end without ever
// reaching "completed" on its own: an explicit Cancel (status "cancelled")
// or the execution's deadline elapsing (status "timeout", per §7 deadline
// handling — treated as a failure kind of its own, not folded into
// "failed"). reason is whatever checkDone last reported; it defaults to
// "cancelled" if somehow called with an empty reason.
func (d *Driver) finishInterrupted(ctx context.Context, exec *db.Execution, log *zap.Logger, reason string) {
	if reason == "" {
		reason = "cancelled"
	}
	now := time.Now()
	exec.Status = reason
	exec.EndedAt = &now
	setDuration(exec)
	if err := d.executions.Update(context.Background(), exec); err != nil {
		log.Error("persisting "+reason+" status failed", zap.Error(err))
	}
	d.emit(exec, reason, "", eventbus.PriorityNormal, nil)
	if reason == "timeout" {
		d.emit(exec, "error", exec.CurrentStage, eventbus.PriorityCritical, map[string]string{"message": "execution exceeded its time budget"})
	}
}

// finishFailed handles a storage-write failure mid-pipeline: it marks the
// execution failed, emits the error event, and — if retry budget remains —
// re-enqueues a fresh run_execution job so the pipeline resumes from
// "pending" rather than leaving the user stuck on a dead execution. ctx may
// already be done (it is the cancellable/deadline execution context), so the
// persistence write and re-enqueue both use a background context.
func (d *Driver) finishFailed(ctx context.Context, exec *db.Execution, log *zap.Logger, cause error) {
	now := time.Now()
	exec.Status = "failed"
	exec.EndedAt = &now
	exec.Error = cause.Error()
	setDuration(exec)

	bg := context.Background()
	if err := d.executions.Update(bg, exec); err != nil {
		log.Error("persisting failed status failed", zap.Error(err))
	}
	d.emit(exec, "error", exec.CurrentStage, eventbus.PriorityCritical, map[string]string{"message": cause.Error()})
	d.emit(exec, "failed", "", eventbus.PriorityCritical, map[string]string{"message": cause.Error()})

	if exec.RetryCount >= exec.MaxRetries || d.jobs == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{"execution_id": exec.ID.String()})
	if err != nil {
		log.Error("marshalling retry payload failed", zap.Error(err))
		return
	}
	nextRetry := exec.RetryCount + 1
	if err := d.executions.UpdateStatus(bg, exec.ID, map[string]any{
		"status":      "pending",
		"retry_count": nextRetry,
	}); err != nil {
		log.Error("persisting retry state failed", zap.Error(err))
		return
	}

	backoff := retryBackoff(exec.RetryCount)
	timeoutSeconds := int(d.Timeout.Seconds())
	jobs, maxRetries := d.jobs, exec.MaxRetries
	go func() {
		time.Sleep(backoff)
		if _, err := jobs.Enqueue(context.Background(), "run_execution", payload, queue.PriorityHigh, maxRetries, timeoutSeconds, nil); err != nil {
			log.Error("re-enqueueing failed execution failed", zap.Error(err))
		}
	}()
	log.Info("execution scheduled for retry after storage failure",
		zap.Int("retry_count", nextRetry),
		zap.Duration("backoff", backoff))
}

// retryBackoff is the exponential backoff the recovery policy names: 60*2^n
// seconds, capped at one hour.
func retryBackoff(retryCount int) time.Duration {
	backoff := 60 * time.Second
	for i := 0; i < retryCount; i++ {
		backoff *= 2
		if backoff >= time.Hour {
			return time.Hour
		}
	}
	return backoff
}

// runStage resolves the role's configuration and client, validates
// connectivity, runs one generation, logs it, and advances progress. A
// resolution or generation failure returns an error and the stage is
// skipped — the pipeline continues with the next role.
func (d *Driver) runStage(ctx context.Context, exec *db.Execution, role Role, cumulativePercent int, log *zap.Logger) error {
	cfg, err := d.configs.GetDefaultByUserAndRole(ctx, exec.RequestedByID, string(role))
	if err != nil {
		return fmt.Errorf("resolving default agent config for role %s: %w", role, err)
	}

	client, err := d.models.Get(modelclient.Credentials{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIKey:   string(cfg.APIKey),
	}, true)
	if err != nil {
		return fmt.Errorf("obtaining model client for role %s: %w", role, err)
	}

	if !client.ValidateConnection(ctx) {
		return fmt.Errorf("model client for role %s failed connection validation", role)
	}

	exec.CurrentStage = string(role)
	d.emit(exec, "stage_start", string(role), eventbus.PriorityNormal, nil)

	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = rolePrompts[role]
	}
	fullPrompt := prompt + "\n\n" + exec.Requirements

	text, err := client.Generate(ctx, modelclient.GenerateOptions{
		Prompt:           fullPrompt,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		FrequencyPenalty: cfg.FrequencyPenalty,
		PresencePenalty:  cfg.PresencePenalty,
		MaxTokens:        cfg.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("generating for role %s: %w", role, err)
	}

	if err := d.appendLog(ctx, exec.ID, string(role), "agent_message", text); err != nil {
		log.Error("appending agent log failed", zap.Error(err))
	}
	d.emit(exec, "agent_message", string(role), eventbus.PriorityNormal, map[string]string{"text": text})

	exec.ProgressPercent = cumulativePercent
	if err := d.executions.UpdateStatus(ctx, exec.ID, map[string]any{
		"current_stage":    string(role),
		"progress_percent": cumulativePercent,
	}); err != nil {
		return &storageError{cause: fmt.Errorf("persisting progress for role %s: %w", role, err)}
	}
	d.emit(exec, "progress_update", string(role), eventbus.PriorityHigh, map[string]int{"percent": cumulativePercent})

	return nil
}

func (d *Driver) appendLog(ctx context.Context, execID uuid.UUID, stage, eventType, text string) error {
	seq, err := d.executions.NextSequence(ctx, execID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return d.executions.AppendLog(ctx, &db.ExecutionLog{
		ExecutionID: execID,
		Sequence:    seq,
		EventType:   eventType,
		Stage:       stage,
		Payload:     string(payload),
		EmittedAt:   time.Now(),
	})
}

func (d *Driver) emit(exec *db.Execution, eventType, stage string, priority eventbus.Priority, payload any) {
	d.bus.Emit(eventbus.StreamEvent{
		Type:        eventType,
		Source:      stage,
		ExecutionID: exec.ID.String(),
		ProjectID:   exec.ProjectID.String(),
		Priority:    priority,
		Payload:     payload,
	})
}
