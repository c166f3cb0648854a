package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/queue"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
)

// --- start_agent / cancel_execution / pause_execution / resume_execution ---

type startAgentPayload struct {
	ProjectID    string `json:"project_id"`
	Requirements string `json:"requirements"`
}

func (r *Router) handleStartAgent(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p startAgentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	projectID, err := uuid.Parse(p.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("invalid project_id")
	}
	if _, err := r.ownedProject(ctx, sess, projectID); err != nil {
		return nil, err
	}

	exec := &db.Execution{
		ProjectID:     projectID,
		RequestedByID: sess.UserID,
		Requirements:  p.Requirements,
		Status:        "pending",
	}
	if err := r.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"execution_id": exec.ID.String()})
	if _, err := r.jobs.Enqueue(ctx, "run_execution", payload, queue.PriorityNormal, 0, 0, nil); err != nil {
		return nil, fmt.Errorf("enqueuing execution: %w", err)
	}

	r.bus.Emit(eventbus.StreamEvent{
		Type:        "execution_start",
		Source:      "router",
		ExecutionID: exec.ID.String(),
		ProjectID:   projectID.String(),
		Priority:    eventbus.PriorityNormal,
	})

	return map[string]string{"execution_id": exec.ID.String()}, nil
}

type executionIDPayload struct {
	ExecutionID string `json:"execution_id"`
}

func (r *Router) handleCancelExecution(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	execID, exec, err := r.parseOwnedExecution(ctx, sess, raw)
	if err != nil {
		return nil, err
	}
	r.driver.Cancel(execID)
	_ = exec
	return map[string]string{"execution_id": execID.String(), "status": "cancelling"}, nil
}

func (r *Router) handlePauseExecution(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	execID, exec, err := r.parseOwnedExecution(ctx, sess, raw)
	if err != nil {
		return nil, err
	}
	if exec.Status != "running" && exec.Status != "pending" {
		return nil, fmt.Errorf("execution must be running or pending to pause, is %s", exec.Status)
	}
	r.driver.Pause(execID)
	return map[string]string{"execution_id": execID.String(), "status": "pausing"}, nil
}

func (r *Router) handleResumeExecution(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	execID, exec, err := r.parseOwnedExecution(ctx, sess, raw)
	if err != nil {
		return nil, err
	}
	if exec.Status != "paused" {
		return nil, fmt.Errorf("execution must be paused to resume, is %s", exec.Status)
	}

	payload, _ := json.Marshal(map[string]string{"execution_id": execID.String()})
	if _, err := r.jobs.Enqueue(ctx, "resume_execution", payload, queue.PriorityNormal, 0, 0, nil); err != nil {
		return nil, fmt.Errorf("enqueuing resume: %w", err)
	}

	return map[string]string{"execution_id": execID.String(), "status": "resuming"}, nil
}

func (r *Router) parseOwnedExecution(ctx context.Context, sess *Session, raw json.RawMessage) (uuid.UUID, *db.Execution, error) {
	var p executionIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return uuid.UUID{}, nil, err
	}
	execID, err := uuid.Parse(p.ExecutionID)
	if err != nil {
		return uuid.UUID{}, nil, fmt.Errorf("invalid execution_id")
	}
	exec, err := r.ownedExecution(ctx, sess, execID)
	if err != nil {
		return uuid.UUID{}, nil, err
	}
	return execID, exec, nil
}

// --- project read/write ---

type projectIDPayload struct {
	ProjectID string `json:"project_id"`
}

func (r *Router) handleGetProject(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	project, err := r.parseOwnedProject(ctx, sess, raw)
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (r *Router) handleGetProjectStatus(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	project, err := r.parseOwnedProject(ctx, sess, raw)
	if err != nil {
		return nil, err
	}
	execs, err := r.executions.ListByProject(ctx, project.ID, defaultListOptions())
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return map[string]any{"project": project, "executions": execs}, nil
}

type updateProjectPayload struct {
	ProjectID   string  `json:"project_id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

func (r *Router) handleUpdateProject(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p updateProjectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	projectID, err := uuid.Parse(p.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("invalid project_id")
	}
	project, err := r.ownedProject(ctx, sess, projectID)
	if err != nil {
		return nil, err
	}

	if p.Name != nil {
		project.Name = *p.Name
	}
	if p.Description != nil {
		project.Description = *p.Description
	}
	if p.Status != nil {
		project.Status = *p.Status
	}
	if err := r.projects.Update(ctx, project); err != nil {
		return nil, fmt.Errorf("updating project: %w", err)
	}
	return project, nil
}

func (r *Router) parseOwnedProject(ctx context.Context, sess *Session, raw json.RawMessage) (*db.Project, error) {
	var p projectIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	projectID, err := uuid.Parse(p.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("invalid project_id")
	}
	return r.ownedProject(ctx, sess, projectID)
}

// --- execution read ---

func (r *Router) handleGetExecution(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	_, exec, err := r.parseOwnedExecution(ctx, sess, raw)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

type getExecutionLogsPayload struct {
	ExecutionID   string `json:"execution_id"`
	SinceSequence int64  `json:"since_sequence"`
}

func (r *Router) handleGetExecutionLogs(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p getExecutionLogsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	execID, err := uuid.Parse(p.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("invalid execution_id")
	}
	if _, err := r.ownedExecution(ctx, sess, execID); err != nil {
		return nil, err
	}
	exec, err := r.executions.GetByIDWithLogs(ctx, execID, p.SinceSequence)
	if err != nil {
		return nil, fmt.Errorf("loading logs: %w", err)
	}
	return map[string]any{"execution_id": execID.String(), "logs": exec.Logs}, nil
}

// --- workspace file access ---

type getFilePayload struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
}

func (r *Router) handleGetFile(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p getFilePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	projectID, err := uuid.Parse(p.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("invalid project_id")
	}
	project, err := r.ownedProject(ctx, sess, projectID)
	if err != nil {
		return nil, err
	}

	ws := r.workspaceFn(project)
	data, err := ws.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": p.Path, "content": string(data)}, nil
}

type listFilesPayload struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
}

func (r *Router) handleListFiles(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p listFilesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	projectID, err := uuid.Parse(p.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("invalid project_id")
	}
	project, err := r.ownedProject(ctx, sess, projectID)
	if err != nil {
		return nil, err
	}

	ws := r.workspaceFn(project)
	if p.Path == "" {
		p.Path = "."
	}
	entries, err := ws.ListFiles(p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": p.Path, "entries": entries}, nil
}

// --- agent config read/write ---
//
// AgentConfig is owned by the calling user, not by a project (§3: a user's
// default config for a role applies to every project they run an execution
// in) — every handler here scopes to sess.UserID and never takes a
// project_id.

type getAgentConfigPayload struct {
	Role string `json:"role"`
}

// handleGetAgentConfig returns the caller's default config for a role. Used
// by the client to pre-fill an edit form; the workflow driver resolves the
// same row independently through the repository.
func (r *Router) handleGetAgentConfig(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p getAgentConfigPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	cfg, err := r.configs.GetDefaultByUserAndRole(ctx, sess.UserID, p.Role)
	if err != nil {
		return nil, fmt.Errorf("agent config not found")
	}
	return cfg, nil
}

type updateAgentConfigPayload struct {
	ID               string   `json:"id,omitempty"` // empty creates a new config for this role
	Role             string   `json:"role"`
	Provider         *string  `json:"provider,omitempty"`
	Model            *string  `json:"model,omitempty"`
	SystemPrompt     *string  `json:"system_prompt,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Parameters       *string  `json:"parameters,omitempty"`
	APIKey           *string  `json:"api_key,omitempty"`
	IsActive         *bool    `json:"is_active,omitempty"`
	IsDefault        *bool    `json:"is_default,omitempty"`
}

// handleUpdateAgentConfig creates or updates one of the caller's AgentConfig
// rows. Setting is_default=true clears IsDefault on every other row the
// caller owns for that role first, preserving the at-most-one-default
// invariant (§8 Universal invariant #1).
func (r *Router) handleUpdateAgentConfig(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p updateAgentConfigPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Role == "" {
		return nil, fmt.Errorf("role is required")
	}

	var cfg *db.AgentConfig
	creating := p.ID == ""
	if creating {
		cfg = &db.AgentConfig{UserID: sess.UserID, Role: p.Role, IsActive: true}
	} else {
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid id")
		}
		existing, err := r.configs.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("agent config not found")
		}
		if existing.UserID != sess.UserID {
			return nil, fmt.Errorf("agent config not found")
		}
		cfg = existing
	}

	if p.Provider != nil {
		cfg.Provider = *p.Provider
	}
	if p.Model != nil {
		cfg.Model = *p.Model
	}
	if p.SystemPrompt != nil {
		cfg.SystemPrompt = *p.SystemPrompt
	}
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		cfg.TopP = *p.TopP
	}
	if p.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		cfg.PresencePenalty = *p.PresencePenalty
	}
	if p.MaxTokens != nil {
		cfg.MaxTokens = *p.MaxTokens
	}
	if p.Parameters != nil {
		cfg.Parameters = *p.Parameters
	}
	if p.APIKey != nil {
		cfg.APIKey = db.EncryptedString(*p.APIKey)
	}
	if p.IsActive != nil {
		cfg.IsActive = *p.IsActive
	}
	if p.IsDefault != nil {
		cfg.IsDefault = *p.IsDefault
	}

	if creating {
		if err := r.configs.Create(ctx, cfg); err != nil {
			return nil, fmt.Errorf("creating agent config: %w", err)
		}
	} else if err := r.configs.Update(ctx, cfg); err != nil {
		return nil, fmt.Errorf("updating agent config: %w", err)
	}

	if cfg.IsDefault {
		if err := r.configs.ClearDefault(ctx, sess.UserID, cfg.Role, cfg.ID); err != nil {
			return nil, fmt.Errorf("clearing prior default agent config: %w", err)
		}
	}
	return cfg, nil
}

// --- session subscription ---

type subscribePayload struct {
	EventTypes   []string `json:"event_types,omitempty"`
	Sources      []string `json:"sources,omitempty"`
	ExecutionIDs []string `json:"execution_ids,omitempty"`
	ProjectIDs   []string `json:"project_ids,omitempty"`
	MinPriority  int      `json:"min_priority,omitempty"`
}

func (r *Router) handleSubscribe(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	var p subscribePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	r.bus.Subscribe(sess.ConnectionID, sess.Deliver, eventbus.EventFilter{
		EventTypes:   p.EventTypes,
		Sources:      p.Sources,
		ExecutionIDs: p.ExecutionIDs,
		ProjectIDs:   p.ProjectIDs,
		MinPriority:  eventbus.Priority(p.MinPriority),
	})
	return map[string]string{"connection_id": sess.ConnectionID}, nil
}

func (r *Router) handleUnsubscribe(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	r.bus.Unsubscribe(sess.ConnectionID)
	return map[string]string{"connection_id": sess.ConnectionID}, nil
}

// --- liveness ---

func (r *Router) handlePing(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "server_time": time.Now()}, nil
}

// --- queue job handlers ---

// runExecutionJob is the "run_execution" job handler: it hands the
// execution off to the workflow driver, which runs the four-stage pipeline
// on its own goroutine. The job itself completes as soon as the pipeline is
// launched — pipeline progress is tracked through the execution record and
// emitted events, not through the job's own lifecycle.
func (r *Router) runExecutionJob(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var p executionIDPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, err
	}
	execID, err := uuid.Parse(p.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("invalid execution_id in job payload")
	}
	exec, err := r.executions.GetByID(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("loading execution: %w", err)
	}
	r.driver.Start(exec)
	return json.RawMessage(`{"started":true}`), nil
}

// resumeExecutionJob is the "resume_execution" job handler: the pipeline
// goroutine is already blocked waiting on its resume channel, so resuming
// just wakes it back up.
func (r *Router) resumeExecutionJob(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var p executionIDPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, err
	}
	execID, err := uuid.Parse(p.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("invalid execution_id in job payload")
	}
	r.driver.Resume(execID)
	return json.RawMessage(`{"resumed":true}`), nil
}

func defaultListOptions() repository.ListOptions {
	return repository.ListOptions{Limit: 50}
}
