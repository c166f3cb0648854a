// Package router implements the message router (spec component C8):
// command dispatch over one live session. The recognized command set is
// closed — anything else comes back as a typed "unknown message type"
// failure rather than a disconnect.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/queue"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
	"github.com/UnknownEngineOfficial/xteam/internal/workflow"
	"github.com/UnknownEngineOfficial/xteam/internal/workspace"
)

// Session carries the identity and scope of one live connection. Deliver is
// the callback already registered with the event bus under ConnectionID at
// connect time; subscribe/unsubscribe handlers adjust its filter by
// re-registering under the same id.
type Session struct {
	ConnectionID string
	UserID       uuid.UUID
	ProjectID    *uuid.UUID
	ExecutionID  *uuid.UUID
	Deliver      eventbus.Callback
}

// Command is one client-to-server frame: {"type": ..., "payload": ...}.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the uniform wrapper every handler result is packed into.
type Response struct {
	Success     bool      `json:"success"`
	MessageType string    `json:"message_type"`
	Data        any       `json:"data,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Handler resolves one command for one session. A returned error becomes a
// failure response; it never closes the session.
type Handler func(ctx context.Context, sess *Session, payload json.RawMessage) (any, error)

// Router dispatches commands to their handlers and wires together every
// component a handler needs: persistence, the job queue, the workflow
// driver, the event bus, and the workspace sandbox.
type Router struct {
	projects    repository.ProjectRepository
	executions  repository.ExecutionRepository
	configs     repository.AgentConfigRepository
	driver      *workflow.Driver
	jobs        *queue.Queue
	bus         *eventbus.Bus
	workspaceFn func(project *db.Project) *workspace.Workspace
	log         *zap.Logger

	handlers map[string]Handler
}

// New constructs a Router and registers the closed command set, and
// registers the queue handlers ("run_execution", "resume_execution") the
// workflow job types dispatch through.
func New(
	projects repository.ProjectRepository,
	executions repository.ExecutionRepository,
	configs repository.AgentConfigRepository,
	driver *workflow.Driver,
	jobs *queue.Queue,
	bus *eventbus.Bus,
	log *zap.Logger,
) *Router {
	r := &Router{
		projects:   projects,
		executions: executions,
		configs:    configs,
		driver:     driver,
		jobs:       jobs,
		bus:        bus,
		log:        log.Named("router"),
		workspaceFn: func(project *db.Project) *workspace.Workspace {
			return workspace.New(project.RootPath)
		},
	}

	r.handlers = map[string]Handler{
		"start_agent":          r.handleStartAgent,
		"cancel_execution":     r.handleCancelExecution,
		"pause_execution":      r.handlePauseExecution,
		"resume_execution":     r.handleResumeExecution,
		"get_project":          r.handleGetProject,
		"update_project":       r.handleUpdateProject,
		"get_project_status":   r.handleGetProjectStatus,
		"get_execution":        r.handleGetExecution,
		"get_execution_logs":   r.handleGetExecutionLogs,
		"get_file":             r.handleGetFile,
		"list_files":           r.handleListFiles,
		"get_agent_config":     r.handleGetAgentConfig,
		"update_agent_config":  r.handleUpdateAgentConfig,
		"subscribe":            r.handleSubscribe,
		"unsubscribe":          r.handleUnsubscribe,
		"ping":                 r.handlePing,
		"heartbeat":            r.handlePing,
	}

	jobs.RegisterHandler("run_execution", r.runExecutionJob)
	jobs.RegisterHandler("resume_execution", r.resumeExecutionJob)

	return r
}

// Dispatch parses raw as a Command and invokes its handler, wrapping the
// result (or error) in the uniform response envelope. Unknown command types
// return success=false with the literal "Unknown message type" error.
func (r *Router) Dispatch(ctx context.Context, sess *Session, raw json.RawMessage) Response {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return failure("", "malformed command: "+err.Error())
	}

	handler, ok := r.handlers[cmd.Type]
	if !ok {
		return failure(cmd.Type, "Unknown message type")
	}

	data, err := handler(ctx, sess, cmd.Payload)
	if err != nil {
		r.log.Warn("handler failed", zap.String("command", cmd.Type), zap.Error(err))
		return failure(cmd.Type, err.Error())
	}

	return Response{
		Success:     true,
		MessageType: cmd.Type,
		Data:        data,
		Timestamp:   time.Now(),
	}
}

func failure(messageType, errMsg string) Response {
	return Response{
		Success:     false,
		MessageType: messageType,
		Error:       errMsg,
		Timestamp:   time.Now(),
	}
}

// ownedProject loads a project and verifies sess.UserID owns it. Not-owned
// and not-found are reported identically so a handler cannot be used to
// probe for the existence of another user's project.
func (r *Router) ownedProject(ctx context.Context, sess *Session, projectID uuid.UUID) (*db.Project, error) {
	project, err := r.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project not found")
	}
	if project.OwnerID != sess.UserID {
		return nil, fmt.Errorf("project not found")
	}
	return project, nil
}

// ownedExecution loads an execution and verifies sess.UserID triggered it.
func (r *Router) ownedExecution(ctx context.Context, sess *Session, execID uuid.UUID) (*db.Execution, error) {
	exec, err := r.executions.GetByID(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("execution not found")
	}
	if exec.RequestedByID != sess.UserID {
		return nil, fmt.Errorf("execution not found")
	}
	return exec, nil
}
