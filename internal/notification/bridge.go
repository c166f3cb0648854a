package notification

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
)

// Bridge subscribes to the event bus and turns "execution_complete" and
// "failed" events into persisted, delivered notifications, so the workflow
// driver never needs to know a notification service exists. It runs for the
// lifetime of the process; there is no Unsubscribe call since it is never
// torn down independently of the bus itself.
type Bridge struct {
	svc        Service
	executions BridgeExecutionStore
	projects   BridgeProjectStore
	log        *zap.Logger
}

// BridgeExecutionStore is the narrow execution lookup the bridge needs.
type BridgeExecutionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*BridgeExecution, error)
}

// BridgeExecution carries only the fields the bridge reads off an execution.
type BridgeExecution struct {
	ProjectID     uuid.UUID
	RequestedByID uuid.UUID
}

// BridgeProjectStore is the narrow project lookup the bridge needs.
type BridgeProjectStore interface {
	GetProjectName(ctx context.Context, id uuid.UUID) (string, error)
}

// NewBridge wires svc to bus under the connection id "notification-bridge".
func NewBridge(bus *eventbus.Bus, svc Service, executions BridgeExecutionStore, projects BridgeProjectStore, log *zap.Logger) *Bridge {
	b := &Bridge{svc: svc, executions: executions, projects: projects, log: log.Named("notification_bridge")}
	bus.Subscribe("notification-bridge", b.onEvent, eventbus.EventFilter{
		EventTypes: []string{"execution_complete", "failed"},
	})
	return b
}

func (b *Bridge) onEvent(e eventbus.StreamEvent) {
	execID, err := uuid.Parse(e.ExecutionID)
	if err != nil {
		return
	}

	ctx := context.Background()
	exec, err := b.executions.GetByID(ctx, execID)
	if err != nil {
		b.log.Warn("notification bridge: execution lookup failed", zap.String("execution_id", e.ExecutionID), zap.Error(err))
		return
	}

	name, err := b.projects.GetProjectName(ctx, exec.ProjectID)
	if err != nil {
		b.log.Warn("notification bridge: project lookup failed", zap.String("project_id", exec.ProjectID.String()), zap.Error(err))
		return
	}

	if e.Type == "failed" {
		var msg string
		if fields, ok := e.Payload.(map[string]string); ok {
			msg = fields["message"]
		}
		if err := b.svc.NotifyExecutionFailed(ctx, exec.RequestedByID, execID, name, msg); err != nil {
			b.log.Warn("notification bridge: notify failed", zap.String("execution_id", e.ExecutionID), zap.Error(err))
		}
		return
	}

	if err := b.svc.NotifyExecutionComplete(ctx, exec.RequestedByID, execID, name); err != nil {
		b.log.Warn("notification bridge: notify failed", zap.String("execution_id", e.ExecutionID), zap.Error(err))
	}
}
