package notification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
)

type fakeExecutionStore struct {
	execs map[uuid.UUID]*BridgeExecution
}

func (s *fakeExecutionStore) GetByID(ctx context.Context, id uuid.UUID) (*BridgeExecution, error) {
	e, ok := s.execs[id]
	if !ok {
		return nil, assert.AnError
	}
	return e, nil
}

type fakeProjectStore struct {
	names map[uuid.UUID]string
}

func (s *fakeProjectStore) GetProjectName(ctx context.Context, id uuid.UUID) (string, error) {
	name, ok := s.names[id]
	if !ok {
		return "", assert.AnError
	}
	return name, nil
}

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New(eventbus.Config{BatchTimeout: 5 * time.Millisecond}, zap.NewNop())
	bus.Start()
	t.Cleanup(bus.Stop)
	return bus
}

func TestBridgeDeliversNotificationOnExecutionComplete(t *testing.T) {
	bus := newTestBus(t)

	projectID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())
	execID := uuid.Must(uuid.NewV7())

	executions := &fakeExecutionStore{execs: map[uuid.UUID]*BridgeExecution{
		execID: {ProjectID: projectID, RequestedByID: userID},
	}}
	projects := &fakeProjectStore{names: map[uuid.UUID]string{
		projectID: "demo-project",
	}}

	notifRepo := &fakeNotificationRepo{}
	conns := registry.New()
	svc := NewService(Config{
		NotifRepo:    notifRepo,
		SettingsRepo: emptySettingsRepo{},
		Conns:        conns,
		Bus:          bus,
		Logger:       zap.NewNop(),
	})

	NewBridge(bus, svc, executions, projects, zap.NewNop())

	bus.Emit(eventbus.StreamEvent{
		Type:        "execution_complete",
		ExecutionID: execID.String(),
		ProjectID:   projectID.String(),
	})

	require.Eventually(t, func() bool {
		return notifRepo.count() == 1
	}, time.Second, 5*time.Millisecond)

	items, _ := notifRepo.ListByUser(context.Background(), userID, repository.ListOptions{})
	require.Len(t, items, 1)
	assert.Equal(t, "execution_complete", items[0].Type)
}

func TestBridgeDeliversNotificationOnFailed(t *testing.T) {
	bus := newTestBus(t)

	projectID := uuid.Must(uuid.NewV7())
	userID := uuid.Must(uuid.NewV7())
	execID := uuid.Must(uuid.NewV7())

	executions := &fakeExecutionStore{execs: map[uuid.UUID]*BridgeExecution{
		execID: {ProjectID: projectID, RequestedByID: userID},
	}}
	projects := &fakeProjectStore{names: map[uuid.UUID]string{
		projectID: "demo-project",
	}}

	notifRepo := &fakeNotificationRepo{}
	conns := registry.New()
	svc := NewService(Config{
		NotifRepo:    notifRepo,
		SettingsRepo: emptySettingsRepo{},
		Conns:        conns,
		Bus:          bus,
		Logger:       zap.NewNop(),
	})

	NewBridge(bus, svc, executions, projects, zap.NewNop())

	bus.Emit(eventbus.StreamEvent{
		Type:        "failed",
		ExecutionID: execID.String(),
		ProjectID:   projectID.String(),
		Payload:     map[string]string{"message": "model call exhausted retries"},
	})

	require.Eventually(t, func() bool {
		return notifRepo.count() == 1
	}, time.Second, 5*time.Millisecond)

	items, _ := notifRepo.ListByUser(context.Background(), userID, repository.ListOptions{})
	require.Len(t, items, 1)
	assert.Equal(t, "execution_failed", items[0].Type)
	assert.Contains(t, items[0].Body, "model call exhausted retries")
}

func TestBridgeIgnoresUnknownExecution(t *testing.T) {
	bus := newTestBus(t)

	executions := &fakeExecutionStore{execs: map[uuid.UUID]*BridgeExecution{}}
	projects := &fakeProjectStore{names: map[uuid.UUID]string{}}

	notifRepo := &fakeNotificationRepo{}
	conns := registry.New()
	svc := NewService(Config{
		NotifRepo:    notifRepo,
		SettingsRepo: emptySettingsRepo{},
		Conns:        conns,
		Bus:          bus,
		Logger:       zap.NewNop(),
	})

	NewBridge(bus, svc, executions, projects, zap.NewNop())

	bus.Emit(eventbus.StreamEvent{
		Type:        "execution_complete",
		ExecutionID: uuid.Must(uuid.NewV7()).String(),
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, notifRepo.count())
}
