package workflow

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/modelclient"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
)

type memExecutionStore struct {
	mu    sync.Mutex
	execs map[uuid.UUID]*db.Execution
	logs  []db.ExecutionLog

	failUpdateStatus bool
}

func newMemExecutionStore() *memExecutionStore {
	return &memExecutionStore{execs: make(map[uuid.UUID]*db.Execution)}
}

func (s *memExecutionStore) GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[id], nil
}

func (s *memExecutionStore) Update(ctx context.Context, exec *db.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (s *memExecutionStore) UpdateStatus(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdateStatus {
		return errors.New("simulated storage failure")
	}
	if exec, ok := s.execs[id]; ok {
		if v, ok := fields["current_stage"].(string); ok {
			exec.CurrentStage = v
		}
		if v, ok := fields["progress_percent"].(int); ok {
			exec.ProgressPercent = v
		}
		if v, ok := fields["status"].(string); ok {
			exec.Status = v
		}
		if v, ok := fields["retry_count"].(int); ok {
			exec.RetryCount = v
		}
	}
	return nil
}

func (s *memExecutionStore) AppendLog(ctx context.Context, entry *db.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *memExecutionStore) NextSequence(ctx context.Context, executionID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, l := range s.logs {
		if l.ExecutionID == executionID && l.Sequence > max {
			max = l.Sequence
		}
	}
	return max + 1, nil
}

func (s *memExecutionStore) snapshot(id uuid.UUID) db.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.execs[id]
}

type fakeConfigRepo struct {
	cfg *db.AgentConfig
}

func (r *fakeConfigRepo) Create(ctx context.Context, cfg *db.AgentConfig) error { return nil }
func (r *fakeConfigRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.AgentConfig, error) {
	return r.cfg, nil
}
func (r *fakeConfigRepo) GetDefaultByUserAndRole(ctx context.Context, userID uuid.UUID, role string) (*db.AgentConfig, error) {
	if r.cfg == nil {
		return nil, repository.ErrNotFound
	}
	return r.cfg, nil
}
func (r *fakeConfigRepo) Update(ctx context.Context, cfg *db.AgentConfig) error { return nil }
func (r *fakeConfigRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.AgentConfig, error) {
	return []db.AgentConfig{*r.cfg}, nil
}
func (r *fakeConfigRepo) ClearDefault(ctx context.Context, userID uuid.UUID, role string, keepID uuid.UUID) error {
	return nil
}

var _ repository.AgentConfigRepository = (*fakeConfigRepo)(nil)

type fakeModelClient struct{}

func (c *fakeModelClient) Generate(ctx context.Context, opts modelclient.GenerateOptions) (string, error) {
	return "generated output", nil
}
func (c *fakeModelClient) GenerateStream(ctx context.Context, opts modelclient.GenerateOptions) (<-chan modelclient.StreamChunk, error) {
	ch := make(chan modelclient.StreamChunk)
	close(ch)
	return ch, nil
}
func (c *fakeModelClient) ValidateConnection(ctx context.Context) bool { return true }

func newTestDriver(t *testing.T) (*Driver, *memExecutionStore) {
	t.Helper()
	store := newMemExecutionStore()
	configs := &fakeConfigRepo{cfg: &db.AgentConfig{
		Provider: "fake", Model: "v1", Temperature: 0.5, MaxTokens: 100,
		IsDefault: true, IsActive: true,
	}}

	registry := modelclient.NewRegistry(nil)
	registry.Register("fake", func(creds modelclient.Credentials, httpClient *http.Client) modelclient.Client {
		return &fakeModelClient{}
	})

	bus := eventbus.New(eventbus.Config{BufferSize: 1, BatchTimeout: 5 * time.Millisecond}, zap.NewNop())
	bus.Start()
	t.Cleanup(bus.Stop)

	return New(store, configs, registry, bus, nil, zap.NewNop()), store
}

func TestDriver_RunsAllFourStagesToCompletion(t *testing.T) {
	driver, store := newTestDriver(t)

	exec := &db.Execution{
		ID:           uuid.Must(uuid.NewV7()),
		ProjectID:    uuid.Must(uuid.NewV7()),
		Requirements: "build a todo app",
		Status:       "pending",
	}
	store.execs[exec.ID] = exec

	driver.Start(exec)

	require.Eventually(t, func() bool {
		return store.snapshot(exec.ID).Status == "completed"
	}, 2*time.Second, 5*time.Millisecond)

	final := store.snapshot(exec.ID)
	assert.Equal(t, 100, final.ProgressPercent)
	assert.Len(t, store.logs, 4)
}

func TestDriver_CancelStopsExecution(t *testing.T) {
	driver, store := newTestDriver(t)

	exec := &db.Execution{
		ID:           uuid.Must(uuid.NewV7()),
		ProjectID:    uuid.Must(uuid.NewV7()),
		Requirements: "build a todo app",
		Status:       "pending",
	}
	store.execs[exec.ID] = exec

	driver.Start(exec)
	driver.Cancel(exec.ID)

	require.Eventually(t, func() bool {
		status := store.snapshot(exec.ID).Status
		return status == "cancelled" || status == "completed"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDriver_StorageFailureDuringStageMarksExecutionFailed(t *testing.T) {
	driver, store := newTestDriver(t)

	exec := &db.Execution{
		ID:           uuid.Must(uuid.NewV7()),
		ProjectID:    uuid.Must(uuid.NewV7()),
		Requirements: "build a todo app",
		Status:       "pending",
		MaxRetries:   3,
	}
	store.execs[exec.ID] = exec
	store.failUpdateStatus = true

	driver.Start(exec)

	require.Eventually(t, func() bool {
		return store.snapshot(exec.ID).Status == "failed"
	}, 2*time.Second, 5*time.Millisecond)

	final := store.snapshot(exec.ID)
	assert.NotNil(t, final.DurationSeconds)
	assert.NotEmpty(t, final.Error)
}

func TestDriver_DeadlineExceededMarksExecutionTimeout(t *testing.T) {
	driver, store := newTestDriver(t)
	driver.Timeout = 10 * time.Millisecond

	exec := &db.Execution{
		ID:           uuid.Must(uuid.NewV7()),
		ProjectID:    uuid.Must(uuid.NewV7()),
		Requirements: "build a todo app",
		Status:       "pending",
	}
	store.execs[exec.ID] = exec

	driver.Start(exec)

	require.Eventually(t, func() bool {
		status := store.snapshot(exec.ID).Status
		return status == "timeout" || status == "completed"
	}, 2*time.Second, 5*time.Millisecond)
}
