package notification

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
)

type fakeNotificationRepo struct {
	mu    sync.Mutex
	items []db.Notification
}

func (r *fakeNotificationRepo) Create(ctx context.Context, n *db.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.ID = uuid.Must(uuid.NewV7())
	r.items = append(r.items, *n)
	return nil
}

func (r *fakeNotificationRepo) ListByUser(ctx context.Context, userID uuid.UUID, opts repository.ListOptions) ([]db.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Notification
	for _, n := range r.items {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *fakeNotificationRepo) MarkRead(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (r *fakeNotificationRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// emptySettingsRepo reports every key prefix as unconfigured, so email and
// webhook delivery both skip silently via ErrConfigNotFound.
type emptySettingsRepo struct{}

func (emptySettingsRepo) GetMany(ctx context.Context, keyPrefix string) ([]db.Setting, error) {
	return nil, nil
}

type fakeUserRepo struct {
	repository.UserRepository
	users map[uuid.UUID]*db.User
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

type fakeHandle struct {
	mu       sync.Mutex
	received []any
}

func (h *fakeHandle) Send(payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, payload)
	return nil
}

func (h *fakeHandle) Close() error { return nil }

func newTestService(t *testing.T, notifRepo *fakeNotificationRepo, users repository.UserRepository, conns *registry.Registry) Service {
	t.Helper()
	return NewService(Config{
		NotifRepo:    notifRepo,
		SettingsRepo: emptySettingsRepo{},
		Users:        users,
		Conns:        conns,
		Bus:          eventbus.New(eventbus.Config{}, zap.NewNop()),
		Logger:       zap.NewNop(),
	})
}

func TestNotifyExecutionCompletePersistsAndDelivers(t *testing.T) {
	notifRepo := &fakeNotificationRepo{}
	conns := registry.New()
	svc := newTestService(t, notifRepo, nil, conns)

	userID := uuid.Must(uuid.NewV7())
	execID := uuid.Must(uuid.NewV7())

	handle := &fakeHandle{}
	conns.Connect("conn-1", userID.String(), "", handle)

	err := svc.NotifyExecutionComplete(context.Background(), userID, execID, "demo-project")
	require.NoError(t, err)

	assert.Equal(t, 1, notifRepo.count())
	assert.Len(t, handle.received, 1)
}

func TestNotifyExecutionFailedPersistsEvenWithoutLiveConnection(t *testing.T) {
	notifRepo := &fakeNotificationRepo{}
	conns := registry.New()
	svc := newTestService(t, notifRepo, nil, conns)

	userID := uuid.Must(uuid.NewV7())
	execID := uuid.Must(uuid.NewV7())

	err := svc.NotifyExecutionFailed(context.Background(), userID, execID, "demo-project", "stage timed out")
	require.NoError(t, err)

	items, _ := notifRepo.ListByUser(context.Background(), userID, repository.ListOptions{})
	require.Len(t, items, 1)
	assert.Equal(t, "execution_failed", items[0].Type)
	assert.Contains(t, items[0].Body, "stage timed out")
}

func TestRecipientEmailFallsBackToNilWithoutUserRepo(t *testing.T) {
	notifRepo := &fakeNotificationRepo{}
	conns := registry.New()
	svc := newTestService(t, notifRepo, nil, conns).(*notificationService)

	got := svc.recipientEmail(context.Background(), uuid.Must(uuid.NewV7()))
	assert.Nil(t, got)
}

func TestRecipientEmailResolvesThroughUserRepo(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	users := &fakeUserRepo{users: map[uuid.UUID]*db.User{
		userID: {Email: "dev@example.com"},
	}}

	notifRepo := &fakeNotificationRepo{}
	conns := registry.New()
	svc := newTestService(t, notifRepo, users, conns).(*notificationService)

	got := svc.recipientEmail(context.Background(), userID)
	assert.Equal(t, []string{"dev@example.com"}, got)
}
