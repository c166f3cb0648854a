package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	mu      sync.Mutex
	sent    []any
	failing bool
	closed  bool
}

func (h *fakeHandle) Send(payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failing {
		return errors.New("send failed")
	}
	h.sent = append(h.sent, payload)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func TestRegistry_ConnectAndSendToConnection(t *testing.T) {
	r := New()
	h := &fakeHandle{}
	r.Connect("conn-1", "user-1", "", h)

	r.SendTo(Target{ConnectionID: "conn-1"}, map[string]string{"hello": "world"}, nil)

	assert.Equal(t, 1, h.sentCount())
	assert.Equal(t, 1, r.Metrics().CurrentActive)
}

func TestRegistry_SendToUserReachesAllUserConnections(t *testing.T) {
	r := New()
	h1 := &fakeHandle{}
	h2 := &fakeHandle{}
	h3 := &fakeHandle{}
	r.Connect("conn-1", "user-1", "", h1)
	r.Connect("conn-2", "user-1", "", h2)
	r.Connect("conn-3", "user-2", "", h3)

	r.SendTo(Target{UserID: "user-1"}, "payload", nil)

	assert.Equal(t, 1, h1.sentCount())
	assert.Equal(t, 1, h2.sentCount())
	assert.Equal(t, 0, h3.sentCount())
}

func TestRegistry_SendToProjectReachesScopedConnectionsOnly(t *testing.T) {
	r := New()
	h1 := &fakeHandle{}
	h2 := &fakeHandle{}
	r.Connect("conn-1", "user-1", "project-a", h1)
	r.Connect("conn-2", "user-2", "project-b", h2)

	r.SendTo(Target{ProjectID: "project-a"}, "payload", nil)

	assert.Equal(t, 1, h1.sentCount())
	assert.Equal(t, 0, h2.sentCount())
}

func TestRegistry_BroadcastExcludesListedConnections(t *testing.T) {
	r := New()
	h1 := &fakeHandle{}
	h2 := &fakeHandle{}
	r.Connect("conn-1", "user-1", "", h1)
	r.Connect("conn-2", "user-2", "", h2)

	r.SendTo(Target{Broadcast: true}, "payload", map[string]struct{}{"conn-2": {}})

	assert.Equal(t, 1, h1.sentCount())
	assert.Equal(t, 0, h2.sentCount())
}

func TestRegistry_SendFailureDisconnects(t *testing.T) {
	r := New()
	h := &fakeHandle{failing: true}
	r.Connect("conn-1", "user-1", "", h)

	r.SendTo(Target{ConnectionID: "conn-1"}, "payload", nil)

	assert.True(t, h.isClosed())
	assert.Equal(t, 0, r.Metrics().CurrentActive)
	assert.EqualValues(t, 1, r.Metrics().TotalErrors)
}

func TestRegistry_DisconnectRemovesFromAllIndexes(t *testing.T) {
	r := New()
	h := &fakeHandle{}
	r.Connect("conn-1", "user-1", "project-a", h)

	r.Disconnect("conn-1")

	require.True(t, h.isClosed())
	m := r.Metrics()
	assert.Equal(t, 0, m.CurrentActive)
	assert.EqualValues(t, 1, m.TotalDisconnections)

	r.SendTo(Target{UserID: "user-1"}, "payload", nil)
	r.SendTo(Target{ProjectID: "project-a"}, "payload", nil)
	assert.Equal(t, 0, h.sentCount())
}

func TestRegistry_SweepIdleDisconnectsStaleConnections(t *testing.T) {
	r := New()
	h := &fakeHandle{}
	conn := r.Connect("conn-1", "user-1", "", h)
	conn.LastActivity = time.Now().Add(-time.Hour)

	removed := r.SweepIdle(time.Minute)

	assert.Equal(t, 1, removed)
	assert.True(t, h.isClosed())
	assert.Equal(t, 0, r.Metrics().CurrentActive)
}

func TestRegistry_TouchUpdatesLastActivity(t *testing.T) {
	r := New()
	h := &fakeHandle{}
	conn := r.Connect("conn-1", "user-1", "", h)
	conn.LastActivity = time.Now().Add(-time.Hour)

	r.Touch("conn-1")

	removed := r.SweepIdle(time.Minute)
	assert.Equal(t, 0, removed)
}
