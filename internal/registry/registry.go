// Package registry implements the connection registry (spec component C3):
// the map from a live streaming session to its owning user and project, and
// the fan-out primitives (send to one connection, to a user's connections,
// to a project's connections, or to everyone) that the message router and
// workflow driver use to push data back down a session without knowing
// anything about the WebSocket transport underneath it.
package registry

import (
	"sync"
	"time"
)

// Handle is whatever the transport layer needs to push one JSON payload down
// a live connection and to close it. The websocket package's *Client
// satisfies this without the registry importing gorilla/websocket directly,
// which keeps send_to unit-testable with a fake handle.
type Handle interface {
	Send(payload any) error
	Close() error
}

// Connection is one registered session.
type Connection struct {
	ID           string
	UserID       string
	ProjectID    string // empty if this session is not project-scoped
	Handle       Handle
	ConnectedAt  time.Time
	LastActivity time.Time
}

// Target selects which connections a Send call reaches.
type Target struct {
	ConnectionID string // exact connection
	UserID       string // every connection for this user
	ProjectID    string // every connection scoped to this project
	Broadcast    bool   // every connection
}

// Metrics is a snapshot of the registry's running counters.
type Metrics struct {
	TotalConnections    int64
	TotalDisconnections int64
	TotalMessagesSent   int64
	TotalErrors         int64
	CurrentActive       int
}

// Registry maintains three maps, all guarded by one mutex, per the
// connection-registry design: id -> Connection, user id -> set of connection
// ids, project id -> set of connection ids.
type Registry struct {
	mu sync.Mutex

	byID      map[string]*Connection
	byUser    map[string]map[string]struct{}
	byProject map[string]map[string]struct{}

	totalConnections    int64
	totalDisconnections int64
	totalMessagesSent   int64
	totalErrors         int64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:      make(map[string]*Connection),
		byUser:    make(map[string]map[string]struct{}),
		byProject: make(map[string]map[string]struct{}),
	}
}

// Connect registers a new session and accepts it into the registry.
func (r *Registry) Connect(id, userID, projectID string, handle Handle) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:           id,
		UserID:       userID,
		ProjectID:    projectID,
		Handle:       handle,
		ConnectedAt:  now,
		LastActivity: now,
	}

	r.mu.Lock()
	r.byID[id] = conn
	indexInto(r.byUser, userID, id)
	if projectID != "" {
		indexInto(r.byProject, projectID, id)
	}
	r.totalConnections++
	r.mu.Unlock()

	return conn
}

// indexInto adds id to index[key], creating the set if necessary. Must be
// called with the registry's mutex held.
func indexInto(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

// Disconnect removes a session from all three maps and closes its handle.
// Close errors are tolerated — the session is removed from bookkeeping
// regardless of whether the underlying transport cleaned up gracefully.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	deleteFrom(r.byUser, conn.UserID, id)
	if conn.ProjectID != "" {
		deleteFrom(r.byProject, conn.ProjectID, id)
	}
	r.totalDisconnections++
	r.mu.Unlock()

	_ = conn.Handle.Close()
}

func deleteFrom(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// Touch updates a connection's last-activity timestamp. Called on every
// inbound frame so the idle sweep has an accurate view.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.byID[id]; ok {
		conn.LastActivity = time.Now()
	}
}

// SendTo writes payload to every connection matched by target, skipping any
// connection id present in exclude. Within one connection's stream of writes
// the caller's call order is the delivery order (SendTo does not reorder);
// across connections there is no ordering guarantee. A write failure to any
// one connection immediately disconnects that connection — a session that
// can no longer accept data is assumed gone.
func (r *Registry) SendTo(target Target, payload any, exclude map[string]struct{}) {
	for _, conn := range r.snapshot(target) {
		if _, skip := exclude[conn.ID]; skip {
			continue
		}
		if err := conn.Handle.Send(payload); err != nil {
			r.mu.Lock()
			r.totalErrors++
			r.mu.Unlock()
			r.Disconnect(conn.ID)
			continue
		}
		r.mu.Lock()
		r.totalMessagesSent++
		r.mu.Unlock()
	}
}

// snapshot copies the set of connections matched by target under the lock,
// then returns, so SendTo never holds the mutex while writing to a socket.
func (r *Registry) snapshot(target Target) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case target.ConnectionID != "":
		if conn, ok := r.byID[target.ConnectionID]; ok {
			return []*Connection{conn}
		}
		return nil

	case target.UserID != "":
		return r.collect(r.byUser[target.UserID])

	case target.ProjectID != "":
		return r.collect(r.byProject[target.ProjectID])

	case target.Broadcast:
		out := make([]*Connection, 0, len(r.byID))
		for _, conn := range r.byID {
			out = append(out, conn)
		}
		return out

	default:
		return nil
	}
}

func (r *Registry) collect(ids map[string]struct{}) []*Connection {
	out := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.byID[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// SweepIdle disconnects every session whose last activity is older than
// maxIdle, and returns how many were removed. Intended to be called
// periodically from a background sweep.
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var stale []string
	for id, conn := range r.byID {
		if conn.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.Disconnect(id)
	}
	return len(stale)
}

// Metrics returns a snapshot of the registry's running counters.
func (r *Registry) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		TotalConnections:    r.totalConnections,
		TotalDisconnections: r.totalDisconnections,
		TotalMessagesSent:   r.totalMessagesSent,
		TotalErrors:         r.totalErrors,
		CurrentActive:       len(r.byID),
	}
}
