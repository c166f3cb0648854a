// Package eventbus implements the in-process event bus (spec component C4):
// an async multiplexer that batches workflow and session events and fans
// them out to interested subscribers — typically one subscriber per live
// WebSocket connection, registered through the connection registry — without
// the workflow driver needing to know who, if anyone, is listening.
package eventbus

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority orders events within a single flush batch. Higher values are
// delivered first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// StreamEvent is the unit of delivery. Payload carries the event-specific
// body (agent_message text, progress percentage, error detail, ...); the
// envelope fields are what subscribers filter on.
type StreamEvent struct {
	ID          string
	Type        string
	Source      string
	ExecutionID string
	ProjectID   string
	Priority    Priority
	Payload     any
	EmittedAt   time.Time
}

// EventFilter is a conjunction of optional predicates: a nil/empty field
// matches everything, so a subscriber that wants "every event for project
// X" sets only ProjectIDs.
type EventFilter struct {
	EventTypes   []string
	Sources      []string
	ExecutionIDs []string
	ProjectIDs   []string
	MinPriority  Priority
}

func (f EventFilter) matches(e StreamEvent) bool {
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, e.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, e.Source) {
		return false
	}
	if len(f.ExecutionIDs) > 0 && !contains(f.ExecutionIDs, e.ExecutionID) {
		return false
	}
	if len(f.ProjectIDs) > 0 && !contains(f.ProjectIDs, e.ProjectID) {
		return false
	}
	if e.Priority < f.MinPriority {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// Callback receives a delivered event. It must not block for long — it runs
// on its own goroutine per delivery, but a callback that never returns will
// leak goroutines across every flush.
type Callback func(StreamEvent)

type subscriber struct {
	id       string
	callback Callback
	filter   EventFilter
}

// Config controls batching behavior.
type Config struct {
	// BufferSize is how many queued events trigger an immediate flush.
	BufferSize int
	// BatchTimeout is the maximum time an event waits in the buffer before
	// being flushed even if BufferSize has not been reached.
	BatchTimeout time.Duration
	// QueueDepth bounds the internal channel between Emit and the processor.
	QueueDepth int
}

// Bus is the async single-process event multiplexer.
type Bus struct {
	cfg Config
	log *zap.Logger

	subMu sync.Mutex
	subs  map[string]*subscriber

	queue chan StreamEvent

	bufMu sync.Mutex
	buf   []StreamEvent

	stopCh   chan struct{}
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs a Bus. The processor goroutine is not started until Start
// is called, so the lifecycle component controls exactly when delivery
// begins.
func New(cfg Config, log *zap.Logger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	return &Bus{
		cfg:    cfg,
		log:    log.Named("eventbus"),
		subs:   make(map[string]*subscriber),
		queue:  make(chan StreamEvent, cfg.QueueDepth),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the processor goroutine that drains the queue into the
// flush buffer.
func (b *Bus) Start() {
	go b.run()
}

// Subscribe registers a callback for events matching filter. id should be
// stable for the lifetime of the subscription (a connection id) so a later
// Unsubscribe can find it again.
func (b *Bus) Subscribe(id string, callback Callback, filter EventFilter) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subs[id] = &subscriber{id: id, callback: callback, filter: filter}
}

// Unsubscribe removes a subscriber. A no-op if id is not registered.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subs, id)
}

// Emit queues an event for delivery. Events emitted after Stop are dropped
// with a warning log rather than delivered or silently blocked forever.
func (b *Bus) Emit(e StreamEvent) {
	if e.EmittedAt.IsZero() {
		e.EmittedAt = time.Now()
	}

	b.bufMu.Lock()
	stopped := b.stopped
	b.bufMu.Unlock()
	if stopped {
		b.log.Warn("event emitted after bus stopped, dropping", zap.String("type", e.Type))
		return
	}

	select {
	case b.queue <- e:
	default:
		b.log.Warn("event queue full, dropping event", zap.String("type", e.Type))
	}
}

// run drains the queue into the flush buffer. The batch timer only runs
// while the buffer is non-empty: it starts the instant the first event lands
// in an empty buffer and is cancelled by any flush, so BatchTimeout bounds
// how long the oldest buffered event waits, not a free-running tick.
func (b *Bus) run() {
	defer close(b.done)

	timer := time.NewTimer(b.cfg.BatchTimeout)
	stopTimer(timer)
	timerRunning := false
	defer timer.Stop()

	for {
		select {
		case e := <-b.queue:
			b.bufMu.Lock()
			b.buf = append(b.buf, e)
			bufLen := len(b.buf)
			full := bufLen >= b.cfg.BufferSize
			b.bufMu.Unlock()

			switch {
			case full:
				b.flush()
				if timerRunning {
					stopTimer(timer)
					timerRunning = false
				}
			case bufLen == 1 && !timerRunning:
				timer.Reset(b.cfg.BatchTimeout)
				timerRunning = true
			}

		case <-timer.C:
			timerRunning = false
			b.flush()

		case <-b.stopCh:
			b.drainQueue()
			b.flush()
			return
		}
	}
}

// stopTimer stops t, draining a pending fire so a later Reset starts clean.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// drainQueue pulls any events still sitting in the channel into the buffer
// so Stop's final flush does not lose events that were emitted just before
// shutdown.
func (b *Bus) drainQueue() {
	for {
		select {
		case e := <-b.queue:
			b.bufMu.Lock()
			b.buf = append(b.buf, e)
			b.bufMu.Unlock()
		default:
			return
		}
	}
}

// flush sorts the current buffer by priority descending (stable, so events
// of equal priority keep their arrival order), clears the buffer, and
// delivers each event to matching subscribers concurrently. A delivery
// failure — a callback panicking — is recovered and logged per-subscriber
// so one broken subscriber never blocks delivery to the rest.
func (b *Bus) flush() {
	b.bufMu.Lock()
	if len(b.buf) == 0 {
		b.bufMu.Unlock()
		return
	}
	batch := b.buf
	b.buf = nil
	b.bufMu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority > batch[j].Priority
	})

	b.subMu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.subMu.Unlock()

	var wg sync.WaitGroup
	for _, e := range batch {
		for _, s := range targets {
			if !s.filter.matches(e) {
				continue
			}
			wg.Add(1)
			go func(s *subscriber, e StreamEvent) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						b.log.Error("subscriber callback panicked",
							zap.String("subscriber_id", s.id),
							zap.Any("recovered", r))
					}
				}()
				s.callback(e)
			}(s, e)
		}
	}
	wg.Wait()
}

// Stop flushes any buffered events once and shuts the processor down. Safe
// to call more than once; only the first call has effect.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.bufMu.Lock()
		b.stopped = true
		b.bufMu.Unlock()
		close(b.stopCh)
	})
	<-b.done
}

// --- Convenience emitters, grounded on the priority assignments for each
// well-known event category: errors are critical, progress/file-change are
// high, everything else defaults to normal, heartbeats are low. ---

func (b *Bus) EmitLog(source, executionID, projectID, message string) {
	b.Emit(StreamEvent{
		Type: "log", Source: source, ExecutionID: executionID, ProjectID: projectID,
		Priority: PriorityNormal, Payload: map[string]string{"message": message},
	})
}

func (b *Bus) EmitFileChange(source, executionID, projectID, path, change string) {
	b.Emit(StreamEvent{
		Type: "file_change", Source: source, ExecutionID: executionID, ProjectID: projectID,
		Priority: PriorityHigh, Payload: map[string]string{"path": path, "change": change},
	})
}

func (b *Bus) EmitProgress(source, executionID, projectID string, percent int, stage string) {
	b.Emit(StreamEvent{
		Type: "progress_update", Source: source, ExecutionID: executionID, ProjectID: projectID,
		Priority: PriorityHigh, Payload: map[string]any{"percent": percent, "stage": stage},
	})
}

func (b *Bus) EmitStatus(source, executionID, projectID, status string) {
	b.Emit(StreamEvent{
		Type: "status", Source: source, ExecutionID: executionID, ProjectID: projectID,
		Priority: PriorityNormal, Payload: map[string]string{"status": status},
	})
}

func (b *Bus) EmitError(source, executionID, projectID, message string) {
	b.Emit(StreamEvent{
		Type: "error", Source: source, ExecutionID: executionID, ProjectID: projectID,
		Priority: PriorityCritical, Payload: map[string]string{"message": message},
	})
}

func (b *Bus) EmitHeartbeat(source string) {
	b.Emit(StreamEvent{
		Type: "heartbeat", Source: source,
		Priority: PriorityLow, Payload: map[string]int64{"timestamp": time.Now().Unix()},
	})
}
