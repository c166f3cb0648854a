package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(cfg Config) *Bus {
	return New(cfg, zap.NewNop())
}

type recorder struct {
	mu     sync.Mutex
	events []StreamEvent
}

func (r *recorder) callback() Callback {
	return func(e StreamEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}
}

func (r *recorder) snapshot() []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StreamEvent, len(r.events))
	copy(out, r.events)
	return out
}

func TestBus_FlushesOnBufferSize(t *testing.T) {
	b := newTestBus(Config{BufferSize: 2, BatchTimeout: time.Hour})
	b.Start()
	defer b.Stop()

	rec := &recorder{}
	b.Subscribe("sub-1", rec.callback(), EventFilter{})

	b.Emit(StreamEvent{Type: "log"})
	b.Emit(StreamEvent{Type: "log"})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
}

func TestBus_FlushesOnBatchTimeout(t *testing.T) {
	b := newTestBus(Config{BufferSize: 100, BatchTimeout: 10 * time.Millisecond})
	b.Start()
	defer b.Stop()

	rec := &recorder{}
	b.Subscribe("sub-1", rec.callback(), EventFilter{})

	b.Emit(StreamEvent{Type: "log"})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestBus_BatchTimeoutMeasuredFromFirstBufferedEvent(t *testing.T) {
	b := newTestBus(Config{BufferSize: 100, BatchTimeout: 60 * time.Millisecond})
	b.Start()
	defer b.Stop()

	rec := &recorder{}
	b.Subscribe("sub-1", rec.callback(), EventFilter{})

	b.Emit(StreamEvent{Type: "first"})
	// A trickle of further events must not push the flush deadline out —
	// it is anchored to the first event in the buffer, not the latest one.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		b.Emit(StreamEvent{Type: "trickle"})
	}

	// The first flush fell due 60ms after "first", before the trickle ended;
	// a deadline reset by each trickle event would not fire until 60ms after
	// the last one, well after this window closes.
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, 30*time.Millisecond, time.Millisecond)
}

func TestBus_FilterMatchesOnlyRelevantSubscribers(t *testing.T) {
	b := newTestBus(Config{BufferSize: 1, BatchTimeout: time.Hour})
	b.Start()
	defer b.Stop()

	projectRec := &recorder{}
	otherRec := &recorder{}
	b.Subscribe("project-sub", projectRec.callback(), EventFilter{ProjectIDs: []string{"proj-a"}})
	b.Subscribe("other-sub", otherRec.callback(), EventFilter{ProjectIDs: []string{"proj-b"}})

	b.Emit(StreamEvent{Type: "status", ProjectID: "proj-a"})

	require.Eventually(t, func() bool { return len(projectRec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, otherRec.snapshot())
}

func TestBus_MinPriorityFilter(t *testing.T) {
	b := newTestBus(Config{BufferSize: 2, BatchTimeout: time.Hour})
	b.Start()
	defer b.Stop()

	rec := &recorder{}
	b.Subscribe("sub-1", rec.callback(), EventFilter{MinPriority: PriorityHigh})

	b.Emit(StreamEvent{Type: "log", Priority: PriorityNormal})
	b.Emit(StreamEvent{Type: "error", Priority: PriorityCritical})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "error", rec.snapshot()[0].Type)
}

func TestBus_FlushOrdersByPriorityDescending(t *testing.T) {
	b := newTestBus(Config{BufferSize: 3, BatchTimeout: time.Hour})
	b.Start()
	defer b.Stop()

	rec := &recorder{}
	b.Subscribe("sub-1", rec.callback(), EventFilter{})

	b.Emit(StreamEvent{Type: "low", Priority: PriorityLow})
	b.Emit(StreamEvent{Type: "critical", Priority: PriorityCritical})
	b.Emit(StreamEvent{Type: "normal", Priority: PriorityNormal})

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, time.Millisecond)

	events := rec.snapshot()
	assert.Equal(t, "critical", events[0].Type)
	assert.Equal(t, "normal", events[1].Type)
	assert.Equal(t, "low", events[2].Type)
}

func TestBus_StopFlushesRemainingEventsThenDropsFurtherEmits(t *testing.T) {
	b := newTestBus(Config{BufferSize: 100, BatchTimeout: time.Hour})
	b.Start()

	rec := &recorder{}
	b.Subscribe("sub-1", rec.callback(), EventFilter{})

	b.Emit(StreamEvent{Type: "log"})
	b.Stop()

	assert.Len(t, rec.snapshot(), 1)

	b.Emit(StreamEvent{Type: "dropped"})
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1, "events emitted after Stop must not be delivered")
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(Config{BufferSize: 1, BatchTimeout: time.Hour})
	b.Start()
	defer b.Stop()

	rec := &recorder{}
	b.Subscribe("sub-1", rec.callback(), EventFilter{})
	b.Unsubscribe("sub-1")

	b.Emit(StreamEvent{Type: "log"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}
