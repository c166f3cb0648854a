package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	dto "github.com/prometheus/client_golang/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/queue"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
)

type fakeHandle struct{}

func (fakeHandle) Send(payload any) error { return nil }
func (fakeHandle) Close() error           { return nil }

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return queue.New(rdb, zap.NewNop())
}

func TestRegistryExposesConnectionAndQueueMetrics(t *testing.T) {
	conns := registry.New()
	conns.Connect("conn-1", "user-1", "", fakeHandle{})

	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "workflow", json.RawMessage(`{}`), queue.PriorityNormal, 0, 60, nil)
	require.NoError(t, err)

	reg := NewRegistry(conns, q)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			values[fam.GetName()] = metricValue(m)
		}
	}

	assert.Equal(t, float64(1), values["xteam_connections_active"])
	assert.Equal(t, float64(1), values["xteam_queue_pending"])
}

func TestQueueStatsSwallowsErrorsAsZero(t *testing.T) {
	conns := registry.New()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	q := queue.New(rdb, zap.NewNop())
	srv.Close()

	stats := queueStats(q)
	assert.Equal(t, queue.Stats{}, stats)

	_ = NewRegistry(conns, q)
}

func metricValue(m *dto.Metric) float64 {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue()
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func TestMetricNamesAreNamespaced(t *testing.T) {
	conns := registry.New()
	q := newTestQueue(t)
	reg := NewRegistry(conns, q)

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, fam := range families {
		assert.True(t, strings.HasPrefix(fam.GetName(), "xteam_"), "unexpected metric name %q", fam.GetName())
	}
}
