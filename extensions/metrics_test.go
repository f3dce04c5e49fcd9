package extensions

import (
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spy "github.com/pumped-fn/pumped-spy"
	"github.com/pumped-fn/pumped-spy/spytest"
)

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.Metric {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.Metric, len(families))
	for _, mf := range families {
		require.Len(t, mf.GetMetric(), 1)
		out[mf.GetName()] = mf.GetMetric()[0]
	}
	return out
}

func TestMetricsCollector_ExposesStats(t *testing.T) {
	h := &spytest.Host{}
	s, err := spy.New(&h.Target,
		spy.WithLogger(slog.New(NewSilentHandler())),
		spy.WithPlugins(&panicky{BasePlugin: spy.NewBasePlugin("panicky")}),
	)
	require.NoError(t, err)
	defer s.Teardown()

	h.Subscribe("outer", "outer", spy.StreamInfo{}, func(sub *spytest.Subscription) {
		h.Subscribe("inner", "inner", spy.StreamInfo{}, nil)
	})
	leaf := h.Subscribe("other", "other", spy.StreamInfo{}, nil)
	leaf.Next(1)
	leaf.Next(2)
	leaf.Unsubscribe()

	metrics := gather(t, NewMetricsCollector(s))

	counter := func(name string) float64 {
		m, ok := metrics[name]
		require.True(t, ok, name)
		return m.GetCounter().GetValue()
	}
	gauge := func(name string) float64 {
		m, ok := metrics[name]
		require.True(t, ok, name)
		return m.GetGauge().GetValue()
	}

	assert.Equal(t, float64(3), counter("stream_spy_subscribes_total"))
	assert.Equal(t, float64(1), counter("stream_spy_unsubscribes_total"))
	assert.Equal(t, float64(2), counter("stream_spy_nexts_total"))
	assert.Equal(t, float64(2), counter("stream_spy_root_subscribes_total"))
	assert.Equal(t, float64(2), counter("stream_spy_leaf_subscribes_total"))
	assert.Equal(t, float64(2), counter("stream_spy_plugin_failures_total"))
	assert.Equal(t, float64(2), gauge("stream_spy_max_depth"))
	assert.Equal(t, float64(s.Tick()), gauge("stream_spy_tick"))

	for name, m := range metrics {
		require.Len(t, m.GetLabel(), 1, name)
		assert.Equal(t, "spy_id", m.GetLabel()[0].GetName())
		assert.Equal(t, s.ID(), m.GetLabel()[0].GetValue())
	}
}

func TestMetricsCollector_WithoutStats(t *testing.T) {
	h := &spytest.Host{}
	s, err := spy.New(&h.Target,
		spy.WithLogger(slog.New(NewSilentHandler())),
		spy.WithoutDefaultPlugins(),
	)
	require.NoError(t, err)
	defer s.Teardown()

	metrics := gather(t, NewMetricsCollector(s))
	assert.Len(t, metrics, 1)
	assert.Contains(t, metrics, "stream_spy_plugin_failures_total")
}
