package extensions

import (
	"github.com/prometheus/client_golang/prometheus"

	spy "github.com/pumped-fn/pumped-spy"
)

const metricsNamespace = "stream_spy"

// MetricsCollector is a prometheus.Collector that exposes a spy's Stats.
// Values are read from the StatsPlugin at scrape time.
type MetricsCollector struct {
	spy *spy.Spy

	subscribes       *prometheus.Desc
	unsubscribes     *prometheus.Desc
	nexts            *prometheus.Desc
	errors           *prometheus.Desc
	completes        *prometheus.Desc
	rootSubscribes   *prometheus.Desc
	leafSubscribes   *prometheus.Desc
	mergedSubscribes *prometheus.Desc
	maxDepth         *prometheus.Desc
	totalDepth       *prometheus.Desc
	tick             *prometheus.Desc
	timespan         *prometheus.Desc
	pluginFailures   *prometheus.Desc
}

// NewMetricsCollector returns a collector for s. Every metric carries the
// spy's ID as the spy_id label.
func NewMetricsCollector(s *spy.Spy) *MetricsCollector {
	labels := prometheus.Labels{"spy_id": s.ID()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, labels)
	}
	return &MetricsCollector{
		spy:              s,
		subscribes:       desc("subscribes_total", "The number of subscribe notifications."),
		unsubscribes:     desc("unsubscribes_total", "The number of unsubscribe notifications."),
		nexts:            desc("nexts_total", "The number of next notifications."),
		errors:           desc("errors_total", "The number of error notifications."),
		completes:        desc("completes_total", "The number of complete notifications."),
		rootSubscribes:   desc("root_subscribes_total", "The number of subscriptions made without a sink."),
		leafSubscribes:   desc("leaf_subscribes_total", "The number of subscriptions with no sources or merges once subscribed."),
		mergedSubscribes: desc("merged_subscribes_total", "The number of subscriptions merged into a sink after its subscribe."),
		maxDepth:         desc("max_depth", "The deepest sink chain seen at subscribe time."),
		totalDepth:       desc("depth_total", "The sum of sink chain lengths at subscribe time."),
		tick:             desc("tick", "The tick of the latest notification."),
		timespan:         desc("timespan_seconds", "The time between the first and the latest notification."),
		pluginFailures:   desc("plugin_failures_total", "The number of plugin callbacks that panicked."),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.subscribes
	ch <- c.unsubscribes
	ch <- c.nexts
	ch <- c.errors
	ch <- c.completes
	ch <- c.rootSubscribes
	ch <- c.leafSubscribes
	ch <- c.mergedSubscribes
	ch <- c.maxDepth
	ch <- c.totalDepth
	ch <- c.tick
	ch <- c.timespan
	ch <- c.pluginFailures
}

// Collect is part of the prometheus.Collector interface.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.pluginFailures, prometheus.CounterValue, float64(c.spy.Failures()))

	plugin, ok := spy.Find[*spy.StatsPlugin](c.spy)
	if !ok {
		return
	}
	stats := plugin.Stats()

	counter := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.subscribes, stats.Subscribes)
	counter(c.unsubscribes, stats.Unsubscribes)
	counter(c.nexts, stats.Nexts)
	counter(c.errors, stats.Errors)
	counter(c.completes, stats.Completes)
	counter(c.rootSubscribes, stats.RootSubscribes)
	counter(c.leafSubscribes, stats.LeafSubscribes)
	counter(c.mergedSubscribes, stats.MergedSubscribes)
	counter(c.totalDepth, stats.TotalDepth)

	ch <- prometheus.MustNewConstMetric(c.maxDepth, prometheus.GaugeValue, float64(stats.MaxDepth))
	ch <- prometheus.MustNewConstMetric(c.tick, prometheus.GaugeValue, float64(stats.Tick))
	ch <- prometheus.MustNewConstMetric(c.timespan, prometheus.GaugeValue, stats.Timespan.Seconds())
}
