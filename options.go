package spy

import (
	"log/slog"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultKeptValues is the number of recent values retained per subscription.
	DefaultKeptValues = 4

	// DefaultKeptDuration is the number of ticks an unsubscribed subscription
	// stays in the graph before it is flushed.
	DefaultKeptDuration = 1000
)

type config struct {
	keptValues     int
	keptDuration   int64
	clock          clock.Clock
	logger         *slog.Logger
	resolver       StackTraceResolver
	plugins        []Plugin
	defaultPlugins bool
}

func defaultConfig() config {
	return config{
		keptValues:     DefaultKeptValues,
		keptDuration:   DefaultKeptDuration,
		clock:          clock.New(),
		logger:         slog.Default(),
		defaultPlugins: true,
	}
}

// Option is a modifier for spies
type Option func(*config)

// WithKeptValues sets how many values each subscription retains. Older
// values are counted as flushed.
func WithKeptValues(n int) Option {
	return func(c *config) {
		if n < 0 {
			n = 0
		}
		c.keptValues = n
	}
}

// WithKeptDuration sets how many ticks an unsubscribed subscription is kept
// in the graph. Zero flushes it on the first graph event after its
// unsubscribe tick; a negative value never flushes.
func WithKeptDuration(ticks int64) Option {
	return func(c *config) {
		c.keptDuration = ticks
	}
}

// WithClock sets the clock used for notification timestamps
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger sets the logger for plugin failures and spy lifecycle
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStackTraceResolver sets the source of deferred stack traces that the
// snapshot plugin attaches to subscriptions.
func WithStackTraceResolver(r StackTraceResolver) Option {
	return func(c *config) {
		c.resolver = r
	}
}

// WithPlugins plugs additional plugins after the default ones
func WithPlugins(plugins ...Plugin) Option {
	return func(c *config) {
		c.plugins = append(c.plugins, plugins...)
	}
}

// WithoutDefaultPlugins skips the graph, snapshot and stats plugins
func WithoutDefaultPlugins() Option {
	return func(c *config) {
		c.defaultPlugins = false
	}
}
