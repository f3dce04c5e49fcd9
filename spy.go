package spy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Spy holds all instrumentation state for the Targets it is attached to:
// the tick counter, the identity registry and the plugin list.
type Spy struct {
	id     string
	config config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	plugins []Plugin
	version uint64
	targets []*Target

	tick     atomic.Uint64
	failures atomic.Uint64
	registry *registry

	ctx      context.Context
	cancel   context.CancelFunc
	tornDown atomic.Bool
}

// New installs a spy on target. It fails with ErrAlreadyInstalled when
// another spy is active on the same target.
func New(target *Target, opts ...Option) (*Spy, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Spy{
		id:       id,
		config:   cfg,
		clock:    cfg.clock,
		logger:   cfg.logger.With("spy", id),
		registry: newRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := s.Attach(target); err != nil {
		cancel()
		return nil, err
	}

	var plugins []Plugin
	if cfg.defaultPlugins {
		plugins = append(plugins, NewGraphPlugin(), NewSnapshotPlugin(), NewStatsPlugin())
	}
	plugins = append(plugins, cfg.plugins...)

	if err := s.Plug(plugins...); err != nil {
		_ = s.Teardown()
		return nil, err
	}

	s.logger.Debug("spy installed", "plugins", len(plugins))
	return s, nil
}

// Attach installs the spy on one more target. Ticks, identities and plugins
// are shared across every attached target, while each target attributes
// nested subscriptions from its own in-flight notifications. It fails with
// ErrAlreadyInstalled when another spy is active on target.
func (s *Spy) Attach(target *Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown.Load() {
		return ErrTornDown
	}
	if err := target.install(s); err != nil {
		return err
	}
	s.targets = append(s.targets, target)
	return nil
}

// ID returns the spy's instance identifier.
func (s *Spy) ID() string {
	return s.id
}

// Tick returns the tick of the latest notification, zero before the first.
func (s *Spy) Tick() uint64 {
	return s.tick.Load()
}

// Failures returns the number of plugin callbacks that panicked.
func (s *Spy) Failures() uint64 {
	return s.failures.Load()
}

// Logger returns the spy's logger.
func (s *Spy) Logger() *slog.Logger {
	return s.logger
}

// Clock returns the clock used for timestamps.
func (s *Spy) Clock() clock.Clock {
	return s.clock
}

// KeptValues returns the configured per-subscription value retention.
func (s *Spy) KeptValues() int {
	return s.config.keptValues
}

// KeptDuration returns the configured retention, in ticks, of unsubscribed
// subscriptions in the graph.
func (s *Spy) KeptDuration() int64 {
	return s.config.keptDuration
}

func (s *Spy) nextTick() uint64 {
	return s.tick.Add(1)
}

// Plug registers plugins in order. A plugin whose Init fails is not added;
// the remaining plugins are still plugged and the errors are joined.
func (s *Spy) Plug(plugins ...Plugin) error {
	if s.tornDown.Load() {
		return ErrTornDown
	}

	var errs []error
	for _, p := range plugins {
		if err := p.Init(s); err != nil {
			errs = append(errs, fmt.Errorf("initializing plugin %s: %w", p.Name(), err))
			continue
		}

		s.mu.Lock()
		next := make([]Plugin, len(s.plugins), len(s.plugins)+1)
		copy(next, s.plugins)
		s.plugins = append(next, p)
		s.version++
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Unplug removes plugins and disposes them. Notifications already in flight
// still reach the removed plugins.
func (s *Spy) Unplug(plugins ...Plugin) error {
	var errs []error
	for _, p := range plugins {
		s.mu.Lock()
		found := false
		next := make([]Plugin, 0, len(s.plugins))
		for _, existing := range s.plugins {
			if existing == p {
				found = true
				continue
			}
			next = append(next, existing)
		}
		if found {
			s.plugins = next
			s.version++
		}
		s.mu.Unlock()

		if !found {
			continue
		}
		if err := p.Dispose(s); err != nil {
			errs = append(errs, fmt.Errorf("disposing plugin %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Plugins returns the registered plugins in registration order.
func (s *Spy) Plugins() []Plugin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Plugin, len(s.plugins))
	copy(out, s.plugins)
	return out
}

func (s *Spy) pluginSet() ([]Plugin, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plugins, s.version
}

// Find returns the first plugged plugin of type T.
func Find[T Plugin](s *Spy) (T, bool) {
	plugins, _ := s.pluginSet()
	for _, p := range plugins {
		if typed, ok := p.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

// FindAll returns every plugged plugin of type T in registration order.
func FindAll[T Plugin](s *Spy) []T {
	plugins, _ := s.pluginSet()
	var out []T
	for _, p := range plugins {
		if typed, ok := p.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// Teardown detaches the spy from its targets and disposes every plugin in
// reverse registration order. Subsequent calls return nil.
func (s *Spy) Teardown() error {
	if !s.tornDown.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	plugins := s.plugins
	targets := s.targets
	s.plugins = nil
	s.targets = nil
	s.version++
	s.mu.Unlock()

	for _, t := range targets {
		t.release(s)
	}
	s.cancel()

	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].Dispose(s); err != nil {
			errs = append(errs, fmt.Errorf("disposing plugin %s: %w", plugins[i].Name(), err))
		}
	}

	s.logger.Debug("spy torn down", "tick", s.Tick())
	return errors.Join(errs...)
}

// keepsHistory reports whether a plugged plugin retains unsubscribed
// subscriptions and releases their entities itself.
func (s *Spy) keepsHistory() bool {
	_, ok := Find[*GraphPlugin](s)
	return ok
}
