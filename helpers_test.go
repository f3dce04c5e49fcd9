package spy_test

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	spy "github.com/pumped-fn/pumped-spy"
	"github.com/pumped-fn/pumped-spy/extensions"
	"github.com/pumped-fn/pumped-spy/spytest"
)

// newSpy installs a spy on h with a silent logger and a mock clock
func newSpy(t *testing.T, h *spytest.Host, opts ...spy.Option) *spy.Spy {
	t.Helper()
	base := []spy.Option{
		spy.WithLogger(slog.New(extensions.NewSilentHandler())),
		spy.WithClock(clock.NewMock()),
	}
	s, err := spy.New(&h.Target, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Teardown() })
	return s
}

func graphOf(t *testing.T, s *spy.Spy) *spy.GraphPlugin {
	t.Helper()
	g, ok := spy.Find[*spy.GraphPlugin](s)
	require.True(t, ok)
	return g
}

func snapshotsOf(t *testing.T, s *spy.Spy) *spy.SnapshotPlugin {
	t.Helper()
	p, ok := spy.Find[*spy.SnapshotPlugin](s)
	require.True(t, ok)
	return p
}

func statsOf(t *testing.T, s *spy.Spy) spy.Stats {
	t.Helper()
	p, ok := spy.Find[*spy.StatsPlugin](s)
	require.True(t, ok)
	return p.Stats()
}

func info(tag string) spy.StreamInfo {
	return spy.StreamInfo{Type: "test", Path: "test/" + tag, Tag: tag}
}

// orderPlugin appends its name to a shared log on every next notification
type orderPlugin struct {
	spy.BasePlugin
	mu  *sync.Mutex
	log *[]string
}

func newOrderPlugin(name string, mu *sync.Mutex, log *[]string) *orderPlugin {
	return &orderPlugin{BasePlugin: spy.NewBasePlugin(name), mu: mu, log: log}
}

func (p *orderPlugin) BeforeNext(ref *spy.SubscriptionRef, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.log = append(*p.log, "before:"+p.Name())
}

func (p *orderPlugin) AfterNext(ref *spy.SubscriptionRef, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.log = append(*p.log, "after:"+p.Name())
}

// panicPlugin panics in BeforeNext and counts the AfterNext calls it receives
type panicPlugin struct {
	spy.BasePlugin
	afterNext int
}

func (p *panicPlugin) BeforeNext(ref *spy.SubscriptionRef, value any) {
	panic("boom")
}

func (p *panicPlugin) AfterNext(ref *spy.SubscriptionRef, value any) {
	p.afterNext++
}

// doubler rewrites int values of every subscription
type doubler struct {
	spy.BasePlugin
}

func (d *doubler) Select(ref *spy.SubscriptionRef) spy.Transform {
	return func(n spy.Notification) spy.Notification {
		if v, ok := n.Value.(int); ok {
			n.Value = v * 2
		}
		return n
	}
}

// nester subscribes a source from its own BeforeSubscribe hook when the
// subscription tagged "outer" is being subscribed.
type nester struct {
	spy.BasePlugin
	host  *spytest.Host
	inner *spytest.Subscription
}

func (n *nester) BeforeSubscribe(ref *spy.SubscriptionRef) {
	if ref.Stream().Info.Tag != "outer" || n.inner != nil {
		return
	}
	n.inner = n.host.Subscribe("inner-source", "inner-subscriber", info("inner"), nil)
}
