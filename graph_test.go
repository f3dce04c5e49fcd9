package spy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spy "github.com/pumped-fn/pumped-spy"
	"github.com/pumped-fn/pumped-spy/spytest"
)

// subscribeChain subscribes a chain of operators of the given length; each
// subscription subscribes its source from its subscribe action.
func subscribeChain(h *spytest.Host, tags ...string) []*spytest.Subscription {
	subs := make([]*spytest.Subscription, len(tags))
	var build func(i int) func(*spytest.Subscription)
	build = func(i int) func(*spytest.Subscription) {
		return func(sub *spytest.Subscription) {
			subs[i] = sub
			if i+1 < len(tags) {
				src := h.Subscribe(tags[i+1]+"-source", tags[i+1], info(tags[i+1]), build(i+1))
				sub.AddTeardown(src.Unsubscribe)
			}
		}
	}
	h.Subscribe(tags[0]+"-source", tags[0], info(tags[0]), build(0))
	return subs
}

func TestGraph_Sources(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h)
	graph := graphOf(t, s)

	chain := subscribeChain(h, "outer", "middle", "inner")
	outer, middle, inner := chain[0].Ref, chain[1].Ref, chain[2].Ref

	g, ok := graph.Graph(outer)
	require.True(t, ok)
	assert.Nil(t, g.Sink)
	assert.Nil(t, g.RootSink)
	assert.Equal(t, 1, g.Depth)
	assert.Equal(t, []*spy.SubscriptionRef{middle}, g.Sources)

	g, _ = graph.Graph(middle)
	assert.Same(t, outer, g.Sink)
	assert.Same(t, outer, g.RootSink)
	assert.Equal(t, 2, g.Depth)
	assert.False(t, g.Merged)

	g, _ = graph.Graph(inner)
	assert.Same(t, middle, g.Sink)
	assert.Same(t, outer, g.RootSink)
	assert.Equal(t, 3, g.Depth)
	assert.Empty(t, g.Sources)

	assert.Equal(t, []*spy.SubscriptionRef{outer}, graph.Roots())
	assert.Equal(t, []*spy.SubscriptionRef{outer, middle, inner}, graph.Reachable())
}

func TestGraph_NestedSubscribeInBeforeCallback(t *testing.T) {
	for _, tc := range []struct {
		name  string
		first bool
	}{
		{name: "plugin before graph", first: true},
		{name: "plugin after graph", first: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := &spytest.Host{}
			n := &nester{BasePlugin: spy.NewBasePlugin("nester"), host: h}

			var opts []spy.Option
			if tc.first {
				opts = append(opts, spy.WithoutDefaultPlugins(), spy.WithPlugins(
					n, spy.NewGraphPlugin(), spy.NewSnapshotPlugin(), spy.NewStatsPlugin(),
				))
			} else {
				opts = append(opts, spy.WithPlugins(n))
			}
			s := newSpy(t, h, opts...)
			graph := graphOf(t, s)

			outer := h.Subscribe("outer-source", "outer", info("outer"), nil)
			require.NotNil(t, n.inner)

			g, ok := graph.Graph(n.inner.Ref)
			require.True(t, ok)
			assert.Same(t, outer.Ref, g.Sink)
			assert.Same(t, outer.Ref, g.RootSink)
			assert.Equal(t, 2, g.Depth)

			g, _ = graph.Graph(outer.Ref)
			assert.Equal(t, []*spy.SubscriptionRef{n.inner.Ref}, g.Sources)
			assert.Equal(t, []*spy.SubscriptionRef{outer.Ref}, graph.Roots())

			stats := statsOf(t, s)
			assert.Equal(t, 2, stats.Subscribes)
			assert.Equal(t, 1, stats.RootSubscribes)
			assert.Equal(t, 2, stats.MaxDepth)
		})
	}
}

func TestGraph_Merges(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h)
	graph := graphOf(t, s)

	var source *spytest.Subscription
	op := h.Subscribe("flatten", "consumer", info("flatten"), func(sub *spytest.Subscription) {
		source = h.Subscribe("outer-source", "flatten-inner", info("outer-source"), nil)
	})

	var merged []*spytest.Subscription
	source.OnNext = func(v any) {
		inner := h.Subscribe(v, "flatten-inner", info("inner"), nil)
		merged = append(merged, inner)
	}
	source.Next("a")
	source.Next("b")

	require.Len(t, merged, 2)
	g, ok := graph.Graph(op.Ref)
	require.True(t, ok)
	assert.Equal(t, []*spy.SubscriptionRef{source.Ref}, g.Sources)
	assert.Equal(t, []*spy.SubscriptionRef{merged[0].Ref, merged[1].Ref}, g.Merges)

	for _, m := range merged {
		mg, ok := graph.Graph(m.Ref)
		require.True(t, ok)
		assert.True(t, mg.Merged)
		assert.Same(t, op.Ref, mg.Sink)
		assert.Same(t, op.Ref, mg.RootSink)
		assert.Equal(t, 2, mg.Depth)
	}

	assert.Equal(t, 2, statsOf(t, s).MergedSubscribes)
}

func TestGraph_MergeOfTopLevelNotifier(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h)
	graph := graphOf(t, s)

	root := h.Subscribe("ticker", "consumer", info("ticker"), nil)
	var inner *spytest.Subscription
	root.OnNext = func(v any) {
		inner = h.Subscribe("inner", "consumer", info("inner"), nil)
	}
	root.Next(1)

	g, ok := graph.Graph(inner.Ref)
	require.True(t, ok)
	assert.Same(t, root.Ref, g.Sink)
	assert.True(t, g.Merged)
}

func TestGraph_RootSinkFollowsSinkChain(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h)
	graph := graphOf(t, s)

	chain := subscribeChain(h, "a", "b", "c", "d")
	chain[3].OnNext = func(v any) {
		h.Subscribe("late", "late", info("late"), nil)
	}
	chain[3].Next(1)
	subscribeChain(h, "x", "y")

	graph.Walk(func(ref *spy.SubscriptionRef, g spy.GraphRef) bool {
		if g.Sink == nil {
			assert.Nil(t, g.RootSink)
			assert.Equal(t, 1, g.Depth)
			return true
		}
		steps := 0
		current := ref
		for {
			cg, ok := graph.Graph(current)
			require.True(t, ok)
			if cg.Sink == nil {
				break
			}
			current = cg.Sink
			steps++
			require.LessOrEqual(t, steps, g.Depth)
		}
		assert.Same(t, current, g.RootSink)
		assert.Equal(t, g.Depth, steps+1)
		return true
	})
}

func TestGraph_FlushesAfterKeptDuration(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h, spy.WithKeptDuration(0))
	graph := graphOf(t, s)

	chain := subscribeChain(h, "outer", "inner")
	outer, inner := chain[0], chain[1]

	inner.Unsubscribe()

	g, ok := graph.Graph(outer.Ref)
	require.True(t, ok)
	assert.Equal(t, []*spy.SubscriptionRef{inner.Ref}, g.Sources, "kept through its own unsubscribe tick")

	snap, err := snapshotsOf(t, s).SnapshotAll(nil)
	require.NoError(t, err)
	require.Contains(t, snap.Subscriptions, inner.Ref.ID())
	assert.True(t, snap.Subscriptions[inner.Ref.ID()].Unsubscribed)

	other := h.Subscribe("other-source", "other", info("other"), nil)

	g, _ = graph.Graph(outer.Ref)
	assert.Empty(t, g.Sources)
	assert.Equal(t, 1, g.SourcesFlushed)

	ig, ok := graph.Graph(inner.Ref)
	require.True(t, ok)
	assert.True(t, ig.Flushed)
	assert.Equal(t, []*spy.SubscriptionRef{outer.Ref, other.Ref}, graph.Reachable())

	outer.Unsubscribe()
	assert.Equal(t, []*spy.SubscriptionRef{outer.Ref, other.Ref}, graph.Roots())

	other.Unsubscribe()
	assert.Equal(t, []*spy.SubscriptionRef{other.Ref}, graph.Roots())
	assert.Equal(t, 1, graph.RootsFlushed())
}

func TestGraph_FlushesOldestFirst(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h, spy.WithKeptDuration(2))
	graph := graphOf(t, s)

	a := h.Subscribe("source", "a", info("a"), nil) // tick 1
	a.Unsubscribe()                                 // tick 2
	b := h.Subscribe("source", "b", info("b"), nil) // tick 3
	b.Unsubscribe()                                 // tick 4

	assert.Equal(t, []*spy.SubscriptionRef{a.Ref, b.Ref}, graph.Roots())

	c := h.Subscribe("source", "c", info("c"), nil) // tick 5
	assert.Equal(t, []*spy.SubscriptionRef{b.Ref, c.Ref}, graph.Roots())
	assert.Equal(t, 1, graph.RootsFlushed())

	d := h.Subscribe("source", "d", info("d"), nil) // tick 6
	assert.Equal(t, []*spy.SubscriptionRef{b.Ref, c.Ref, d.Ref}, graph.Roots())

	e := h.Subscribe("source", "e", info("e"), nil) // tick 7
	assert.Equal(t, []*spy.SubscriptionRef{c.Ref, d.Ref, e.Ref}, graph.Roots())
	assert.Equal(t, 2, graph.RootsFlushed())
}

func TestGraph_NegativeKeptDurationNeverFlushes(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h, spy.WithKeptDuration(-1))
	graph := graphOf(t, s)

	for i := 0; i < 10; i++ {
		h.Subscribe("source", i, info("a"), nil).Unsubscribe()
	}
	assert.Len(t, graph.Roots(), 10)
	assert.Zero(t, graph.RootsFlushed())
}

func TestGraph_UnsubscribeCascadeFlushesSubtree(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h, spy.WithKeptDuration(0))
	graph := graphOf(t, s)

	chain := subscribeChain(h, "a", "b", "c")
	chain[0].Unsubscribe()
	assert.Len(t, graph.Reachable(), 3)

	next := h.Subscribe("next-source", "next", info("next"), nil)

	assert.Equal(t, []*spy.SubscriptionRef{next.Ref}, graph.Reachable())
	for _, sub := range chain {
		g, ok := graph.Graph(sub.Ref)
		require.True(t, ok)
		assert.True(t, g.Flushed)
		assert.True(t, sub.Closed())
	}
}

func TestGraph_FlushPromotesLiveSubscriptions(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h, spy.WithKeptDuration(1))
	graph := graphOf(t, s)

	ticker := h.Subscribe("ticker", "consumer", info("ticker"), nil)
	var inner, leaf *spytest.Subscription
	ticker.OnNext = func(v any) {
		inner = h.Subscribe("inner", "consumer", info("inner"), func(*spytest.Subscription) {
			leaf = h.Subscribe("leaf", "inner", info("leaf"), nil)
		})
	}
	ticker.Next(1)

	g, ok := graph.Graph(inner.Ref)
	require.True(t, ok)
	require.True(t, g.Merged)
	require.Equal(t, 2, g.Depth)

	ticker.Unsubscribe()
	h.Subscribe("x", "x", info("x"), nil)
	h.Subscribe("y", "y", info("y"), nil)

	tg, _ := graph.Graph(ticker.Ref)
	assert.True(t, tg.Flushed)
	assert.Equal(t, 1, graph.RootsFlushed())

	g, ok = graph.Graph(inner.Ref)
	require.True(t, ok)
	assert.False(t, g.Flushed)
	assert.False(t, g.Merged)
	assert.Nil(t, g.Sink)
	assert.Nil(t, g.RootSink)
	assert.Equal(t, 1, g.Depth)
	assert.Equal(t, []*spy.SubscriptionRef{leaf.Ref}, g.Sources)
	assert.Contains(t, graph.Roots(), inner.Ref)

	lg, ok := graph.Graph(leaf.Ref)
	require.True(t, ok)
	assert.False(t, lg.Flushed)
	assert.Same(t, inner.Ref, lg.Sink)
	assert.Same(t, inner.Ref, lg.RootSink)
	assert.Equal(t, 2, lg.Depth)

	snap, err := snapshotsOf(t, s).SnapshotAll(nil)
	require.NoError(t, err)
	require.Contains(t, snap.Subscriptions, inner.Ref.ID())
	require.Contains(t, snap.Subscriptions, leaf.Ref.ID())
	assert.Nil(t, snap.Subscriptions[inner.Ref.ID()].Sink)
	assert.Same(t, snap.Subscriptions[inner.Ref.ID()], snap.Subscriptions[leaf.Ref.ID()].RootSink)
	assert.NotContains(t, snap.Subscriptions, ticker.Ref.ID())
}

func TestGraph_TargetsAttributeIndependently(t *testing.T) {
	first := &spytest.Host{}
	second := &spytest.Host{}
	s := newSpy(t, first)
	require.NoError(t, s.Attach(&second.Target))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan *spytest.Subscription)
	go func() {
		done <- first.Subscribe("a", "a", info("a"), func(*spytest.Subscription) {
			close(entered)
			<-release
		})
	}()

	<-entered
	b := second.Subscribe("b", "b", info("b"), nil)
	close(release)
	a := <-done

	graph := graphOf(t, s)
	g, ok := graph.Graph(b.Ref)
	require.True(t, ok)
	assert.Nil(t, g.Sink)
	assert.Equal(t, 1, g.Depth)

	g, _ = graph.Graph(a.Ref)
	assert.Empty(t, g.Sources)
	assert.ElementsMatch(t, []*spy.SubscriptionRef{a.Ref, b.Ref}, graph.Roots())
	assert.Equal(t, 2, statsOf(t, s).RootSubscribes)
}

func TestGraph_WalkStopsEarly(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h)
	graph := graphOf(t, s)

	subscribeChain(h, "a", "b", "c")

	visited := 0
	graph.Walk(func(ref *spy.SubscriptionRef, g spy.GraphRef) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited)
}

func TestGraph_UnknownRef(t *testing.T) {
	h := &spytest.Host{}
	s := newSpy(t, h)

	_, ok := graphOf(t, s).Graph(spy.NewSubscriptionRef("x", "y", spy.StreamInfo{}))
	assert.False(t, ok)
}
