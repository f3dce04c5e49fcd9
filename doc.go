// Package spy instruments a reactive-stream runtime and records the lifecycle
// and topology of its subscriptions without changing what the streams do.
//
// # Overview
//
// The spy is organized around four concepts:
//
//  1. Target: the attachment point the runtime's interception layer reports to
//  2. Spy: the instance holding the tick counter, identities and plugins
//  3. Plugins: ordered observers with before and after hooks per notification
//  4. Snapshots: immutable, cross-linked views of the subscription graph
//
// # Basic Usage
//
// The runtime embeds a Target and reports every lifecycle event through it.
// The action passed with each event performs the real work:
//
//	var target spy.Target
//
//	ref := spy.NewSubscriptionRef(observable, subscriber, spy.StreamInfo{
//	    Type: "interval",
//	    Path: "interval/map",
//	})
//	target.Subscribe(ref, func() { observable.attach(subscriber) })
//	target.Next(ref, 42, func(v any) { subscriber.next(v) })
//	target.Unsubscribe(ref, func() { observable.detach(subscriber) })
//
// Without an installed spy the actions run directly. Install one with New:
//
//	s, err := spy.New(&target,
//	    spy.WithKeptValues(8),
//	    spy.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer s.Teardown()
//
// Only one spy may be installed on a target at a time; a second New fails
// with ErrAlreadyInstalled. A target is driven by one call chain at a time.
// Runtimes with several concurrent event loops give each loop a Target and
// attach the same spy to all of them:
//
//	for _, loop := range loops[1:] {
//	    if err := s.Attach(&loop.Target); err != nil {
//	        return err
//	    }
//	}
//
// # Ticks
//
// Every notification is stamped with a tick from a single counter before any
// plugin sees it. Ticks are strictly increasing and never reused, so they
// order events across subscriptions.
//
// # Graph
//
// The GraphPlugin links subscriptions into a graph. A subscription made while
// another is subscribing becomes one of its sources; one made while a value
// is being delivered becomes a merge of the receiving subscription:
//
//	graph, _ := spy.Find[*spy.GraphPlugin](s)
//	for _, root := range graph.Roots() {
//	    g, _ := graph.Graph(root)
//	    fmt.Println(root.ID(), len(g.Sources), len(g.Merges))
//	}
//
// Unsubscribed subscriptions stay in the graph for WithKeptDuration ticks.
// Streams and subscribers keep their IDs after that, for as long as the
// runtime keeps the underlying values alive.
//
// # Snapshots
//
// The SnapshotPlugin renders the graph with per-subscription state and the
// most recent values:
//
//	snapshots, _ := spy.Find[*spy.SnapshotPlugin](s)
//	first, err := snapshots.SnapshotAll(nil)
//	...
//	changed, err := snapshots.SnapshotAll(first) // only what changed since
//
// Stack traces are resolved asynchronously when a StackTraceResolver is
// configured; Snapshot.Resolved waits for all of them.
//
// # Plugins
//
// Custom plugins embed BasePlugin and override the hooks they need:
//
//	type counter struct {
//	    spy.BasePlugin
//	    nexts atomic.Int64
//	}
//
//	func (c *counter) AfterNext(ref *spy.SubscriptionRef, value any) {
//	    c.nexts.Add(1)
//	}
//
//	s, _ := spy.New(&target, spy.WithPlugins(&counter{
//	    BasePlugin: spy.NewBasePlugin("counter"),
//	}))
//
// A hook that panics is logged, counted in Failures and skipped for the rest
// of that notification. The runtime's action always runs.
package spy
