package spy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Value is one value observed by a subscription
type Value struct {
	Tick      uint64
	Timestamp time.Time
	Value     any
}

// Snapshot is a point-in-time rendering of the graph. Its objects link only
// to each other, never to live state, and nothing mutates them after
// SnapshotAll returns.
type Snapshot struct {
	Tick          uint64
	Streams       map[ID]*StreamSnapshot
	Subscribers   map[ID]*SubscriberSnapshot
	Subscriptions map[ID]*SubscriptionSnapshot

	all []*SubscriptionSnapshot
}

// StreamSnapshot is a stream and the subscriptions made to it
type StreamSnapshot struct {
	ID            ID
	Observable    any
	Type          string
	Path          string
	Tag           string
	Tick          uint64
	Subscriptions map[ID]*SubscriptionSnapshot
}

// SubscriberSnapshot is a subscriber and its subscriptions. Values merges
// the retained values of every subscription in tick order.
type SubscriberSnapshot struct {
	ID            ID
	Subscriber    any
	Tick          uint64
	Subscriptions map[ID]*SubscriptionSnapshot
	Values        []Value
	ValuesFlushed int
}

// SubscriptionSnapshot is the state of one subscription
type SubscriptionSnapshot struct {
	ID         ID
	Stream     *StreamSnapshot
	Subscriber *SubscriberSnapshot

	Tick          uint64
	SubscribeTick uint64
	Timestamp     time.Time
	Complete      bool
	Error         error
	Unsubscribed  bool
	Values        []Value
	ValuesFlushed int

	Depth          int
	Sink           *SubscriptionSnapshot
	RootSink       *SubscriptionSnapshot
	Sources        map[ID]*SubscriptionSnapshot
	SourcesFlushed int
	Merges         map[ID]*SubscriptionSnapshot
	MergesFlushed  int

	// StackTrace is nil when no resolver is configured
	StackTrace *Deferred[[]StackFrame]
}

// Resolved waits until the stack trace of every subscription in the snapshot
// is resolved. It returns the first resolution error.
func (s *Snapshot) Resolved(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range s.all {
		if sub.StackTrace == nil {
			continue
		}
		trace := sub.StackTrace
		g.Go(func() error {
			_, err := trace.Wait(ctx)
			return err
		})
	}
	return g.Wait()
}

type subscriptionState struct {
	owner         *SnapshotPlugin
	complete      bool
	err           error
	unsubscribed  bool
	tick          uint64
	values        []Value
	valuesFlushed int
	stackTrace    *Deferred[[]StackFrame]
}

// SnapshotPlugin records per-subscription state and renders snapshots of the
// graph kept by the GraphPlugin.
type SnapshotPlugin struct {
	BasePlugin
	spy *Spy

	mu         sync.Mutex
	keptValues int
	resolver   StackTraceResolver
}

// NewSnapshotPlugin creates a snapshot plugin
func NewSnapshotPlugin() *SnapshotPlugin {
	return &SnapshotPlugin{
		BasePlugin: NewBasePlugin("snapshot"),
	}
}

func (p *SnapshotPlugin) Init(s *Spy) error {
	if _, ok := Find[*SnapshotPlugin](s); ok {
		return fmt.Errorf("snapshot: %w", ErrDuplicatePlugin)
	}
	p.spy = s
	p.keptValues = s.KeptValues()
	p.resolver = s.config.resolver
	return nil
}

func (p *SnapshotPlugin) BeforeSubscribe(ref *SubscriptionRef) {
	st := &subscriptionState{owner: p, tick: ref.Tick()}
	if p.resolver != nil {
		st.stackTrace = resolveStackTrace(p.spy.ctx, p.resolver, ref)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ref.state = st
}

func (p *SnapshotPlugin) AfterSubscribe(ref *SubscriptionRef) {
	p.touch(ref, nil)
}

func (p *SnapshotPlugin) BeforeNext(ref *SubscriptionRef, value any) {
	tick, now := ref.Tick(), ref.Timestamp()
	p.touch(ref, func(st *subscriptionState) {
		st.values = append(st.values, Value{Tick: tick, Timestamp: now, Value: value})
		if excess := len(st.values) - p.keptValues; excess > 0 {
			kept := make([]Value, p.keptValues)
			copy(kept, st.values[excess:])
			st.values = kept
			st.valuesFlushed += excess
		}
	})
}

func (p *SnapshotPlugin) BeforeError(ref *SubscriptionRef, err error) {
	p.touch(ref, func(st *subscriptionState) {
		st.err = err
	})
}

func (p *SnapshotPlugin) BeforeComplete(ref *SubscriptionRef) {
	p.touch(ref, func(st *subscriptionState) {
		st.complete = true
	})
}

func (p *SnapshotPlugin) AfterUnsubscribe(ref *SubscriptionRef) {
	p.touch(ref, func(st *subscriptionState) {
		st.unsubscribed = true
	})
}

// touch applies update to ref's state and records the notification's tick.
func (p *SnapshotPlugin) touch(ref *SubscriptionRef, update func(st *subscriptionState)) {
	tick := ref.Tick()

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(ref)
	if st == nil {
		return
	}
	st.tick = tick
	if update != nil {
		update(st)
	}
}

func (p *SnapshotPlugin) state(ref *SubscriptionRef) *subscriptionState {
	if ref.state == nil || ref.state.owner != p {
		return nil
	}
	return ref.state
}

// SnapshotAll renders the graph. With since set, the top-level maps hold only
// entities whose tick is greater than since.Tick; snapshot objects still link
// to unchanged neighbours through their edges.
func (p *SnapshotPlugin) SnapshotAll(since *Snapshot) (*Snapshot, error) {
	graph, ok := Find[*GraphPlugin](p.spy)
	if !ok {
		return nil, &NotEnabledError{Component: "graph"}
	}

	tick := p.spy.Tick()

	type visited struct {
		ref *SubscriptionRef
		g   GraphRef
	}
	var nodes []visited
	graph.Walk(func(ref *SubscriptionRef, g GraphRef) bool {
		nodes = append(nodes, visited{ref: ref, g: g})
		return true
	})

	byRef := make(map[*SubscriptionRef]*SubscriptionSnapshot, len(nodes))
	all := make([]*SubscriptionSnapshot, 0, len(nodes))

	p.mu.Lock()
	for _, n := range nodes {
		sub := p.subscriptionSnapshot(n.ref)
		byRef[n.ref] = sub
		all = append(all, sub)
	}
	p.mu.Unlock()

	streams := make(map[ID]*StreamSnapshot)
	subscribers := make(map[ID]*SubscriberSnapshot)

	for _, n := range nodes {
		sub := byRef[n.ref]

		stream := n.ref.Stream()
		ss, ok := streams[stream.ID]
		if !ok {
			ss = &StreamSnapshot{
				ID:            stream.ID,
				Observable:    stream.Observable,
				Type:          stream.Info.Type,
				Path:          stream.Info.Path,
				Tag:           stream.Info.Tag,
				Subscriptions: make(map[ID]*SubscriptionSnapshot),
			}
			streams[stream.ID] = ss
		}
		ss.Subscriptions[sub.ID] = sub
		ss.Tick = max(ss.Tick, sub.Tick)
		sub.Stream = ss

		subscriber := n.ref.Subscriber()
		bs, ok := subscribers[subscriber.ID]
		if !ok {
			bs = &SubscriberSnapshot{
				ID:            subscriber.ID,
				Subscriber:    subscriber.Value,
				Subscriptions: make(map[ID]*SubscriptionSnapshot),
			}
			subscribers[subscriber.ID] = bs
		}
		bs.Subscriptions[sub.ID] = sub
		bs.Tick = max(bs.Tick, sub.Tick)
		bs.Values = append(bs.Values, sub.Values...)
		bs.ValuesFlushed += sub.ValuesFlushed
		sub.Subscriber = bs
	}

	for _, bs := range subscribers {
		sort.SliceStable(bs.Values, func(i, j int) bool {
			return bs.Values[i].Tick < bs.Values[j].Tick
		})
	}

	// Edges to subscriptions that are no longer in the graph are left out.
	for _, n := range nodes {
		sub := byRef[n.ref]
		sub.Depth = n.g.Depth
		sub.SourcesFlushed = n.g.SourcesFlushed
		sub.MergesFlushed = n.g.MergesFlushed
		if n.g.Sink != nil {
			sub.Sink = byRef[n.g.Sink]
		}
		if n.g.RootSink != nil {
			sub.RootSink = byRef[n.g.RootSink]
		}
		sub.Sources = make(map[ID]*SubscriptionSnapshot, len(n.g.Sources))
		for _, ref := range n.g.Sources {
			if src, ok := byRef[ref]; ok {
				sub.Sources[src.ID] = src
			}
		}
		sub.Merges = make(map[ID]*SubscriptionSnapshot, len(n.g.Merges))
		for _, ref := range n.g.Merges {
			if m, ok := byRef[ref]; ok {
				sub.Merges[m.ID] = m
			}
		}
	}

	snap := &Snapshot{
		Tick:          tick,
		Streams:       make(map[ID]*StreamSnapshot, len(streams)),
		Subscribers:   make(map[ID]*SubscriberSnapshot, len(subscribers)),
		Subscriptions: make(map[ID]*SubscriptionSnapshot, len(all)),
		all:           all,
	}

	changed := func(t uint64) bool {
		return since == nil || t > since.Tick
	}
	for id, ss := range streams {
		if changed(ss.Tick) {
			snap.Streams[id] = ss
		}
	}
	for id, bs := range subscribers {
		if changed(bs.Tick) {
			snap.Subscribers[id] = bs
		}
	}
	for _, sub := range all {
		if changed(sub.Tick) {
			snap.Subscriptions[sub.ID] = sub
		}
	}
	return snap, nil
}

// subscriptionSnapshot copies ref's state. Must be called with p.mu held.
func (p *SnapshotPlugin) subscriptionSnapshot(ref *SubscriptionRef) *SubscriptionSnapshot {
	subscribeTick, subscribedAt := ref.SubscribedAt()
	sub := &SubscriptionSnapshot{
		ID:            ref.ID(),
		Tick:          ref.Tick(),
		SubscribeTick: subscribeTick,
		Timestamp:     subscribedAt,
		Unsubscribed:  ref.Unsubscribed(),
	}

	st := p.state(ref)
	if st == nil {
		// Subscribed before this plugin was plugged; only the ref is known.
		return sub
	}
	sub.Tick = st.tick
	sub.Complete = st.complete
	sub.Error = st.err
	sub.Unsubscribed = st.unsubscribed
	sub.Values = make([]Value, len(st.values))
	copy(sub.Values, st.values)
	sub.ValuesFlushed = st.valuesFlushed
	sub.StackTrace = st.stackTrace
	return sub
}

// SnapshotStream takes a full snapshot and returns the stream ref belongs to.
// Its cost is that of SnapshotAll.
func (p *SnapshotPlugin) SnapshotStream(ref *SubscriptionRef) (*StreamSnapshot, error) {
	snap, err := p.SnapshotAll(nil)
	if err != nil {
		return nil, err
	}
	sub, ok := snap.Subscriptions[ref.ID()]
	if !ok {
		return nil, fmt.Errorf("snapshotting stream of subscription %s: %w", ref.ID(), ErrUnknownSubscription)
	}
	return sub.Stream, nil
}

// SnapshotSubscriber takes a full snapshot and returns the subscriber ref
// belongs to. Its cost is that of SnapshotAll.
func (p *SnapshotPlugin) SnapshotSubscriber(ref *SubscriptionRef) (*SubscriberSnapshot, error) {
	snap, err := p.SnapshotAll(nil)
	if err != nil {
		return nil, err
	}
	sub, ok := snap.Subscriptions[ref.ID()]
	if !ok {
		return nil, fmt.Errorf("snapshotting subscriber of subscription %s: %w", ref.ID(), ErrUnknownSubscription)
	}
	return sub.Subscriber, nil
}
