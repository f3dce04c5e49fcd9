package spy

import (
	"fmt"
	"sync"
)

// GraphRef is a copy of one subscription's graph node
type GraphRef struct {
	// Depth is 1 for a top-level subscription, its sink's depth plus one otherwise
	Depth int
	// Merged is true when the subscription was added to its sink after the
	// sink's own subscribe had finished
	Merged bool
	// Flushed is true once the subscription was dropped from the graph
	Flushed bool

	Sink     *SubscriptionRef
	RootSink *SubscriptionRef
	Sources  []*SubscriptionRef
	Merges   []*SubscriptionRef

	SourcesFlushed int
	MergesFlushed  int
}

type graphNode struct {
	owner *GraphPlugin
	ref   *SubscriptionRef

	depth    int
	merged   bool
	flushed  bool
	sink     *SubscriptionRef
	rootSink *SubscriptionRef
	sources  []*SubscriptionRef
	merges   []*SubscriptionRef

	sourcesFlushed int
	mergesFlushed  int

	unsubscribedTick uint64
}

func (n *graphNode) copy() GraphRef {
	g := GraphRef{
		Depth:          n.depth,
		Merged:         n.merged,
		Flushed:        n.flushed,
		Sink:           n.sink,
		RootSink:       n.rootSink,
		SourcesFlushed: n.sourcesFlushed,
		MergesFlushed:  n.mergesFlushed,
	}
	g.Sources = make([]*SubscriptionRef, len(n.sources))
	copy(g.Sources, n.sources)
	g.Merges = make([]*SubscriptionRef, len(n.merges))
	copy(g.Merges, n.merges)
	return g
}

// GraphPlugin maintains the subscription dependency graph. Top-level
// subscriptions hang off a sentinel node; every other subscription is either
// a source of its sink (subscribed while the sink was subscribing) or a merge
// of its sink (subscribed later, while a notification was being delivered).
//
// Unsubscribed subscriptions stay in the graph for the spy's kept duration,
// then they are flushed oldest first and counted in their sink's flushed
// counters. Flushing a subscription flushes the unsubscribed ones below it;
// live ones below it become top-level.
type GraphPlugin struct {
	BasePlugin
	spy *Spy

	mu           sync.RWMutex
	sentinel     *graphNode
	rootsFlushed int
	pending      []*graphNode
	keptDuration int64
}

// NewGraphPlugin creates a graph plugin
func NewGraphPlugin() *GraphPlugin {
	p := &GraphPlugin{
		BasePlugin: NewBasePlugin("graph"),
	}
	p.sentinel = &graphNode{owner: p}
	return p
}

func (p *GraphPlugin) Init(s *Spy) error {
	if _, ok := Find[*GraphPlugin](s); ok {
		return fmt.Errorf("graph: %w", ErrDuplicatePlugin)
	}
	p.spy = s
	p.keptDuration = s.KeptDuration()
	return nil
}

func (p *GraphPlugin) BeforeSubscribe(ref *SubscriptionRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attach(ref)
}

// attach creates ref's node. An enclosing subscription whose own
// BeforeSubscribe has not reached this plugin yet, because the nested
// subscribe was made from an earlier plugin's hook, is attached first.
func (p *GraphPlugin) attach(ref *SubscriptionRef) *graphNode {
	if node := p.node(ref); node != nil {
		return node
	}

	node := &graphNode{owner: p, ref: ref}
	ref.graph = node

	enc, nested := ref.frameStack().enclosing(ref)
	if !nested {
		p.linkRoot(node)
		return node
	}

	if enc.kind == KindSubscribe {
		p.onSource(p.attach(enc.ref), node)
		return node
	}

	parent := p.node(enc.ref)
	if parent == nil {
		p.linkRoot(node)
		return node
	}

	// A subscribe made while a notification is delivered belongs to the
	// subscription receiving it, which is the notifying subscription's sink.
	if parent.sink != nil {
		if sink := p.node(parent.sink); sink != nil {
			parent = sink
		}
	}
	p.onMerge(parent, node)
	return node
}

func (p *GraphPlugin) AfterSubscribe(ref *SubscriptionRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushExpired(p.spy.Tick())
}

func (p *GraphPlugin) AfterUnsubscribe(ref *SubscriptionRef) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if node := p.node(ref); node != nil && !node.flushed {
		node.unsubscribedTick = ref.Tick()
		p.pending = append(p.pending, node)
	}
	p.flushExpired(p.spy.Tick())
}

// Dispose releases the identities held by every subscription still in the graph.
func (p *GraphPlugin) Dispose(s *Spy) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ref := range p.sentinel.sources {
		if node := p.node(ref); node != nil {
			p.release(node, true)
		}
	}
	p.sentinel.sources = nil
	p.pending = nil
	return nil
}

func (p *GraphPlugin) linkRoot(node *graphNode) {
	node.depth = 1
	p.sentinel.sources = append(p.sentinel.sources, node.ref)
}

func (p *GraphPlugin) link(parent, child *graphNode) {
	child.sink = parent.ref
	child.rootSink = parent.rootSink
	if child.rootSink == nil {
		child.rootSink = parent.ref
	}
	child.depth = parent.depth + 1
}

func (p *GraphPlugin) onSource(parent, child *graphNode) {
	p.link(parent, child)
	parent.sources = appendUnique(parent.sources, child.ref)
}

func (p *GraphPlugin) onMerge(parent, child *graphNode) {
	p.link(parent, child)
	child.merged = true
	parent.merges = appendUnique(parent.merges, child.ref)
}

// node returns the node this plugin keeps for ref, or nil.
func (p *GraphPlugin) node(ref *SubscriptionRef) *graphNode {
	if ref == nil || ref.graph == nil || ref.graph.owner != p {
		return nil
	}
	return ref.graph
}

// flushExpired flushes pending nodes, oldest first, whose unsubscribe is
// more than keptDuration ticks old. A node therefore survives at least the
// tick of its own unsubscribe.
func (p *GraphPlugin) flushExpired(now uint64) {
	if p.keptDuration < 0 {
		return
	}

	n := 0
	for ; n < len(p.pending); n++ {
		node := p.pending[n]
		if int64(now-node.unsubscribedTick) <= p.keptDuration {
			break
		}
		p.flush(node)
	}
	if n == 0 {
		return
	}

	remaining := len(p.pending) - n
	if remaining == 0 {
		p.pending = p.pending[:0]
		return
	}
	copy(p.pending, p.pending[n:])
	for i := remaining; i < len(p.pending); i++ {
		p.pending[i] = nil
	}
	p.pending = p.pending[:remaining]
}

// flush detaches node from its sink and releases the subtree below it.
func (p *GraphPlugin) flush(node *graphNode) {
	if node.flushed {
		return
	}

	if node.sink == nil {
		before := len(p.sentinel.sources)
		p.sentinel.sources = removeElement(p.sentinel.sources, node.ref)
		if len(p.sentinel.sources) < before {
			p.rootsFlushed++
		}
	} else if parent := p.node(node.sink); parent != nil {
		if node.merged {
			before := len(parent.merges)
			parent.merges = removeElement(parent.merges, node.ref)
			if len(parent.merges) < before {
				parent.mergesFlushed++
			}
		} else {
			before := len(parent.sources)
			parent.sources = removeElement(parent.sources, node.ref)
			if len(parent.sources) < before {
				parent.sourcesFlushed++
			}
		}
	}

	p.release(node, false)
}

// release marks node flushed along with the unsubscribed subscriptions below
// it. Subscriptions below it that are still live are promoted to top-level,
// unless all is set, in which case they are released too.
func (p *GraphPlugin) release(start *graphNode, all bool) {
	stack := make([]*graphNode, 0, 16)
	stack = append(stack, start)

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if current.flushed {
			continue
		}
		current.flushed = true
		p.spy.registry.release(current.ref)

		for _, edges := range [][]*SubscriptionRef{current.sources, current.merges} {
			for _, ref := range edges {
				child := p.node(ref)
				if child == nil || child.flushed {
					continue
				}
				if all || child.ref.Unsubscribed() {
					stack = append(stack, child)
				} else {
					p.promote(child)
				}
			}
		}
	}
}

// promote detaches a live subscription whose sink is being flushed and hangs
// it off the sentinel, relinking the subtree below it.
func (p *GraphPlugin) promote(node *graphNode) {
	node.sink = nil
	node.rootSink = nil
	node.merged = false
	p.linkRoot(node)

	stack := []*graphNode{node}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, edges := range [][]*SubscriptionRef{current.sources, current.merges} {
			for _, ref := range edges {
				if child := p.node(ref); child != nil && !child.flushed {
					p.link(current, child)
					stack = append(stack, child)
				}
			}
		}
	}
}

// Graph returns a copy of ref's node
func (p *GraphPlugin) Graph(ref *SubscriptionRef) (GraphRef, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	node := p.node(ref)
	if node == nil {
		return GraphRef{}, false
	}
	return node.copy(), true
}

// Roots returns the top-level subscriptions still in the graph
func (p *GraphPlugin) Roots() []*SubscriptionRef {
	p.mu.RLock()
	defer p.mu.RUnlock()

	roots := make([]*SubscriptionRef, len(p.sentinel.sources))
	copy(roots, p.sentinel.sources)
	return roots
}

// RootsFlushed returns how many top-level subscriptions were flushed
func (p *GraphPlugin) RootsFlushed() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rootsFlushed
}

// Reachable returns every subscription reachable from the sentinel, each once
func (p *GraphPlugin) Reachable() []*SubscriptionRef {
	var refs []*SubscriptionRef
	p.Walk(func(ref *SubscriptionRef, _ GraphRef) bool {
		refs = append(refs, ref)
		return true
	})
	return refs
}

// Walk visits every subscription reachable from the sentinel exactly once,
// depth first through sources then merges. Edge sets are copied under the
// read lock before visit is called, so visit may call back into the plugin
// and the live graph may change while the walk is reported.
// Walk stops when visit returns false.
func (p *GraphPlugin) Walk(visit func(ref *SubscriptionRef, g GraphRef) bool) {
	type entry struct {
		ref *SubscriptionRef
		g   GraphRef
	}

	p.mu.RLock()
	entries := make([]entry, 0, 32)
	visited := make(map[*SubscriptionRef]bool, 32)

	stack := make([]*SubscriptionRef, 0, 32)
	for i := len(p.sentinel.sources) - 1; i >= 0; i-- {
		stack = append(stack, p.sentinel.sources[i])
	}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[current] {
			continue
		}
		visited[current] = true

		node := p.node(current)
		if node == nil {
			continue
		}
		entries = append(entries, entry{ref: current, g: node.copy()})

		for i := len(node.merges) - 1; i >= 0; i-- {
			if !visited[node.merges[i]] {
				stack = append(stack, node.merges[i])
			}
		}
		for i := len(node.sources) - 1; i >= 0; i-- {
			if !visited[node.sources[i]] {
				stack = append(stack, node.sources[i])
			}
		}
	}
	p.mu.RUnlock()

	for _, e := range entries {
		if !visit(e.ref, e.g) {
			return
		}
	}
}

func appendUnique[T comparable](slice []T, item T) []T {
	for _, existing := range slice {
		if existing == item {
			return slice
		}
	}
	return append(slice, item)
}

func removeElement[T comparable](slice []T, item T) []T {
	for i, existing := range slice {
		if existing == item {
			return append(slice[:i], slice[i+1:]...)
		}
	}
	return slice
}
