package spy

import (
	"sync"
	"time"
)

// Stats are running totals over every notification the spy has seen
type Stats struct {
	Completes        int
	Errors           int
	MergedSubscribes int
	LeafSubscribes   int
	MaxDepth         int
	Nexts            int
	RootSubscribes   int
	Subscribes       int
	TotalDepth       int
	Unsubscribes     int
	Tick             uint64
	Timespan         time.Duration
}

// StatsPlugin keeps Stats. Subscribe classification and depth need the
// GraphPlugin; without it only the plain counters move.
type StatsPlugin struct {
	BasePlugin
	spy *Spy

	mu    sync.Mutex
	stats Stats
	first time.Time
	last  time.Time
}

// NewStatsPlugin creates a stats plugin
func NewStatsPlugin() *StatsPlugin {
	return &StatsPlugin{
		BasePlugin: NewBasePlugin("stats"),
	}
}

func (p *StatsPlugin) Init(s *Spy) error {
	p.spy = s
	return nil
}

// Stats returns a copy of the current totals
func (p *StatsPlugin) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *StatsPlugin) BeforeSubscribe(ref *SubscriptionRef) {
	p.count(ref, func(s *Stats) { s.Subscribes++ })
}

func (p *StatsPlugin) AfterSubscribe(ref *SubscriptionRef) {
	graph, ok := Find[*GraphPlugin](p.spy)
	if !ok {
		return
	}
	g, ok := graph.Graph(ref)
	if !ok {
		return
	}
	depth := chainLength(graph, g)

	p.mu.Lock()
	defer p.mu.Unlock()
	if g.Sink == nil {
		p.stats.RootSubscribes++
	}
	if len(g.Sources) == 0 && len(g.Merges) == 0 {
		p.stats.LeafSubscribes++
	}
	if g.Merged {
		p.stats.MergedSubscribes++
	}
	p.stats.TotalDepth += depth
	p.stats.MaxDepth = max(p.stats.MaxDepth, depth)
}

func (p *StatsPlugin) BeforeNext(ref *SubscriptionRef, value any) {
	p.count(ref, func(s *Stats) { s.Nexts++ })
}

func (p *StatsPlugin) BeforeError(ref *SubscriptionRef, err error) {
	p.count(ref, func(s *Stats) { s.Errors++ })
}

func (p *StatsPlugin) BeforeComplete(ref *SubscriptionRef) {
	p.count(ref, func(s *Stats) { s.Completes++ })
}

func (p *StatsPlugin) BeforeUnsubscribe(ref *SubscriptionRef) {
	p.count(ref, func(s *Stats) { s.Unsubscribes++ })
}

func (p *StatsPlugin) count(ref *SubscriptionRef, update func(s *Stats)) {
	tick, now := ref.Tick(), ref.Timestamp()

	p.mu.Lock()
	defer p.mu.Unlock()

	update(&p.stats)
	p.stats.Tick = max(p.stats.Tick, tick)
	if p.first.IsZero() {
		p.first = now
	}
	if now.After(p.last) {
		p.last = now
	}
	p.stats.Timespan = p.last.Sub(p.first)
}

// chainLength counts the subscriptions from g up to its root, inclusive.
func chainLength(graph *GraphPlugin, g GraphRef) int {
	depth := 1
	seen := make(map[*SubscriptionRef]bool)
	for sink := g.Sink; sink != nil && !seen[sink]; depth++ {
		seen[sink] = true
		next, ok := graph.Graph(sink)
		if !ok {
			break
		}
		sink = next.Sink
	}
	return depth
}
