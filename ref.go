package spy

import (
	"strconv"
	"sync"
	"time"
)

// ID identifies a tracked stream, subscriber or subscription. All three kinds
// draw from the same counter, so an ID is unique within the process.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// StreamInfo describes how a stream was built. The host fills it in when it
// creates a SubscriptionRef; the spy stores it and never interprets it.
type StreamInfo struct {
	// Type is a short classification such as "interval" or "map".
	Type string
	// Path describes the construction chain, e.g. "interval/map/filter".
	Path string
	// Tag is an optional human-assigned label.
	Tag string
}

// Stream is a tracked reactive source.
type Stream struct {
	ID         ID
	Observable any
	Info       StreamInfo
}

// Subscriber is a tracked logical consumer. One subscriber may own several
// subscriptions over its life.
type Subscriber struct {
	ID    ID
	Value any
}

// SubscriptionRef is the identity of a single subscribe call. The host
// creates one per subscribe and passes the same pointer to every lifecycle
// notification of that subscription.
type SubscriptionRef struct {
	observable any
	subscriber any
	info       StreamInfo

	mu                   sync.Mutex
	owner                *Spy
	frames               *frameStack
	id                   ID
	stream               *Stream
	sub                  *Subscriber
	tick                 uint64
	timestamp            time.Time
	subscribeTick        uint64
	subscribedAt         time.Time
	unsubscribeRequested bool
	unsubscribed         bool
	chain                []selected
	chainVersion         uint64
	chainBuilt           bool

	// guarded by registry.mu
	released bool

	// guarded by the owning GraphPlugin
	graph *graphNode
	// guarded by the owning SnapshotPlugin
	state *subscriptionState
}

// NewSubscriptionRef creates the identity for one subscribe call of
// subscriber to observable.
func NewSubscriptionRef(observable, subscriber any, info StreamInfo) *SubscriptionRef {
	return &SubscriptionRef{
		observable: observable,
		subscriber: subscriber,
		info:       info,
	}
}

// ID returns the subscription's identity, or zero before it is subscribed
// under a spy.
func (r *SubscriptionRef) ID() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Stream returns the tracked stream this subscription belongs to.
func (r *SubscriptionRef) Stream() *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// Subscriber returns the tracked subscriber this subscription belongs to.
func (r *SubscriptionRef) Subscriber() *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

// Tick returns the tick of the most recent notification for this subscription.
func (r *SubscriptionRef) Tick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

// Timestamp returns the wall time of the most recent notification.
func (r *SubscriptionRef) Timestamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timestamp
}

// SubscribedAt returns the tick and wall time of the subscribe notification.
func (r *SubscriptionRef) SubscribedAt() (uint64, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeTick, r.subscribedAt
}

// Unsubscribed reports whether the unsubscribe action has run.
func (r *SubscriptionRef) Unsubscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribed
}

// frameStack returns the in-flight notifications of the Target ref was
// subscribed through.
func (r *SubscriptionRef) frameStack() *frameStack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *SubscriptionRef) ownedBy(s *Spy) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner == s
}

func (r *SubscriptionRef) stamp(kind Kind, tick uint64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick = tick
	r.timestamp = now
	if kind == KindSubscribe {
		r.subscribeTick = tick
		r.subscribedAt = now
	}
}
