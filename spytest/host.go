package spytest

import (
	"sync"

	spy "github.com/pumped-fn/pumped-spy"
)

// Host is a minimal stream runtime. It does no scheduling of its own: tests
// drive every notification explicitly, and nested subscriptions are made from
// a subscription's body or from its OnNext callback.
//
// The zero value is ready to use.
type Host struct {
	Target spy.Target
}

// Subscription is one subscribe call made through a Host
type Subscription struct {
	host *Host
	Ref  *spy.SubscriptionRef

	// OnNext is called with each delivered value, inside the next
	// notification. Subscriptions made from it are merges.
	OnNext func(value any)

	mu        sync.Mutex
	received  []any
	err       error
	completed bool
	closed    bool
	teardowns []func()
}

// Subscribe subscribes subscriber to observable. body runs as the subscribe
// action; subscriptions it makes become sources of the new subscription.
func (h *Host) Subscribe(observable, subscriber any, info spy.StreamInfo, body func(sub *Subscription)) *Subscription {
	sub := &Subscription{
		host: h,
		Ref:  spy.NewSubscriptionRef(observable, subscriber, info),
	}
	h.Target.Subscribe(sub.Ref, func() {
		if body != nil {
			body(sub)
		}
	})
	return sub
}

// Next delivers value to the subscription
func (s *Subscription) Next(value any) {
	s.host.Target.Next(s.Ref, value, func(v any) {
		s.mu.Lock()
		s.received = append(s.received, v)
		onNext := s.OnNext
		s.mu.Unlock()

		if onNext != nil {
			onNext(v)
		}
	})
}

// Error delivers err to the subscription
func (s *Subscription) Error(err error) {
	s.host.Target.Error(s.Ref, err, func(err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.err = err
	})
}

// Complete completes the subscription
func (s *Subscription) Complete() {
	s.host.Target.Complete(s.Ref, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.completed = true
	})
}

// Unsubscribe tears the subscription down, running its teardowns in reverse
// order of registration.
func (s *Subscription) Unsubscribe() {
	s.host.Target.Unsubscribe(s.Ref, func() {
		s.mu.Lock()
		s.closed = true
		teardowns := s.teardowns
		s.teardowns = nil
		s.mu.Unlock()

		for i := len(teardowns) - 1; i >= 0; i-- {
			teardowns[i]()
		}
	})
}

// AddTeardown registers fn to run when the subscription is unsubscribed
func (s *Subscription) AddTeardown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardowns = append(s.teardowns, fn)
}

// Received returns the values delivered so far
func (s *Subscription) Received() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]any, len(s.received))
	copy(cp, s.received)
	return cp
}

// Err returns the delivered error, if any
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Completed reports whether the subscription completed
func (s *Subscription) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Closed reports whether the unsubscribe action ran
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
