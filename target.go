package spy

import "sync/atomic"

// Target is the attachment point an instrumented stream runtime embeds. The
// runtime's interception layer reports every subscription lifecycle event
// through it, in the order subscribe, next*, error or complete at most once,
// unsubscribe. While no spy is installed the actions run untouched.
//
// A subscribe reported while another notification on the same Target is
// still in flight is attributed to that notification, so a Target must be
// driven by one call chain at a time, as an event loop does. A host running
// independent loops concurrently gives each loop its own Target and attaches
// the spy to all of them with Spy.Attach.
//
// The zero value is ready to use.
type Target struct {
	spy    atomic.Pointer[Spy]
	frames frameStack
}

// Spy returns the installed spy, or nil.
func (t *Target) Spy() *Spy {
	return t.spy.Load()
}

// Subscribe reports that ref is being subscribed; action performs the
// subscription.
func (t *Target) Subscribe(ref *SubscriptionRef, action func()) {
	if s := t.spy.Load(); s != nil {
		s.subscribe(&t.frames, ref, action)
		return
	}
	action()
}

// Next reports a value delivered to ref; action delivers it.
func (t *Target) Next(ref *SubscriptionRef, value any, action func(value any)) {
	if s := t.spy.Load(); s != nil {
		s.next(&t.frames, ref, value, action)
		return
	}
	action(value)
}

// Error reports ref's error notification; action delivers it.
func (t *Target) Error(ref *SubscriptionRef, err error, action func(err error)) {
	if s := t.spy.Load(); s != nil {
		s.raise(&t.frames, ref, err, action)
		return
	}
	action(err)
}

// Complete reports ref's completion; action delivers it.
func (t *Target) Complete(ref *SubscriptionRef, action func()) {
	if s := t.spy.Load(); s != nil {
		s.complete(&t.frames, ref, action)
		return
	}
	action()
}

// Unsubscribe reports that ref is being torn down; action tears it down.
func (t *Target) Unsubscribe(ref *SubscriptionRef, action func()) {
	if s := t.spy.Load(); s != nil {
		s.unsubscribe(&t.frames, ref, action)
		return
	}
	action()
}

func (t *Target) install(s *Spy) error {
	if !t.spy.CompareAndSwap(nil, s) {
		return ErrAlreadyInstalled
	}
	return nil
}

func (t *Target) release(s *Spy) {
	t.spy.CompareAndSwap(s, nil)
}
