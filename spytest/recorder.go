// Package spytest provides helpers for testing code built on the spy package:
// a plugin that records notifications and a minimal stream runtime that
// reports its lifecycle through a spy.Target.
package spytest

import (
	"fmt"
	"sync"

	spy "github.com/pumped-fn/pumped-spy"
)

// Event is one recorded hook invocation
type Event struct {
	Phase string
	Kind  spy.Kind
	Ref   *spy.SubscriptionRef
	Tick  uint64
	Value any
	Err   error
}

// String renders the event as "before:next@3"
func (e Event) String() string {
	return fmt.Sprintf("%s:%s@%d", e.Phase, e.Kind, e.Tick)
}

// Recorder is a plugin that records every hook it receives.
//
// Recorder is safe under concurrent notifications.
type Recorder struct {
	spy.BasePlugin

	events []Event
	mu     sync.Mutex
}

// NewRecorder constructs a Recorder with the given plugin name.
func NewRecorder(name string) *Recorder {
	return &Recorder{BasePlugin: spy.NewBasePlugin(name)}
}

func (r *Recorder) record(phase string, kind spy.Kind, ref *spy.SubscriptionRef, value any, err error) {
	r.mu.Lock()
	r.events = append(r.events, Event{
		Phase: phase,
		Kind:  kind,
		Ref:   ref,
		Tick:  ref.Tick(),
		Value: value,
		Err:   err,
	})
	r.mu.Unlock()
}

func (r *Recorder) BeforeSubscribe(ref *spy.SubscriptionRef) {
	r.record("before", spy.KindSubscribe, ref, nil, nil)
}

func (r *Recorder) AfterSubscribe(ref *spy.SubscriptionRef) {
	r.record("after", spy.KindSubscribe, ref, nil, nil)
}

func (r *Recorder) BeforeNext(ref *spy.SubscriptionRef, value any) {
	r.record("before", spy.KindNext, ref, value, nil)
}

func (r *Recorder) AfterNext(ref *spy.SubscriptionRef, value any) {
	r.record("after", spy.KindNext, ref, value, nil)
}

func (r *Recorder) BeforeError(ref *spy.SubscriptionRef, err error) {
	r.record("before", spy.KindError, ref, nil, err)
}

func (r *Recorder) AfterError(ref *spy.SubscriptionRef, err error) {
	r.record("after", spy.KindError, ref, nil, err)
}

func (r *Recorder) BeforeComplete(ref *spy.SubscriptionRef) {
	r.record("before", spy.KindComplete, ref, nil, nil)
}

func (r *Recorder) AfterComplete(ref *spy.SubscriptionRef) {
	r.record("after", spy.KindComplete, ref, nil, nil)
}

func (r *Recorder) BeforeUnsubscribe(ref *spy.SubscriptionRef) {
	r.record("before", spy.KindUnsubscribe, ref, nil, nil)
}

func (r *Recorder) AfterUnsubscribe(ref *spy.SubscriptionRef) {
	r.record("after", spy.KindUnsubscribe, ref, nil, nil)
}

// Events returns a snapshot copy of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Event, len(r.events))
	copy(cp, r.events)
	return cp
}

// Trace returns the recorded events rendered with Event.String, in order.
func (r *Recorder) Trace() []string {
	evs := r.Events()
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.String())
	}
	return out
}

// Values returns the values of the "before" next events recorded for ref.
func (r *Recorder) Values(ref *spy.SubscriptionRef) []any {
	var out []any
	for _, e := range r.Events() {
		if e.Ref == ref && e.Kind == spy.KindNext && e.Phase == "before" {
			out = append(out, e.Value)
		}
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
