package spy

import (
	"context"
	"fmt"
)

// StackFrame is one resolved frame of the call stack that created a
// subscription.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
}

// StackTraceResolver looks up, possibly slowly, the stack that created a
// subscription. The spy calls it once per subscription, off the notification
// path, and never interprets the result.
type StackTraceResolver interface {
	ResolveStackTrace(ctx context.Context, ref *SubscriptionRef) ([]StackFrame, error)
}

// StackTraceResolverFunc adapts a function to StackTraceResolver
type StackTraceResolverFunc func(ctx context.Context, ref *SubscriptionRef) ([]StackFrame, error)

func (f StackTraceResolverFunc) ResolveStackTrace(ctx context.Context, ref *SubscriptionRef) ([]StackFrame, error) {
	return f(ctx, ref)
}

// Deferred is a value that becomes available later. It is resolved exactly
// once; every reader observes the same value and error.
type Deferred[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

func (d *Deferred[T]) resolve(value T, err error) {
	d.value = value
	d.err = err
	close(d.done)
}

// Done is closed once the value is available
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Peek returns the value without waiting; ok is false while unresolved
func (d *Deferred[T]) Peek() (value T, ok bool) {
	select {
	case <-d.done:
		return d.value, true
	default:
		var zero T
		return zero, false
	}
}

// Err returns the resolution error, nil while unresolved
func (d *Deferred[T]) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the value is available or ctx is done
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// resolveStackTrace starts resolving ref's stack trace in the background.
func resolveStackTrace(ctx context.Context, r StackTraceResolver, ref *SubscriptionRef) *Deferred[[]StackFrame] {
	d := newDeferred[[]StackFrame]()
	go func() {
		var (
			frames []StackFrame
			err    error
		)
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("stack trace resolver panicked: %v", rec)
			}
			d.resolve(frames, err)
		}()
		frames, err = r.ResolveStackTrace(ctx, ref)
	}()
	return d
}
