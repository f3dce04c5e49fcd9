package spy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameStack_Enclosing(t *testing.T) {
	var fs frameStack
	outer := NewSubscriptionRef("a", "a", StreamInfo{})
	closing := NewSubscriptionRef("b", "b", StreamInfo{})
	inner := NewSubscriptionRef("c", "c", StreamInfo{})

	fs.push(frame{kind: KindNext, ref: outer, tick: 1})
	fs.push(frame{kind: KindUnsubscribe, ref: closing, tick: 2})
	fs.push(frame{kind: KindSubscribe, ref: inner, tick: 3})

	enc, ok := fs.enclosing(inner)
	require.True(t, ok)
	assert.Equal(t, KindNext, enc.kind)
	assert.Same(t, outer, enc.ref)

	_, ok = fs.enclosing(outer)
	assert.False(t, ok, "only subscribe frames are looked up")

	fs.pop(1)
	assert.Equal(t, 2, fs.depth())
	_, ok = fs.enclosing(inner)
	assert.False(t, ok)

	fs.pop(3)
	fs.pop(2)
	fs.pop(2)
	assert.Zero(t, fs.depth())
}

func TestDeferred_WaitAndPeek(t *testing.T) {
	d := newDeferred[int]()

	_, ok := d.Peek()
	assert.False(t, ok)
	assert.NoError(t, d.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d.resolve(7, nil)

	v, ok := d.Peek()
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	v, err = d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	select {
	case <-d.Done():
	default:
		t.Fatal("Done not closed after resolve")
	}
}

func TestDeferred_ResolverPanicBecomesError(t *testing.T) {
	ref := NewSubscriptionRef("a", "a", StreamInfo{})
	d := resolveStackTrace(context.Background(), StackTraceResolverFunc(
		func(ctx context.Context, ref *SubscriptionRef) ([]StackFrame, error) {
			panic("broken")
		},
	), ref)

	_, err := d.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestStackFrame_String(t *testing.T) {
	f := StackFrame{Function: "main.run", File: "main.go", Line: 12}
	assert.Equal(t, "main.run (main.go:12)", f.String())
}
