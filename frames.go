package spy

import "sync"

// frame marks a notification whose dispatch is in progress.
type frame struct {
	kind Kind
	ref  *SubscriptionRef
	tick uint64
}

// frameStack tracks in-flight notifications. A subscribe that starts while
// another notification is being dispatched is attributed to the frame that
// encloses it; nesting can be arbitrarily deep.
type frameStack struct {
	mu     sync.Mutex
	frames []frame
}

func (fs *frameStack) push(f frame) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frames = append(fs.frames, f)
}

// pop removes the frame stamped with tick. Frames are popped in LIFO order
// unless a host breaks the one-call-chain rule of its Target; the search
// keeps the stack consistent even then.
func (fs *frameStack) pop(tick uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := len(fs.frames) - 1; i >= 0; i-- {
		if fs.frames[i].tick == tick {
			fs.frames = append(fs.frames[:i], fs.frames[i+1:]...)
			return
		}
	}
}

// enclosing returns the innermost frame beneath the subscribe frame of ref,
// skipping unsubscribe frames.
func (fs *frameStack) enclosing(ref *SubscriptionRef) (frame, bool) {
	if fs == nil {
		return frame{}, false
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	own := -1
	for i := len(fs.frames) - 1; i >= 0; i-- {
		if fs.frames[i].ref == ref && fs.frames[i].kind == KindSubscribe {
			own = i
			break
		}
	}
	if own < 0 {
		return frame{}, false
	}
	for i := own - 1; i >= 0; i-- {
		if fs.frames[i].kind != KindUnsubscribe {
			return fs.frames[i], true
		}
	}
	return frame{}, false
}

func (fs *frameStack) depth() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.frames)
}
