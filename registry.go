package spy

import (
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"
)

// registry allocates IDs and maps host values to tracked entities.
//
// An entity stays in the live table while at least one subscription that
// refers to it is still tracked. Its ID outlives that: a host value seen
// again after its subscriptions were flushed gets the ID it had before.
// Heap objects are remembered through weak pointers, so the registry never
// keeps a host object alive once the host drops it.
type registry struct {
	lastID      atomic.Uint64
	mu          sync.Mutex
	streams     entityTable[*Stream]
	subscribers entityTable[*Subscriber]
}

func newRegistry() *registry {
	r := &registry{}
	r.streams = newEntityTable[*Stream](&r.mu)
	r.subscribers = newEntityTable[*Subscriber](&r.mu)
	return r
}

func (r *registry) nextID() ID {
	return ID(r.lastID.Add(1))
}

// acquire resolves the stream and subscriber entities of ref.
func (r *registry) acquire(observable, subscriber any, info StreamInfo) (*Stream, *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream := r.streams.acquire(observable, r.nextID, func(id ID) *Stream {
		return &Stream{ID: id, Observable: observable, Info: info}
	})
	sub := r.subscribers.acquire(subscriber, r.nextID, func(id ID) *Subscriber {
		return &Subscriber{ID: id, Value: subscriber}
	})
	return stream, sub
}

// release drops ref's hold on its entities. It is a no-op after the first call.
func (r *registry) release(ref *SubscriptionRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref.released {
		return
	}
	ref.released = true
	r.streams.release(ref.observable)
	r.subscribers.release(ref.subscriber)
}

func (r *registry) len() (streams, subscribers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams.live), len(r.subscribers.live)
}

type counted[T any] struct {
	value T
	refs  int
}

// entityTable is a reference-counted map from host values to entities, plus
// the IDs of every host value it has seen. Values whose dynamic type is not
// comparable cannot be keys; each sight of such a value yields a fresh entity.
type entityTable[T any] struct {
	mu   *sync.Mutex
	live map[any]*counted[T]

	// values holds the IDs of comparable non-pointer keys, objects the IDs
	// of heap objects by weak pointer, and static the IDs of pointers into
	// memory the garbage collector never frees.
	values  map[any]ID
	objects map[objectKey]ID
	static  map[staticKey]ID
}

// objectKey identifies a heap object without keeping it reachable. The type
// separates a struct from its first field, which share an address.
type objectKey struct {
	typ reflect.Type
	ptr weak.Pointer[byte]
}

type staticKey struct {
	typ  reflect.Type
	addr uintptr
}

func newEntityTable[T any](mu *sync.Mutex) entityTable[T] {
	return entityTable[T]{
		mu:      mu,
		live:    make(map[any]*counted[T]),
		values:  make(map[any]ID),
		objects: make(map[objectKey]ID),
		static:  make(map[staticKey]ID),
	}
}

func (t *entityTable[T]) acquire(key any, nextID func() ID, create func(id ID) T) T {
	if !usableKey(key) {
		return create(nextID())
	}
	if c, ok := t.live[key]; ok {
		c.refs++
		return c.value
	}
	v := create(t.identify(key, nextID))
	t.live[key] = &counted[T]{value: v, refs: 1}
	return v
}

func (t *entityTable[T]) release(key any) {
	if !usableKey(key) {
		return
	}
	c, ok := t.live[key]
	if !ok {
		return
	}
	c.refs--
	if c.refs <= 0 {
		delete(t.live, key)
	}
}

// identify returns the ID key had when it was last seen, allocating one on
// first sight. Callers hold t.mu.
func (t *entityTable[T]) identify(key any, nextID func() ID) ID {
	ptr, ok := pointerOf(key)
	if !ok {
		if id, ok := t.values[key]; ok {
			return id
		}
		id := nextID()
		t.values[key] = id
		return id
	}

	typ := reflect.TypeOf(key)
	sk := staticKey{typ: typ, addr: uintptr(unsafe.Pointer(ptr))}
	if id, ok := t.static[sk]; ok {
		return id
	}

	slot := new(objectKey)
	cleanup, heap := watch(ptr, slot, t.forget)
	if !heap {
		id := nextID()
		t.static[sk] = id
		return id
	}

	obj := objectKey{typ: typ, ptr: weak.Make(ptr)}
	if id, ok := t.objects[obj]; ok {
		cleanup.Stop()
		return id
	}
	*slot = obj
	id := nextID()
	t.objects[obj] = id
	return id
}

// forget runs once the object behind slot has been reclaimed.
func (t *entityTable[T]) forget(slot *objectKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, *slot)
}

// watch arranges for forget(slot) to run when the object ptr points into is
// reclaimed. heap is false when ptr does not point into the garbage-collected
// heap; nothing is registered then, and weak pointers to ptr are not allowed.
func watch(ptr *byte, slot *objectKey, forget func(*objectKey)) (cleanup runtime.Cleanup, heap bool) {
	defer func() {
		if recover() != nil {
			cleanup, heap = runtime.Cleanup{}, false
		}
	}()
	cleanup = runtime.AddCleanup(ptr, forget, slot)
	return cleanup, cleanup != runtime.Cleanup{}
}

func usableKey(key any) bool {
	return key != nil && reflect.TypeOf(key).Comparable()
}

// pointerOf returns the address held by a pointer-shaped key.
func pointerOf(key any) (*byte, bool) {
	v := reflect.ValueOf(key)
	switch v.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Chan:
		if v.IsNil() {
			return nil, false
		}
		return (*byte)(v.UnsafePointer()), true
	}
	return nil, false
}
