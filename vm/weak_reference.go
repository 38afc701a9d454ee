package vm

import (
	"sync/atomic"
	"weak"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// WeakRef: a reference that doesn't keep its target alive
// ---------------------------------------------------------------------------

var weakRefIDs atomic.Uint32

// WeakRef is a weak slot holding a *T. It must be resolved before use and
// resolution failing is an ordinary outcome: the target was collected or
// cleared.
type WeakRef[T any] struct {
	id      uint32
	ptr     weak.Pointer[T]
	cleared atomic.Bool
}

// NewWeakRef creates a weak reference to target.
func NewWeakRef[T any](target *T) *WeakRef[T] {
	return &WeakRef[T]{
		id:  weakRefIDs.Add(1),
		ptr: weak.Make(target),
	}
}

// ID returns the unique identifier for this weak reference.
func (wr *WeakRef[T]) ID() uint32 {
	return wr.id
}

// Get returns the target, or nil if it has been collected or cleared.
func (wr *WeakRef[T]) Get() *T {
	if wr == nil || wr.cleared.Load() {
		return nil
	}
	return wr.ptr.Value()
}

// IsAlive reports whether Get would return a target.
func (wr *WeakRef[T]) IsAlive() bool {
	return wr.Get() != nil
}

// Clear drops the target ahead of collection.
func (wr *WeakRef[T]) Clear() {
	wr.cleared.Store(true)
}

// CoroutineRef is the weak slot kept by the scheduler.
type CoroutineRef = WeakRef[lua.LState]

// resolveCoroutine returns the live Thread behind ref. It fails when the
// coroutine was collected, is dead, or its Thread handle was closed.
func resolveCoroutine(ref *CoroutineRef) (*Thread, bool) {
	L := ref.Get()
	if L == nil || L.Dead || L.IsClosed() {
		return nil, false
	}
	sc := stateContextOf(L)
	if sc == nil || sc.L != L || sc.thread == nil {
		return nil, false
	}
	t := sc.thread
	if t.closed {
		return nil, false
	}
	return t, true
}
