package vm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// Thread: a script running on its own coroutine
// ---------------------------------------------------------------------------

// ThreadState is the lifecycle position of a Thread.
type ThreadState int

const (
	ThreadIdle ThreadState = iota
	ThreadRunning
	ThreadSuspended
	ThreadFinished
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadSuspended:
		return "suspended"
	case ThreadFinished:
		return "finished"
	default:
		return "idle"
	}
}

// Thread runs one script on a coroutine that shares the host heap and has
// a stack of its own. The Thread holds a strong reference to the
// coroutine until Close; closing never forces the script to finish.
type Thread struct {
	id     uuid.UUID
	host   *Host
	L      *lua.LState
	sc     *stateContext
	cancel context.CancelFunc
	handle *Object
	ref    *CoroutineRef
	root   *lua.LTable
	state  ThreadState
	closed bool
}

// NewThread creates an idle Thread on h.
func NewThread(h *Host) (*Thread, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	L, cancel := h.L.NewThread()
	t := &Thread{
		id:     uuid.New(),
		host:   h,
		L:      L,
		cancel: cancel,
		root:   h.root,
	}
	// L.Context() is the cancellable child of the host context that
	// cancel ends.
	t.sc = newStateContext(L.Context(), h, L)
	t.sc.thread = t
	t.handle = AcquireValue(h, L)
	t.ref = NewWeakRef(L)
	return t, nil
}

// NewThread is a shorthand for NewThread(h).
func (h *Host) NewThread() (*Thread, error) {
	return NewThread(h)
}

// ID returns the thread's unique identifier.
func (t *Thread) ID() uuid.UUID {
	return t.id
}

// Host returns the owning host.
func (t *Thread) Host() *Host {
	return t.host
}

// State returns the lifecycle state.
func (t *Thread) State() ThreadState {
	return t.state
}

// IsSuspended reports whether the script is waiting for Wakeup.
func (t *Thread) IsSuspended() bool {
	return !t.closed && t.state == ThreadSuspended
}

// IsClosed reports whether Close was called.
func (t *Thread) IsClosed() bool {
	return t.closed
}

// Coroutine returns the coroutine state, nil once closed.
func (t *Thread) Coroutine() *lua.LState {
	if t.closed {
		return nil
	}
	return t.L
}

// Ref returns a weak reference to the coroutine.
func (t *Thread) Ref() *CoroutineRef {
	return t.ref
}

// RefCount returns the number of handles holding the coroutine.
func (t *Thread) RefCount() int {
	return t.handle.RefCount()
}

// SetRootTable sets the table scripts started on this thread resolve their
// globals in.
func (t *Thread) SetRootTable(tbl *lua.LTable) {
	t.root = tbl
}

// LastError returns the display text of the coroutine's last error.
func (t *Thread) LastError() string {
	if t.closed {
		return "null"
	}
	return lastErrorString(t.L)
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// RunScript compiles source and starts it on the thread. It returns when
// the script first suspends or finishes.
func (t *Thread) RunScript(source, name string) error {
	fn, err := t.host.Compile(source, name)
	if err != nil {
		return err
	}
	return t.run(fn, name)
}

// RunFile reads and starts the script at path.
func (t *Thread) RunFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		SetLastError(t.host.L, err.Error())
		return wrapError(t.host.L, KindRuntimeScriptError, err, "failed to open file: "+path)
	}
	return t.RunScript(string(data), path)
}

// Run starts fn on the thread.
func (t *Thread) Run(fn *lua.LFunction) error {
	name := "function"
	if !fn.IsG && fn.Proto != nil {
		name = fn.Proto.SourceName
	}
	return t.run(fn, name)
}

func (t *Thread) run(fn *lua.LFunction, name string) error {
	h := t.host
	if err := h.ready(); err != nil {
		return err
	}
	if t.closed || t.state != ThreadIdle {
		SetLastError(h.L, fmt.Sprintf("thread is %s", t.describe()))
		return NewError(h.L, KindRuntimeScriptError, "failed to run script: "+name)
	}
	if !fn.IsG && t.root != nil {
		fn.Env = t.root
	}
	if failure := t.resume(true, h.bootstrap, h.arm, fn); failure != nil {
		SetLastError(h.L, failure.Message)
		return wrapError(h.L, KindRuntimeScriptError, failure, "failed to run script: "+name)
	}
	return nil
}

// Wakeup resumes a suspended script. value becomes the result of the
// suspending call, or, with rethrow, is raised as an error at that point.
// With raise, a script failure is also reported to the host's error
// handler.
func (t *Thread) Wakeup(value any, raise, rethrow bool) error {
	h := t.host
	if err := h.ready(); err != nil {
		return err
	}
	if !t.IsSuspended() {
		SetLastError(h.L, fmt.Sprintf("thread is %s", t.describe()))
		return NewError(h.L, KindWakeupError, "wakeup failed")
	}
	lv, err := ToLValue(h.L, value)
	if err != nil {
		return wrapError(h.L, KindWakeupError, err, "wakeup failed")
	}

	var failure *ScriptFailure
	if rethrow {
		if lv == lua.LNil {
			lv = lua.LString("resumed with error")
		}
		t.sc.rethrow = lv
		failure = t.resume(raise, nil)
	} else {
		failure = t.resume(raise, nil, lv)
	}
	if failure != nil {
		SetLastError(h.L, failure.Message)
		return wrapError(h.L, KindWakeupError, failure, "wakeup failed")
	}
	return nil
}

// resume continues (or, with fn, starts) the coroutine and classifies the
// outcome.
func (t *Thread) resume(raise bool, fn *lua.LFunction, args ...lua.LValue) *ScriptFailure {
	h := t.host
	t.state = ThreadRunning
	st, err, _ := h.L.Resume(t.L, fn, args...)
	switch st {
	case lua.ResumeYield:
		t.state = ThreadSuspended
		return nil
	case lua.ResumeOK:
		t.state = ThreadFinished
		return nil
	}
	t.state = ThreadFinished
	t.sc.rethrow = nil
	failure := t.sc.takeFailure(err)
	setLastError(t.L, lua.LString(failure.Message))
	if raise {
		h.reportFailure(failure)
	}
	return failure
}

func (t *Thread) describe() string {
	if t.closed {
		return "closed"
	}
	return t.state.String()
}

// Close releases the strong reference to the coroutine. A suspended script
// stays suspended and is collected once nothing else refers to it.
func (t *Thread) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.handle.Release()
	if t.cancel != nil {
		t.cancel()
	}
	t.sc.thread = nil
	t.sc = nil
	t.L = nil
}

// ---------------------------------------------------------------------------
// Suspending from native code
// ---------------------------------------------------------------------------

// ErrNotInThread is returned by natives that must run on a Thread.
var ErrNotInThread = errors.New("not running in a thread")

// Suspend yields the calling coroutine, handing values to whoever resumed
// it. Use it as the return value of a native Function:
//
//	return vm.Suspend(L), nil
//
// On the host state it raises an error since there is nothing to resume.
func Suspend(L *lua.LState, values ...lua.LValue) int {
	return L.Yield(values...)
}
