package vm

import (
	"errors"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

// registerSuspend installs a native that suspends the calling thread.
func registerSuspend(t *testing.T, h *Host) {
	t.Helper()
	err := h.Register("pause", ".", func(h *Host, L *lua.LState) (int, error) {
		if h.CurrentThread(L) == nil {
			return 0, ErrNotInThread
		}
		return Suspend(L), nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func newTestThread(t *testing.T, h *Host) *Thread {
	t.Helper()
	th, err := NewThread(h)
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	t.Cleanup(th.Close)
	return th
}

// ---------------------------------------------------------------------------
// Suspend and wake
// ---------------------------------------------------------------------------

func TestThreadSuspendAndWakeupValue(t *testing.T) {
	h := newTestHost(t)
	registerSuspend(t, h)
	th := newTestThread(t, h)

	if th.State() != ThreadIdle {
		t.Errorf("new thread state = %v", th.State())
	}
	src := `stage = 1
local v = pause()
stage = 2
got = v`
	if err := th.RunScript(src, "wake.lua"); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if !th.IsSuspended() {
		t.Fatalf("state = %v, want suspended", th.State())
	}
	if h.L.GetGlobal("stage") != lua.LNumber(1) {
		t.Error("script should stop at pause")
	}

	if err := th.Wakeup("hello", true, false); err != nil {
		t.Fatalf("Wakeup: %v", err)
	}
	if th.State() != ThreadFinished {
		t.Errorf("state = %v, want finished", th.State())
	}
	if h.L.GetGlobal("got") != lua.LString("hello") {
		t.Errorf("got = %v, want hello", h.L.GetGlobal("got"))
	}
	if h.Top() != 0 {
		t.Errorf("host top = %d", h.Top())
	}
}

func TestThreadMultipleSuspensions(t *testing.T) {
	h := newTestHost(t)
	registerSuspend(t, h)
	th := newTestThread(t, h)

	src := `count = 0
for i = 1, 3 do
  pause()
  count = count + 1
end`
	if err := th.RunScript(src, "loop.lua"); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if err := th.Wakeup(nil, true, false); err != nil {
			t.Fatalf("Wakeup %d: %v", i, err)
		}
		if h.L.GetGlobal("count") != lua.LNumber(i) {
			t.Errorf("count after wakeup %d = %v", i, h.L.GetGlobal("count"))
		}
	}
	if th.State() != ThreadFinished {
		t.Errorf("state = %v, want finished", th.State())
	}
}

func TestThreadRethrow(t *testing.T) {
	var failure *ScriptFailure
	h := newTestHost(t, WithErrorHandler(func(f *ScriptFailure) { failure = f }))
	registerSuspend(t, h)
	th := newTestThread(t, h)

	src := `local function waiter()
  pause()
  reached = true
end
waiter()`
	if err := th.RunScript(src, "rethrow.lua"); err != nil {
		t.Fatal(err)
	}
	err := th.Wakeup("cancelled", true, true)
	if !errors.Is(err, ErrWakeup) {
		t.Fatalf("Wakeup(rethrow) = %v, want WakeupError", err)
	}
	if !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("error = %q, should carry the rethrown value", err.Error())
	}
	if h.L.GetGlobal("reached") != lua.LNil {
		t.Error("code after the suspension point must not run")
	}
	if failure == nil {
		t.Fatal("error handler should see the rethrown error")
	}
	if !strings.Contains(failure.Trace(), "waiter()") {
		t.Errorf("trace should show the suspended frame:\n%s", failure.Trace())
	}
	if th.State() != ThreadFinished {
		t.Errorf("state = %v, want finished", th.State())
	}
}

func TestThreadWakeupNotSuspended(t *testing.T) {
	h := newTestHost(t)
	th := newTestThread(t, h)

	err := th.Wakeup(nil, false, false)
	if !errors.Is(err, ErrWakeup) {
		t.Fatalf("Wakeup(idle) = %v", err)
	}
	if err.Error() != "wakeup failed (thread is idle)" {
		t.Errorf("error = %q", err.Error())
	}

	if err := th.RunScript("x = 1", "done.lua"); err != nil {
		t.Fatal(err)
	}
	err = th.Wakeup(nil, false, false)
	if err == nil || err.Error() != "wakeup failed (thread is finished)" {
		t.Errorf("Wakeup(finished) = %v", err)
	}
}

func TestThreadRunTwice(t *testing.T) {
	h := newTestHost(t)
	th := newTestThread(t, h)
	if err := th.RunScript("x = 1", "first.lua"); err != nil {
		t.Fatal(err)
	}
	if err := th.RunScript("x = 2", "second.lua"); !errors.Is(err, ErrRuntimeScript) {
		t.Errorf("second RunScript = %v, want RuntimeScriptError", err)
	}
}

func TestThreadRuntimeError(t *testing.T) {
	var failure *ScriptFailure
	h := newTestHost(t, WithErrorHandler(func(f *ScriptFailure) { failure = f }))
	th := newTestThread(t, h)

	err := th.RunScript(`local n = 5
error("thread broke")`, "broken.lua")
	if !errors.Is(err, ErrRuntimeScript) {
		t.Fatalf("RunScript = %v", err)
	}
	if !strings.HasPrefix(err.Error(), "failed to run script: broken.lua (") {
		t.Errorf("error = %q", err.Error())
	}
	if failure == nil || !strings.Contains(failure.Trace(), "n = 5") {
		t.Errorf("failure trace should include locals: %v", failure)
	}
	if !strings.Contains(th.LastError(), "thread broke") {
		t.Errorf("thread LastError() = %q", th.LastError())
	}
}

func TestSuspendOnHostState(t *testing.T) {
	var failure *ScriptFailure
	h := newTestHost(t, WithErrorHandler(func(f *ScriptFailure) { failure = f }))
	registerSuspend(t, h)

	if err := h.CompileAndRun("pause()", "main.lua"); err == nil {
		t.Fatal("suspending the host state should fail")
	}
	if failure == nil || !strings.Contains(failure.Message, ErrNotInThread.Error()) {
		t.Errorf("failure = %v", failure)
	}
}

// ---------------------------------------------------------------------------
// Ownership
// ---------------------------------------------------------------------------

func TestThreadRootTable(t *testing.T) {
	h := newTestHost(t)
	th := newTestThread(t, h)
	root := h.L.NewTable()
	th.SetRootTable(root)

	if err := th.RunScript("private = true", "root.lua"); err != nil {
		t.Fatal(err)
	}
	if root.RawGetString("private") != lua.LTrue {
		t.Error("global write should land in the thread root table")
	}
	if h.L.GetGlobal("private") != lua.LNil {
		t.Error("global write leaked into the globals")
	}
}

func TestThreadClose(t *testing.T) {
	h := newTestHost(t)
	registerSuspend(t, h)
	th, err := NewThread(h)
	if err != nil {
		t.Fatal(err)
	}
	if th.RefCount() != 1 {
		t.Errorf("RefCount() = %d, want 1", th.RefCount())
	}
	if err := th.RunScript("pause()", "close.lua"); err != nil {
		t.Fatal(err)
	}
	co := th.Coroutine()
	th.Close()
	th.Close()

	if !th.IsClosed() || th.IsSuspended() {
		t.Error("closed thread should report closed and not suspended")
	}
	if th.Coroutine() != nil {
		t.Error("Coroutine() should be nil after Close")
	}
	if h.RefCount(co) != 0 {
		t.Errorf("host RefCount = %d after Close", h.RefCount(co))
	}
	if err := th.Wakeup(nil, false, false); err == nil || !strings.Contains(err.Error(), "thread is closed") {
		t.Errorf("Wakeup after Close = %v", err)
	}
}

func TestThreadCloseCancelsContext(t *testing.T) {
	h := newTestHost(t)
	registerSuspend(t, h)
	th := newTestThread(t, h)
	if err := th.RunScript("pause()", "cancel.lua"); err != nil {
		t.Fatal(err)
	}
	co := th.Coroutine()
	select {
	case <-co.Context().Done():
		t.Fatal("context done before Close")
	default:
	}

	th.Close()
	select {
	case <-co.Context().Done():
	default:
		t.Error("Close should cancel the coroutine's context")
	}
	if HostOf(co) != h {
		t.Error("closed coroutine should still name its host")
	}
}

func TestThreadIDsAreUnique(t *testing.T) {
	h := newTestHost(t)
	a := newTestThread(t, h)
	b := newTestThread(t, h)
	if a.ID() == b.ID() {
		t.Error("threads should have distinct IDs")
	}
	if h.CurrentThread(h.L) != nil {
		t.Error("the host state is not a thread")
	}
	if h.CurrentThread(a.Coroutine()) != a {
		t.Error("CurrentThread should resolve the coroutine to its Thread")
	}
}
