package vm

import (
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestStackGuardRestores(t *testing.T) {
	h := newTestHost(t)
	L := h.L

	func() {
		guard := NewStackGuard(L)
		defer guard.Restore()
		L.Push(lua.LNumber(1))
		L.Push(lua.LNumber(2))
		L.Push(lua.LNumber(3))
	}()
	if L.GetTop() != 0 {
		t.Errorf("top = %d, want 0", L.GetTop())
	}
}

func TestStackGuardKeepsLowerSlots(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	L.Push(lua.LString("keep"))
	guard := NewStackGuard(L)
	L.Push(lua.LNumber(1))
	guard.Restore()
	guard.Restore()

	if L.GetTop() != 1 || L.Get(1) != lua.LString("keep") {
		t.Errorf("stack = %d/%v, want the original slot", L.GetTop(), L.Get(1))
	}
	if guard.Top() != 1 {
		t.Errorf("Top() = %d, want 1", guard.Top())
	}
}

func TestStackGuardOnPanic(t *testing.T) {
	h := newTestHost(t)
	L := h.L

	func() {
		defer func() { recover() }()
		guard := NewStackGuard(L)
		defer guard.Restore()
		L.Push(lua.LNumber(1))
		L.Push(lua.LNumber(2))
		L.Push(lua.LNumber(3))
		panic("unwind")
	}()
	if L.GetTop() != 0 {
		t.Errorf("top = %d after panic, want 0", L.GetTop())
	}
}

func TestStackGuardOnScriptError(t *testing.T) {
	h := newTestHost(t)
	h.Register("leaky", ".", func(h *Host, L *lua.LState) (int, error) {
		guard := NewStackGuard(L)
		defer guard.Restore()
		L.Push(lua.LNumber(1))
		L.Push(lua.LNumber(2))
		L.RaiseError("leaky failed")
		return 0, nil
	})
	h.SetErrorHandler(func(*ScriptFailure) {})
	if err := h.CompileAndRun("leaky()", "leaky.lua"); err == nil {
		t.Fatal("expected error")
	}
	if h.Top() != 0 {
		t.Errorf("host top = %d, want 0", h.Top())
	}
}
