package vm

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// stateContext: the per-state slot that names the owning Host and Thread
// ---------------------------------------------------------------------------

// stateContext is installed on every LState the runtime creates. It lets a
// native callback recover its Host and Thread and keeps the state's last
// error. The interpreter consults Done before each instruction, which
// drives the debug hook and delivers errors rethrown by Thread.Wakeup.
type stateContext struct {
	context.Context

	host      *Host
	thread    *Thread
	L         *lua.LState
	lastError lua.LValue
	tracer    *hookTracer
	failure   *ScriptFailure
	rethrow   lua.LValue
}

type stateContextKey struct{}

// newStateContext installs a fresh stateContext on L.
func newStateContext(parent context.Context, h *Host, L *lua.LState) *stateContext {
	if parent == nil {
		parent = context.Background()
	}
	sc := &stateContext{
		Context: parent,
		host:    h,
		L:       L,
	}
	L.SetContext(sc)
	return sc
}

// Value returns the stateContext itself for stateContextKey.
func (sc *stateContext) Value(key any) any {
	if _, ok := key.(stateContextKey); ok {
		return sc
	}
	return sc.Context.Value(key)
}

// Done is called by the interpreter before every instruction when a
// context is set.
func (sc *stateContext) Done() <-chan struct{} {
	if sc.rethrow != nil {
		lv := sc.rethrow
		sc.rethrow = nil
		sc.L.Error(lv, 1)
	}
	if sc.host != nil && sc.host.debugHook != nil {
		if sc.tracer == nil {
			sc.tracer = newHookTracer(sc.host.debugHook)
		}
		sc.tracer.hook = sc.host.debugHook
		sc.tracer.step(sc.L)
	} else if sc.tracer != nil {
		sc.tracer = nil
	}
	return sc.Context.Done()
}

// takeFailure returns the failure captured while err unwound, or one built
// from err alone when no frames were captured.
func (sc *stateContext) takeFailure(err error) *ScriptFailure {
	f := sc.failure
	sc.failure = nil
	if f != nil {
		return f
	}
	msg := "unknown error"
	if aerr, ok := err.(*lua.ApiError); ok && aerr.Object != nil {
		msg = aerr.Object.String()
	} else if err != nil {
		msg = err.Error()
	}
	return &ScriptFailure{Message: msg}
}

// stateContextOf returns the stateContext installed on L. Coroutines
// created by scripts inherit the context of their creator.
func stateContextOf(L *lua.LState) *stateContext {
	if L == nil {
		return nil
	}
	ctx := L.Context()
	if ctx == nil {
		return nil
	}
	if sc, ok := ctx.(*stateContext); ok {
		return sc
	}
	sc, _ := ctx.Value(stateContextKey{}).(*stateContext)
	return sc
}

// HostOf returns the Host that owns L, or nil for a foreign state.
func HostOf(L *lua.LState) *Host {
	if sc := stateContextOf(L); sc != nil {
		return sc.host
	}
	return nil
}
