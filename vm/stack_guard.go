package vm

import lua "github.com/yuin/gopher-lua"

// StackGuard restores the stack depth it saw when it was created.
//
//	guard := NewStackGuard(L)
//	defer guard.Restore()
//
// Restore also runs while a Lua error unwinds through the deferring
// function, so nothing pushed in between survives.
type StackGuard struct {
	L   *lua.LState
	top int
}

// NewStackGuard records the current depth of L.
func NewStackGuard(L *lua.LState) *StackGuard {
	return &StackGuard{L: L, top: L.GetTop()}
}

// Top returns the recorded depth.
func (g *StackGuard) Top() int {
	return g.top
}

// Restore truncates the stack back to the recorded depth. Values below the
// recorded depth are never touched. Calling it twice is harmless.
func (g *StackGuard) Restore() {
	if g.L == nil || g.L.IsClosed() {
		return
	}
	if g.L.GetTop() > g.top {
		g.L.SetTop(g.top)
	}
}
