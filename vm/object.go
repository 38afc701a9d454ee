package vm

import (
	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// Object: a counted handle on a VM value
// ---------------------------------------------------------------------------

// Object keeps a VM value alive independently of the stack slot it was
// found in. Copy adds a reference, Move hands the reference over and
// Release gives it back. An Object with no host is empty; every method is
// safe to call on it.
type Object struct {
	host  *Host
	value lua.LValue
}

// Acquire takes a reference to the value at idx on the host's stack. The
// slot may be popped afterwards without affecting the handle.
func Acquire(h *Host, idx int) (*Object, error) {
	lv, err := UnpackValue(h.L, idx)
	if err != nil {
		return nil, err
	}
	return AcquireValue(h, lv), nil
}

// AcquireValue takes a reference to lv directly.
func AcquireValue(h *Host, lv lua.LValue) *Object {
	if lv == nil {
		lv = lua.LNil
	}
	h.refs.AddRef(lv)
	return &Object{host: h, value: lv}
}

// Push places the referenced value on top of the stack of dst. Ownership
// is unchanged.
func (o *Object) Push(dst *Host) {
	o.PushTo(dst.L)
}

// PushTo places the referenced value on an arbitrary state, such as a
// thread's stack.
func (o *Object) PushTo(L *lua.LState) {
	L.Push(o.Value())
}

// Release gives the reference back and empties the handle. Releasing an
// empty handle does nothing.
func (o *Object) Release() {
	if o == nil || o.host == nil {
		return
	}
	o.host.refs.ReleaseRef(o.value)
	o.host = nil
	o.value = nil
}

// Copy returns a second handle on the same value with its own reference.
func (o *Object) Copy() *Object {
	if o == nil || o.host == nil {
		return &Object{}
	}
	return AcquireValue(o.host, o.value)
}

// Move transfers the reference to a new handle and empties o.
func (o *Object) Move() *Object {
	if o == nil {
		return &Object{}
	}
	moved := &Object{host: o.host, value: o.value}
	o.host = nil
	o.value = nil
	return moved
}

// IsEmpty reports whether the handle holds no reference.
func (o *Object) IsEmpty() bool {
	return o == nil || o.host == nil
}

// Value returns the referenced value, LNil for an empty handle.
func (o *Object) Value() lua.LValue {
	if o.IsEmpty() || o.value == nil {
		return lua.LNil
	}
	return o.value
}

// Kind returns the VM type of the referenced value.
func (o *Object) Kind() lua.LValueType {
	return o.Value().Type()
}

// RefCount returns the host-side reference count of the value, zero for an
// empty handle.
func (o *Object) RefCount() int {
	if o.IsEmpty() {
		return 0
	}
	return o.host.refs.RefCount(o.value)
}

// Host returns the owning host, nil when empty.
func (o *Object) Host() *Host {
	if o == nil {
		return nil
	}
	return o.host
}
