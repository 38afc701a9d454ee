package vm

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// ArrayCursor: sequence operations on a table at a fixed stack position
// ---------------------------------------------------------------------------

// ArrayCursor is a TableCursor on a sequence table. Positions are 0-based.
// Sequences cannot hold nil, so every operation that would store nil
// fails.
type ArrayCursor struct {
	TableCursor
}

// OpenArray binds a cursor to the sequence at idx on the host stack.
func OpenArray(h *Host, idx int) (*ArrayCursor, error) {
	tc, err := OpenTable(h, idx)
	if err != nil {
		return nil, err
	}
	if !isSequence(tc.Table()) {
		return nil, mismatch(h.L, tc.pos, "array", tc.Table())
	}
	return &ArrayCursor{TableCursor: *tc}, nil
}

func (a *ArrayCursor) fail(op, reason string) *Error {
	SetLastError(a.L, reason)
	return NewError(a.L, KindTableOperationFailed, "failed to "+op)
}

func (a *ArrayCursor) element(op string, v any) (lua.LValue, error) {
	lv, err := ToLValue(a.L, v)
	if err != nil {
		return nil, a.fail(op, err.Error())
	}
	if lv == lua.LNil {
		return nil, a.fail(op, "nil is not a valid array element")
	}
	return lv, nil
}

// Size returns the number of elements.
func (a *ArrayCursor) Size() int {
	return a.Table().Len()
}

// Append adds v at the end.
func (a *ArrayCursor) Append(v any) error {
	lv, err := a.element("append item to array", v)
	if err != nil {
		return err
	}
	a.Table().Append(lv)
	return nil
}

// Insert places v at pos, shifting later elements up. pos may equal Size.
func (a *ArrayCursor) Insert(pos int, v any) error {
	lv, err := a.element("insert item into array", v)
	if err != nil {
		return err
	}
	tbl := a.Table()
	if pos < 0 || pos > tbl.Len() {
		return a.fail("insert item into array", fmt.Sprintf("index out of range (%d, size %d)", pos, tbl.Len()))
	}
	tbl.Insert(pos+1, lv)
	return nil
}

// Remove deletes the element at pos, shifting later elements down.
func (a *ArrayCursor) Remove(pos int) error {
	tbl := a.Table()
	if pos < 0 || pos >= tbl.Len() {
		return a.fail("remove item from array", fmt.Sprintf("index out of range (%d, size %d)", pos, tbl.Len()))
	}
	tbl.Remove(pos + 1)
	return nil
}

// Pop removes and returns the last element.
func (a *ArrayCursor) Pop() (lua.LValue, error) {
	tbl := a.Table()
	n := tbl.Len()
	if n == 0 {
		return lua.LNil, a.fail("pop item from array", "array is empty")
	}
	return tbl.Remove(n), nil
}

// Resize grows the array with fill or truncates it to n elements.
func (a *ArrayCursor) Resize(n int, fill any) error {
	if n < 0 {
		return a.fail("resize array", fmt.Sprintf("negative size %d", n))
	}
	tbl := a.Table()
	size := tbl.Len()
	if n > size {
		lv, err := a.element("resize array", fill)
		if err != nil {
			return err
		}
		for i := size + 1; i <= n; i++ {
			tbl.RawSetInt(i, lv)
		}
		return nil
	}
	for i := size; i > n; i-- {
		tbl.RawSetInt(i, lua.LNil)
	}
	return nil
}

// Reverse reverses the elements in place.
func (a *ArrayCursor) Reverse() error {
	tbl := a.Table()
	if !isSequence(tbl) {
		return a.fail("reverse array", "table is not a sequence")
	}
	for i, j := 1, tbl.Len(); i < j; i, j = i+1, j-1 {
		vi, vj := tbl.RawGetInt(i), tbl.RawGetInt(j)
		tbl.RawSetInt(i, vj)
		tbl.RawSetInt(j, vi)
	}
	return nil
}

// Clear removes every element.
func (a *ArrayCursor) Clear() error {
	tbl := a.Table()
	if !isSequence(tbl) {
		return a.fail("clear array", "table is not a sequence")
	}
	for i := tbl.Len(); i >= 1; i-- {
		tbl.RawSetInt(i, lua.LNil)
	}
	return nil
}

// Get reads the element at pos into dst, a pointer UnpackArgs accepts.
func (a *ArrayCursor) Get(pos int, dst any) error {
	tbl := a.Table()
	if pos < 0 || pos >= tbl.Len() {
		SetLastError(a.L, fmt.Sprintf("index out of range (%d, size %d)", pos, tbl.Len()))
		return NewError(a.L, KindKeyNotFound, fmt.Sprintf("failed to get array item %d", pos))
	}
	guard := NewStackGuard(a.L)
	defer guard.Restore()

	a.L.Push(tbl.RawGetInt(pos + 1))
	if err := UnpackArgs(a.L, a.L.GetTop(), dst); err != nil {
		return wrapError(a.L, KindTypeMismatch, err,
			fmt.Sprintf("Couldn't get %s value for item %d from array", destKind(dst), pos))
	}
	return nil
}

// Set replaces the element at pos.
func (a *ArrayCursor) Set(pos int, v any) error {
	lv, err := a.element("set array item", v)
	if err != nil {
		return err
	}
	tbl := a.Table()
	if pos < 0 || pos >= tbl.Len() {
		return a.fail("set array item", fmt.Sprintf("index out of range (%d, size %d)", pos, tbl.Len()))
	}
	tbl.RawSetInt(pos+1, lv)
	return nil
}

// Values returns the elements as VM values.
func (a *ArrayCursor) Values() []lua.LValue {
	tbl := a.Table()
	out := make([]lua.LValue, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		out = append(out, tbl.RawGetInt(i))
	}
	return out
}
