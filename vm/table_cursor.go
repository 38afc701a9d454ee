package vm

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// TableCursor: a view on a table sitting at a fixed stack position
// ---------------------------------------------------------------------------

// TableCursor operates on the table at an absolute stack position. It does
// not own the table; End drops the table and everything above it.
type TableCursor struct {
	host  *Host
	L     *lua.LState
	pos   int
	ended bool
}

// OpenTable binds a cursor to the table at idx on the host stack.
func OpenTable(h *Host, idx int) (*TableCursor, error) {
	return openTable(h, h.L, idx)
}

// OpenTableOn binds a cursor on an arbitrary state, such as the stack a
// native function is called with.
func OpenTableOn(L *lua.LState, idx int) (*TableCursor, error) {
	return openTable(HostOf(L), L, idx)
}

func openTable(h *Host, L *lua.LState, idx int) (*TableCursor, error) {
	idx = absIndex(L, idx)
	lv, err := UnpackValue(L, idx)
	if err != nil {
		return nil, err
	}
	if _, ok := lv.(*lua.LTable); !ok {
		return nil, mismatch(L, idx, "table", lv)
	}
	return &TableCursor{host: h, L: L, pos: idx}, nil
}

// pushTable pushes tbl and binds a cursor to it.
func pushTable(h *Host, L *lua.LState, tbl *lua.LTable) *TableCursor {
	L.Push(tbl)
	return &TableCursor{host: h, L: L, pos: L.GetTop()}
}

// Position returns the absolute stack position of the table.
func (c *TableCursor) Position() int {
	return c.pos
}

// Table returns the underlying table.
func (c *TableCursor) Table() *lua.LTable {
	tbl, _ := c.L.Get(c.pos).(*lua.LTable)
	return tbl
}

// End truncates the stack to just below the table. Calling it twice is
// harmless.
func (c *TableCursor) End() {
	if c.ended {
		return
	}
	c.ended = true
	if c.L.IsClosed() {
		return
	}
	if c.L.GetTop() >= c.pos {
		c.L.SetTop(c.pos - 1)
	}
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// lookup reads name the way a script would, __index included. An
// __index metamethod runs under a protected call; if it raises, the
// lookup fails with TableOperationFailed and the stack is unchanged.
func (c *TableCursor) lookup(name string) (lua.LValue, error) {
	tbl := c.Table()
	if lv := tbl.RawGetString(name); lv != lua.LNil {
		return lv, nil
	}
	if c.L.GetMetaField(tbl, "__index") == lua.LNil {
		return lua.LNil, nil
	}

	guard := NewStackGuard(c.L)
	defer guard.Restore()
	c.L.Push(c.L.NewFunction(indexField))
	c.L.Push(tbl)
	c.L.Push(lua.LString(name))
	if err := c.L.PCall(2, 1, nil); err != nil {
		SetLastError(c.L, apiErrorMessage(err))
		return lua.LNil, NewError(c.L, KindTableOperationFailed, fmt.Sprintf("failed to look up '%s' in table", name))
	}
	return c.L.Get(-1), nil
}

func indexField(L *lua.LState) int {
	L.Push(L.GetField(L.CheckTable(1), L.CheckString(2)))
	return 1
}

func apiErrorMessage(err error) string {
	if aerr, ok := err.(*lua.ApiError); ok && aerr.Object != nil {
		return aerr.Object.String()
	}
	return err.Error()
}

// HasKey reports whether name resolves to a non-nil value, following
// __index the way a script read would. A failing __index counts as
// absent and is left as the last error.
func (c *TableCursor) HasKey(name string) bool {
	lv, err := c.lookup(name)
	return err == nil && lv != lua.LNil
}

// Get reads name into dst, a pointer of a kind UnpackArgs accepts.
func (c *TableCursor) Get(name string, dst any) error {
	lv, err := c.lookup(name)
	if err != nil {
		return err
	}
	guard := NewStackGuard(c.L)
	defer guard.Restore()

	c.L.Push(lv)
	if err := UnpackArgs(c.L, c.L.GetTop(), dst); err != nil {
		return wrapError(c.L, KindTypeMismatch, err,
			fmt.Sprintf("Couldn't get %s value for '%s' from table", destKind(dst), name))
	}
	return nil
}

// Read is Get without an error: it reports false when name is absent or
// holds another kind, leaving dst untouched.
func (c *TableCursor) Read(name string, dst any) bool {
	last := lastErrorOf(c.L)
	defer setLastError(c.L, last)

	lv, err := c.lookup(name)
	if err != nil || lv == lua.LNil {
		return false
	}

	guard := NewStackGuard(c.L)
	defer guard.Restore()
	c.L.Push(lv)
	return readInto(c.L, dst)
}

// readInto unpacks the top of the stack into a scratch value and only
// assigns dst on success.
func readInto(L *lua.LState, dst any) bool {
	top := L.GetTop()
	switch p := dst.(type) {
	case *bool:
		v, err := UnpackBool(L, top)
		if err == nil {
			*p = v
		}
		return err == nil
	case *int:
		v, err := UnpackInt(L, top)
		if err == nil {
			*p = v
		}
		return err == nil
	case *int64:
		v, err := UnpackInt64(L, top)
		if err == nil {
			*p = v
		}
		return err == nil
	case *float64:
		v, err := UnpackFloat(L, top)
		if err == nil {
			*p = v
		}
		return err == nil
	case *string:
		v, err := UnpackString(L, top)
		if err == nil {
			*p = v
		}
		return err == nil
	case *lua.LValue:
		*p = L.Get(top)
		return true
	}
	return UnpackArgs(L, top, dst) == nil
}

func destKind(dst any) string {
	switch dst.(type) {
	case *bool:
		return "bool"
	case *int, *int64:
		return "integer"
	case *float64, *float32:
		return "float"
	case *string:
		return "string"
	case *[]int, *[]float64, *[]string, *[]bool:
		return "array"
	}
	return "value"
}

// GetBool reads a boolean entry.
func (c *TableCursor) GetBool(name string) (bool, error) {
	var v bool
	err := c.Get(name, &v)
	return v, err
}

// GetInt reads an integral entry.
func (c *TableCursor) GetInt(name string) (int, error) {
	var v int
	err := c.Get(name, &v)
	return v, err
}

// GetFloat reads a numeric entry.
func (c *TableCursor) GetFloat(name string) (float64, error) {
	var v float64
	err := c.Get(name, &v)
	return v, err
}

// GetString reads a string entry.
func (c *TableCursor) GetString(name string) (string, error) {
	var v string
	err := c.Get(name, &v)
	return v, err
}

// GetEntry pushes the value stored under name.
func (c *TableCursor) GetEntry(name string) error {
	lv, err := c.lookup(name)
	if err != nil {
		return err
	}
	if lv == lua.LNil {
		SetLastError(c.L, fmt.Sprintf("no entry '%s'", name))
		return NewError(c.L, KindKeyNotFound, fmt.Sprintf("failed to get '%s' table entry", name))
	}
	c.L.Push(lv)
	return nil
}

// Keys returns the string keys of the table in iteration order.
func (c *TableCursor) Keys() ([]string, error) {
	guard := NewStackGuard(c.L)
	defer guard.Restore()

	tbl := c.Table()
	var keys []string
	c.L.Push(lua.LNil)
	for {
		k, _ := c.L.Next(tbl, c.L.Get(-1))
		c.L.Pop(1)
		if k == lua.LNil {
			break
		}
		c.L.Push(k)
		s, ok := k.(lua.LString)
		if !ok {
			SetLastError(c.L, fmt.Sprintf("key %s is a %s", Repr(k), k.Type()))
			return nil, NewError(c.L, KindTypeMismatch, "Couldn't get string value for key")
		}
		keys = append(keys, string(s))
	}
	return keys, nil
}

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

// Store converts v with ToLValue and stores it under name.
func (c *TableCursor) Store(name string, v any) error {
	lv, err := ToLValue(c.L, v)
	if err != nil {
		return err
	}
	c.StoreValue(name, lv)
	return nil
}

// StoreValue stores lv under name.
func (c *TableCursor) StoreValue(name string, lv lua.LValue) {
	c.L.SetField(c.Table(), name, lv)
}

// StoreObject stores the value held by obj under name. The handle keeps
// its reference.
func (c *TableCursor) StoreObject(name string, obj *Object) {
	c.StoreValue(name, obj.Value())
}

// DeleteEntry removes name. Deleting a missing entry does nothing.
func (c *TableCursor) DeleteEntry(name string) {
	tbl := c.Table()
	if tbl.RawGetString(name) != lua.LNil {
		tbl.RawSetString(name, lua.LNil)
	}
}

// RenameEntry moves the value under oldName to newName.
func (c *TableCursor) RenameEntry(oldName, newName string) error {
	guard := NewStackGuard(c.L)
	defer guard.Restore()

	tbl := c.Table()
	lv := tbl.RawGetString(oldName)
	if lv == lua.LNil {
		SetLastError(c.L, fmt.Sprintf("no entry '%s'", oldName))
		return NewError(c.L, KindKeyNotFound, fmt.Sprintf("Couldn't find '%s' entry in table", oldName))
	}
	c.L.Push(lv)
	tbl.RawSetString(oldName, lua.LNil)
	tbl.RawSetString(newName, c.L.Get(-1))
	return nil
}

// ---------------------------------------------------------------------------
// Nested tables and arrays
// ---------------------------------------------------------------------------

// CreateTable stores a new table under name and returns a cursor on it,
// pushed above this one.
func (c *TableCursor) CreateTable(name string) (*TableCursor, error) {
	if name == "" {
		SetLastError(c.L, "empty table name")
		return nil, NewError(c.L, KindTableOperationFailed, "Failed to create '' table entry")
	}
	tbl := c.L.NewTable()
	c.StoreValue(name, tbl)
	return pushTable(c.host, c.L, tbl), nil
}

// CreateOrGetTable opens the table under name, creating it when absent.
func (c *TableCursor) CreateOrGetTable(name string) (*TableCursor, error) {
	switch lv := c.Table().RawGetString(name).(type) {
	case *lua.LTable:
		return pushTable(c.host, c.L, lv), nil
	case *lua.LNilType:
		return c.CreateTable(name)
	default:
		SetLastError(c.L, fmt.Sprintf("entry '%s' is a %s", name, lv.Type()))
		return nil, NewError(c.L, KindTableOperationFailed, fmt.Sprintf("Failed to create '%s' table entry", name))
	}
}

// OpenChild returns a cursor on the existing table under name.
func (c *TableCursor) OpenChild(name string) (*TableCursor, error) {
	lv, err := c.child(name, "table")
	if err != nil {
		return nil, err
	}
	return pushTable(c.host, c.L, lv), nil
}

// CreateArray stores a new empty sequence under name.
func (c *TableCursor) CreateArray(name string) (*ArrayCursor, error) {
	tc, err := c.CreateTable(name)
	if err != nil {
		return nil, err
	}
	return &ArrayCursor{TableCursor: *tc}, nil
}

// OpenArray returns a cursor on the sequence under name.
func (c *TableCursor) OpenArray(name string) (*ArrayCursor, error) {
	lv, err := c.child(name, "array")
	if err != nil {
		return nil, err
	}
	if !isSequence(lv) {
		SetLastError(c.L, fmt.Sprintf("entry '%s' is not a sequence", name))
		return nil, NewError(c.L, KindTypeMismatch, fmt.Sprintf("Couldn't get array value for '%s' from table", name))
	}
	return &ArrayCursor{TableCursor: *pushTable(c.host, c.L, lv)}, nil
}

func (c *TableCursor) child(name, kind string) (*lua.LTable, error) {
	lv, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	if lv == lua.LNil {
		SetLastError(c.L, fmt.Sprintf("no entry '%s'", name))
		return nil, NewError(c.L, KindKeyNotFound, fmt.Sprintf("failed to get '%s' table entry", name))
	}
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		SetLastError(c.L, fmt.Sprintf("entry '%s' is a %s", name, lv.Type()))
		return nil, NewError(c.L, KindTypeMismatch, fmt.Sprintf("Couldn't get %s value for '%s' from table", kind, name))
	}
	return tbl, nil
}

// ---------------------------------------------------------------------------
// Native functions
// ---------------------------------------------------------------------------

// Function is a native callback. The table it was stored in is at stack
// position 1 and the script's arguments follow from position 2. It returns
// the number of results it pushed, or the result of Suspend. A non-nil
// error is raised in the calling script.
type Function func(h *Host, L *lua.LState) (int, error)

// StoreFunction registers fn under name. A non-empty mask is checked before
// every call and a mismatch is raised in the script without running fn.
func (c *TableCursor) StoreFunction(name, mask string, fn Function) error {
	tm, err := ParseTypeMask(mask)
	if err != nil {
		SetLastError(c.L, err.Error())
		return NewError(c.L, KindTableOperationFailed, fmt.Sprintf("Failed to create '%s' function entry", name))
	}
	self := c.Table()
	h := c.host
	c.StoreValue(name, c.L.NewFunction(func(L *lua.LState) int {
		return callNative(h, L, self, tm, fn)
	}))
	return nil
}

func callNative(h *Host, L *lua.LState, self *lua.LTable, tm *TypeMask, fn Function) int {
	L.Insert(self, 1)
	if err := tm.Check(L); err != nil {
		SetLastError(L, err.Error())
		L.RaiseError("%s", err.Error())
	}
	if h == nil {
		h = HostOf(L)
	}
	n, err := fn(h, L)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	return n
}
