package vm

import (
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// RefTable: reference counts that pin VM values for host handles
// ---------------------------------------------------------------------------

// RefTable maps VM values to the number of host handles holding them.
// A value with a positive count is reachable from the table and therefore
// survives collection no matter where it sits on the stack.
type RefTable struct {
	mu     sync.Mutex
	counts map[lua.LValue]int
}

// NewRefTable creates an empty reference table.
func NewRefTable() *RefTable {
	return &RefTable{counts: make(map[lua.LValue]int)}
}

// AddRef increments the count for v and returns the new count. Nil is
// never counted.
func (r *RefTable) AddRef(v lua.LValue) int {
	if v == nil || v == lua.LNil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[v]++
	return r.counts[v]
}

// ReleaseRef decrements the count for v, dropping the pin when it reaches
// zero. Releasing an unpinned value is a no-op; the count never goes
// negative.
func (r *RefTable) ReleaseRef(v lua.LValue) int {
	if v == nil || v == lua.LNil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[v]
	if !ok {
		return 0
	}
	n--
	if n <= 0 {
		delete(r.counts, v)
		return 0
	}
	r.counts[v] = n
	return n
}

// RefCount returns the current count for v.
func (r *RefTable) RefCount(v lua.LValue) int {
	if v == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[v]
}

// Len returns the number of pinned values.
func (r *RefTable) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}

// Clear drops every pin. Used when the host closes.
func (r *RefTable) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.counts)
	r.counts = make(map[lua.LValue]int)
	return n
}
