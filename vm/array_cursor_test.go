package vm

import (
	"errors"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func newArray(t *testing.T, h *Host, values ...any) *ArrayCursor {
	t.Helper()
	if err := Push(h.L, values); err != nil {
		t.Fatalf("Push: %v", err)
	}
	a, err := OpenArray(h, -1)
	if err != nil {
		t.Fatalf("OpenArray: %v", err)
	}
	t.Cleanup(a.End)
	return a
}

func arrayInts(t *testing.T, a *ArrayCursor) []int {
	t.Helper()
	out := make([]int, a.Size())
	for i := range out {
		if err := a.Get(i, &out[i]); err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Growing and shrinking
// ---------------------------------------------------------------------------

func TestArrayAppendInsertRemove(t *testing.T) {
	h := newTestHost(t)
	a := newArray(t, h)

	a.Append(1)
	a.Append(3)
	if err := a.Insert(1, 2); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := a.Insert(3, 4); err != nil {
		t.Fatalf("Insert at end: %v", err)
	}
	if got := arrayInts(t, a); !equalInts(got, []int{1, 2, 3, 4}) {
		t.Errorf("after inserts = %v", got)
	}

	if err := a.Remove(0); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := arrayInts(t, a); !equalInts(got, []int{2, 3, 4}) {
		t.Errorf("after Remove(0) = %v", got)
	}

	v, err := a.Pop()
	if err != nil || v != lua.LNumber(4) {
		t.Errorf("Pop() = %v, %v", v, err)
	}
	if a.Size() != 2 {
		t.Errorf("Size() = %d, want 2", a.Size())
	}
}

func TestArrayOutOfRange(t *testing.T) {
	h := newTestHost(t)
	a := newArray(t, h, 1, 2)

	err := a.Insert(5, 9)
	if !errors.Is(err, ErrTableOperationFailed) {
		t.Fatalf("Insert(5) = %v", err)
	}
	if err.Error() != "failed to insert item into array (index out of range (5, size 2))" {
		t.Errorf("error = %q", err.Error())
	}
	if err := a.Remove(2); err == nil {
		t.Error("Remove(size) should fail")
	}
	if err := a.Set(-1, 1); err == nil {
		t.Error("Set(-1) should fail")
	}

	var n int
	err = a.Get(2, &n)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(2) = %v, want KeyNotFound", err)
	}
}

func TestArrayRejectsNil(t *testing.T) {
	h := newTestHost(t)
	a := newArray(t, h, 1)

	if err := a.Append(nil); err == nil {
		t.Error("Append(nil) should fail")
	}
	if err := a.Set(0, nil); err == nil {
		t.Error("Set(nil) should fail")
	}
	if a.Size() != 1 {
		t.Errorf("Size() = %d, failed writes must not change the array", a.Size())
	}
}

func TestArrayPopEmpty(t *testing.T) {
	h := newTestHost(t)
	a := newArray(t, h)
	_, err := a.Pop()
	if err == nil || !strings.Contains(err.Error(), "array is empty") {
		t.Errorf("Pop() on empty = %v", err)
	}
}

func TestArrayResize(t *testing.T) {
	h := newTestHost(t)
	a := newArray(t, h, 1, 2, 3)

	if err := a.Resize(5, 0); err != nil {
		t.Fatalf("Resize(5): %v", err)
	}
	if got := arrayInts(t, a); !equalInts(got, []int{1, 2, 3, 0, 0}) {
		t.Errorf("after grow = %v", got)
	}
	if err := a.Resize(2, nil); err != nil {
		t.Fatalf("Resize(2): %v", err)
	}
	if got := arrayInts(t, a); !equalInts(got, []int{1, 2}) {
		t.Errorf("after shrink = %v", got)
	}
	if err := a.Resize(4, nil); err == nil {
		t.Error("growing with a nil fill should fail")
	}
	if err := a.Resize(-1, 0); err == nil {
		t.Error("negative size should fail")
	}
}

func TestArrayReverseClear(t *testing.T) {
	h := newTestHost(t)
	a := newArray(t, h, 1, 2, 3, 4)

	if err := a.Reverse(); err != nil {
		t.Fatal(err)
	}
	if got := arrayInts(t, a); !equalInts(got, []int{4, 3, 2, 1}) {
		t.Errorf("after Reverse = %v", got)
	}
	if err := a.Clear(); err != nil {
		t.Fatal(err)
	}
	if a.Size() != 0 {
		t.Errorf("Size() after Clear = %d", a.Size())
	}
}

// ---------------------------------------------------------------------------
// Access
// ---------------------------------------------------------------------------

func TestArraySetGet(t *testing.T) {
	h := newTestHost(t)
	a := newArray(t, h, "a", "b")

	if err := a.Set(1, "z"); err != nil {
		t.Fatal(err)
	}
	var s string
	if err := a.Get(1, &s); err != nil || s != "z" {
		t.Errorf("Get(1) = %q, %v", s, err)
	}

	var n int
	err := a.Get(0, &n)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("Get(string as int) = %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Couldn't get integer value for item 0 from array") {
		t.Errorf("error = %q", err.Error())
	}

	values := a.Values()
	if len(values) != 2 || values[0] != lua.LString("a") {
		t.Errorf("Values() = %v", values)
	}
}

func TestOpenArrayRejectsMap(t *testing.T) {
	h := newTestHost(t)
	defer h.L.SetTop(0)
	Push(h.L, map[string]int{"x": 1})
	if _, err := OpenArray(h, -1); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("OpenArray(map) = %v", err)
	}
}

func TestCreateArrayChild(t *testing.T) {
	h := newTestHost(t)
	c := newCursor(t, h)

	arr, err := c.CreateArray("items")
	if err != nil {
		t.Fatal(err)
	}
	arr.Append("x")
	arr.End()

	again, err := c.OpenArray("items")
	if err != nil {
		t.Fatalf("OpenArray: %v", err)
	}
	defer again.End()
	if again.Size() != 1 {
		t.Errorf("Size() = %d, want 1", again.Size())
	}
}
