package vm

import (
	"errors"
	"math"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// Push / Unpack round trips
// ---------------------------------------------------------------------------

func TestPushUnpackScalars(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, true)
	Push(L, 42)
	Push(L, int64(-7))
	Push(L, 2.5)
	Push(L, "hello")
	Push(L, nil)

	if b, err := UnpackBool(L, 1); err != nil || !b {
		t.Errorf("UnpackBool = %v, %v", b, err)
	}
	if n, err := UnpackInt(L, 2); err != nil || n != 42 {
		t.Errorf("UnpackInt = %v, %v", n, err)
	}
	if n, err := UnpackInt64(L, 3); err != nil || n != -7 {
		t.Errorf("UnpackInt64 = %v, %v", n, err)
	}
	if f, err := UnpackFloat(L, 4); err != nil || f != 2.5 {
		t.Errorf("UnpackFloat = %v, %v", f, err)
	}
	if s, err := UnpackString(L, -2); err != nil || s != "hello" {
		t.Errorf("UnpackString(-2) = %q, %v", s, err)
	}
	if v, err := UnpackValue(L, 6); err != nil || v != lua.LNil {
		t.Errorf("UnpackValue(nil) = %v, %v", v, err)
	}
}

func TestUnpackIntAcceptsIntegralFloat(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, 3.0)
	if n, err := UnpackInt(L, 1); err != nil || n != 3 {
		t.Errorf("UnpackInt(3.0) = %v, %v", n, err)
	}
	if f, err := UnpackFloat(L, 1); err != nil || f != 3 {
		t.Errorf("UnpackFloat(3) = %v, %v", f, err)
	}
}

func TestUnpackGeneric(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, 9)
	Push(L, "s")
	if n, err := Unpack[int32](L, 1); err != nil || n != 9 {
		t.Errorf("Unpack[int32] = %v, %v", n, err)
	}
	if s, err := Unpack[string](L, 2); err != nil || s != "s" {
		t.Errorf("Unpack[string] = %v, %v", s, err)
	}
	if _, err := Unpack[bool](L, 2); err == nil {
		t.Error("Unpack[bool] of a string should fail")
	}
}

// ---------------------------------------------------------------------------
// Mismatches
// ---------------------------------------------------------------------------

func TestUnpackMismatch(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, "text")
	_, err := UnpackInt(L, 1)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("UnpackInt(string) = %v, want TypeMismatch", err)
	}
	want := "failed to retrieve integer (expected integer at position 1, got string)"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
	if L.GetTop() != 1 {
		t.Errorf("top = %d, mismatch must not change the stack", L.GetTop())
	}
}

func TestUnpackFractionalAsInt(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, 1.5)
	if _, err := UnpackInt(L, 1); err == nil {
		t.Error("UnpackInt(1.5) should fail")
	}
}

func TestUnpackIntOutOfRange(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	for _, n := range []float64{1e300, 9.3e18, -1e19, math.Exp2(63)} {
		L.SetTop(0)
		L.Push(lua.LNumber(n))
		v, err := UnpackInt64(L, -1)
		if !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("UnpackInt64(%g) = %d, %v; want TypeMismatch", n, v, err)
			continue
		}
		if !strings.Contains(h.LastError(), "out of integer range") {
			t.Errorf("UnpackInt64(%g) last error = %q", n, h.LastError())
		}
		if _, err := UnpackInt(L, -1); err == nil {
			t.Errorf("UnpackInt(%g) should fail", n)
		}
		var dst int
		if err := UnpackArgs(L, 1, &dst); err == nil {
			t.Errorf("UnpackArgs(%g) into int should fail", n)
		}
	}

	L.SetTop(0)
	L.Push(lua.LNumber(math.MinInt64))
	if v, err := UnpackInt64(L, 1); err != nil || v != math.MinInt64 {
		t.Errorf("UnpackInt64(MinInt64) = %d, %v", v, err)
	}
}

func TestUnpackInt32Range(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	L.Push(lua.LNumber(3e9))
	L.Push(lua.LNumber(-2147483648))
	if _, err := Unpack[int32](L, 1); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Unpack[int32](3e9) err = %v, want TypeMismatch", err)
	}
	if v, err := Unpack[int32](L, 2); err != nil || v != math.MinInt32 {
		t.Errorf("Unpack[int32](MinInt32) = %d, %v", v, err)
	}
}

func TestUnpackStringDoesNotCoerce(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, 12)
	if _, err := UnpackString(L, 1); err == nil {
		t.Error("UnpackString(12) should fail")
	}
}

func TestUnpackOutsideStack(t *testing.T) {
	h := newTestHost(t)
	if _, err := UnpackValue(h.L, 3); err == nil {
		t.Error("UnpackValue past the top should fail")
	}
}

// ---------------------------------------------------------------------------
// Sequences
// ---------------------------------------------------------------------------

func TestPushSliceAndUnpackSlice(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, []int{1, 2, 3})
	got, err := UnpackSlice(L, 1, UnpackInt)
	if err != nil {
		t.Fatalf("UnpackSlice: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("UnpackSlice = %v", got)
	}
	if L.GetTop() != 1 {
		t.Errorf("top = %d, want 1", L.GetTop())
	}
}

func TestUnpackSliceHole(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	tbl := L.NewTable()
	tbl.RawSetInt(1, lua.LNumber(1))
	tbl.RawSetInt(3, lua.LNumber(3))
	L.Push(tbl)

	_, err := UnpackSlice(L, 1, UnpackInt)
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("UnpackSlice with hole = %v, want TypeMismatch", err)
	}
	if !strings.Contains(err.Error(), "holes") {
		t.Errorf("error = %q, should mention holes", err.Error())
	}
	if L.GetTop() != 1 {
		t.Errorf("top = %d, want 1", L.GetTop())
	}
}

func TestUnpackSliceBadElement(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, []any{1, "two", 3})
	if _, err := UnpackSlice(L, 1, UnpackInt); err == nil {
		t.Error("UnpackSlice with a string element should fail")
	}
	if L.GetTop() != 1 {
		t.Errorf("top = %d, want 1", L.GetTop())
	}
}

func TestPushSliceRejectsNil(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	if err := Push(L, []any{1, nil}); err == nil {
		t.Error("a nil element should be rejected")
	}
	if L.GetTop() != 0 {
		t.Errorf("top = %d, failed push must not leave a value", L.GetTop())
	}
}

func TestPushMap(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	if err := Push(L, map[string]int{"x": 1, "y": 2}); err != nil {
		t.Fatalf("Push(map): %v", err)
	}
	tbl, ok := L.Get(1).(*lua.LTable)
	if !ok {
		t.Fatalf("pushed %T, want table", L.Get(1))
	}
	if tbl.RawGetString("y") != lua.LNumber(2) {
		t.Errorf("y = %v", tbl.RawGetString("y"))
	}
	if err := Push(L, map[int]int{1: 1}); err == nil {
		t.Error("non-string map keys should be rejected")
	}
}

func TestPushUnsupported(t *testing.T) {
	h := newTestHost(t)
	if err := Push(h.L, struct{}{}); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Push(struct) = %v, want TypeMismatch", err)
	}
}

// ---------------------------------------------------------------------------
// UnpackArgs
// ---------------------------------------------------------------------------

func TestUnpackArgs(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, "name")
	Push(L, 3)
	Push(L, 0.5)
	Push(L, []string{"a", "b"})

	var (
		name  string
		count int
		ratio float64
		tags  []string
	)
	if err := UnpackArgs(L, 1, &name, &count, &ratio, &tags); err != nil {
		t.Fatalf("UnpackArgs: %v", err)
	}
	if name != "name" || count != 3 || ratio != 0.5 || len(tags) != 2 {
		t.Errorf("got %q %d %v %v", name, count, ratio, tags)
	}

	var wrong bool
	if err := UnpackArgs(L, 1, &wrong); err == nil {
		t.Error("UnpackArgs(bool) of a string should fail")
	}
}

func TestPushSpecialFloats(t *testing.T) {
	h := newTestHost(t)
	L := h.L
	defer L.SetTop(0)

	Push(L, math.Inf(1))
	if _, err := UnpackInt(L, 1); err == nil {
		t.Error("+Inf is not an integer")
	}
	if f, err := UnpackFloat(L, 1); err != nil || !math.IsInf(f, 1) {
		t.Errorf("UnpackFloat(+Inf) = %v, %v", f, err)
	}
}
