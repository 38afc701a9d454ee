package vm

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// Push: native values onto the stack
// ---------------------------------------------------------------------------

// Push converts v and places it on top of the stack. Supported are nil,
// booleans, every Go integer and float kind, strings, byte slices, slices
// and arrays of supported values (as sequence tables), maps keyed by
// strings, lua.LValue and *Object.
func Push(L *lua.LState, v any) error {
	lv, err := ToLValue(L, v)
	if err != nil {
		return err
	}
	L.Push(lv)
	return nil
}

// ToLValue converts a native value without touching the stack.
func ToLValue(L *lua.LState, v any) (lua.LValue, error) {
	switch x := v.(type) {
	case nil:
		return lua.LNil, nil
	case lua.LValue:
		return x, nil
	case *Object:
		return x.Value(), nil
	case bool:
		return lua.LBool(x), nil
	case int:
		return lua.LNumber(x), nil
	case int8:
		return lua.LNumber(x), nil
	case int16:
		return lua.LNumber(x), nil
	case int32:
		return lua.LNumber(x), nil
	case int64:
		return lua.LNumber(x), nil
	case uint:
		return lua.LNumber(x), nil
	case uint8:
		return lua.LNumber(x), nil
	case uint16:
		return lua.LNumber(x), nil
	case uint32:
		return lua.LNumber(x), nil
	case uint64:
		return lua.LNumber(x), nil
	case float32:
		return lua.LNumber(x), nil
	case float64:
		return lua.LNumber(x), nil
	case string:
		return lua.LString(x), nil
	case []byte:
		return lua.LString(x), nil
	case lua.LGFunction:
		return L.NewFunction(x), nil
	}
	return reflectToLValue(L, reflect.ValueOf(v))
}

func reflectToLValue(L *lua.LState, rv reflect.Value) (lua.LValue, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return L.CreateTable(0, 0), nil
		}
		tbl := L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			elem, err := ToLValue(L, rv.Index(i).Interface())
			if err != nil {
				return lua.LNil, err
			}
			if elem == lua.LNil {
				SetLastError(L, fmt.Sprintf("element %d is nil", i))
				return lua.LNil, NewError(L, KindTypeMismatch, "failed to push sequence")
			}
			tbl.RawSetInt(i+1, elem)
		}
		return tbl, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			SetLastError(L, "map key type "+rv.Type().Key().String())
			return lua.LNil, NewError(L, KindTypeMismatch, "failed to push map")
		}
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		tbl := L.CreateTable(0, len(keys))
		for _, k := range keys {
			elem, err := ToLValue(L, rv.MapIndex(k).Interface())
			if err != nil {
				return lua.LNil, err
			}
			tbl.RawSetString(k.String(), elem)
		}
		return tbl, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return lua.LNil, nil
		}
	case reflect.Invalid:
		return lua.LNil, nil
	}
	SetLastError(L, "unsupported type "+rv.Type().String())
	return lua.LNil, NewError(L, KindTypeMismatch, "failed to push value")
}

// ---------------------------------------------------------------------------
// Unpack: stack slots to native values
// ---------------------------------------------------------------------------

// absIndex turns a negative (top-relative) index into an absolute one.
func absIndex(L *lua.LState, idx int) int {
	if idx < 0 {
		return L.GetTop() + idx + 1
	}
	return idx
}

func mismatch(L *lua.LState, idx int, want string, got lua.LValue) *Error {
	SetLastError(L, fmt.Sprintf("expected %s at position %d, got %s", want, idx, got.Type().String()))
	return NewError(L, KindTypeMismatch, "failed to retrieve "+want)
}

// UnpackValue returns the raw value at idx.
func UnpackValue(L *lua.LState, idx int) (lua.LValue, error) {
	idx = absIndex(L, idx)
	if idx < 1 || idx > L.GetTop() {
		SetLastError(L, fmt.Sprintf("position %d outside stack of depth %d", idx, L.GetTop()))
		return lua.LNil, NewError(L, KindTypeMismatch, "failed to retrieve value")
	}
	return L.Get(idx), nil
}

// UnpackBool reads a boolean.
func UnpackBool(L *lua.LState, idx int) (bool, error) {
	lv, err := UnpackValue(L, idx)
	if err != nil {
		return false, err
	}
	b, ok := lv.(lua.LBool)
	if !ok {
		return false, mismatch(L, absIndex(L, idx), "bool", lv)
	}
	return bool(b), nil
}

// UnpackInt64 reads an integral number.
func UnpackInt64(L *lua.LState, idx int) (int64, error) {
	lv, err := UnpackValue(L, idx)
	if err != nil {
		return 0, err
	}
	n, ok := lv.(lua.LNumber)
	if !ok || !isIntegral(n) {
		return 0, mismatch(L, absIndex(L, idx), "integer", lv)
	}
	if f := float64(n); f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, outOfRange(L, absIndex(L, idx), "integer", n)
	}
	return int64(n), nil
}

// UnpackInt reads an integral number as int.
func UnpackInt(L *lua.LState, idx int) (int, error) {
	n, err := UnpackInt64(L, idx)
	if err != nil {
		return 0, err
	}
	if n < math.MinInt || n > math.MaxInt {
		return 0, outOfRange(L, absIndex(L, idx), "integer", lua.LNumber(n))
	}
	return int(n), nil
}

// UnpackInt32 reads an integral number that fits in 32 bits.
func UnpackInt32(L *lua.LState, idx int) (int32, error) {
	n, err := UnpackInt64(L, idx)
	if err != nil {
		return 0, err
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, outOfRange(L, absIndex(L, idx), "int32", lua.LNumber(n))
	}
	return int32(n), nil
}

func outOfRange(L *lua.LState, idx int, want string, n lua.LNumber) *Error {
	SetLastError(L, fmt.Sprintf("number %s at position %d is out of %s range", n.String(), idx, want))
	return NewError(L, KindTypeMismatch, "failed to retrieve "+want)
}

// UnpackFloat reads any number.
func UnpackFloat(L *lua.LState, idx int) (float64, error) {
	lv, err := UnpackValue(L, idx)
	if err != nil {
		return 0, err
	}
	n, ok := lv.(lua.LNumber)
	if !ok {
		return 0, mismatch(L, absIndex(L, idx), "float", lv)
	}
	return float64(n), nil
}

// UnpackString reads a string. Numbers are not coerced.
func UnpackString(L *lua.LState, idx int) (string, error) {
	lv, err := UnpackValue(L, idx)
	if err != nil {
		return "", err
	}
	s, ok := lv.(lua.LString)
	if !ok {
		return "", mismatch(L, absIndex(L, idx), "string", lv)
	}
	return string(s), nil
}

// Scalar lists the types Unpack understands.
type Scalar interface {
	bool | int | int32 | int64 | float32 | float64 | string
}

// Unpack reads the value at idx as T.
func Unpack[T Scalar](L *lua.LState, idx int) (T, error) {
	var out T
	var err error
	switch p := any(&out).(type) {
	case *bool:
		*p, err = UnpackBool(L, idx)
	case *int:
		*p, err = UnpackInt(L, idx)
	case *int32:
		*p, err = UnpackInt32(L, idx)
	case *int64:
		*p, err = UnpackInt64(L, idx)
	case *float32:
		var f float64
		f, err = UnpackFloat(L, idx)
		*p = float32(f)
	case *float64:
		*p, err = UnpackFloat(L, idx)
	case *string:
		*p, err = UnpackString(L, idx)
	}
	return out, err
}

// UnpackSlice reads a sequence table, converting each element with elem.
// It walks the table with the interpreter's next protocol (nil key, then
// advance until exhausted) and always leaves the stack as it found it.
func UnpackSlice[T any](L *lua.LState, idx int, elem func(*lua.LState, int) (T, error)) ([]T, error) {
	idx = absIndex(L, idx)
	guard := NewStackGuard(L)
	defer guard.Restore()

	lv, err := UnpackValue(L, idx)
	if err != nil {
		return nil, err
	}
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		return nil, mismatch(L, idx, "array", lv)
	}

	placed := make(map[int]T)
	maxIndex := 0
	L.Push(lua.LNil)
	for {
		k, v := L.Next(tbl, L.Get(-1))
		L.Pop(1)
		if k == lua.LNil {
			break
		}
		L.Push(k)
		L.Push(v)
		n, ok := k.(lua.LNumber)
		if !ok || !isIntegral(n) || n < 1 {
			SetLastError(L, "sequence key "+k.String()+" is not an index")
			return nil, NewError(L, KindTypeMismatch, "failed to retrieve array")
		}
		val, err := elem(L, -1)
		if err != nil {
			return nil, err
		}
		placed[int(n)] = val
		if int(n) > maxIndex {
			maxIndex = int(n)
		}
		L.Pop(1)
	}

	if maxIndex != len(placed) {
		SetLastError(L, fmt.Sprintf("sequence has holes (%d entries, highest index %d)", len(placed), maxIndex))
		return nil, NewError(L, KindTypeMismatch, "failed to retrieve array")
	}
	out := make([]T, maxIndex)
	for i, v := range placed {
		out[i-1] = v
	}
	return out, nil
}

// UnpackArgs fills dst from consecutive stack positions starting at base.
// Each element of dst is a pointer naming the expected kind.
func UnpackArgs(L *lua.LState, base int, dst ...any) error {
	for i, d := range dst {
		pos := base + i
		var err error
		switch p := d.(type) {
		case *bool:
			*p, err = UnpackBool(L, pos)
		case *int:
			*p, err = UnpackInt(L, pos)
		case *int64:
			*p, err = UnpackInt64(L, pos)
		case *float64:
			*p, err = UnpackFloat(L, pos)
		case *float32:
			var f float64
			f, err = UnpackFloat(L, pos)
			*p = float32(f)
		case *string:
			*p, err = UnpackString(L, pos)
		case *[]int:
			*p, err = UnpackSlice(L, pos, UnpackInt)
		case *[]float64:
			*p, err = UnpackSlice(L, pos, UnpackFloat)
		case *[]string:
			*p, err = UnpackSlice(L, pos, UnpackString)
		case *[]bool:
			*p, err = UnpackSlice(L, pos, UnpackBool)
		case *lua.LValue:
			*p, err = UnpackValue(L, pos)
		default:
			SetLastError(L, fmt.Sprintf("unsupported destination %T", d))
			err = NewError(L, KindTypeMismatch, "failed to unpack arguments")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func isIntegral(n lua.LNumber) bool {
	f := float64(n)
	return !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f)
}
