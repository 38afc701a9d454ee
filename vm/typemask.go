package vm

import (
	"fmt"
	"strings"
	"unsafe"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// TypeMask: positional argument checks for native functions
// ---------------------------------------------------------------------------

// kindBit is one acceptable kind in a mask position.
type kindBit uint32

const (
	kindNull kindBit = 1 << iota
	kindInteger
	kindFloat
	kindString
	kindTable
	kindArray
	kindUserData
	kindClosure
	kindGenerator
	kindPointer
	kindThread
	kindInstance
	kindClass
	kindBool
	kindAny kindBit = 1<<31 - 1
)

var maskChars = map[rune]kindBit{
	'o': kindNull,
	'i': kindInteger,
	'f': kindFloat,
	'n': kindInteger | kindFloat,
	's': kindString,
	't': kindTable,
	'a': kindArray,
	'u': kindUserData,
	'c': kindClosure,
	'g': kindGenerator,
	'p': kindPointer,
	'v': kindThread,
	'x': kindInstance,
	'y': kindClass,
	'b': kindBool,
	'.': kindAny,
}

// TypeMask is a parsed mask: one entry for the receiver ("this") followed
// by one entry per parameter.
type TypeMask struct {
	source    string
	positions []kindBit
}

// ParseTypeMask parses a mask string. Spaces are ignored and '|' joins the
// kinds on either side into one position; '.' stands alone. The empty string yields a nil
// mask, which accepts any call.
func ParseTypeMask(mask string) (*TypeMask, error) {
	if strings.TrimSpace(mask) == "" {
		return nil, nil
	}
	tm := &TypeMask{source: mask}
	alternate := false
	for i, r := range mask {
		switch {
		case r == ' ':
			continue
		case r == '|':
			if len(tm.positions) == 0 || alternate {
				return nil, fmt.Errorf("typemask %q: misplaced '|' at %d", mask, i)
			}
			if tm.positions[len(tm.positions)-1] == kindAny {
				return nil, fmt.Errorf("typemask %q: '.' cannot take alternatives at %d", mask, i)
			}
			alternate = true
		default:
			bit, ok := maskChars[r]
			if !ok {
				return nil, fmt.Errorf("typemask %q: unknown kind %q at %d", mask, r, i)
			}
			if alternate {
				if bit == kindAny {
					return nil, fmt.Errorf("typemask %q: '.' cannot take alternatives at %d", mask, i)
				}
				tm.positions[len(tm.positions)-1] |= bit
				alternate = false
			} else {
				tm.positions = append(tm.positions, bit)
			}
		}
	}
	if alternate {
		return nil, fmt.Errorf("typemask %q: trailing '|'", mask)
	}
	return tm, nil
}

// String returns the mask as written.
func (tm *TypeMask) String() string {
	if tm == nil {
		return ""
	}
	return tm.source
}

// Params returns the number of positions, receiver included.
func (tm *TypeMask) Params() int {
	if tm == nil {
		return 0
	}
	return len(tm.positions)
}

// Check validates the stack of L (receiver at 1, arguments after it).
// On mismatch it returns the message a script sees.
func (tm *TypeMask) Check(L *lua.LState) error {
	if tm == nil {
		return nil
	}
	top := L.GetTop()
	if top != len(tm.positions) {
		return fmt.Errorf("wrong number of parameters (got %d, expected %d)", top-1, len(tm.positions)-1)
	}
	for i, want := range tm.positions {
		lv := L.Get(i + 1)
		if kindOf(lv)&want == 0 {
			return fmt.Errorf("parameter %d has an invalid type '%s' ; expected: '%s'",
				i, typeName(lv), describeKinds(want))
		}
	}
	return nil
}

// kindOf returns every mask kind lv satisfies.
func kindOf(lv lua.LValue) kindBit {
	switch v := lv.(type) {
	case *lua.LNilType:
		return kindNull
	case lua.LBool:
		return kindBool
	case lua.LNumber:
		if isIntegral(v) {
			return kindInteger | kindFloat
		}
		return kindFloat
	case lua.LString:
		return kindString
	case *lua.LTable:
		bits := kindTable
		if isSequence(v) {
			bits |= kindArray
		}
		if mt, ok := v.Metatable.(*lua.LTable); ok && mt != nil {
			bits |= kindInstance
		}
		if idx, ok := v.RawGetString("__index").(*lua.LTable); ok && idx == v {
			bits |= kindClass
		}
		return bits
	case *lua.LFunction:
		return kindClosure
	case *lua.LUserData:
		bits := kindUserData
		switch v.Value.(type) {
		case unsafe.Pointer, uintptr:
			bits |= kindPointer
		}
		return bits
	case *lua.LState:
		bits := kindThread
		if !v.Dead {
			bits |= kindGenerator
		}
		return bits
	}
	return 0
}

// isSequence reports whether every key of tbl is an index 1..n with no
// holes. The empty table is a sequence.
func isSequence(tbl *lua.LTable) bool {
	n := tbl.Len()
	count := 0
	ok := true
	tbl.ForEach(func(k, _ lua.LValue) {
		count++
		num, isNum := k.(lua.LNumber)
		if !isNum || !isIntegral(num) || int(num) < 1 || int(num) > n {
			ok = false
		}
	})
	return ok && count == n
}

func typeName(lv lua.LValue) string {
	switch v := lv.(type) {
	case lua.LNumber:
		if isIntegral(v) {
			return "integer"
		}
		return "float"
	case *lua.LTable:
		if isSequence(v) && v.Len() > 0 {
			return "array"
		}
	}
	return lv.Type().String()
}

var kindNames = []struct {
	bit  kindBit
	name string
}{
	{kindNull, "null"}, {kindInteger, "integer"}, {kindFloat, "float"},
	{kindString, "string"}, {kindTable, "table"}, {kindArray, "array"},
	{kindUserData, "userdata"}, {kindClosure, "closure"},
	{kindGenerator, "generator"}, {kindPointer, "userpointer"},
	{kindThread, "thread"}, {kindInstance, "instance"}, {kindClass, "class"},
	{kindBool, "bool"},
}

func describeKinds(bits kindBit) string {
	if bits == kindAny {
		return "any"
	}
	var names []string
	for _, kn := range kindNames {
		if bits&kn.bit != 0 {
			names = append(names, kn.name)
		}
	}
	return strings.Join(names, "|")
}
