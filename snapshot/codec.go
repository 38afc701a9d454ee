// Package snapshot saves the plain-data part of a script table and stores
// such snapshots by name.
package snapshot

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/chazu/lurk/vm"
	"github.com/fxamacker/cbor/v2"
	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds table nesting; deeper tables are most likely cyclic.
const maxDepth = 64

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// SaveTable encodes the string-keyed entries of the cursor's table.
// Booleans, numbers, strings and nested tables are kept; functions,
// threads and userdata are skipped. Sequences are encoded as arrays.
func SaveTable(c *vm.TableCursor) ([]byte, error) {
	root, err := encodeTable(c.Table(), 0)
	if err != nil {
		return nil, err
	}
	m, ok := root.(map[string]any)
	if !ok {
		// A sequence at the root has no names to restore into.
		return nil, fmt.Errorf("snapshot: root table is a sequence")
	}
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode table: %w", err)
	}
	return data, nil
}

// LoadTable decodes data and stores every entry in the cursor's table,
// replacing entries of the same name.
func LoadTable(c *vm.TableCursor, data []byte) error {
	var entries map[string]any
	if err := decMode.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("snapshot: decode table: %w", err)
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.Store(name, entries[name]); err != nil {
			return fmt.Errorf("snapshot: restore %q: %w", name, err)
		}
	}
	return nil
}

func encodeTable(tbl *lua.LTable, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("snapshot: tables nested deeper than %d", maxDepth)
	}
	if n := tbl.Len(); n > 0 && isSequence(tbl, n) {
		seq := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			v, ok, err := encodeValue(tbl.RawGetInt(i), depth)
			if err != nil {
				return nil, err
			}
			if !ok {
				// Dropping an element would shift the ones after it.
				return nil, fmt.Errorf("snapshot: sequence element %d is a %s", i, tbl.RawGetInt(i).Type())
			}
			seq = append(seq, v)
		}
		return seq, nil
	}

	m := make(map[string]any)
	var failed error
	tbl.ForEach(func(k, lv lua.LValue) {
		if failed != nil {
			return
		}
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		v, ok, err := encodeValue(lv, depth)
		if err != nil {
			failed = err
			return
		}
		if ok {
			m[string(name)] = v
		}
	})
	if failed != nil {
		return nil, failed
	}
	return m, nil
}

// encodeValue converts lv, reporting false for kinds a snapshot skips.
func encodeValue(lv lua.LValue, depth int) (any, bool, error) {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v), true, nil
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), true, nil
		}
		return f, true, nil
	case lua.LString:
		return string(v), true, nil
	case *lua.LTable:
		t, err := encodeTable(v, depth+1)
		if err != nil {
			return nil, false, err
		}
		return t, true, nil
	}
	return nil, false, nil
}

func isSequence(tbl *lua.LTable, n int) bool {
	count := 0
	ok := true
	tbl.ForEach(func(k, _ lua.LValue) {
		count++
		num, isNum := k.(lua.LNumber)
		if !isNum || float64(num) != math.Trunc(float64(num)) || int(num) < 1 || int(num) > n {
			ok = false
		}
	})
	return ok && count == n
}
