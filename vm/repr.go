package vm

import (
	"fmt"
	"io"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// Repr: readable renderings of VM values
// ---------------------------------------------------------------------------

// Repr renders lv the way a REPL would echo it: strings quoted and
// escaped, sequences as [a, b], other tables as {k: v}.
func Repr(lv lua.LValue) string {
	var sb strings.Builder
	writeRepr(&sb, lv, make(map[*lua.LTable]bool))
	return sb.String()
}

// ToString renders lv for printing: strings verbatim, everything else as
// Repr.
func ToString(lv lua.LValue) string {
	if s, ok := lv.(lua.LString); ok {
		return string(s)
	}
	return Repr(lv)
}

// ReprAt is Repr for a stack slot.
func ReprAt(L *lua.LState, idx int) string {
	return Repr(L.Get(idx))
}

// PrintStack writes one line per stack slot, bottom first: "#i  repr".
func PrintStack(L *lua.LState, w io.Writer) {
	top := L.GetTop()
	for i := 1; i <= top; i++ {
		fmt.Fprintf(w, "#%d  %s\n", i, ReprAt(L, i))
	}
}

func writeRepr(sb *strings.Builder, lv lua.LValue, seen map[*lua.LTable]bool) {
	switch v := lv.(type) {
	case *lua.LNilType:
		sb.WriteString("nil")
	case lua.LBool:
		if v {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case lua.LNumber:
		sb.WriteString(v.String())
	case lua.LString:
		writeQuoted(sb, string(v))
	case *lua.LTable:
		if seen[v] {
			fmt.Fprintf(sb, "<cycle:%p>", v)
			return
		}
		seen[v] = true
		defer delete(seen, v)
		if v.Len() > 0 && isSequence(v) {
			sb.WriteByte('[')
			for i := 1; i <= v.Len(); i++ {
				if i > 1 {
					sb.WriteString(", ")
				}
				writeRepr(sb, v.RawGetInt(i), seen)
			}
			sb.WriteByte(']')
			return
		}
		sb.WriteByte('{')
		first := true
		for k, val := v.Next(lua.LNil); k != lua.LNil; k, val = v.Next(k) {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			writeRepr(sb, k, seen)
			sb.WriteString(": ")
			writeRepr(sb, val, seen)
		}
		sb.WriteByte('}')
	case *lua.LFunction:
		if v.IsG {
			sb.WriteString("<native closure>")
		} else {
			fmt.Fprintf(sb, "<closure:%s:%d>", v.Proto.SourceName, v.Proto.LineDefined)
		}
	case *lua.LUserData:
		fmt.Fprintf(sb, "<userdata:%p:%T>", v, v.Value)
	case *lua.LState:
		fmt.Fprintf(sb, "<thread:%p>", v)
	case lua.LChannel:
		fmt.Fprintf(sb, "<channel:%p>", v)
	default:
		sb.WriteString("<unknown>")
	}
}

func writeQuoted(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\t':
			sb.WriteString(`\t`)
		case '\a':
			sb.WriteString(`\a`)
		case '\b':
			sb.WriteString(`\b`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\v':
			sb.WriteString(`\v`)
		case '\f':
			sb.WriteString(`\f`)
		case 0:
			sb.WriteString(`\0`)
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
}
