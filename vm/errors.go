package vm

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// Error: the single structured error surfaced across the runtime
// ---------------------------------------------------------------------------

// ErrorKind classifies an Error by the call site that produced it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTypeMismatch
	KindCompileError
	KindRuntimeScriptError
	KindWakeupError
	KindKeyNotFound
	KindTableOperationFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindCompileError:
		return "CompileError"
	case KindRuntimeScriptError:
		return "RuntimeScriptError"
	case KindWakeupError:
		return "WakeupError"
	case KindKeyNotFound:
		return "KeyNotFound"
	case KindTableOperationFailed:
		return "TableOperationFailed"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrTypeMismatch         = &Error{Kind: KindTypeMismatch}
	ErrCompile              = &Error{Kind: KindCompileError}
	ErrRuntimeScript        = &Error{Kind: KindRuntimeScriptError}
	ErrWakeup               = &Error{Kind: KindWakeupError}
	ErrKeyNotFound          = &Error{Kind: KindKeyNotFound}
	ErrTableOperationFailed = &Error{Kind: KindTableOperationFailed}
)

// Error carries a message composed with the state's last error at the time
// the error was built. Its text is "<message> (<last error or null>)".
type Error struct {
	Kind      ErrorKind
	Message   string
	LastError string // "null" when the state had no last error
	Cause     error
}

// NewError builds an Error from the last error recorded on L. Reading the
// last error never changes the stack depth of L.
func NewError(L *lua.LState, kind ErrorKind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		LastError: lastErrorString(L),
	}
}

// Errorf is NewError with a formatted message.
func Errorf(L *lua.LState, kind ErrorKind, format string, args ...any) *Error {
	return NewError(L, kind, fmt.Sprintf(format, args...))
}

// wrapError is NewError with a cause attached.
func wrapError(L *lua.LState, kind ErrorKind, cause error, message string) *Error {
	e := NewError(L, kind, message)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	last := e.LastError
	if last == "" {
		last = "null"
	}
	return fmt.Sprintf("%s (%s)", e.Message, last)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// lastErrorString converts the last error of L to display text, honouring
// __tostring. The value is pushed for the conversion and the stack is
// restored before returning.
func lastErrorString(L *lua.LState) string {
	if L == nil || L.IsClosed() {
		return "null"
	}
	lv := lastErrorOf(L)
	if lv == nil || lv == lua.LNil {
		return "null"
	}
	if s, ok := lv.(lua.LString); ok {
		return string(s)
	}

	guard := NewStackGuard(L)
	defer guard.Restore()

	L.Push(lv)
	return L.ToStringMeta(L.Get(-1)).String()
}

// lastErrorOf returns the last error value recorded for L, or nil.
func lastErrorOf(L *lua.LState) lua.LValue {
	if sc := stateContextOf(L); sc != nil {
		return sc.lastError
	}
	return nil
}

// setLastError records lv as the last error of L.
func setLastError(L *lua.LState, lv lua.LValue) {
	if sc := stateContextOf(L); sc != nil {
		sc.lastError = lv
	}
}

// SetLastError records msg as the last error of L. Native code uses it to
// explain a failure before building an Error.
func SetLastError(L *lua.LState, msg string) {
	setLastError(L, lua.LString(msg))
}

// ClearLastError forgets the last error of L.
func ClearLastError(L *lua.LState) {
	setLastError(L, nil)
}
