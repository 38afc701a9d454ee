package vm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// Debug events
// ---------------------------------------------------------------------------

// DebugEventKind names what the interpreter just did.
type DebugEventKind string

const (
	EventLine       DebugEventKind = "line"
	EventCall       DebugEventKind = "call"
	EventReturn     DebugEventKind = "return"
	EventBreakpoint DebugEventKind = "breakpoint"
)

// DebugEvent is delivered to a DebugHook.
type DebugEvent struct {
	Kind     DebugEventKind
	Source   string
	Line     int
	Function string
}

func (e DebugEvent) String() string {
	return fmt.Sprintf("%s: %s:%d:%s", e.Kind, e.Source, e.Line, e.Function)
}

// DebugHook receives events while it is installed on a host.
type DebugHook func(DebugEvent)

// ---------------------------------------------------------------------------
// hookTracer: turns per-instruction callbacks into line/call/return events
// ---------------------------------------------------------------------------

const maxTracedDepth = 200

type frameMark struct {
	source   string
	function string
	line     int
	fn       lua.LValue
}

type hookTracer struct {
	hook   DebugHook
	frames []frameMark // outermost first
}

func newHookTracer(hook DebugHook) *hookTracer {
	return &hookTracer{hook: hook}
}

// step compares the current call stack of L with the previous one and
// reports the difference.
func (t *hookTracer) step(L *lua.LState) {
	if L.IsClosed() {
		return
	}
	current := snapshotFrames(L)

	common := 0
	for common < len(current) && common < len(t.frames) && current[common].fn == t.frames[common].fn {
		common++
	}
	for i := len(t.frames) - 1; i >= common; i-- {
		f := t.frames[i]
		t.hook(DebugEvent{Kind: EventReturn, Source: f.source, Line: f.line, Function: f.function})
	}
	for i := common; i < len(current); i++ {
		f := current[i]
		t.hook(DebugEvent{Kind: EventCall, Source: f.source, Line: f.line, Function: f.function})
	}
	if n := len(current); n > 0 && n == common && len(t.frames) == n {
		cur, prev := current[n-1], t.frames[n-1]
		if cur.line != prev.line {
			t.hook(DebugEvent{Kind: EventLine, Source: cur.source, Line: cur.line, Function: cur.function})
		}
	} else if n > 0 {
		cur := current[n-1]
		t.hook(DebugEvent{Kind: EventLine, Source: cur.source, Line: cur.line, Function: cur.function})
	}
	t.frames = current
}

func snapshotFrames(L *lua.LState) []frameMark {
	var frames []frameMark
	walkFrames(L, "Slnf", func(dbg *lua.Debug, fn lua.LValue) {
		frames = append(frames, frameMark{
			source:   sourceName(dbg),
			function: functionName(dbg),
			line:     dbg.CurrentLine,
			fn:       fn,
		})
	})
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}

// walkFrames visits the frames of L innermost first. The walk ends at the
// bottom frame, which GetStack would otherwise report again for tail
// calls, and the bootstrap chunk is not visited.
func walkFrames(L *lua.LState, what string, visit func(*lua.Debug, lua.LValue)) {
	for level := 0; level < maxTracedDepth; level++ {
		dbg, ok := L.GetStack(level)
		if !ok {
			return
		}
		fn, err := L.GetInfo(what, dbg, lua.LNil)
		if err != nil {
			return
		}
		if dbg.What != "G" && dbg.Source == bootstrapName {
			return
		}
		visit(dbg, fn)
		if dbg.What == "main" {
			return
		}
	}
}

func sourceName(dbg *lua.Debug) string {
	if dbg.What == "G" || dbg.Source == "" {
		return "[native]"
	}
	return dbg.Source
}

func functionName(dbg *lua.Debug) string {
	switch {
	case dbg.What == "main" || (dbg.What != "G" && dbg.LineDefined == 0):
		return "main"
	case dbg.Name == "" || dbg.Name == "?":
		return "<anonymous>"
	default:
		return dbg.Name
	}
}

// ---------------------------------------------------------------------------
// Debugger: breakpoints and an event channel on top of a DebugHook
// ---------------------------------------------------------------------------

// breakpointKey uniquely identifies a breakpoint location.
type breakpointKey struct {
	source string
	line   int
}

// Breakpoint represents a breakpoint for external clients.
type Breakpoint struct {
	Source string
	Line   int
	Hits   int
}

// Debugger collects debug events. Install it with Host.SetDebugHook(d.Hook()).
type Debugger struct {
	mu          sync.Mutex
	breakpoints map[breakpointKey]int
	eventChan   chan DebugEvent
	onlyBreaks  bool
	dropped     int
}

// NewDebugger creates a debugger whose event channel buffers size events.
// With onlyBreakpoints set, only breakpoint hits are queued.
func NewDebugger(size int, onlyBreakpoints bool) *Debugger {
	if size <= 0 {
		size = 64
	}
	return &Debugger{
		breakpoints: make(map[breakpointKey]int),
		eventChan:   make(chan DebugEvent, size),
		onlyBreaks:  onlyBreakpoints,
	}
}

// Events returns the event channel.
func (d *Debugger) Events() <-chan DebugEvent {
	return d.eventChan
}

// SetBreakpoint marks source:line.
func (d *Debugger) SetBreakpoint(source string, line int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := breakpointKey{source, line}
	if _, ok := d.breakpoints[key]; !ok {
		d.breakpoints[key] = 0
	}
}

// RemoveBreakpoint clears source:line.
func (d *Debugger) RemoveBreakpoint(source string, line int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := breakpointKey{source, line}
	if _, ok := d.breakpoints[key]; !ok {
		return fmt.Errorf("no breakpoint at %s:%d", source, line)
	}
	delete(d.breakpoints, key)
	return nil
}

// ListBreakpoints returns all breakpoints ordered by source and line.
func (d *Debugger) ListBreakpoints() []Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Breakpoint, 0, len(d.breakpoints))
	for k, hits := range d.breakpoints {
		out = append(out, Breakpoint{Source: k.source, Line: k.line, Hits: hits})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// Dropped returns how many events were discarded because the channel was
// full.
func (d *Debugger) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Hook returns the DebugHook feeding this debugger.
func (d *Debugger) Hook() DebugHook {
	return func(ev DebugEvent) {
		if ev.Kind == EventLine {
			d.mu.Lock()
			hits, ok := d.breakpoints[breakpointKey{ev.Source, ev.Line}]
			if ok {
				d.breakpoints[breakpointKey{ev.Source, ev.Line}] = hits + 1
			}
			d.mu.Unlock()
			if ok {
				bp := ev
				bp.Kind = EventBreakpoint
				d.sendEvent(bp)
			}
		}
		if !d.onlyBreaks {
			d.sendEvent(ev)
		}
	}
}

// sendEvent queues an event without blocking the interpreter.
func (d *Debugger) sendEvent(ev DebugEvent) {
	select {
	case d.eventChan <- ev:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Stack traces
// ---------------------------------------------------------------------------

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	Source   string
	Line     int
	Native   bool
	Locals   []Variable
}

// Variable represents a local variable for inspection.
type Variable struct {
	Name  string
	Value string
	Type  string
}

// receiverName is the implicit receiver of method calls; its value is
// summarised instead of dumped.
const receiverName = "self"

// Traceback captures the call stack of L, innermost frame first, with the
// locals of every frame. Temporaries are skipped.
func Traceback(L *lua.LState) []StackFrame {
	var frames []StackFrame
	walkFrames(L, "Sln", func(dbg *lua.Debug, _ lua.LValue) {
		frame := StackFrame{
			Function: functionName(dbg),
			Source:   sourceName(dbg),
			Line:     dbg.CurrentLine,
			Native:   dbg.What == "G",
		}
		for n := 1; !frame.Native; n++ {
			name, value := L.GetLocal(dbg, n)
			if name == "" {
				break
			}
			if strings.HasPrefix(name, "(") {
				continue
			}
			v := Variable{Name: name, Type: value.Type().String()}
			if name == receiverName {
				v.Value = "<" + v.Type + ">"
			} else {
				v.Value = Repr(value)
			}
			frame.Locals = append(frame.Locals, v)
		}
		frames = append(frames, frame)
	})
	return frames
}

// FormatTrace renders frames outermost first:
//
//	#0  main()
//	  at script.lua:3
//	  x = 5
func FormatTrace(frames []StackFrame) string {
	var sb strings.Builder
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		fmt.Fprintf(&sb, "#%d  %s()\n", len(frames)-1-i, f.Function)
		if f.Native {
			fmt.Fprintf(&sb, "  at %s\n", f.Source)
		} else {
			fmt.Fprintf(&sb, "  at %s:%d\n", f.Source, f.Line)
		}
		for _, v := range f.Locals {
			fmt.Fprintf(&sb, "  %s = %s\n", v.Name, v.Value)
		}
	}
	return sb.String()
}
