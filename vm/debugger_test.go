package vm

import (
	"strings"
	"testing"
)

// recordHook collects every event it is given.
func recordHook(events *[]DebugEvent) DebugHook {
	return func(ev DebugEvent) {
		*events = append(*events, ev)
	}
}

func hasEvent(events []DebugEvent, kind DebugEventKind, source string, line int, function string) bool {
	for _, ev := range events {
		if ev.Kind == kind && ev.Source == source && ev.Line == line && ev.Function == function {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Hook events
// ---------------------------------------------------------------------------

func TestDebugHookLineEvents(t *testing.T) {
	var events []DebugEvent
	h := newTestHost(t, WithDebugHook(recordHook(&events)))

	src := `local a = 1
local b = 2
local c = a + b`
	if err := h.CompileAndRun(src, "lines.lua"); err != nil {
		t.Fatal(err)
	}
	for line := 1; line <= 3; line++ {
		if !hasEvent(events, EventLine, "lines.lua", line, "main") {
			t.Errorf("missing line event for line %d in %v", line, events)
		}
	}
	if !hasEvent(events, EventCall, "lines.lua", 1, "main") {
		t.Errorf("missing call event for the chunk: %v", events)
	}
	for _, ev := range events {
		if ev.Source == bootstrapName {
			t.Errorf("bootstrap frame leaked into events: %v", ev)
		}
	}
}

func TestDebugHookCallReturn(t *testing.T) {
	var events []DebugEvent
	h := newTestHost(t, WithDebugHook(recordHook(&events)))

	src := `local function helper()
  return 1
end
helper()`
	if err := h.CompileAndRun(src, "calls.lua"); err != nil {
		t.Fatal(err)
	}
	if !hasEvent(events, EventCall, "calls.lua", 2, "helper") {
		t.Errorf("missing call event for helper: %v", events)
	}
	sawReturn := false
	for _, ev := range events {
		if ev.Kind == EventReturn && ev.Function == "helper" {
			sawReturn = true
		}
	}
	if !sawReturn {
		t.Errorf("missing return event for helper: %v", events)
	}
}

func TestDebugHookRemoved(t *testing.T) {
	var events []DebugEvent
	h := newTestHost(t, WithDebugHook(recordHook(&events)))
	h.SetDebugHook(nil)
	if err := h.CompileAndRun("local x = 1", "quiet.lua"); err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events after removing the hook: %v", events)
	}
}

func TestDebugHookOnThread(t *testing.T) {
	var events []DebugEvent
	h := newTestHost(t, WithDebugHook(recordHook(&events)))
	th := newTestThread(t, h)
	if err := th.RunScript("local y = 2", "thread.lua"); err != nil {
		t.Fatal(err)
	}
	if !hasEvent(events, EventLine, "thread.lua", 1, "main") {
		t.Errorf("threads should be traced too: %v", events)
	}
}

func TestDebugEventString(t *testing.T) {
	ev := DebugEvent{Kind: EventLine, Source: "a.lua", Line: 3, Function: "main"}
	if ev.String() != "line: a.lua:3:main" {
		t.Errorf("String() = %q", ev.String())
	}
}

// ---------------------------------------------------------------------------
// Debugger
// ---------------------------------------------------------------------------

func TestDebuggerBreakpoints(t *testing.T) {
	d := NewDebugger(256, true)
	d.SetBreakpoint("bp.lua", 2)
	d.SetBreakpoint("bp.lua", 2)
	d.SetBreakpoint("a.lua", 9)

	h := newTestHost(t, WithDebugHook(d.Hook()))
	src := `local n = 0
n = n + 1
n = n + 1`
	if err := h.CompileAndRun(src, "bp.lua"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-d.Events():
		if ev.Kind != EventBreakpoint || ev.Line != 2 || ev.Source != "bp.lua" {
			t.Errorf("event = %v", ev)
		}
	default:
		t.Fatal("expected a breakpoint event")
	}
	select {
	case ev := <-d.Events():
		t.Errorf("only breakpoints should be queued, got %v", ev)
	default:
	}

	bps := d.ListBreakpoints()
	if len(bps) != 2 || bps[0].Source != "a.lua" || bps[1].Hits != 1 {
		t.Errorf("ListBreakpoints() = %+v", bps)
	}
	if err := d.RemoveBreakpoint("bp.lua", 2); err != nil {
		t.Error(err)
	}
	if err := d.RemoveBreakpoint("bp.lua", 2); err == nil {
		t.Error("removing a missing breakpoint should fail")
	}
}

func TestDebuggerDropsWhenFull(t *testing.T) {
	d := NewDebugger(1, false)
	hook := d.Hook()
	for i := 0; i < 3; i++ {
		hook(DebugEvent{Kind: EventLine, Source: "x.lua", Line: i})
	}
	if d.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", d.Dropped())
	}
}

// ---------------------------------------------------------------------------
// Traces
// ---------------------------------------------------------------------------

func TestFormatTrace(t *testing.T) {
	frames := []StackFrame{
		{Function: "error", Source: "[native]", Native: true},
		{Function: "inner", Source: "f.lua", Line: 4, Locals: []Variable{{Name: "x", Value: "1", Type: "number"}}},
		{Function: "main", Source: "f.lua", Line: 9},
	}
	got := FormatTrace(frames)
	want := "#0  main()\n  at f.lua:9\n" +
		"#1  inner()\n  at f.lua:4\n  x = 1\n" +
		"#2  error()\n  at [native]\n"
	if got != want {
		t.Errorf("FormatTrace =\n%s\nwant\n%s", got, want)
	}
	if !strings.HasPrefix(got, "#0  main()") {
		t.Error("outermost frame should come first")
	}
}
