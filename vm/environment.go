package vm

import (
	"os"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	lua "github.com/yuin/gopher-lua"
)

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

// Clock is the virtual time, in seconds, that waits are measured against.
// Environments created with the same Clock share it.
type Clock struct {
	now float64
}

// NewClock creates a clock at time zero.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (c *Clock) Now() float64 {
	return c.now
}

// Advance moves the clock forward by dt and returns the new time.
// Negative steps are ignored.
func (c *Clock) Advance(dt float64) float64 {
	if dt > 0 {
		c.now += dt
	}
	return c.now
}

// ---------------------------------------------------------------------------
// Environment: a family of scripts sharing one root table and scheduler
// ---------------------------------------------------------------------------

// EnvironmentOption configures an Environment.
type EnvironmentOption func(*Environment)

// WithClock shares clock with the environment instead of a private one.
func WithClock(clock *Clock) EnvironmentOption {
	return func(e *Environment) {
		e.clock = clock
	}
}

// WithEnvironmentLogger replaces the default "lurk.environment" logger.
func WithEnvironmentLogger(log commonlog.Logger) EnvironmentOption {
	return func(e *Environment) {
		e.log = log
	}
}

// Environment is a child of the globals table that a family of scripts
// uses as its root. Names a script defines land in the environment; names
// it only reads fall through to the globals. Each script runs on its own
// Thread and may wait on the environment clock.
type Environment struct {
	id      uuid.UUID
	name    string
	host    *Host
	table   *lua.LTable
	handle  *Object
	threads []*Thread
	sched   *Scheduler
	clock   *Clock
	log     commonlog.Logger
	closed  bool
}

// NewEnvironment creates the environment table and installs wait,
// skippable_wait, suspend and time in it.
func NewEnvironment(h *Host, name string, opts ...EnvironmentOption) (*Environment, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	e := &Environment{
		id:    uuid.New(),
		name:  name,
		host:  h,
		sched: NewScheduler(h),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = NewClock()
	}
	if e.log == nil {
		e.log = commonlog.GetLogger("lurk.environment")
	}

	L := h.L
	e.table = L.NewTable()
	meta := L.NewTable()
	meta.RawSetString("__index", L.G.Global)
	L.SetMetatable(e.table, meta)
	e.handle = AcquireValue(h, e.table)
	h.Collect()

	cursor := e.Table()
	defer cursor.End()
	natives := []struct {
		name string
		mask string
		fn   Function
	}{
		{"wait", ".n", e.waitNative(false)},
		{"skippable_wait", ".n", e.waitNative(true)},
		{"suspend", ".", suspendNative},
		{"time", ".", e.timeNative},
	}
	for _, n := range natives {
		if err := cursor.StoreFunction(n.name, n.mask, n.fn); err != nil {
			return nil, err
		}
	}
	e.log.Debugf("environment %s (%s) created", e.name, e.id)
	return e, nil
}

func (e *Environment) waitNative(skippable bool) Function {
	return func(h *Host, L *lua.LState) (int, error) {
		t := h.CurrentThread(L)
		if t == nil {
			return 0, ErrNotInThread
		}
		seconds, err := UnpackFloat(L, 2)
		if err != nil {
			return 0, err
		}
		if err := e.sched.Schedule(t, e.clock.Now()+nonNegative(seconds), skippable); err != nil {
			return 0, err
		}
		return Suspend(L), nil
	}
}

// nonNegative clamps a wait so it never lands before now, where the
// Update in progress would wake it again.
func nonNegative(seconds float64) float64 {
	if seconds < 0 {
		return 0
	}
	return seconds
}

func suspendNative(h *Host, L *lua.LState) (int, error) {
	if h.CurrentThread(L) == nil {
		return 0, ErrNotInThread
	}
	return Suspend(L), nil
}

func (e *Environment) timeNative(h *Host, L *lua.LState) (int, error) {
	L.Push(lua.LNumber(e.clock.Now()))
	return 1, nil
}

// ID returns the environment's unique identifier.
func (e *Environment) ID() uuid.UUID {
	return e.id
}

// Name returns the name given at creation.
func (e *Environment) Name() string {
	return e.name
}

// Host returns the owning host.
func (e *Environment) Host() *Host {
	return e.host
}

// TableValue returns the environment table.
func (e *Environment) TableValue() *lua.LTable {
	return e.table
}

// Table pushes the environment table and returns a cursor on it.
func (e *Environment) Table() *TableCursor {
	return pushTable(e.host, e.host.L, e.table)
}

// Scheduler returns the environment's scheduler.
func (e *Environment) Scheduler() *Scheduler {
	return e.sched
}

// Clock returns the clock waits are measured against.
func (e *Environment) Clock() *Clock {
	return e.clock
}

// Now returns the environment time.
func (e *Environment) Now() float64 {
	return e.clock.Now()
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

// RunScript starts source on a new thread rooted at the environment table.
// It returns after the script first suspends or finishes.
func (e *Environment) RunScript(source, name string) error {
	if err := e.host.ready(); err != nil {
		return err
	}
	e.collectThreads()

	t, err := NewThread(e.host)
	if err != nil {
		return err
	}
	t.SetRootTable(e.table)
	e.threads = append(e.threads, t)

	if err := t.RunScript(source, name); err != nil {
		e.log.Errorf("Error running script: %s", err)
		return err
	}
	e.log.Debugf("script %s started on thread %s (%s)", name, t.ID(), t.State())
	return nil
}

// RunFile reads the script at path and runs it like RunScript.
func (e *Environment) RunFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		SetLastError(e.host.L, err.Error())
		err = wrapError(e.host.L, KindRuntimeScriptError, err, "failed to open file: "+path)
		e.log.Errorf("Error running script: %s", err)
		return err
	}
	return e.RunScript(string(data), path)
}

// collectThreads closes and forgets threads that will not run again.
func (e *Environment) collectThreads() {
	kept := e.threads[:0]
	for _, t := range e.threads {
		switch t.State() {
		case ThreadSuspended, ThreadRunning:
			kept = append(kept, t)
		default:
			t.Close()
		}
	}
	for i := len(kept); i < len(e.threads); i++ {
		e.threads[i] = nil
	}
	e.threads = kept
}

// WaitForSeconds schedules t to wake after s seconds of environment time.
// Negative s waits as long as zero: until the next Update.
func (e *Environment) WaitForSeconds(t *Thread, s float64) error {
	return e.sched.Schedule(t, e.clock.Now()+nonNegative(s), false)
}

// SkippableWaitForSeconds is WaitForSeconds for a wait SkipWaits may cut
// short.
func (e *Environment) SkippableWaitForSeconds(t *Thread, s float64) error {
	return e.sched.Schedule(t, e.clock.Now()+nonNegative(s), true)
}

// SkipWaits makes every skippable wait due on the next Update.
func (e *Environment) SkipWaits() int {
	return e.sched.Skip()
}

// Update advances the clock by dt and wakes every thread that is due.
func (e *Environment) Update(dt float64) {
	e.clock.Advance(dt)
	e.Poll()
}

// Poll wakes due threads without moving the clock. Environments sharing a
// clock are polled after it was advanced once.
func (e *Environment) Poll() {
	if e.closed {
		return
	}
	e.sched.Update(e.clock.Now())
}

// Threads returns the threads the environment still tracks.
func (e *Environment) Threads() []*Thread {
	return append([]*Thread(nil), e.threads...)
}

// Suspended returns the number of tracked threads waiting to be woken.
func (e *Environment) Suspended() int {
	n := 0
	for _, t := range e.threads {
		if t.IsSuspended() {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Exposing host values
// ---------------------------------------------------------------------------

// Expose stores v in the environment table under name.
func (e *Environment) Expose(name string, v any) error {
	cursor := e.Table()
	defer cursor.End()
	return cursor.Store(name, v)
}

// ExposeFunction registers a native in the environment table.
func (e *Environment) ExposeFunction(name, mask string, fn Function) error {
	cursor := e.Table()
	defer cursor.End()
	return cursor.StoreFunction(name, mask, fn)
}

// Unexpose removes name from the environment table.
func (e *Environment) Unexpose(name string) {
	cursor := e.Table()
	defer cursor.End()
	cursor.DeleteEntry(name)
}

// Close releases every thread and the environment table, then collects.
func (e *Environment) Close() {
	if e.closed {
		return
	}
	e.closed = true
	for _, t := range e.threads {
		t.Close()
	}
	e.threads = nil
	e.sched.Clear()
	e.handle.Release()
	e.host.Collect()
	e.log.Debugf("environment %s (%s) closed", e.name, e.id)
}
