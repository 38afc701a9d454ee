package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/tliron/commonlog"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/chazu/lurk/manifest"
)

// ---------------------------------------------------------------------------
// Host state and policies
// ---------------------------------------------------------------------------

// HostState is the lifecycle position of a Host.
type HostState int

const (
	HostUninitialized HostState = iota
	HostReady
	HostClosed
)

func (s HostState) String() string {
	switch s {
	case HostReady:
		return "ready"
	case HostClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// StackCheckPolicy decides what Close does with a non-empty stack.
type StackCheckPolicy int

const (
	// StackCheckFatal panics.
	StackCheckFatal StackCheckPolicy = iota
	// StackCheckLog logs at error level and returns ErrStackCorruption.
	StackCheckLog
)

// ParseStackCheckPolicy maps "fatal" and "log" to a policy.
func ParseStackCheckPolicy(s string) (StackCheckPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fatal":
		return StackCheckFatal, nil
	case "log":
		return StackCheckLog, nil
	}
	return StackCheckFatal, fmt.Errorf("unknown stack check policy %q", s)
}

func (p StackCheckPolicy) String() string {
	if p == StackCheckLog {
		return "log"
	}
	return "fatal"
}

var (
	// ErrStackCorruption is returned by Close under StackCheckLog.
	ErrStackCorruption = errors.New("stack corruption detected")
	// ErrHostClosed is returned by operations on a closed host.
	ErrHostClosed = errors.New("host is closed")
)

// CompileErrorInfo describes a failed compilation. Line is -1 when the
// error is at the end of the input and Column is 0 when unknown.
type CompileErrorInfo struct {
	Source      string
	Line        int
	Column      int
	Description string
}

func (i CompileErrorInfo) String() string {
	return fmt.Sprintf("%s:%d:%d: %s", i.Source, i.Line, i.Column, i.Description)
}

// ScriptFailure is a runtime error raised by a script together with the
// call stack captured where it was raised, innermost frame first.
type ScriptFailure struct {
	Message string
	Frames  []StackFrame
}

func (f *ScriptFailure) Error() string {
	return f.Message
}

// Trace renders the captured frames, outermost first.
func (f *ScriptFailure) Trace() string {
	return FormatTrace(f.Frames)
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Option configures a Host.
type Option func(*hostConfig)

type hostConfig struct {
	ctx           context.Context
	logger        commonlog.Logger
	stackCheck    StackCheckPolicy
	callStackSize int
	registrySize  int
	skipLibs      bool
	debugHook     DebugHook
	print         func(string)
	errPrint      func(string)
	compileError  func(CompileErrorInfo)
	errorHandler  func(*ScriptFailure)
}

// WithContext sets the context every state of the host derives from.
// Cancelling it aborts running scripts.
func WithContext(ctx context.Context) Option {
	return func(cfg *hostConfig) {
		cfg.ctx = ctx
	}
}

// WithLogger replaces the default "lurk.vm" logger.
func WithLogger(log commonlog.Logger) Option {
	return func(cfg *hostConfig) {
		cfg.logger = log
	}
}

// WithStackCheck selects what Close does with a non-empty stack.
func WithStackCheck(policy StackCheckPolicy) Option {
	return func(cfg *hostConfig) {
		cfg.stackCheck = policy
	}
}

// WithCallStackSize sets the maximum call depth.
func WithCallStackSize(n int) Option {
	return func(cfg *hostConfig) {
		cfg.callStackSize = n
	}
}

// WithRegistrySize sets the size of the value stack.
func WithRegistrySize(n int) Option {
	return func(cfg *hostConfig) {
		cfg.registrySize = n
	}
}

// WithoutStandardLibs leaves the standard libraries closed.
func WithoutStandardLibs() Option {
	return func(cfg *hostConfig) {
		cfg.skipLibs = true
	}
}

// WithDebugHook installs a hook from the start.
func WithDebugHook(hook DebugHook) Option {
	return func(cfg *hostConfig) {
		cfg.debugHook = hook
	}
}

// WithPrint routes print and printf.
func WithPrint(fn func(string)) Option {
	return func(cfg *hostConfig) {
		cfg.print = fn
	}
}

// WithErrorPrint routes printerr and printerrf.
func WithErrorPrint(fn func(string)) Option {
	return func(cfg *hostConfig) {
		cfg.errPrint = fn
	}
}

// WithCompileErrorHandler is called for every failed compilation.
func WithCompileErrorHandler(fn func(CompileErrorInfo)) Option {
	return func(cfg *hostConfig) {
		cfg.compileError = fn
	}
}

// WithErrorHandler observes script runtime failures.
func WithErrorHandler(fn func(*ScriptFailure)) Option {
	return func(cfg *hostConfig) {
		cfg.errorHandler = fn
	}
}

// WithConfig applies the [vm] section of a manifest. Options given after
// it take precedence.
func WithConfig(vc manifest.VMConfig) Option {
	return func(cfg *hostConfig) {
		if vc.CallStackSize > 0 {
			cfg.callStackSize = vc.CallStackSize
		}
		if vc.RegistrySize > 0 {
			cfg.registrySize = vc.RegistrySize
		}
		if policy, err := ParseStackCheckPolicy(vc.StackCheck); err == nil {
			cfg.stackCheck = policy
		}
		cfg.skipLibs = !vc.OpenLibs
		if vc.Debug && cfg.debugHook == nil {
			log := commonlog.GetLogger("lurk.vm.debug")
			cfg.debugHook = func(ev DebugEvent) {
				log.Debugf("%s", ev)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Host
// ---------------------------------------------------------------------------

// bootstrapSource runs its second argument after the first has armed the
// state's error capture. Errors raised under it carry a stack trace. The
// chunk is named bootstrapName and left out of traces.
const (
	bootstrapName   = "(lurk)"
	bootstrapSource = `local arm, f = ...
arm()
f()`
)

// Host owns one interpreter state and everything hung off it: the
// reference table behind Object handles, the root table scripts run
// against and the output and error callbacks.
type Host struct {
	L          *lua.LState
	ctx        *stateContext
	refs       *RefTable
	log        commonlog.Logger
	state      HostState
	stackCheck StackCheckPolicy

	root      *lua.LTable
	bootstrap *lua.LFunction
	arm       *lua.LFunction
	format    lua.LValue

	printFn      func(string)
	errPrintFn   func(string)
	compileErrFn func(CompileErrorInfo)
	errHandler   func(*ScriptFailure)
	debugHook    DebugHook
}

// NewHost creates a ready Host.
func NewHost(opts ...Option) *Host {
	cfg := hostConfig{
		ctx:           context.Background(),
		stackCheck:    StackCheckFatal,
		callStackSize: lua.CallStackSize,
		registrySize:  lua.RegistrySize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = commonlog.GetLogger("lurk.vm")
	}

	L := lua.NewState(lua.Options{
		CallStackSize: cfg.callStackSize,
		RegistrySize:  cfg.registrySize,
		SkipOpenLibs:  cfg.skipLibs,
	})
	h := &Host{
		L:            L,
		refs:         NewRefTable(),
		log:          cfg.logger,
		state:        HostUninitialized,
		stackCheck:   cfg.stackCheck,
		root:         L.G.Global,
		printFn:      cfg.print,
		errPrintFn:   cfg.errPrint,
		compileErrFn: cfg.compileError,
		errHandler:   cfg.errorHandler,
		debugHook:    cfg.debugHook,
	}
	h.ctx = newStateContext(cfg.ctx, h, L)

	bootstrap, err := L.Load(strings.NewReader(bootstrapSource), bootstrapName)
	if err != nil {
		panic(fmt.Sprintf("lurk: bootstrap chunk: %v", err))
	}
	h.bootstrap = bootstrap
	h.arm = L.NewFunction(armErrorCapture)
	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		h.format = str.RawGetString("format")
	}
	h.installPrint()

	h.state = HostReady
	return h
}

// State returns the lifecycle state.
func (h *Host) State() HostState {
	return h.state
}

// Logger returns the host logger.
func (h *Host) Logger() commonlog.Logger {
	return h.log
}

// Context returns the context the host's states derive from.
func (h *Host) Context() context.Context {
	return h.ctx.Context
}

func (h *Host) ready() error {
	if h.state != HostReady {
		return ErrHostClosed
	}
	return nil
}

// Top returns the depth of the host stack.
func (h *Host) Top() int {
	if h.L.IsClosed() {
		return 0
	}
	return h.L.GetTop()
}

// PrintStack dumps the host stack to w.
func (h *Host) PrintStack(w io.Writer) {
	PrintStack(h.L, w)
}

// LastError returns the display text of the host state's last error, or
// "null".
func (h *Host) LastError() string {
	return lastErrorString(h.L)
}

// RefCount returns how many Object handles hold lv.
func (h *Host) RefCount(lv lua.LValue) int {
	return h.refs.RefCount(lv)
}

// Collect runs a garbage collection so values no longer referenced from
// the VM or a handle are reclaimed and weak references to them clear.
func (h *Host) Collect() {
	runtime.GC()
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

// SetPrintFunc rebinds the print sink. Nil restores stdout.
func (h *Host) SetPrintFunc(fn func(string)) {
	h.printFn = fn
}

// SetErrorPrintFunc rebinds the error print sink. Nil restores stderr.
func (h *Host) SetErrorPrintFunc(fn func(string)) {
	h.errPrintFn = fn
}

// SetCompileErrorFunc rebinds the compile error callback.
func (h *Host) SetCompileErrorFunc(fn func(CompileErrorInfo)) {
	h.compileErrFn = fn
}

// SetErrorHandler rebinds the top-level runtime error handler. Without one,
// failures are logged.
func (h *Host) SetErrorHandler(fn func(*ScriptFailure)) {
	h.errHandler = fn
}

// SetDebugHook installs hook on every state of the host; nil removes it.
func (h *Host) SetDebugHook(hook DebugHook) {
	h.debugHook = hook
}

func (h *Host) emit(toErr bool, text string) {
	if toErr {
		if h.errPrintFn != nil {
			h.errPrintFn(text)
			return
		}
		fmt.Fprint(os.Stderr, text)
		return
	}
	if h.printFn != nil {
		h.printFn(text)
		return
	}
	fmt.Fprint(os.Stdout, text)
}

func (h *Host) installPrint() {
	g := h.L.G.Global
	line := func(toErr bool) lua.LGFunction {
		return func(L *lua.LState) int {
			parts := make([]string, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				parts = append(parts, L.ToStringMeta(L.Get(i)).String())
			}
			h.emit(toErr, strings.Join(parts, "\t")+"\n")
			return 0
		}
	}
	formatted := func(toErr bool) lua.LGFunction {
		return func(L *lua.LState) int {
			h.emit(toErr, h.formatArgs(L))
			return 0
		}
	}
	h.L.SetField(g, "print", h.L.NewFunction(line(false)))
	h.L.SetField(g, "printerr", h.L.NewFunction(line(true)))
	h.L.SetField(g, "printf", h.L.NewFunction(formatted(false)))
	h.L.SetField(g, "printerrf", h.L.NewFunction(formatted(true)))
}

// formatArgs applies string.format to the arguments of the running native.
// Without the string library the arguments are joined instead.
func (h *Host) formatArgs(L *lua.LState) string {
	top := L.GetTop()
	if top == 0 {
		return ""
	}
	if h.format == nil || h.format == lua.LNil {
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		return strings.Join(parts, " ")
	}
	args := make([]lua.LValue, 0, top)
	for i := 1; i <= top; i++ {
		args = append(args, L.Get(i))
	}
	L.CallByParam(lua.P{Fn: h.format, NRet: 1}, args...)
	out := L.Get(-1).String()
	L.Pop(1)
	return out
}

// ---------------------------------------------------------------------------
// Compile and run
// ---------------------------------------------------------------------------

// Compile parses and compiles source. The chunk runs against the root
// table current at run time.
func (h *Host) Compile(source, name string) (*lua.LFunction, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	fn, err := h.L.Load(strings.NewReader(source), name)
	if err != nil {
		info := compileErrorInfo(name, err)
		SetLastError(h.L, info.String())
		if h.compileErrFn != nil {
			h.compileErrFn(info)
		}
		return nil, wrapError(h.L, KindCompileError, err, "failed to compile script: "+name)
	}
	return fn, nil
}

func compileErrorInfo(name string, err error) CompileErrorInfo {
	info := CompileErrorInfo{Source: name, Line: -1, Description: err.Error()}
	cause := err
	if aerr, ok := err.(*lua.ApiError); ok && aerr.Cause != nil {
		cause = aerr.Cause
	}
	switch e := cause.(type) {
	case *parse.Error:
		info.Line = e.Pos.Line
		info.Column = e.Pos.Column
		info.Description = e.Message
		if e.Token != "" {
			info.Description = fmt.Sprintf("%s near '%s'", e.Message, e.Token)
		}
	case *lua.CompileError:
		info.Line = e.Line
		info.Description = e.Message
	}
	return info
}

// CompileAndRun compiles source and runs it on the host state against the
// root table. The main state cannot suspend; scripts that wait run on a
// Thread.
func (h *Host) CompileAndRun(source, name string) error {
	fn, err := h.Compile(source, name)
	if err != nil {
		return err
	}
	return h.Run(fn, name)
}

// Run calls fn on the host state against the root table.
func (h *Host) Run(fn *lua.LFunction, name string) error {
	if err := h.ready(); err != nil {
		return err
	}
	if !fn.IsG {
		fn.Env = h.root
	}
	if failure := h.protectedCall(fn); failure != nil {
		h.reportFailure(failure)
		SetLastError(h.L, failure.Message)
		return wrapError(h.L, KindRuntimeScriptError, failure, "failed to run script: "+name)
	}
	return nil
}

// RunFile reads and runs the script at path.
func (h *Host) RunFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		SetLastError(h.L, err.Error())
		return wrapError(h.L, KindRuntimeScriptError, err, "failed to open file: "+path)
	}
	return h.CompileAndRun(string(data), path)
}

// protectedCall runs fn under the bootstrap so a failure carries its trace.
// The stack depth is unchanged on return.
func (h *Host) protectedCall(fn *lua.LFunction) *ScriptFailure {
	guard := NewStackGuard(h.L)
	defer guard.Restore()

	h.L.Push(h.bootstrap)
	h.L.Push(h.arm)
	h.L.Push(fn)
	if err := h.L.PCall(2, 0, nil); err != nil {
		return h.ctx.takeFailure(err)
	}
	return nil
}

// reportFailure hands a failure to the error handler, or logs it.
func (h *Host) reportFailure(f *ScriptFailure) {
	if h.errHandler != nil {
		h.errHandler(f)
		return
	}
	h.log.Errorf("%s\n%s", f.Message, f.Trace())
}

// armErrorCapture replaces the panic handler of the calling state so the
// next error records the stack before it unwinds. Protected calls restore
// the previous handler when they return.
func armErrorCapture(L *lua.LState) int {
	L.Panic = capturingPanic
	return 0
}

func capturingPanic(L *lua.LState) {
	lv := L.Get(-1)
	if sc := stateContextOf(L); sc != nil && sc.L == L {
		sc.failure = &ScriptFailure{
			Message: L.ToStringMeta(lv).String(),
			Frames:  Traceback(L),
		}
	}
	panic(&lua.ApiError{Type: lua.ApiErrorRun, Object: lv})
}

// ---------------------------------------------------------------------------
// Root table and registration
// ---------------------------------------------------------------------------

// SetRootTable makes tbl the table scripts compiled afterwards resolve
// their globals in. Nil restores the globals table.
func (h *Host) SetRootTable(tbl *lua.LTable) {
	if tbl == nil {
		tbl = h.L.G.Global
	}
	h.root = tbl
}

// RootTableValue returns the current root table.
func (h *Host) RootTableValue() *lua.LTable {
	return h.root
}

// RootTable pushes the root table and returns a cursor on it.
func (h *Host) RootTable() *TableCursor {
	return pushTable(h, h.L, h.root)
}

// Globals pushes the globals table and returns a cursor on it.
func (h *Host) Globals() *TableCursor {
	return pushTable(h, h.L, h.L.G.Global)
}

// Register stores fn in the root table under name.
func (h *Host) Register(name, mask string, fn Function) error {
	if err := h.ready(); err != nil {
		return err
	}
	root := h.RootTable()
	defer root.End()
	return root.StoreFunction(name, mask, fn)
}

// CurrentThread returns the Thread running on L, or nil when L is the
// host state or a coroutine created by a script.
func (h *Host) CurrentThread(L *lua.LState) *Thread {
	sc := stateContextOf(L)
	if sc == nil || sc.L != L || sc.host != h {
		return nil
	}
	return sc.thread
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

// Close shuts the host down. A non-empty stack is handled by the stack
// check policy. Closing twice does nothing.
func (h *Host) Close() error {
	if h.state == HostClosed {
		return nil
	}
	var err error
	if top := h.L.GetTop(); top != 0 {
		var sb strings.Builder
		PrintStack(h.L, &sb)
		msg := fmt.Sprintf("%s (depth %d)\n%s", ErrStackCorruption, top, sb.String())
		if h.stackCheck == StackCheckFatal {
			h.shutdown()
			panic(msg)
		}
		h.log.Error(msg)
		err = fmt.Errorf("%w (depth %d)", ErrStackCorruption, top)
	}
	h.shutdown()
	return err
}

func (h *Host) shutdown() {
	h.refs.Clear()
	h.state = HostClosed
	h.L.Close()
}
