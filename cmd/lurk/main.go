// lurk CLI - runs scripts against a host with the sample natives
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chazu/lurk/driver"
	"github.com/chazu/lurk/manifest"
	"github.com/chazu/lurk/snapshot"
	"github.com/chazu/lurk/vm"
	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("lurk.cli")

// source is one piece of code to run: a file or a literal chunk.
type source struct {
	file string
	code string
}

func (s source) name() string {
	if s.file != "" {
		return s.file
	}
	return "<source>"
}

// fileList appends every -f value to the shared source list so files and
// code strings run in command line order.
type fileList struct {
	sources *[]source
}

func (f fileList) String() string { return "" }

func (f fileList) Set(path string) error {
	*f.sources = append(*f.sources, source{file: path})
	return nil
}

// options is the parsed command line.
type options struct {
	sources    []source
	debug      *bool
	configPath string
	verbosity  int
	load       string
	save       string
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("lurk", flag.ContinueOnError)
	fs.SetOutput(stderr)

	files := fileList{sources: &opts.sources}
	fs.Var(files, "f", "Run the script at `path` (repeatable)")
	fs.Var(files, "file", "Same as -f")
	setDebug := func(on bool) func(string) error {
		return func(string) error {
			opts.debug = &on
			return nil
		}
	}
	fs.BoolFunc("d", "Print debug events", setDebug(true))
	fs.BoolFunc("debug", "Same as -d", setDebug(true))
	fs.BoolFunc("D", "Do not print debug events", setDebug(false))
	fs.BoolFunc("no-debug", "Same as -D", setDebug(false))
	fs.StringVar(&opts.configPath, "c", "", "Read configuration from `file` instead of searching for lurk.toml")
	fs.StringVar(&opts.configPath, "config", "", "Same as -c")
	fs.IntVar(&opts.verbosity, "v", 0, "Log verbosity (-4 silent .. 2 debug)")
	fs.StringVar(&opts.load, "load", "", "Restore the named snapshot before running")
	fs.StringVar(&opts.save, "save", "", "Save the environment table as the named snapshot when done")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lurk [options] [code...]\n\n")
		fmt.Fprintf(stderr, "Runs scripts and code strings in one environment, then drives the clock\n")
		fmt.Fprintf(stderr, "until no script is waiting. Without code, reads scripts from stdin.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  lurk 'print(1 + 2)'                  # Run a code string\n")
		fmt.Fprintf(stderr, "  lurk -f a.lua -f b.lua               # Run two files in order\n")
		fmt.Fprintf(stderr, "  lurk -d 'wait(0.5) dodo()'           # Trace lines, calls and returns\n")
		fmt.Fprintf(stderr, "  lurk --load state -f tick.lua --save state\n")
	}

	// Positional code strings may be interleaved with flags.
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			break
		}
		opts.sources = append(opts.sources, source{code: rest[0]})
		args = rest[1:]
	}
	return opts, nil
}

func loadConfig(path string) (*manifest.Config, error) {
	if path != "" {
		return manifest.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
		cfg.Dir = wd
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	commonlog.Configure(opts.verbosity, nil)

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if opts.debug != nil {
		cfg.VM.Debug = *opts.debug
	}

	hostOpts := []vm.Option{
		vm.WithPrint(func(s string) { io.WriteString(stdout, s) }),
		vm.WithErrorPrint(func(s string) { io.WriteString(stderr, s) }),
		vm.WithCompileErrorHandler(func(info vm.CompileErrorInfo) {
			fmt.Fprintf(stderr, "%s:%d:%d: error: %s\n", info.Source, info.Line, info.Column, info.Description)
		}),
		vm.WithErrorHandler(func(f *vm.ScriptFailure) {
			io.WriteString(stderr, f.Trace())
			fmt.Fprintf(stderr, "error: %s\n", f.Message)
		}),
	}
	if cfg.VM.Debug {
		hostOpts = append(hostOpts, vm.WithDebugHook(func(ev vm.DebugEvent) {
			fmt.Fprintf(stdout, "[DBG] %s\n", ev)
		}))
	}
	workerOpts := []driver.Option{driver.WithHostOptions(hostOpts...)}
	if opts.load != "" || opts.save != "" {
		store, err := snapshot.Open(cfg.DatabasePath())
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		workerOpts = append(workerOpts, driver.WithStore(store))
	}

	w, err := driver.New(cfg, workerOpts...)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	natives := &sampleNatives{out: stdout}
	if err := w.Do(func(h *vm.Host, _ *vm.Environment) error {
		return natives.register(h)
	}); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		w.Stop()
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	status := 0
	if opts.load != "" {
		if err := w.LoadSnapshot(opts.load); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			status = 1
		}
	}
	if status == 0 {
		if len(opts.sources) > 0 {
			status = runSources(w, opts.sources, stderr)
		} else {
			status = runStdin(ctx, w, stdin, stdout)
		}
	}
	if status == 0 {
		waitIdle(ctx, w)
		if opts.save != "" {
			if err := w.SaveSnapshot(opts.save); err != nil {
				fmt.Fprintf(stderr, "error: %v\n", err)
				status = 1
			}
		}
	}

	if checkStack(w, stderr) {
		status = 1
	}
	if err := w.Stop(); err != nil {
		log.Errorf("shutdown: %s", err)
		status = 1
	}
	return status
}

// runSources runs each source in order and stops at the first failure.
// Script errors were already reported by the host handlers.
func runSources(w *driver.Worker, sources []source, stderr io.Writer) int {
	for _, src := range sources {
		code := src.code
		if src.file != "" {
			data, err := os.ReadFile(src.file)
			if err != nil {
				fmt.Fprintf(stderr, "error: failed to load: %s\n", src.file)
				return 1
			}
			code = string(data)
		}
		if err := w.RunScript(code, src.name()); err != nil {
			log.Debugf("%s: %s", src.name(), err)
			return 1
		}
	}
	return 0
}

// runStdin reads scripts from stdin. On a terminal every line is a chunk
// and the clock runs between prompts; otherwise stdin is one script.
func runStdin(ctx context.Context, w *driver.Worker, stdin io.Reader, stdout io.Writer) int {
	interactive := false
	if f, ok := stdin.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if !interactive {
		data, err := io.ReadAll(stdin)
		if err != nil {
			log.Errorf("reading stdin: %s", err)
			return 1
		}
		if err := w.RunScript(string(data), "<stdin>"); err != nil {
			return 1
		}
		return 0
	}

	w.Start(ctx)
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "lurk> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Errors are reported by the host handlers; the session goes on.
		w.RunScript(line, "<stdin>")
	}
	return 0
}

// waitIdle runs the clock until no thread is suspended, nothing is left
// that could wake one, or ctx is done.
func waitIdle(ctx context.Context, w *driver.Worker) {
	if suspended, _ := pending(w); suspended == 0 {
		return
	}
	w.Start(ctx)
	ticker := time.NewTicker(w.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			suspended, scheduled := pending(w)
			if suspended == 0 {
				return
			}
			if scheduled == 0 {
				log.Warningf("%d thread(s) suspended with no wake-up scheduled", suspended)
				return
			}
		}
	}
}

func pending(w *driver.Worker) (suspended, scheduled int) {
	w.Do(func(_ *vm.Host, env *vm.Environment) error {
		suspended = env.Suspended()
		scheduled = env.Scheduler().Len()
		return nil
	})
	return suspended, scheduled
}

// checkStack reports a host stack left non-empty by the run.
func checkStack(w *driver.Worker, stderr io.Writer) bool {
	var dump strings.Builder
	w.Do(func(h *vm.Host, _ *vm.Environment) error {
		if h.Top() != 0 {
			h.PrintStack(&dump)
		}
		return nil
	})
	if dump.Len() == 0 {
		return false
	}
	fmt.Fprintf(stderr, "Stack corruption detected:\n%s", dump.String())
	return true
}
