// Package driver runs a Host on one goroutine and drives its clock.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/lurk/manifest"
	"github.com/chazu/lurk/snapshot"
	"github.com/chazu/lurk/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ErrStopped is returned by Do once the worker has been stopped.
var ErrStopped = errors.New("worker stopped")

// request is a unit of work executed on the worker goroutine.
type request struct {
	fn   func(*vm.Host, *vm.Environment) error
	done chan error
}

// TickStats describes one clock tick.
type TickStats struct {
	Elapsed   float64 // environment seconds added
	Suspended int     // threads still waiting afterwards
	Woken     uint64  // threads woken during the tick
	Duration  time.Duration
	Timestamp time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithStore attaches a snapshot store. The worker closes it on Stop.
func WithStore(s *snapshot.Store) Option {
	return func(w *Worker) {
		w.store = s
	}
}

// WithHostOptions passes extra options to the Host the worker creates.
func WithHostOptions(opts ...vm.Option) Option {
	return func(w *Worker) {
		w.hostOpts = append(w.hostOpts, opts...)
	}
}

// WithLogger replaces the default "lurk.driver" logger.
func WithLogger(log commonlog.Logger) Option {
	return func(w *Worker) {
		w.log = log
	}
}

// Worker serializes all VM access through a single goroutine. The
// interpreter is single-threaded; callers on other goroutines must go
// through Do.
type Worker struct {
	id       uuid.UUID
	host     *vm.Host
	env      *vm.Environment
	store    *snapshot.Store
	hostOpts []vm.Option
	log      commonlog.Logger

	interval  time.Duration
	timeScale float64

	requests chan request
	quit     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	stopErr  error

	mu      sync.Mutex // protects start/stop of the ticker
	stop    chan struct{}
	stopped chan struct{}

	tickCount atomic.Uint64
	lastTick  atomic.Pointer[TickStats]
}

// New creates a Host and an Environment from cfg and starts the worker
// goroutine. The clock does not run until Start.
func New(cfg *manifest.Config, opts ...Option) (*Worker, error) {
	if cfg == nil {
		cfg = manifest.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &Worker{
		id:        uuid.New(),
		interval:  cfg.TickInterval(),
		timeScale: cfg.Scheduler.TimeScale,
		requests:  make(chan request, 64),
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = commonlog.GetLogger("lurk.driver")
	}
	if w.timeScale <= 0 {
		w.timeScale = 1
	}

	hostOpts := append([]vm.Option{vm.WithConfig(cfg.VM)}, w.hostOpts...)
	w.host = vm.NewHost(hostOpts...)
	env, err := vm.NewEnvironment(w.host, "main")
	if err != nil {
		w.host.Close()
		return nil, fmt.Errorf("creating environment: %w", err)
	}
	w.env = env

	go w.loop()
	w.log.Infof("worker %s started (tick %s, scale %g)", w.id, w.interval, w.timeScale)
	return w, nil
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() uuid.UUID {
	return w.id
}

// loop processes requests sequentially on the worker goroutine.
func (w *Worker) loop() {
	defer close(w.exited)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, turning a panic into an error.
func (w *Worker) execute(fn func(*vm.Host, *vm.Environment) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return fn(w.host, w.env)
}

// Do runs fn on the worker goroutine and waits for it.
func (w *Worker) Do(fn func(*vm.Host, *vm.Environment) error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return ErrStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-w.exited:
		return ErrStopped
	}
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

// RunScript starts source in the worker's environment.
func (w *Worker) RunScript(source, name string) error {
	return w.Do(func(_ *vm.Host, env *vm.Environment) error {
		return env.RunScript(source, name)
	})
}

// RunFile starts the script at path in the worker's environment.
func (w *Worker) RunFile(path string) error {
	return w.Do(func(_ *vm.Host, env *vm.Environment) error {
		return env.RunFile(path)
	})
}

// Suspended returns the number of threads waiting to be woken.
func (w *Worker) Suspended() int {
	n := 0
	w.Do(func(_ *vm.Host, env *vm.Environment) error {
		n = env.Suspended()
		return nil
	})
	return n
}

// Advance moves the environment clock by dt seconds and wakes due threads.
func (w *Worker) Advance(dt float64) (*TickStats, error) {
	var stats *TickStats
	err := w.Do(func(_ *vm.Host, env *vm.Environment) error {
		stats = w.tick(env, dt)
		return nil
	})
	return stats, err
}

func (w *Worker) tick(env *vm.Environment, dt float64) *TickStats {
	start := time.Now()
	before := env.Scheduler().Stats().Woken
	env.Update(dt)
	stats := &TickStats{
		Elapsed:   dt,
		Suspended: env.Suspended(),
		Woken:     env.Scheduler().Stats().Woken - before,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	w.tickCount.Add(1)
	w.lastTick.Store(stats)
	return stats
}

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

// Start begins ticking the clock every interval until ctx is done or Stop
// is called. Calling Start while the clock runs does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.stopped = make(chan struct{})

	stopCh := w.stop
	stoppedCh := w.stopped
	go w.run(ctx, stopCh, stoppedCh)
}

func (w *Worker) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds() * w.timeScale
			last = now
			if _, err := w.Advance(dt); err != nil {
				if !errors.Is(err, ErrStopped) {
					w.log.Errorf("tick failed: %s", err)
				}
				return
			}
		}
	}
}

// pause halts the clock and waits for the ticking goroutine to finish.
func (w *Worker) pause() {
	w.mu.Lock()
	stopCh := w.stop
	stoppedCh := w.stopped
	w.stop = nil
	w.stopped = nil
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// Interval returns the tick interval.
func (w *Worker) Interval() time.Duration {
	return w.interval
}

// TickCount returns the number of ticks performed.
func (w *Worker) TickCount() uint64 {
	return w.tickCount.Load()
}

// LastTick returns the most recent tick, or nil before the first.
func (w *Worker) LastTick() *TickStats {
	return w.lastTick.Load()
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// SaveSnapshot stores the plain data of the environment table under name.
func (w *Worker) SaveSnapshot(name string) error {
	if w.store == nil {
		return fmt.Errorf("saving snapshot %q: no snapshot store", name)
	}
	var data []byte
	err := w.Do(func(_ *vm.Host, env *vm.Environment) error {
		c := env.Table()
		defer c.End()
		var err error
		data, err = snapshot.SaveTable(c)
		return err
	})
	if err != nil {
		return err
	}
	return w.store.Save(name, data)
}

// LoadSnapshot restores the snapshot stored under name into the
// environment table.
func (w *Worker) LoadSnapshot(name string) error {
	if w.store == nil {
		return fmt.Errorf("loading snapshot %q: no snapshot store", name)
	}
	data, err := w.store.Load(name)
	if err != nil {
		return err
	}
	return w.Do(func(_ *vm.Host, env *vm.Environment) error {
		c := env.Table()
		defer c.End()
		return snapshot.LoadTable(c, data)
	})
}

// ---------------------------------------------------------------------------
// Stop
// ---------------------------------------------------------------------------

// Stop halts the clock, closes the environment and the host on the worker
// goroutine, then ends the goroutine. It returns the host's close error.
// Calling Stop twice returns the first result.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		w.pause()
		err := w.Do(func(h *vm.Host, env *vm.Environment) error {
			env.Close()
			return h.Close()
		})
		close(w.quit)
		<-w.exited
		if w.store != nil {
			commonlog.CallAndLogError(w.store.Close, "close snapshot store", w.log)
		}
		w.stopErr = err
		w.log.Infof("worker %s stopped after %d ticks", w.id, w.TickCount())
	})
	return w.stopErr
}
