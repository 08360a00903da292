// Package scheduler runs periodic background tasks with overlap prevention.
//
// A task never overlaps itself: a tick that arrives while the previous run is
// still going is skipped. With a Locker configured the same holds across
// replicas, using a lease that expires on its own if the holder dies.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Locker grants exclusive leases across processes.
type Locker interface {
	// TryLock acquires key for ttl. ok is false when someone else holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Task is a periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run. Defaults to Interval.
	Timeout time.Duration
	// RunOnStart runs the task immediately instead of after the first interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type task struct {
	Task
	running atomic.Bool
	attrs   metric.MeasurementOption
}

type instruments struct {
	runs     metric.Int64Counter
	skips    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// Scheduler owns a set of tasks and their goroutines.
type Scheduler struct {
	lg     *zap.Logger
	locker Locker
	m      instruments

	mu      sync.Mutex
	tasks   []*task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker enables cross-process overlap prevention.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// New creates a Scheduler reporting to the given meter provider.
func New(lg *zap.Logger, mp metric.MeterProvider, opts ...Option) (*Scheduler, error) {
	meter := mp.Meter("github.com/xenking/kart-checkout/pkg/scheduler")
	s := &Scheduler{lg: lg}

	var err error
	if s.m.runs, err = meter.Int64Counter("scheduler.task.runs",
		metric.WithDescription("Task runs started")); err != nil {
		return nil, errors.Wrap(err, "runs counter")
	}
	if s.m.skips, err = meter.Int64Counter("scheduler.task.skips",
		metric.WithDescription("Ticks skipped because the task was already running")); err != nil {
		return nil, errors.Wrap(err, "skips counter")
	}
	if s.m.failures, err = meter.Int64Counter("scheduler.task.failures",
		metric.WithDescription("Task runs that returned an error")); err != nil {
		return nil, errors.Wrap(err, "failures counter")
	}
	if s.m.duration, err = meter.Float64Histogram("scheduler.task.duration",
		metric.WithDescription("Task run duration"), metric.WithUnit("s")); err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}

	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Add registers a task. Tasks must be added before Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("task needs a name and a run function")
	}
	if t.Interval <= 0 {
		return errors.Errorf("task %s: interval must be positive", t.Name)
	}
	if t.Timeout <= 0 {
		t.Timeout = t.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Errorf("task %s: scheduler already started", t.Name)
	}
	for _, existing := range s.tasks {
		if existing.Name == t.Name {
			return errors.Errorf("task %s already registered", t.Name)
		}
	}
	s.tasks = append(s.tasks, &task{
		Task:  t,
		attrs: metric.WithAttributes(attribute.String("task", t.Name)),
	})
	return nil
}

// Start launches every task loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.lg.Info("Scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Stop cancels every task and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// Trigger runs the named task now unless it is already running. It reports
// whether the task ran.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	var found *task
	for _, t := range s.tasks {
		if t.Name == name {
			found = t
		}
	}
	s.mu.Unlock()
	if found == nil {
		return false, errors.Errorf("unknown task %s", name)
	}
	return s.execute(ctx, found)
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	tick := func() {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			_, _ = s.execute(ctx, t)
		}()
	}

	if t.RunOnStart {
		tick()
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) (bool, error) {
	lg := s.lg.With(zap.String("task", t.Name))

	if !t.running.CompareAndSwap(false, true) {
		s.m.skips.Add(ctx, 1, t.attrs)
		lg.Debug("Skipping tick, previous run still active")
		return false, nil
	}
	defer t.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(runCtx, "scheduler:"+t.Name, t.Timeout)
		if err != nil {
			s.m.failures.Add(ctx, 1, t.attrs)
			lg.Warn("Acquire task lease", zap.Error(err))
			return false, errors.Wrap(err, "acquire lease")
		}
		if !ok {
			s.m.skips.Add(ctx, 1, t.attrs)
			lg.Debug("Skipping tick, another replica holds the lease")
			return false, nil
		}
		defer func() {
			// The run context may be done; release on a fresh one.
			relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer relCancel()
			if err := release(relCtx); err != nil {
				lg.Warn("Release task lease", zap.Error(err))
			}
		}()
	}

	s.m.runs.Add(ctx, 1, t.attrs)
	start := time.Now()
	err := s.safeRun(runCtx, t)
	elapsed := time.Since(start)
	s.m.duration.Record(ctx, elapsed.Seconds(), t.attrs)

	if err != nil {
		s.m.failures.Add(ctx, 1, t.attrs)
		lg.Error("Task failed", zap.Duration("duration", elapsed), zap.Error(err))
		return true, err
	}
	lg.Debug("Task finished", zap.Duration("duration", elapsed))
	return true, nil
}

func (s *Scheduler) safeRun(ctx context.Context, t *task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("task panicked: %v", rec)
		}
	}()
	return t.Run(ctx)
}
