// Package pool runs submitted tasks on an adaptive set of workers that
// share one rate limiter.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/queue/memory"
)

var (
	// ErrClosed is returned by Submit after Shutdown, and recorded for tasks
	// that were still queued when the pool closed.
	ErrClosed = errors.New("pool closed")
	// ErrJoinTimeout is returned by Shutdown when workers outlive the join timeout.
	ErrJoinTimeout = errors.New("pool workers did not exit before join timeout")
)

const (
	scaleUpUtilization     = 0.8
	scaleDownUtilization   = 0.9
	aggressiveUtilization  = 0.95
	maxScaleUpStep         = 2
	defaultMonitorInterval = 5 * time.Second
	defaultDequeueTimeout  = time.Second
	defaultJoinTimeout     = 30 * time.Second
	defaultQueueCapacity   = 1024
)

// Limiter is the slice of the shared rate limiter the pool depends on.
type Limiter interface {
	Acquire(ctx context.Context) (time.Duration, error)
	Utilization() float64
	Remaining() int
}

// Task is one unit of work.
type Task struct {
	ID  string
	Run func(ctx context.Context) (any, error)
}

// Result captures the outcome of one task.
type Result struct {
	TaskID   string
	Value    any
	Err      error
	Worker   int
	Duration time.Duration
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int
	Target    int
	Queued    int
	Completed int
	Failed    int
}

// Config controls pool sizing and timing.
type Config struct {
	MaxWorkers      int
	InitialWorkers  int
	QueueCapacity   int
	MonitorInterval time.Duration
	DequeueTimeout  time.Duration
	JoinTimeout     time.Duration
	// AcquirePerTask makes each worker call Limiter.Acquire before running a
	// task. Disable it when the task body throttles its own external calls.
	AcquirePerTask bool
}

// DefaultConfig returns the stock pool settings.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      4,
		InitialWorkers:  1,
		QueueCapacity:   defaultQueueCapacity,
		MonitorInterval: defaultMonitorInterval,
		DequeueTimeout:  defaultDequeueTimeout,
		JoinTimeout:     defaultJoinTimeout,
		AcquirePerTask:  true,
	}
}

type envelope struct {
	task Task
	stop bool
}

// Pool is an adaptive worker pool.
type Pool struct {
	cfg     Config
	limiter Limiter
	logger  *zap.Logger
	queue   *memory.Queue[envelope]

	target atomic.Int32

	mu      sync.Mutex
	live    map[int]struct{}
	started bool
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context

	stopMonitor chan struct{}
	monitorDone chan struct{}
	scaleLog    rate.Sometimes

	resultsMu sync.Mutex
	results   []Result
	completed atomic.Int64
	failed    atomic.Int64
}

// New builds a pool. A nil limiter disables throttling and reports zero
// utilization to the monitor.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Pool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.InitialWorkers < 1 {
		cfg.InitialWorkers = 1
	}
	if cfg.InitialWorkers > cfg.MaxWorkers {
		cfg.InitialWorkers = cfg.MaxWorkers
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = defaultDequeueTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if limiter == nil {
		limiter = unlimited{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:         cfg,
		limiter:     limiter,
		logger:      logger,
		queue:       memory.NewQueue[envelope](cfg.QueueCapacity),
		live:        make(map[int]struct{}),
		stopMonitor: make(chan struct{}),
		scaleLog:    rate.Sometimes{Interval: cfg.MonitorInterval},
	}
}

// Start launches the initial workers and the scaling monitor. Calling Start
// more than once is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx = ctx
	p.monitorDone = make(chan struct{})
	p.target.Store(int32(p.cfg.InitialWorkers))
	p.spawnLocked(p.cfg.InitialWorkers)
	p.mu.Unlock()

	p.logger.Info("worker pool started",
		zap.Int("initial_workers", p.cfg.InitialWorkers),
		zap.Int("max_workers", p.cfg.MaxWorkers),
	)
	go p.monitor(ctx)
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("submit task %q: nil run func", task.ID)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := p.queue.Enqueue(ctx, envelope{task: task}); err != nil {
		if errors.Is(err, memory.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("submit task %q: %w", task.ID, err)
	}
	metrics.SetQueueDepth(p.queue.Len())
	return nil
}

// Shutdown stops admission and asks every live worker to exit once the queue
// ahead of it drains. With wait it blocks until the workers are gone or the
// join timeout passes.
func (p *Pool) Shutdown(wait bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	live := len(p.live)
	p.mu.Unlock()

	close(p.stopMonitor)
	if started {
		<-p.monitorDone
	}

	deadline, cancel := context.WithTimeout(context.Background(), p.cfg.JoinTimeout)
	defer cancel()
	for i := 0; i < live; i++ {
		if err := p.queue.Enqueue(deadline, envelope{stop: true}); err != nil {
			p.logger.Warn("stop sentinel not delivered", zap.Error(err))
			break
		}
	}
	if !wait {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline.Done():
		p.logger.Warn("worker pool join timed out", zap.Int("workers", p.Stats().Workers))
		return ErrJoinTimeout
	}

	p.queue.Close()
	p.drainUndelivered()
	metrics.SetPoolWorkers(0)
	metrics.SetQueueDepth(0)
	p.logger.Info("worker pool stopped",
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()),
	)
	return nil
}

// Results returns a copy of every recorded result.
func (p *Pool) Results() []Result {
	p.resultsMu.Lock()
	defer p.resultsMu.Unlock()
	out := make([]Result, len(p.results))
	copy(out, p.results)
	return out
}

// Stats reports live worker count, target and queue depth.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := len(p.live)
	p.mu.Unlock()
	return Stats{
		Workers:   workers,
		Target:    int(p.target.Load()),
		Queued:    p.queue.Len(),
		Completed: int(p.completed.Load()),
		Failed:    int(p.failed.Load()),
	}
}

// spawnLocked starts a worker for every ordinal in 1..target that has none
// and reports how many it started. Live workers above target do not count:
// they retire after their current task. Callers hold p.mu.
func (p *Pool) spawnLocked(target int) int {
	spawned := 0
	for ordinal := 1; ordinal <= target; ordinal++ {
		if _, taken := p.live[ordinal]; taken {
			continue
		}
		p.live[ordinal] = struct{}{}
		p.wg.Add(1)
		go p.work(p.ctx, ordinal)
		spawned++
	}
	metrics.SetPoolWorkers(len(p.live))
	return spawned
}

func (p *Pool) retire(ordinal int) {
	p.mu.Lock()
	delete(p.live, ordinal)
	metrics.SetPoolWorkers(len(p.live))
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Pool) shouldRetire(ordinal int) bool {
	return ordinal > int(p.target.Load())
}

func (p *Pool) work(ctx context.Context, ordinal int) {
	defer p.retire(ordinal)
	logger := p.logger.With(zap.Int("worker", ordinal))
	logger.Debug("worker started")
	for {
		env, err := p.queue.DequeueTimeout(ctx, p.cfg.DequeueTimeout)
		switch {
		case errors.Is(err, memory.ErrTimeout):
			if p.shouldRetire(ordinal) {
				logger.Debug("worker retiring while idle")
				return
			}
			continue
		case err != nil:
			logger.Debug("worker exiting", zap.Error(err))
			return
		}
		if env.stop {
			logger.Debug("worker received stop")
			return
		}
		p.run(ctx, ordinal, env.task)
		if p.shouldRetire(ordinal) {
			logger.Debug("worker retiring after task")
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, ordinal int, task Task) {
	start := time.Now()
	var (
		value any
		err   error
	)
	if p.cfg.AcquirePerTask {
		if _, err = p.limiter.Acquire(ctx); err != nil {
			err = fmt.Errorf("acquire rate limit: %w", err)
		}
	}
	if err == nil {
		value, err = invoke(ctx, task)
	}
	if err != nil {
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker", ordinal),
			zap.Error(err),
		)
	}
	p.record(Result{
		TaskID:   task.ID,
		Value:    value,
		Err:      err,
		Worker:   ordinal,
		Duration: time.Since(start),
	})
}

func invoke(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(ctx)
}

func (p *Pool) record(res Result) {
	if res.Err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	p.resultsMu.Lock()
	p.results = append(p.results, res)
	p.resultsMu.Unlock()
}

// drainUndelivered records tasks that were submitted concurrently with
// Shutdown and landed behind the stop sentinels.
func (p *Pool) drainUndelivered() {
	for {
		env, err := p.queue.Dequeue(context.Background())
		if err != nil {
			return
		}
		if env.stop {
			continue
		}
		p.record(Result{TaskID: env.task.ID, Err: ErrClosed})
	}
}

type unlimited struct{}

func (unlimited) Acquire(context.Context) (time.Duration, error) { return 0, nil }
func (unlimited) Utilization() float64                          { return 0 }
func (unlimited) Remaining() int                                { return int(^uint(0) >> 1) }
