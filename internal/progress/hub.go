package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize is the capacity of the event channel (4096).
	BufferSize int
	// MaxBatchEvents hands a batch to the sinks once it reaches this size (1000).
	MaxBatchEvents int
	// MaxBatchWait hands over a partial batch after this long (500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call (10s).
	SinkTimeout time.Duration
	// LifecycleWait is how long Emit may block on a full buffer for RUN_*
	// events, which sinks need to open and close runs (1s). ITEM_DONE events
	// never block.
	LifecycleWait time.Duration
	// BaseContext is the parent of every sink call (context.Background()).
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultLifecycleWait  = time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats is a point-in-time view of hub throughput.
type Stats struct {
	Accepted     int64
	Dropped      int64
	Invalid      int64
	Batches      int64
	SinkFailures int64
}

// Hub buffers progress events and hands them to every sink in batches. Emit
// is safe for concurrent use. Each batch goes to all sinks in parallel and
// the next batch waits until every sink returned.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	flushCh chan chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog rate.Sometimes

	pendingDrops atomic.Int64
	accepted     atomic.Int64
	dropped      atomic.Int64
	invalid      atomic.Int64
	batches      atomic.Int64
	sinkFailures atomic.Int64
	closed       atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine. The hub accepts events immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.LifecycleWait <= 0 {
		cfg.LifecycleWait = defaultLifecycleWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   live,
		events:  make(chan Event, cfg.BufferSize),
		flushCh: make(chan chan struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an event. Invalid events and events emitted after Close are
// discarded. When the buffer is full ITEM_DONE events are dropped at once
// and RUN_* events wait up to LifecycleWait first.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.invalid.Add(1)
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
		return
	default:
	}
	if evt.Stage != StageItemDone && h.cfg.LifecycleWait > 0 {
		wait := time.NewTimer(h.cfg.LifecycleWait)
		defer wait.Stop()
		select {
		case h.events <- evt:
			h.accepted.Add(1)
			return
		case <-wait.C:
		case <-h.stopCh:
		}
	}
	h.recordDrop(evt)
}

func (h *Hub) recordDrop(evt Event) {
	h.dropped.Add(1)
	h.pendingDrops.Add(1)
	h.dropLog.Do(func() {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.Int64("dropped", h.pendingDrops.Swap(0)),
			zap.String("last_stage", string(evt.Stage)),
		)
	})
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Stats reports counters since the hub started.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		Accepted:     h.accepted.Load(),
		Dropped:      h.dropped.Load(),
		Invalid:      h.invalid.Load(),
		Batches:      h.batches.Load(),
		SinkFailures: h.sinkFailures.Load(),
	}
}

// Flush hands every event emitted so far to the sinks and waits for them to
// be consumed. It returns immediately once the hub is closed.
func (h *Hub) Flush(ctx context.Context) error {
	if h == nil {
		return nil
	}
	done := make(chan struct{})
	select {
	case h.flushCh <- done:
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub flush: %w", ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub flush wait: %w", ctx.Err())
	}
}

// Close delivers what is buffered, closes the sinks with ctx and waits for
// the batching goroutine to exit. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	// Go 1.23 timers need no draining before Stop or Reset.
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	armed := false

	deliver := func() {
		if armed {
			timer.Stop()
			armed = false
		}
		h.deliver(batch)
		batch = batch[:0]
	}
	// drain moves whatever is buffered into batch, delivering full batches
	// on the way, then delivers the remainder.
	drain := func() {
		for {
			select {
			case evt := <-h.events:
				batch = append(batch, evt)
				if len(batch) >= h.cfg.MaxBatchEvents {
					deliver()
				}
			default:
				deliver()
				return
			}
		}
	}

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			switch {
			case len(batch) >= h.cfg.MaxBatchEvents:
				deliver()
			case !armed:
				timer.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-timer.C:
			armed = false
			deliver()
		case done := <-h.flushCh:
			drain()
			close(done)
		case <-h.stopCh:
			drain()
			h.closeSinks()
			return
		}
	}
}

// deliver hands one batch to every sink concurrently and waits for all of
// them. A failing sink does not affect the others.
func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 || len(h.sinks) == 0 {
		return
	}
	h.batches.Add(1)
	shared := append([]Event(nil), batch...)
	var g errgroup.Group
	for _, sink := range h.sinks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := sink.Consume(ctx, shared); err != nil {
				h.sinkFailures.Add(1)
				h.logger.Warn("progress sink consume failed",
					zap.String("sink", fmt.Sprintf("%T", sink)),
					zap.Int("events", len(shared)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
