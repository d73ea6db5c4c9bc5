package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/metrics"
)

func (p *Pool) monitor(ctx context.Context) {
	defer close(p.monitorDone)
	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopMonitor:
			return
		case <-ticker.C:
			p.rebalance()
		}
	}
}

// rebalance recomputes the target worker count from queue depth and limiter
// utilization. Growth spawns workers immediately; shrinking only lowers the
// target and lets surplus workers retire on their own.
func (p *Pool) rebalance() {
	depth := p.queue.Len()
	metrics.SetQueueDepth(depth)
	target := p.nextTarget(int(p.target.Load()), depth, p.limiter.Utilization(), p.limiter.Remaining())
	p.scaleTo(target, depth)
}

func (p *Pool) nextTarget(current, depth int, utilization float64, remaining int) int {
	switch {
	case depth > 0 && utilization < scaleUpUtilization && current < p.cfg.MaxWorkers:
		add := min(maxScaleUpStep, p.cfg.MaxWorkers-current, remaining, depth)
		if add < 0 {
			add = 0
		}
		return current + add
	case current > 1 && (utilization > scaleDownUtilization || depth == 0):
		drop := 1
		if utilization > aggressiveUtilization {
			drop = max(1, current/3)
		}
		return max(1, current-drop)
	default:
		return current
	}
}

func (p *Pool) scaleTo(target, depth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	previous := int(p.target.Swap(int32(target)))
	// A worker that retired while the target was being raised leaves a gap
	// even when the target does not change, so gaps are filled every tick.
	spawned := p.spawnLocked(target)
	if target == previous && spawned == 0 {
		return
	}
	p.scaleLog.Do(func() {
		p.logger.Info("worker pool rescaled",
			zap.Int("from", previous),
			zap.Int("to", target),
			zap.Int("spawned", spawned),
			zap.Int("queue_depth", depth),
			zap.Int("live_workers", len(p.live)),
		)
	})
}
