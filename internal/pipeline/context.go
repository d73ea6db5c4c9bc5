package pipeline

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/hash/sha256"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/metadata"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/pool"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/retry"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/tasks"
)

// InfoContentHash is the record info field holding the payload digest the
// record's task results were produced from.
const InfoContentHash = "content_hash"

// Options is the per-run configuration.
type Options struct {
	// MetadataDir holds the group documents and the run lock.
	MetadataDir string
	// StaleLockAfter lets a run break a lock older than this. Zero never breaks.
	StaleLockAfter time.Duration
	// UseDynamicPool runs items on the adaptive pool; otherwise serially.
	UseDynamicPool bool
	Pool           pool.Config
	// Force re-runs items even when their tasks already succeeded.
	Force bool
	// CheckpointEvery saves dirty groups after this many finished items.
	CheckpointEvery int
	// OutputContentType is used for per-task output blobs.
	OutputContentType string
	// SnapshotConcurrency bounds parallel snapshot uploads.
	SnapshotConcurrency int
}

// Services are the collaborators a run uses. Limiter, Retry, Clients,
// Discoverer and Tasks are required. Clock, Hasher and IDs fall back to the
// system implementations; Output, Snapshots and Progress may be nil.
type Services struct {
	Limiter    pool.Limiter
	Retry      *retry.Policy
	Clients    analyzer.ClientFactory
	Discoverer analyzer.Discoverer
	Tasks      []tasks.Task
	Output     analyzer.BlobStore
	Snapshots  analyzer.BlobStore
	Progress   progress.Emitter
	Hasher     analyzer.Hasher
	Clock      analyzer.Clock
	IDs        analyzer.IDGenerator
	Logger     *zap.Logger
}

// RunContext is the state shared by the stages of one run.
type RunContext struct {
	Options  Options
	Services Services

	RunID     string
	StartedAt time.Time

	Lock  *metadata.RunLock
	Store *metadata.Store
	Pool  *pool.Pool

	// Items is everything discovered; Pending is what still needs work.
	Items   []analyzer.WorkItem
	Pending []analyzer.WorkItem

	runID [16]byte

	mu         sync.Mutex
	results    map[string]analyzer.ItemSummary
	finished   int
	halted     bool
	haltReason string
	cleanups   []cleanup
}

type cleanup struct {
	name string
	fn   func(context.Context) error
}

// NewRunContext prepares a context for one run.
func NewRunContext(opts Options, svc Services) *RunContext {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	if svc.Clock == nil {
		svc.Clock = system.New()
	}
	if svc.Hasher == nil {
		svc.Hasher = sha256.New()
	}
	if svc.IDs == nil {
		svc.IDs = uuid.New()
	}
	if opts.OutputContentType == "" {
		opts.OutputContentType = "text/plain; charset=utf-8"
	}
	if opts.SnapshotConcurrency < 1 {
		opts.SnapshotConcurrency = 4
	}
	return &RunContext{
		Options:  opts,
		Services: svc,
		results:  make(map[string]analyzer.ItemSummary),
	}
}

// Logger returns the run's logger.
func (rc *RunContext) Logger() *zap.Logger {
	return rc.Services.Logger
}

// TaskNames lists the configured task types in execution order.
func (rc *RunContext) TaskNames() []string {
	names := make([]string, len(rc.Services.Tasks))
	for i, t := range rc.Services.Tasks {
		names[i] = t.Name
	}
	return names
}

// Halt stops the run after the current stage. Stages that must always run
// (persist-state, teardown) still execute.
func (rc *RunContext) Halt(reason string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.halted = true
	rc.haltReason = reason
}

// Halted reports whether a stage called Halt, and why.
func (rc *RunContext) Halted() (bool, string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.halted, rc.haltReason
}

// OnCleanup registers fn to run when the orchestrator returns. Cleanups run
// in reverse registration order whether or not the run failed.
func (rc *RunContext) OnCleanup(name string, fn func(context.Context) error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cleanups = append(rc.cleanups, cleanup{name: name, fn: fn})
}

func (rc *RunContext) takeCleanups() []cleanup {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := rc.cleanups
	rc.cleanups = nil
	return out
}

// Record stores the summary for one item, replacing any earlier one.
func (rc *RunContext) Record(summary analyzer.ItemSummary) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.results[summaryKey(summary.Group, summary.Key)] = summary
}

// Summaries returns every recorded item summary ordered by key, then group.
func (rc *RunContext) Summaries() []analyzer.ItemSummary {
	rc.mu.Lock()
	out := make([]analyzer.ItemSummary, 0, len(rc.results))
	for _, s := range rc.results {
		out = append(out, s)
	}
	rc.mu.Unlock()
	slices.SortFunc(out, func(a, b analyzer.ItemSummary) int {
		if c := strings.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return strings.Compare(a.Group, b.Group)
	})
	return out
}

// Failed counts recorded items whose status is failed.
func (rc *RunContext) Failed() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	n := 0
	for _, s := range rc.results {
		if s.Status == analyzer.ItemFailed {
			n++
		}
	}
	return n
}

// Recorded reports how many records are durably persisted in the metadata
// store. It is zero until the store has been opened.
func (rc *RunContext) Recorded() int {
	if rc.Store == nil {
		return 0
	}
	return rc.Store.PersistedCount()
}

// itemFinished counts a processed item and reports whether a checkpoint is due.
func (rc *RunContext) itemFinished() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.finished++
	every := rc.Options.CheckpointEvery
	return every > 0 && rc.finished%every == 0
}

func (rc *RunContext) now() time.Time {
	return rc.Services.Clock.Now().UTC()
}

// emit stamps evt with the run ID and time and hands it to the progress hub.
func (rc *RunContext) emit(evt progress.Event) {
	if rc.Services.Progress == nil || rc.runID == [16]byte{} {
		return
	}
	evt.RunID = rc.runID
	if evt.TS.IsZero() {
		evt.TS = rc.now()
	}
	rc.Services.Progress.Emit(evt)
}

func summaryKey(group, key string) string {
	return group + "\x00" + key
}
