package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/metadata"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/pool"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
)

// Stage names.
const (
	StageSetup    = "setup"
	StageLoad     = "load-state"
	StageDiscover = "discover-work"
	StageExecute  = "execute"
	StagePersist  = "persist-state"
	StageTeardown = "teardown"
)

// SetupStage validates the run, assigns its ID, takes the run lock and
// builds the worker pool.
type SetupStage struct{}

// Name implements Stage.
func (SetupStage) Name() string { return StageSetup }

// Execute implements Stage.
func (SetupStage) Execute(_ context.Context, rc *RunContext) error {
	if err := validate(rc); err != nil {
		return err
	}
	runID, err := rc.Services.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	raw, err := progress.ParseRunID(runID)
	if err != nil {
		return err
	}
	rc.RunID = runID
	rc.StartedAt = rc.now()
	rc.Services.Logger = rc.Services.Logger.With(zap.String("run_id", runID))

	lock, err := metadata.AcquireRunLock(rc.Options.MetadataDir, runID, rc.Services.Clock, rc.Options.StaleLockAfter)
	if err != nil {
		return err
	}
	rc.Lock = lock
	rc.OnCleanup("release run lock", func(context.Context) error {
		return lock.Release()
	})

	if rc.Options.UseDynamicPool {
		cfg := rc.Options.Pool
		// Each model call acquires its own slot inside the task body.
		cfg.AcquirePerTask = false
		p := pool.New(cfg, rc.Services.Limiter, rc.Logger().Named("pool"))
		rc.Pool = p
		rc.OnCleanup("shutdown pool", func(context.Context) error {
			return p.Shutdown(false)
		})
	}

	// Events flow only once the run is announced.
	rc.runID = raw
	rc.emit(progress.Event{Stage: progress.StageRunStart, TS: rc.StartedAt})
	rc.Logger().Info("run started",
		zap.Strings("tasks", rc.TaskNames()),
		zap.Bool("dynamic_pool", rc.Options.UseDynamicPool),
		zap.Bool("force", rc.Options.Force),
	)
	return nil
}

func validate(rc *RunContext) error {
	var errs []error
	if rc.Options.MetadataDir == "" {
		errs = append(errs, errors.New("metadata directory is required"))
	}
	if rc.Services.Limiter == nil {
		errs = append(errs, errors.New("rate limiter is required"))
	}
	if rc.Services.Retry == nil {
		errs = append(errs, errors.New("retry policy is required"))
	}
	if rc.Services.Clients == nil {
		errs = append(errs, errors.New("model client factory is required"))
	}
	if rc.Services.Discoverer == nil {
		errs = append(errs, errors.New("discoverer is required"))
	}
	if len(rc.Services.Tasks) == 0 {
		errs = append(errs, errors.New("at least one task type is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid run configuration: %w", err)
	}
	return nil
}

// LoadStateStage opens the metadata store.
type LoadStateStage struct{}

// Name implements Stage.
func (LoadStateStage) Name() string { return StageLoad }

// Execute implements Stage.
func (LoadStateStage) Execute(_ context.Context, rc *RunContext) error {
	store, err := metadata.Open(rc.Options.MetadataDir, rc.Logger().Named("metadata"))
	if err != nil {
		return err
	}
	rc.Store = store
	return nil
}

// DiscoverStage asks the discoverer for items, fingerprints their payloads
// and sets aside items already analyzed for the same content.
type DiscoverStage struct{}

// Name implements Stage.
func (DiscoverStage) Name() string { return StageDiscover }

// Execute implements Stage.
func (DiscoverStage) Execute(ctx context.Context, rc *RunContext) error {
	items, err := rc.Services.Discoverer.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover work: %w", err)
	}
	names := rc.TaskNames()
	seen := make(map[string]struct{}, len(items))
	rc.Items = rc.Items[:0]
	rc.Pending = rc.Pending[:0]
	skipped := 0
	for _, item := range items {
		// Root-level items share the default group's document, so they must
		// also share its key space.
		item.Group = metadata.NormalizeGroup(item.Group)
		id := summaryKey(item.Group, item.Key)
		if _, dup := seen[id]; dup {
			rc.Logger().Warn("duplicate item key ignored",
				zap.String("group", item.Group),
				zap.String("key", item.Key),
				zap.String("id", item.ID),
			)
			continue
		}
		seen[id] = struct{}{}

		item, err = fingerprint(rc, item)
		if err != nil {
			return err
		}
		rc.Items = append(rc.Items, item)

		if !rc.Options.Force && upToDate(rc.Store.Get(item.Group, item.Key), item, names) {
			skipped++
			recordSkipped(rc, item, names)
			continue
		}
		rc.Pending = append(rc.Pending, item)
	}

	rc.Logger().Info("work discovered",
		zap.Int("items", len(rc.Items)),
		zap.Int("pending", len(rc.Pending)),
		zap.Int("skipped", skipped),
	)
	if len(rc.Pending) == 0 {
		rc.Halt("no pending items")
	}
	return nil
}

func fingerprint(rc *RunContext, item analyzer.WorkItem) (analyzer.WorkItem, error) {
	digest, err := rc.Services.Hasher.Hash([]byte(item.Payload))
	if err != nil {
		return item, fmt.Errorf("hash item %s: %w", item.ID, err)
	}
	info := make(map[string]any, len(item.Info)+1)
	for k, v := range item.Info {
		info[k] = v
	}
	info[InfoContentHash] = digest
	item.Info = info
	return item, nil
}

func upToDate(rec analyzer.Record, item analyzer.WorkItem, taskNames []string) bool {
	if !rec.Succeeded(taskNames) {
		return false
	}
	stored, _ := rec.Info[InfoContentHash].(string)
	return stored != "" && stored == item.Info[InfoContentHash]
}

func recordSkipped(rc *RunContext, item analyzer.WorkItem, names []string) {
	rec := rc.Store.Get(item.Group, item.Key)
	results := make(map[string]analyzer.TaskResult, len(names))
	for _, name := range names {
		results[name] = rec.Tasks[name]
	}
	rc.Record(analyzer.ItemSummary{
		Key:         item.Key,
		Group:       item.Group,
		ID:          item.ID,
		Status:      analyzer.ItemCompleted,
		TaskResults: results,
		Skipped:     true,
	})
	rc.emit(progress.Event{
		Stage:  progress.StageItemDone,
		Group:  item.Group,
		Key:    item.Key,
		ItemID: item.ID,
		Status: progress.ItemSkipped,
		Tasks:  len(names),
	})
}

// PersistStage flushes every dirty group to disk, exports the group documents
// to the snapshot store and reports the run as done.
type PersistStage struct{}

// Name implements Stage.
func (PersistStage) Name() string { return StagePersist }

// RunsAfterHalt implements Finalizer.
func (PersistStage) RunsAfterHalt() bool { return true }

// Execute implements Stage.
func (PersistStage) Execute(ctx context.Context, rc *RunContext) error {
	if rc.Store == nil {
		return errors.New("metadata store not loaded")
	}
	if err := rc.Store.SaveAll(); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	if err := exportSnapshots(ctx, rc); err != nil {
		return err
	}
	summaries := rc.Summaries()
	failed := rc.Failed()
	elapsed := rc.now().Sub(rc.StartedAt)
	rc.emit(progress.Event{
		Stage:        progress.StageRunDone,
		Items:        len(summaries),
		TaskFailures: failed,
		Dur:          max(elapsed, 0),
	})
	rc.Logger().Info("run persisted",
		zap.Int("items", len(summaries)),
		zap.Int("failed", failed),
		zap.Int("records", rc.Recorded()),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// exportSnapshots copies each group document, byte for byte, to
// <run id>/<document name> in the snapshot store.
func exportSnapshots(ctx context.Context, rc *RunContext) error {
	if rc.Services.Snapshots == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.Options.SnapshotConcurrency)
	for _, group := range rc.Store.Groups() {
		docPath := rc.Store.DocumentPath(group)
		g.Go(func() error {
			return exportDocument(gctx, rc, docPath)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("export snapshots: %w", err)
	}
	return nil
}

func exportDocument(ctx context.Context, rc *RunContext, docPath string) error {
	f, err := os.Open(docPath) // #nosec G304 -- path is built by the metadata store.
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", docPath, err)
	}
	defer func() { _ = f.Close() }()

	objectPath := rc.RunID + "/" + filepath.Base(docPath)
	uri, err := rc.Services.Snapshots.PutObject(ctx, objectPath, "application/json", f)
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectPath, err)
	}
	rc.Logger().Debug("snapshot exported", zap.String("uri", uri))
	return nil
}

// TeardownStage stops the pool, flushes progress and releases the run lock.
type TeardownStage struct{}

// Name implements Stage.
func (TeardownStage) Name() string { return StageTeardown }

// RunsAfterHalt implements Finalizer.
func (TeardownStage) RunsAfterHalt() bool { return true }

// Execute implements Stage.
func (TeardownStage) Execute(ctx context.Context, rc *RunContext) error {
	var errs []error
	if rc.Pool != nil {
		if err := rc.Pool.Shutdown(true); err != nil {
			errs = append(errs, fmt.Errorf("shutdown pool: %w", err))
		}
	}
	if f, ok := rc.Services.Progress.(progress.Flusher); ok {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := f.Flush(flushCtx); err != nil {
			rc.Logger().Warn("progress flush failed", zap.Error(err))
		}
	}
	if err := rc.Lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
