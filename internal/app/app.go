// Package app builds the long-lived services of the analyzer from
// configuration and runs the pipeline and status server on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/api"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/config"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/discovery/fs"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/llm/anthropic"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/llm/dryrun"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/logging"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/realtime-cpi-analyzer/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-cpi-analyzer/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/retry"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/gcs"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/local"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/s3"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/store"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/tasks"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/telemetry"
)

const snapshotConcurrency = 4

// App holds the services shared by every run of the process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	limiter    *ratelimit.Limiter
	retry      *retry.Policy
	tasks      []tasks.Task
	discoverer analyzer.Discoverer
	clients    analyzer.ClientFactory
	output     analyzer.BlobStore
	snapshots  analyzer.BlobStore
	runs       store.RunRepository
	publisher  analyzer.Publisher
	hub        *progress.Hub
	api        *api.Server

	closers []closer
	closed  atomic.Bool
}

type closer struct {
	name string
	fn   func(context.Context) error
}

type buildOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	clients    analyzer.ClientFactory
	dryRun     bool
}

// Option customizes Build.
type Option func(*buildOptions)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// WithClientFactory overrides the configured model provider.
func WithClientFactory(f analyzer.ClientFactory) Option {
	return func(o *buildOptions) { o.clients = f }
}

// WithDryRun swaps the model provider for the offline client.
func WithDryRun(enabled bool) Option {
	return func(o *buildOptions) { o.dryRun = enabled }
}

// Build creates the application's dependencies. On error every service
// created so far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (app *App, err error) {
	bo := buildOptions{}
	for _, opt := range opts {
		opt(&bo)
	}
	logger := bo.logger
	if logger == nil {
		if logger, err = logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		}); err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	shutdownTracing, err := telemetry.Install(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
		LogSpans:    cfg.Telemetry.LogSpans,
	}, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	a.onClose("tracer provider", shutdownTracing)

	engine := cfg.ToEngine()
	a.limiter = ratelimit.New(engine.RateLimit())
	a.retry = retry.New(engine.Retry(), retry.WithLogger(logger.Named("retry")))
	a.logger.Info("engine configured",
		zap.Int("max_workers", engine.MaxWorkers),
		zap.Int("max_calls_per_window", a.limiter.MaxCalls()),
		zap.Duration("window", a.limiter.Window()),
		zap.Int("max_retries", engine.MaxRetries),
		zap.Bool("dynamic_pool", engine.UseDynamicPool),
	)

	if err = a.setupTasks(); err != nil {
		return nil, err
	}
	if a.discoverer, err = fs.New(cfg.Discovery, logger.Named("discovery")); err != nil {
		return nil, fmt.Errorf("discoverer init failed: %w", err)
	}
	if err = a.setupClients(bo); err != nil {
		return nil, err
	}
	if a.output, err = a.setupBlobStore(ctx, "output", cfg.Output); err != nil {
		return nil, err
	}
	if a.snapshots, err = a.setupBlobStore(ctx, "snapshot", cfg.Snapshot); err != nil {
		return nil, err
	}
	if err = a.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.setupProgress(ctx, bo.registerer); err != nil {
		return nil, err
	}

	a.api = api.NewServer(a.runs, logger.Named("api"),
		api.WithAPIKey(cfg.Server.APIKey),
		api.WithRequestTimeout(cfg.Server.RequestTimeout),
		api.WithReadiness(a.ready),
	)
	return a, nil
}

func (a *App) setupTasks() error {
	defaults := analyzer.Profile{
		Model:       a.cfg.Model.Model,
		MaxTokens:   a.cfg.Model.MaxTokens,
		Temperature: a.cfg.Model.Temperature,
	}
	catalog, err := tasks.Load(a.cfg.Tasks.Catalog, defaults)
	if err != nil {
		return fmt.Errorf("task catalog init failed: %w", err)
	}
	a.tasks, err = catalog.Select(a.cfg.Tasks.Selected)
	if err != nil {
		return fmt.Errorf("select tasks: %w", err)
	}
	a.logger.Info("task catalog loaded", zap.Strings("tasks", a.TaskNames()))
	return nil
}

func (a *App) setupClients(bo buildOptions) error {
	switch {
	case bo.clients != nil:
		a.clients = bo.clients
	case bo.dryRun || a.cfg.Model.Provider == config.ProviderDryRun:
		a.logger.Info("using dry-run model client")
		a.clients = dryrun.Factory{}
	default:
		f, err := anthropic.NewFactory(a.cfg.Model.APIKey, a.logger.Named("anthropic"))
		if err != nil {
			return fmt.Errorf("model client init failed: %w", err)
		}
		a.logger.Info("using anthropic model client", zap.String("model", a.cfg.Model.Model))
		a.clients = f
	}
	return nil
}

func (a *App) setupBlobStore(ctx context.Context, name string, cfg config.BlobConfig) (analyzer.BlobStore, error) {
	switch cfg.Backend {
	case config.BackendNone, "":
		a.logger.Info("blob backend disabled", zap.String("store", name))
		return nil, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory blob backend", zap.String("store", name))
		return memory.NewBlobStore(), nil
	case config.BackendLocal:
		bs, err := local.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("%s local blob store init failed: %w", name, err)
		}
		a.logger.Info("using local blob backend", zap.String("store", name), zap.String("path", cfg.Local.BaseDir))
		return bs, nil
	case config.BackendGCS:
		bs, err := gcs.Open(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("%s gcs blob store init failed: %w", name, err)
		}
		a.onClose(name+" gcs client", func(context.Context) error { return bs.Close() })
		a.logger.Info("using GCS blob backend", zap.String("store", name), zap.String("bucket", cfg.GCS.Bucket))
		return bs, nil
	case config.BackendS3:
		bs, err := s3.Open(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("%s s3 blob store init failed: %w", name, err)
		}
		a.logger.Info("using S3 blob backend", zap.String("store", name), zap.String("bucket", cfg.S3.Bucket))
		return bs, nil
	default:
		return nil, fmt.Errorf("unknown %s blob backend %q", name, cfg.Backend)
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	switch a.cfg.Database.Backend {
	case config.DatabaseNone:
		a.logger.Warn("run repository disabled; run history will not be recorded")
	case config.DatabaseMemory, "":
		a.runs = memory.NewRunStore()
	case config.DatabasePostgres:
		repo, err := pgstore.NewRunStore(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("run store init failed: %w", err)
		}
		a.onClose("postgres pool", func(context.Context) error {
			repo.Close()
			return nil
		})
		if a.cfg.Database.EnsureSchema {
			if err := repo.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure run store schema: %w", err)
			}
		}
		a.runs = repo
		a.logger.Info("postgres run repository initialized")
	default:
		return fmt.Errorf("unknown database backend %q", a.cfg.Database.Backend)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		pub := memorypublisher.New()
		a.onClose("memory publisher", func(context.Context) error { return pub.Close() })
		a.publisher = pub
		return nil
	}
	pub, err := gcppublisher.NewFromProject(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose("pubsub publisher", func(context.Context) error { return pub.Close() })
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("items_topic", a.cfg.PubSub.ItemsTopic),
		zap.String("runs_topic", a.cfg.PubSub.RunsTopic),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("progress_log")))
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.runs != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(a.runs, a.logger.Named("progress_store")))
	}
	if a.publisher != nil {
		sinkList = append(sinkList, sinks.NewPublisherSink(
			a.publisher,
			a.cfg.PubSub.ItemsTopic,
			a.cfg.PubSub.RunsTopic,
			a.logger.Named("progress_publisher"),
		))
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.Buffer,
		MaxBatchEvents: a.cfg.Progress.Batch,
		MaxBatchWait:   a.cfg.Progress.Wait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	hub := progress.NewHub(hubCfg, sinkList...)
	a.onClose("progress hub", func(ctx context.Context) error {
		stats := hub.Stats()
		a.logger.Info("progress hub closing",
			zap.Int64("accepted", stats.Accepted),
			zap.Int64("dropped", stats.Dropped),
			zap.Int64("batches", stats.Batches),
			zap.Int64("sink_failures", stats.SinkFailures),
		)
		return hub.Close(ctx)
	})
	a.hub = hub
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// TaskNames lists the selected task types in execution order.
func (a *App) TaskNames() []string {
	names := make([]string, len(a.tasks))
	for i, t := range a.tasks {
		names[i] = t.Name
	}
	return names
}

// Runs exposes the run repository; nil when disabled.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Handler returns the status API.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Analyze performs one run and returns its context, which carries the run
// ID and per-item summaries even when the run fails.
func (a *App) Analyze(ctx context.Context, force bool) (*pipeline.RunContext, error) {
	svc := pipeline.Services{
		Limiter:    a.limiter,
		Retry:      a.retry,
		Clients:    a.clients,
		Discoverer: a.discoverer,
		Tasks:      slices.Clone(a.tasks),
		Output:     a.output,
		Snapshots:  a.snapshots,
		Logger:     a.logger.Named("run"),
	}
	if a.hub != nil {
		svc.Progress = a.hub
	}
	rc := pipeline.NewRunContext(pipeline.Options{
		MetadataDir:         a.cfg.Metadata.Dir,
		StaleLockAfter:      a.cfg.Metadata.StaleLockAfter,
		UseDynamicPool:      a.cfg.Pool.UseDynamicPool,
		Pool:                a.cfg.PoolConfig(),
		Force:               force || a.cfg.Run.Force,
		CheckpointEvery:     a.cfg.Metadata.CheckpointEvery,
		OutputContentType:   a.cfg.Output.ContentType,
		SnapshotConcurrency: snapshotConcurrency,
	}, svc)

	orch := pipeline.NewOrchestrator(pipeline.DefaultStages(), pipeline.WithLogger(a.logger.Named("orchestrator")))
	err := orch.Run(ctx, rc)
	return rc, err
}

// Serve runs the status server on the configured port until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	a.logger.Info("http server stopped")
	return nil
}

func (a *App) ready(context.Context) error {
	if a.closed.Load() {
		return errors.New("shutting down")
	}
	return nil
}

// Close releases every service in reverse creation order. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) error {
	if a.closed.Swap(true) {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
