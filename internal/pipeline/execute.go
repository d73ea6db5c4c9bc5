package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/pool"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/retry"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/tasks"
)

// ExecutionStage applies every configured task type to each pending item.
// Task failures are recorded against the item and never abort the run.
type ExecutionStage struct{}

// Name implements Stage.
func (ExecutionStage) Name() string { return StageExecute }

// Execute implements Stage.
func (s ExecutionStage) Execute(ctx context.Context, rc *RunContext) error {
	if rc.Store == nil {
		return errors.New("metadata store not loaded")
	}
	if rc.Options.UseDynamicPool && rc.Pool != nil {
		return s.runPooled(ctx, rc)
	}
	return s.runSerial(ctx, rc)
}

func (s ExecutionStage) runSerial(ctx context.Context, rc *RunContext) error {
	for _, item := range rc.Pending {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execute canceled: %w", err)
		}
		s.processItem(ctx, rc, item)
	}
	return nil
}

func (s ExecutionStage) runPooled(ctx context.Context, rc *RunContext) error {
	p := rc.Pool
	p.Start(ctx)
	byID := make(map[string]analyzer.WorkItem, len(rc.Pending))
	for _, item := range rc.Pending {
		byID[item.ID] = item
		err := p.Submit(ctx, pool.Task{
			ID: item.ID,
			Run: func(ctx context.Context) (any, error) {
				return s.processItem(ctx, rc, item), nil
			},
		})
		if err != nil {
			_ = p.Shutdown(true)
			return fmt.Errorf("submit item %s: %w", item.ID, err)
		}
	}
	if err := p.Shutdown(true); err != nil {
		return fmt.Errorf("wait for workers: %w", err)
	}
	// A task only fails at the pool level when it panicked or never ran.
	for _, res := range p.Results() {
		if res.Err == nil {
			continue
		}
		item, ok := byID[res.TaskID]
		if !ok {
			continue
		}
		rc.Logger().Error("item aborted", zap.String("id", item.ID), zap.Error(res.Err))
		s.finishItem(rc, item, analyzer.ItemSummary{
			Key:         item.Key,
			Group:       item.Group,
			ID:          item.ID,
			Status:      analyzer.ItemFailed,
			TaskResults: map[string]analyzer.TaskResult{},
			Error:       res.Err.Error(),
			Duration:    res.Duration,
		}, 0)
	}
	return nil
}

// processItem runs the task types of one item in configured order, updating
// the item's record after each one.
func (s ExecutionStage) processItem(ctx context.Context, rc *RunContext, item analyzer.WorkItem) analyzer.ItemSummary {
	start := time.Now()
	logger := rc.Logger().With(zap.String("group", item.Group), zap.String("key", item.Key))
	summary := analyzer.ItemSummary{
		Key:         item.Key,
		Group:       item.Group,
		ID:          item.ID,
		Status:      analyzer.ItemCompleted,
		TaskResults: make(map[string]analyzer.TaskResult, len(rc.Services.Tasks)),
	}
	var failures []string
	for _, task := range rc.Services.Tasks {
		result := s.runTask(ctx, rc, task, item)
		summary.TaskResults[task.Name] = result
		metrics.ObserveTask(task.Name, result.Success)

		update := analyzer.Record{Info: item.Info}
		update.MergeTask(task.Name, result)
		ts := result.Timestamp
		if result.Success {
			update.LastAnalyzed = &ts
		} else {
			update.LastError = &ts
			failures = append(failures, task.Name+": "+result.Error)
			logger.Warn("task failed", zap.String("task", task.Name), zap.String("error", result.Error))
		}
		rc.Store.Update(item.Group, item.Key, update)
	}
	if len(failures) > 0 {
		summary.Status = analyzer.ItemFailed
		summary.Error = strings.Join(failures, "; ")
	}
	summary.Duration = time.Since(start)
	s.finishItem(rc, item, summary, len(failures))
	return summary
}

// runTask renders the prompt, calls the model through the limiter and retry
// policy, validates the text and writes it to the output store.
func (ExecutionStage) runTask(ctx context.Context, rc *RunContext, task tasks.Task, item analyzer.WorkItem) analyzer.TaskResult {
	text, err := predict(ctx, rc, task, item)
	if err == nil {
		err = task.Validate(text)
	}
	if err == nil {
		err = writeOutput(ctx, rc, task, item, text)
	}
	result := analyzer.TaskResult{Success: err == nil, Timestamp: rc.now()}
	if err != nil {
		result.Error = fmt.Sprintf("%s: %v", retry.Classify(err), err)
	}
	return result
}

func predict(ctx context.Context, rc *RunContext, task tasks.Task, item analyzer.WorkItem) (string, error) {
	prompt, err := task.Render(item)
	if err != nil {
		return "", err
	}
	client, err := rc.Services.Clients.Client(task.SystemPrompt, task.Profile)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("build client for %s: %w", task.Name, err))
	}
	return retry.Do(ctx, rc.Services.Retry, func(ctx context.Context) (string, error) {
		if _, err := rc.Services.Limiter.Acquire(ctx); err != nil {
			return "", fmt.Errorf("acquire rate limit: %w", err)
		}
		return client.Predict(ctx, prompt)
	})
}

func writeOutput(ctx context.Context, rc *RunContext, task tasks.Task, item analyzer.WorkItem, text string) error {
	if rc.Services.Output == nil {
		return nil
	}
	path := OutputPath(item, task.Name)
	if _, err := rc.Services.Output.PutObject(ctx, path, rc.Options.OutputContentType, strings.NewReader(text)); err != nil {
		return retry.Permanent(fmt.Errorf("write output %s: %w", path, err))
	}
	return nil
}

// OutputPath is where a task's text is stored: <group>/<key>/<task>.txt.
func OutputPath(item analyzer.WorkItem, taskName string) string {
	group := item.Group
	if group == "" {
		group = "_"
	}
	return group + "/" + item.Key + "/" + taskName + ".txt"
}

func (ExecutionStage) finishItem(rc *RunContext, item analyzer.WorkItem, summary analyzer.ItemSummary, taskFailures int) {
	rc.Record(summary)
	status := progress.ItemCompleted
	if summary.Status == analyzer.ItemFailed {
		status = progress.ItemFailed
	}
	rc.emit(progress.Event{
		Stage:        progress.StageItemDone,
		Group:        item.Group,
		Key:          item.Key,
		ItemID:       item.ID,
		Status:       status,
		Tasks:        len(summary.TaskResults),
		TaskFailures: taskFailures,
		Dur:          summary.Duration,
		Note:         summary.Error,
	})
	if rc.itemFinished() {
		if err := rc.Store.SaveAll(); err != nil {
			rc.Logger().Warn("metadata checkpoint failed", zap.Error(err))
		}
	}
}
