package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/pool"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/retry"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/memory"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/tasks"
)

const testCatalog = `
tasks:
  - name: summary
    system_prompt: "Summarize the product page."
    prompt: "summarize {{.Key}}: {{.Payload}}"
  - name: price
    system_prompt: "Extract the price."
    prompt: "price of {{.Key}}"
    min_length: 3
`

func testTasks(t *testing.T, names ...string) []tasks.Task {
	t.Helper()
	c, err := tasks.Parse([]byte(testCatalog), analyzer.Profile{Model: "test-model", MaxTokens: 64})
	require.NoError(t, err)
	selected, err := c.Select(names)
	require.NoError(t, err)
	return selected
}

// countingLimiter admits everything and counts admissions.
type countingLimiter struct {
	calls atomic.Int64
}

func (l *countingLimiter) Acquire(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.calls.Add(1)
	return 0, nil
}

func (l *countingLimiter) Utilization() float64 { return 0 }
func (l *countingLimiter) Remaining() int       { return 1000 }

var _ pool.Limiter = (*countingLimiter)(nil)

// scriptedModel answers prompts through respond and counts calls per prompt.
type scriptedModel struct {
	respond func(system, prompt string, call int) (string, error)

	mu    sync.Mutex
	calls map[string]int
	total atomic.Int64
}

func newScriptedModel(respond func(system, prompt string, call int) (string, error)) *scriptedModel {
	return &scriptedModel{respond: respond, calls: make(map[string]int)}
}

func (m *scriptedModel) Client(system string, _ analyzer.Profile) (analyzer.ModelClient, error) {
	return modelClient{model: m, system: system}, nil
}

func (m *scriptedModel) Calls(prompt string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[prompt]
}

type modelClient struct {
	model  *scriptedModel
	system string
}

func (c modelClient) Predict(_ context.Context, prompt string) (string, error) {
	c.model.mu.Lock()
	c.model.calls[prompt]++
	call := c.model.calls[prompt]
	c.model.mu.Unlock()
	c.model.total.Add(1)
	return c.model.respond(c.system, prompt, call)
}

func echoModel() *scriptedModel {
	return newScriptedModel(func(_, prompt string, _ int) (string, error) {
		return "answer for " + prompt, nil
	})
}

type staticDiscoverer struct {
	items []analyzer.WorkItem
	err   error
}

func (d staticDiscoverer) Discover(context.Context) ([]analyzer.WorkItem, error) {
	return append([]analyzer.WorkItem(nil), d.items...), d.err
}

// eventRecorder captures emitted progress events.
type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) Stage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, evt := range r.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

func instantRetry(maxRetries int) *retry.Policy {
	return retry.New(retry.Config{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		MaxRetries:   maxRetries,
	}, retry.WithSleeper(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
}

type harness struct {
	rc       *RunContext
	limiter  *countingLimiter
	model    *scriptedModel
	output   *memory.BlobStore
	snapshot *memory.BlobStore
	events   *eventRecorder
}

func newHarness(t *testing.T, dir string, model *scriptedModel, items []analyzer.WorkItem, opts Options) *harness {
	t.Helper()
	h := &harness{
		limiter:  &countingLimiter{},
		model:    model,
		output:   memory.NewBlobStore(),
		snapshot: memory.NewBlobStore(),
		events:   &eventRecorder{},
	}
	opts.MetadataDir = dir
	h.rc = NewRunContext(opts, Services{
		Limiter:    h.limiter,
		Retry:      instantRetry(2),
		Clients:    model,
		Discoverer: staticDiscoverer{items: items},
		Tasks:      testTasks(t),
		Output:     h.output,
		Snapshots:  h.snapshot,
		Progress:   h.events,
	})
	return h
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	return NewOrchestrator(DefaultStages()).Run(context.Background(), h.rc)
}

func sampleItems(n int) []analyzer.WorkItem {
	items := make([]analyzer.WorkItem, n)
	for i := range items {
		group := "walmart/food"
		if i%2 == 1 {
			group = "target/energy"
		}
		key := "item-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		items[i] = analyzer.WorkItem{
			ID:      group + "/" + key + ".md",
			Group:   group,
			Key:     key,
			Payload: "payload " + key,
			Info:    map[string]any{"path": group + "/" + key + ".md"},
		}
	}
	return items
}
