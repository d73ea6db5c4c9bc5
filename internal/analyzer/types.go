package analyzer

import (
	"maps"
	"time"
)

// ItemStatus is the reported outcome of one WorkItem within a run.
type ItemStatus string

// Item status values reported to collaborators.
const (
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// WorkItem is one unit of input offered to the engine. It is immutable once
// enqueued.
type WorkItem struct {
	// ID is the collaborator's opaque identifier (e.g. a relative path).
	ID string `json:"id"`
	// Group is the partition key used for metadata locking and persistence.
	Group string `json:"group"`
	// Key is the normalized lookup key inside the group.
	Key string `json:"key"`
	// Payload is the source content the tasks are applied to.
	Payload string `json:"-"`
	// Info carries free-form descriptive fields copied into the record.
	Info map[string]any `json:"info,omitempty"`
}

// TaskResult is the outcome of one task type applied to one item.
type TaskResult struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SameOutcome reports whether two results carry the same success/error content.
func (r TaskResult) SameOutcome(other TaskResult) bool {
	return r.Success == other.Success && r.Error == other.Error
}

// Record is the durable per-item state stored in the metadata store.
type Record struct {
	Info         map[string]any        `json:"info"`
	Tasks        map[string]TaskResult `json:"tasks"`
	LastAnalyzed *time.Time            `json:"last_analyzed"`
	LastError    *time.Time            `json:"last_error"`
}

// NewRecord returns an empty record with initialized maps.
func NewRecord() Record {
	return Record{
		Info:  make(map[string]any),
		Tasks: make(map[string]TaskResult),
	}
}

// Clone returns a deep copy of the record. Nil maps come back initialized.
func (r Record) Clone() Record {
	out := NewRecord()
	for k, v := range r.Info {
		out.Info[k] = cloneValue(v)
	}
	maps.Copy(out.Tasks, r.Tasks)
	out.LastAnalyzed = cloneTime(r.LastAnalyzed)
	out.LastError = cloneTime(r.LastError)
	return out
}

// MergeTask records result under taskType. The existing timestamp is kept when
// the outcome did not change, so rebuilding a record is idempotent.
func (r *Record) MergeTask(taskType string, result TaskResult) {
	if r.Tasks == nil {
		r.Tasks = make(map[string]TaskResult)
	}
	if prev, ok := r.Tasks[taskType]; ok && prev.SameOutcome(result) && !prev.Timestamp.IsZero() {
		result.Timestamp = prev.Timestamp
	}
	r.Tasks[taskType] = result
}

// Merge overlays other onto r: info keys and task entries are overwritten by
// key, timestamps only move when set.
func (r *Record) Merge(other Record) {
	if r.Info == nil {
		r.Info = make(map[string]any)
	}
	for k, v := range other.Info {
		r.Info[k] = cloneValue(v)
	}
	for taskType, result := range other.Tasks {
		r.MergeTask(taskType, result)
	}
	if other.LastAnalyzed != nil {
		r.LastAnalyzed = cloneTime(other.LastAnalyzed)
	}
	if other.LastError != nil {
		r.LastError = cloneTime(other.LastError)
	}
}

// Succeeded reports whether every named task type has a successful result.
func (r Record) Succeeded(taskTypes []string) bool {
	if len(taskTypes) == 0 {
		return false
	}
	for _, t := range taskTypes {
		if res, ok := r.Tasks[t]; !ok || !res.Success {
			return false
		}
	}
	return true
}

// ItemSummary is handed back to collaborators after a run.
type ItemSummary struct {
	Key         string                `json:"key"`
	Group       string                `json:"group"`
	ID          string                `json:"id"`
	Status      ItemStatus            `json:"status"`
	TaskResults map[string]TaskResult `json:"task_results"`
	Error       string                `json:"error,omitempty"`
	// Skipped is set when the item was already complete and not re-run.
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Profile selects model settings for a client.
type Profile struct {
	Name        string  `json:"name" yaml:"-"`
	Model       string  `json:"model" yaml:"model"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
