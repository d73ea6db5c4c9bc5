package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
)

// ItemNotification is the message published for each finished item.
type ItemNotification struct {
	RunID        string    `json:"run_id"`
	Group        string    `json:"group"`
	Key          string    `json:"key"`
	ItemID       string    `json:"item_id,omitempty"`
	Status       string    `json:"status"`
	Tasks        int       `json:"tasks"`
	TaskFailures int       `json:"task_failures"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// RunNotification is the message published when a run ends.
type RunNotification struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Items      int       `json:"items"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// PublisherSink forwards item and run completions to a message bus. Either
// topic may be empty to disable that stream.
type PublisherSink struct {
	publisher  analyzer.Publisher
	itemsTopic string
	runsTopic  string
	logger     *zap.Logger
}

// NewPublisherSink builds a sink publishing to the given topics.
func NewPublisherSink(publisher analyzer.Publisher, itemsTopic, runsTopic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{
		publisher:  publisher,
		itemsTopic: itemsTopic,
		runsTopic:  runsTopic,
		logger:     logger,
	}
}

// Consume publishes one message per qualifying event. Failures are collected
// and returned together so one bad message does not hide the rest.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		topic, payload := s.message(evt)
		if topic == "" {
			continue
		}
		if _, err := s.publisher.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("publish %s event: %w", evt.Stage, err))
		}
	}
	return errors.Join(errs...)
}

func (s *PublisherSink) message(evt progress.Event) (string, any) {
	runID := evt.RunUUID().String()
	switch evt.Stage {
	case progress.StageItemDone:
		if s.itemsTopic == "" {
			return "", nil
		}
		return s.itemsTopic, ItemNotification{
			RunID:        runID,
			Group:        evt.Group,
			Key:          evt.Key,
			ItemID:       evt.ItemID,
			Status:       string(evt.Status),
			Tasks:        evt.Tasks,
			TaskFailures: evt.TaskFailures,
			Error:        evt.Note,
			FinishedAt:   evt.TS,
		}
	case progress.StageRunDone, progress.StageRunError:
		if s.runsTopic == "" {
			return "", nil
		}
		status := "success"
		if evt.Stage == progress.StageRunError {
			status = "error"
		}
		return s.runsTopic, RunNotification{
			RunID:      runID,
			Status:     status,
			Items:      evt.Items,
			DurationMS: evt.Dur.Milliseconds(),
			Error:      evt.Note,
			FinishedAt: evt.TS,
		}
	default:
		return "", nil
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
