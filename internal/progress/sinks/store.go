package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/store"
)

// StoreSink persists run lifecycle and item outcomes via a
// store.RunRepository. Item rows are written in one batch per run.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository in event order, flushing a
// run's pending items before its completion is recorded. It respects ctx
// deadlines and returns any repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID][]store.ItemRecord)
	var order []uuid.UUID

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageItemDone:
			if _, seen := pending[runID]; !seen {
				order = append(order, runID)
			}
			pending[runID] = append(pending[runID], itemRecord(runID, evt))
		case progress.StageRunDone, progress.StageRunError:
			if err := s.flush(ctx, runID, pending); err != nil {
				return err
			}
			if err := s.complete(ctx, runID, evt); err != nil {
				return err
			}
		}
	}
	for _, runID := range order {
		if err := s.flush(ctx, runID, pending); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flush(ctx context.Context, runID uuid.UUID, pending map[uuid.UUID][]store.ItemRecord) error {
	items := pending[runID]
	if len(items) == 0 {
		return nil
	}
	if err := s.repo.RecordItems(ctx, runID, items); err != nil {
		return fmt.Errorf("record items: %w", err)
	}
	pending[runID] = nil
	return nil
}

func (s *StoreSink) complete(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	if evt.Stage == progress.StageRunError {
		status = store.RunError
		if evt.Note != "" {
			msg := evt.Note
			note = &msg
		}
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func itemRecord(runID uuid.UUID, evt progress.Event) store.ItemRecord {
	return store.ItemRecord{
		RunID:        runID,
		Group:        evt.Group,
		Key:          evt.Key,
		ItemID:       evt.ItemID,
		Status:       string(evt.Status),
		Tasks:        evt.Tasks,
		TaskFailures: evt.TaskFailures,
		Duration:     evt.Dur,
		Note:         evt.Note,
		RecordedAt:   evt.TS,
	}
}
