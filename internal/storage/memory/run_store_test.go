package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	runID := uuid.New()
	started := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	if err := s.StartRun(ctx, runID, started); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := s.StartRun(ctx, runID, started.Add(time.Hour)); err != nil {
		t.Fatalf("StartRun() repeat error = %v", err)
	}
	items := []store.ItemRecord{
		{Group: "bls/food", Key: "milk", Status: "completed", Tasks: 2},
		{Group: "bls/food", Key: "eggs", Status: "failed", Tasks: 2, TaskFailures: 1},
		{Group: "bls/energy", Key: "gas", Status: "completed", Tasks: 2},
	}
	if err := s.RecordItems(ctx, runID, items); err != nil {
		t.Fatalf("RecordItems() error = %v", err)
	}
	// Upserting the same key must not duplicate the row.
	if err := s.RecordItems(ctx, runID, items[:1]); err != nil {
		t.Fatalf("RecordItems() repeat error = %v", err)
	}

	msg := "persist-state failed"
	if err := s.CompleteRun(ctx, runID, started.Add(2*time.Hour), store.RunError, &msg); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if !run.StartedAt.Equal(started) {
		t.Fatalf("expected first start time to stick, got %v", run.StartedAt)
	}
	if run.Status != store.RunError || run.FinishedAt == nil || run.ErrorMessage == nil || *run.ErrorMessage != msg {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Items != 3 || run.Failed != 1 {
		t.Fatalf("expected 3 items / 1 failed, got %d / %d", run.Items, run.Failed)
	}

	page, err := s.ListItems(ctx, runID, 2, 0)
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(page) != 2 || page[0].Key != "gas" || page[1].Key != "eggs" {
		t.Fatalf("unexpected ordering %+v", page)
	}
	rest, err := s.ListItems(ctx, runID, 10, 2)
	if err != nil || len(rest) != 1 || rest[0].Key != "milk" {
		t.Fatalf("unexpected second page %+v err=%v", rest, err)
	}
	empty, err := s.ListItems(ctx, runID, 10, 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty page, got %+v err=%v", empty, err)
	}
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	older, newer := uuid.New(), uuid.New()
	if err := s.StartRun(ctx, older, base); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := s.StartRun(ctx, newer, base.Add(time.Hour)); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := s.RecordItems(ctx, older, []store.ItemRecord{{Group: "g", Key: "k", Status: "failed"}}); err != nil {
		t.Fatalf("RecordItems() error = %v", err)
	}
	if err := s.CompleteRun(ctx, older, base.Add(time.Minute), store.RunSuccess, nil); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	all, err := s.ListRuns(ctx, nil, 10, 0)
	if err != nil || len(all) != 2 || all[0].ID != newer || all[1].ID != older {
		t.Fatalf("expected newest first, got %+v err=%v", all, err)
	}
	if all[1].Items != 1 || all[1].Failed != 1 {
		t.Fatalf("expected item counts on listed run, got %+v", all[1])
	}

	status := store.RunSuccess
	done, err := s.ListRuns(ctx, &status, 10, 0)
	if err != nil || len(done) != 1 || done[0].ID != older {
		t.Fatalf("expected only the finished run, got %+v err=%v", done, err)
	}
	tail, err := s.ListRuns(ctx, nil, 1, 1)
	if err != nil || len(tail) != 1 || tail[0].ID != older {
		t.Fatalf("unexpected second page %+v err=%v", tail, err)
	}
}

func TestRunStoreNotFound(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	if _, err := s.GetRun(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetRun() expected ErrNotFound, got %v", err)
	}
	if _, err := s.ListItems(ctx, uuid.New(), 10, 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ListItems() expected ErrNotFound, got %v", err)
	}
	if err := s.CompleteRun(ctx, uuid.New(), time.Now(), store.RunSuccess, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("CompleteRun() expected ErrNotFound, got %v", err)
	}
}
