package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/store"
)

// RunStore is an in-memory store.RunRepository for development/testing.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]store.Run
	items map[uuid.UUID]map[itemKey]store.ItemRecord
}

type itemKey struct {
	group string
	key   string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[uuid.UUID]store.Run),
		items: make(map[uuid.UUID]map[itemKey]store.ItemRecord),
	}
}

// StartRun records a running row; repeated calls keep the first start time.
func (s *RunStore) StartRun(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[runID]; ok {
		run.Status = store.RunRunning
		s.runs[runID] = run
		return nil
	}
	s.runs[runID] = store.Run{ID: runID, StartedAt: startedAt, Status: store.RunRunning}
	return nil
}

// RecordItems upserts item rows keyed by (group, key).
func (s *RunStore) RecordItems(_ context.Context, runID uuid.UUID, items []store.ItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.items[runID]
	if bucket == nil {
		bucket = make(map[itemKey]store.ItemRecord)
		s.items[runID] = bucket
	}
	for _, item := range items {
		item.RunID = runID
		bucket[itemKey{group: item.Group, key: item.Key}] = item
	}
	return nil
}

// CompleteRun marks a run finished.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID with item counts filled in.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	for _, item := range s.items[runID] {
		run.Items++
		if item.Status == "failed" {
			run.Failed++
		}
	}
	return run, nil
}

// ListRuns returns a page of runs ordered by start time, newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Run, 0, len(s.runs))
	for id, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		for _, item := range s.items[id] {
			run.Items++
			if item.Status == "failed" {
				run.Failed++
			}
		}
		out = append(out, run)
	}
	slices.SortFunc(out, func(a, b store.Run) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return page(out, limit, offset), nil
}

// ListItems returns a page of item rows ordered by group and key.
func (s *RunStore) ListItems(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.ItemRecord, 0, len(s.items[runID]))
	for _, item := range s.items[runID] {
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b store.ItemRecord) int {
		return cmp.Or(cmp.Compare(a.Group, b.Group), cmp.Compare(a.Key, b.Key))
	})
	return page(out, limit, offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	in = in[max(offset, 0):]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
