package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/store"
)

// TestStoreSinkPersistsEvents ensures items are batched and flushed before completion.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now},
		{RunID: runID, Stage: progress.StageItemDone, TS: now.Add(time.Second), Group: "g", Key: "a",
			Status: progress.ItemCompleted, Tasks: 2},
		{RunID: runID, Stage: progress.StageItemDone, TS: now.Add(2 * time.Second), Group: "g", Key: "b",
			Status: progress.ItemFailed, Tasks: 2, TaskFailures: 1, Note: "empty response"},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"start", "items", "complete"}, repo.calls)
	require.Len(t, repo.items, 2)
	require.Equal(t, "b", repo.items[1].Key)
	require.Equal(t, "empty response", repo.items[1].Note)
	require.Equal(t, store.RunSuccess, repo.lastStatus)
	require.Equal(t, runUUID, repo.started[0])
}

// TestStoreSinkFlushesTrailingItems covers batches that end before the run does.
func TestStoreSinkFlushesTrailingItems(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageItemDone, TS: time.Now(), Key: "a", Status: progress.ItemSkipped},
	}))
	require.Equal(t, []string{"items"}, repo.calls)
}

// TestStoreSinkRecordsRunErrors passes the error note through.
func TestStoreSinkRecordsRunErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunError, TS: time.Now(), Note: "stage execute failed"},
	}))
	require.Equal(t, store.RunError, repo.lastStatus)
	require.NotNil(t, repo.lastNote)
	require.Equal(t, "stage execute failed", *repo.lastNote)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeRunRepo struct {
	fail       bool
	calls      []string
	started    []uuid.UUID
	items      []store.ItemRecord
	lastStatus store.RunStatus
	lastNote   *string
}

func (f *fakeRunRepo) StartRun(_ context.Context, runID uuid.UUID, _ time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.calls = append(f.calls, "start")
	f.started = append(f.started, runID)
	return nil
}

func (f *fakeRunRepo) RecordItems(_ context.Context, _ uuid.UUID, items []store.ItemRecord) error {
	if f.fail {
		return assertErr("items")
	}
	f.calls = append(f.calls, "items")
	f.items = append(f.items, items...)
	return nil
}

func (f *fakeRunRepo) CompleteRun(
	_ context.Context,
	_ uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if f.fail {
		return assertErr("complete")
	}
	f.calls = append(f.calls, "complete")
	f.lastStatus = status
	f.lastNote = errMsg
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, assertErr("read")
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, assertErr("runs")
}

func (f *fakeRunRepo) ListItems(context.Context, uuid.UUID, int, int) ([]store.ItemRecord, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
