package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/progress"
)

func TestLogSinkWritesStructuredFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: time.Now()},
		{RunID: runID, Stage: progress.StageItemDone, TS: time.Now(), Group: "g", Key: "eggs",
			Status: progress.ItemCompleted, Tasks: 2},
		{RunID: runID, Stage: progress.StageItemDone, TS: time.Now(), Group: "g", Key: "milk",
			Status: progress.ItemFailed, Tasks: 2, TaskFailures: 1, Note: "summary: empty response"},
		{RunID: runID, Stage: progress.StageRunDone, TS: time.Now(), Items: 2, Dur: time.Second},
	}))

	entries := logs.All()
	require.Len(t, entries, 4)
	require.Equal(t, "RUN_START", entries[0].ContextMap()["stage"])
	require.Equal(t, "eggs", entries[1].ContextMap()["key"])
	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, "summary: empty response", entries[2].ContextMap()["note"])
	require.EqualValues(t, 2, entries[3].ContextMap()["items"])
	require.NoError(t, sink.Close(context.Background()))
}

func TestLogSinkRespectsLevel(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageItemDone, Key: "eggs", Status: progress.ItemCompleted},
		{RunID: runID, Stage: progress.StageRunError, Note: "stage discover failed"},
	}))
	require.Len(t, logs.All(), 1)
	require.Equal(t, "stage discover failed", logs.All()[0].ContextMap()["note"])
}
