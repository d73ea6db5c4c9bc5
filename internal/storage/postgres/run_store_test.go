package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/store"
)

func newMockStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func TestRunStoreStartAndComplete(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	msg := "stage execute failed"

	mock.ExpectExec("INSERT INTO analysis_runs").
		WithArgs(runID, started, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(finished, store.RunError, &msg, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.StartRun(context.Background(), runID, started))
	require.NoError(t, s.CompleteRun(context.Background(), runID, finished, store.RunError, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreCompleteUnknownRun(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	runID := uuid.New()
	finished := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE analysis_runs").
		WithArgs(finished, store.RunSuccess, (*string)(nil), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), runID, finished, store.RunSuccess, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreRecordItemsCommits(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	items := []store.ItemRecord{
		{Group: "bls/food", Key: "eggs", ItemID: "bls/food/eggs.txt", Status: "completed", Tasks: 2,
			Duration: 1500 * time.Millisecond, RecordedAt: now},
		{Group: "bls/food", Key: "milk", ItemID: "bls/food/milk.txt", Status: "failed", Tasks: 2,
			TaskFailures: 1, Duration: 2 * time.Second, Note: "empty response", RecordedAt: now},
	}

	mock.ExpectBegin()
	for _, item := range items {
		mock.ExpectExec("INSERT INTO analysis_items").
			WithArgs(runID, item.Group, item.Key, item.ItemID, item.Status, item.Tasks,
				item.TaskFailures, item.Duration.Milliseconds(), item.Note, item.RecordedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.RecordItems(context.Background(), runID, items))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreRecordItemsRollsBack(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	item := store.ItemRecord{Group: "g", Key: "k", ItemID: "g/k.txt", Status: "completed", RecordedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO analysis_items").
		WithArgs(runID, item.Group, item.Key, item.ItemID, item.Status, item.Tasks,
			item.TaskFailures, item.Duration.Milliseconds(), item.Note, item.RecordedAt).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.RecordItems(context.Background(), runID, []store.ItemRecord{item})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreRecordItemsEmptyIsNoop(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	require.NoError(t, s.RecordItems(context.Background(), uuid.New(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	rows := pgxmock.NewRows([]string{"id", "started_at", "finished_at", "status", "error_message", "items", "failed"}).
		AddRow(runID, started, &finished, store.RunSuccess, (*string)(nil), 12, 2)
	mock.ExpectQuery("SELECT r.id").WithArgs(runID).WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runID, run.ID)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, 12, run.Items)
	require.Equal(t, 2, run.Failed)
	require.NotNil(t, run.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRunNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	runID := uuid.New()
	mock.ExpectQuery("SELECT r.id").WithArgs(runID).WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListItems(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"run_id", "grp", "item_key", "item_id", "status", "tasks", "task_failures", "duration_ms", "note", "recorded_at",
	}).
		AddRow(runID, "bls/food", "eggs", "bls/food/eggs.txt", "completed", 2, 0, int64(1500), "", now).
		AddRow(runID, "bls/food", "milk", "bls/food/milk.txt", "failed", 2, 1, int64(250), "empty response", now)
	mock.ExpectQuery("FROM analysis_items").WithArgs(runID, 50, 0).WillReturnRows(rows)

	items, err := s.ListItems(context.Background(), runID, 50, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 1500*time.Millisecond, items[0].Duration)
	require.Equal(t, "empty response", items[1].Note)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	runID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	rows := pgxmock.NewRows([]string{"id", "started_at", "finished_at", "status", "error_message", "items", "failed"}).
		AddRow(runID, started, &finished, store.RunSuccess, (*string)(nil), 3, 0)
	status := store.RunSuccess
	filter := string(status)
	mock.ExpectQuery("FROM analysis_runs r").WithArgs(&filter, 20, 0).WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), &status, 20, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, runID, runs[0].ID)
	require.NotNil(t, runs[0].FinishedAt)
	require.Equal(t, 3, runs[0].Items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListRunsQueryError(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM analysis_runs r").WithArgs(pgxmock.AnyArg(), 10, 5).WillReturnError(errors.New("boom"))

	_, err := s.ListRuns(context.Background(), nil, 10, 5)
	require.ErrorContains(t, err, "list runs")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreEnsureSchema(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS analysis_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRunStoreRequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := NewRunStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewRunStoreWithPool(nil)
	require.Error(t, err)
}
