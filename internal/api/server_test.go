package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/storage/memory"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/store"
)

func seededRepo(t *testing.T) (*memory.RunStore, uuid.UUID) {
	t.Helper()
	repo := memory.NewRunStore()
	ctx := context.Background()
	runID := uuid.New()
	started := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.StartRun(ctx, runID, started))
	require.NoError(t, repo.RecordItems(ctx, runID, []store.ItemRecord{
		{Group: "walmart/food", Key: "milk", ItemID: "walmart/food/milk.txt", Status: "completed", Tasks: 2},
		{Group: "walmart/food", Key: "eggs", ItemID: "walmart/food/eggs.txt", Status: "failed", Tasks: 2, TaskFailures: 1, Note: "empty response"},
		{Group: "target/energy", Key: "gas", ItemID: "target/energy/gas.txt", Status: "completed", Tasks: 2, Duration: 1500 * time.Millisecond},
	}))
	require.NoError(t, repo.CompleteRun(ctx, runID, started.Add(time.Minute), store.RunSuccess, nil))
	return repo, runID
}

func serve(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsCheckFailure(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, zap.NewNop(), WithReadiness(func(context.Context) error {
		return errors.New("metadata lock held")
	}))
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "metadata lock held")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, zap.NewNop())
	serve(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "analyzer_http_requests_total")
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	repo, runID := seededRepo(t)
	s := NewServer(repo, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, runID.String(), body.Run.ID)
	require.Equal(t, "success", body.Run.Status)
	require.Equal(t, 3, body.Run.Items)
	require.Equal(t, 1, body.Run.Failed)
	require.NotNil(t, body.Run.FinishedAt)
}

func TestServer_GetRunErrors(t *testing.T) {
	t.Parallel()

	repo, _ := seededRepo(t)
	s := NewServer(repo, zap.NewNop())

	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/"+uuid.NewString()+"/items", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListItemsPaginates(t *testing.T) {
	t.Parallel()

	repo, runID := seededRepo(t)
	s := NewServer(repo, zap.NewNop())
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/items?limit=2&offset=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []itemDTO `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 2)
	require.Equal(t, "walmart/food", body.Items[0].Group)
	require.Equal(t, "eggs", body.Items[0].Key)
	require.Equal(t, "empty response", body.Items[0].Note)
	require.Equal(t, "milk", body.Items[1].Key)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/items?limit=-1", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/items?offset=x", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()

	repo, runID := seededRepo(t)
	require.NoError(t, repo.StartRun(context.Background(), uuid.New(), time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)))
	s := NewServer(repo, zap.NewNop())

	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs?status=success", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, runID.String(), body.Runs[0].ID)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	require.Equal(t, "running", body.Runs[0].Status)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs?status=paused", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RepositoryFailures(t *testing.T) {
	t.Parallel()

	s := NewServer(failingRepo{}, zap.NewNop())
	runID := uuid.NewString()

	require.Equal(t, http.StatusInternalServerError,
		serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs", nil)).Code)
	require.Equal(t, http.StatusInternalServerError,
		serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil)).Code)
	require.Equal(t, http.StatusInternalServerError,
		serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID+"/items", nil)).Code)

	unavailable := NewServer(nil, zap.NewNop())
	require.Equal(t, http.StatusServiceUnavailable,
		serve(t, unavailable, httptest.NewRequest(http.MethodGet, "/v1/runs", nil)).Code)
}

func TestServer_APIKeyGuardsV1(t *testing.T) {
	t.Parallel()

	repo, runID := seededRepo(t)
	s := NewServer(repo, zap.NewNop(), WithAPIKey("secret"))
	path := "/v1/runs/" + runID.String()

	require.Equal(t, http.StatusForbidden, serve(t, s, httptest.NewRequest(http.MethodGet, path, nil)).Code)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-API-Key", "secret")
	require.Equal(t, http.StatusOK, serve(t, s, req).Code)

	require.Equal(t, http.StatusOK, serve(t, s, httptest.NewRequest(http.MethodGet, path+"?api_key=secret", nil)).Code)
	require.Equal(t, http.StatusOK, serve(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := serve(t, s, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

type failingRepo struct{}

func (failingRepo) StartRun(context.Context, uuid.UUID, time.Time) error { return errors.New("down") }

func (failingRepo) RecordItems(context.Context, uuid.UUID, []store.ItemRecord) error {
	return errors.New("down")
}

func (failingRepo) CompleteRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return errors.New("down")
}

func (failingRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, errors.New("down")
}

func (failingRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, errors.New("down")
}

func (failingRepo) ListItems(context.Context, uuid.UUID, int, int) ([]store.ItemRecord, error) {
	return nil, errors.New("down")
}
