package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// newTestServer points a GCS client at handler.
func newTestServer(t *testing.T, handler http.Handler) []option.ClientOption {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return []option.ClientOption{option.WithEndpoint(server.URL), option.WithoutAuthentication()}
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/snapshots/o")
		assert.Equal(t, "cpi/run-1/walmart%2Ffood.json", r.URL.Query().Get("name"))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"eggs":{}}`)
		assert.Contains(t, string(body), "application/json")
		fmt.Fprintln(w, `{"name": "cpi/run-1/walmart%2Ffood.json"}`)
	})
	client, err := storage.NewClient(context.Background(), newTestServer(t, handler)...)
	require.NoError(t, err)

	store, err := New(client, Config{Bucket: "snapshots", Prefix: "/cpi/"})
	require.NoError(t, err)
	uri, err := store.PutObject(context.Background(), "run-1/walmart%2Ffood.json", "application/json", strings.NewReader(`{"eggs":{}}`))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/cpi/run-1/walmart%2Ffood.json", uri)
	require.NoError(t, store.Close())
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	client, err := storage.NewClient(context.Background(), newTestServer(t, handler)...)
	require.NoError(t, err)
	store, err := New(client, Config{Bucket: "snapshots"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "a.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("{}"))
	require.ErrorContains(t, err, "path is required")
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/snapshots")
		fmt.Fprintln(w, `{"name": "snapshots"}`)
	})
	store, err := Open(context.Background(), Config{Bucket: "snapshots"}, newTestServer(t, ok)...)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	missing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err = Open(context.Background(), Config{Bucket: "snapshots"}, newTestServer(t, missing)...)
	require.ErrorContains(t, err, "attributes")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}
