package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeS3 accepts path-style PUT and HEAD requests.
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string]string
	types    map[string]string
	denyPuts bool
}

func newFakeS3(buckets ...string) *fakeS3 {
	f := &fakeS3{buckets: map[string]bool{}, objects: map[string]string{}, types: map[string]string{}}
	for _, b := range buckets {
		f.buckets[b] = true
	}
	return f
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	switch {
	case r.Method == http.MethodHead && len(parts) == 1:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && len(parts) == 1:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		if f.denyPuts {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[parts[1]] = string(body)
		f.types[parts[1]] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func testConfig(t *testing.T, handler http.Handler) Config {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return Config{
		Endpoint:  server.URL,
		Bucket:    "snapshots",
		Prefix:    "cpi",
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
	}
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	fake := newFakeS3("snapshots")
	store, err := Open(context.Background(), testConfig(t, fake))
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "run-1/food.json", "application/json", strings.NewReader(`{"eggs":{}}`))
	require.NoError(t, err)
	require.Equal(t, "s3://snapshots/cpi/run-1/food.json", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Contains(t, fake.objects["cpi/run-1/food.json"], `{"eggs":{}}`)
	require.Equal(t, "application/json", fake.types["cpi/run-1/food.json"])
}

func TestPutObjectDenied(t *testing.T) {
	t.Parallel()

	fake := newFakeS3("snapshots")
	fake.denyPuts = true
	store, err := Open(context.Background(), testConfig(t, fake))
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "a.txt", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "Access Denied")
}

func TestOpenMissingBucket(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	cfg := testConfig(t, fake)
	_, err := Open(context.Background(), cfg)
	require.ErrorContains(t, err, "does not exist")

	cfg.CreateBucket = true
	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	fake.mu.Lock()
	require.True(t, fake.buckets["snapshots"])
	fake.mu.Unlock()
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{})
	require.ErrorContains(t, err, "endpoint")
	_, err = NewClient(Config{Endpoint: "localhost:9000"})
	require.ErrorContains(t, err, "credentials")
	_, err = New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := NewClient(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	_, err = New(client, Config{})
	require.ErrorContains(t, err, "bucket name")
	_, err = (&BlobStore{client: client, bucket: "b"}).PutObject(context.Background(), "", "", strings.NewReader(""))
	require.ErrorContains(t, err, "path is required")
}
