package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "bls/food/eggs/summary.txt", "text/plain", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://bls/food/eggs/summary.txt" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, contentType, ok := store.Object("bls/food/eggs/summary.txt")
	if !ok {
		t.Fatal("expected object to exist")
	}
	if string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if contentType != "text/plain" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	if paths := store.Paths(); len(paths) != 1 {
		t.Fatalf("expected one path, got %v", paths)
	}
	if _, _, ok := store.Object("missing"); ok {
		t.Fatal("expected missing object")
	}
}
