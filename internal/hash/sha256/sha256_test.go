// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestHasherDistinguishesPayloads ensures different payloads hash differently.
func TestHasherDistinguishesPayloads(t *testing.T) {
	t.Parallel()

	h := New()
	empty, err := h.Hash(nil)
	if err != nil {
		t.Fatalf("Hash(nil) error = %v", err)
	}
	if empty != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("unexpected empty digest %s", empty)
	}
	other, err := h.Hash([]byte("eggs $3.49"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if other == empty {
		t.Fatal("expected distinct digests")
	}
}
