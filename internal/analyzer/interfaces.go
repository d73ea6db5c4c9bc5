package analyzer

import (
	"context"
	"io"
	"time"
)

// ModelClient is the only operation the engine invokes on a model.
type ModelClient interface {
	Predict(ctx context.Context, prompt string) (string, error)
}

// ClientFactory builds a ModelClient for a system prompt and profile.
type ClientFactory interface {
	Client(systemPrompt string, profile Profile) (ModelClient, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(systemPrompt string, profile Profile) (ModelClient, error)

// Client implements ClientFactory.
func (f ClientFactoryFunc) Client(systemPrompt string, profile Profile) (ModelClient, error) {
	return f(systemPrompt, profile)
}

// Discoverer returns the ordered list of items for a run.
type Discoverer interface {
	Discover(ctx context.Context) ([]WorkItem, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
