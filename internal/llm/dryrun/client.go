// Package dryrun provides an offline model client that answers every prompt
// with deterministic text. It lets a run exercise the whole pipeline without
// network access or API spend.
package dryrun

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
)

// Factory builds dry-run clients.
type Factory struct{}

var _ analyzer.ClientFactory = Factory{}

// Client implements analyzer.ClientFactory.
func (Factory) Client(systemPrompt string, profile analyzer.Profile) (analyzer.ModelClient, error) {
	return Client{system: systemPrompt, model: profile.Model}, nil
}

// Client echoes a digest of what it was asked.
type Client struct {
	system string
	model  string
}

// Predict returns a stable answer derived from the prompt.
func (c Client) Predict(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(c.system))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(prompt))
	return fmt.Sprintf("dry-run answer %016x from %s: %s", h.Sum64(), c.modelName(), preview(prompt, 80)), nil
}

func (c Client) modelName() string {
	if c.model == "" {
		return "unknown-model"
	}
	return c.model
}

func preview(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
