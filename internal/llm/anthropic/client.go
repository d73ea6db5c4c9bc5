// Package anthropic adapts the llmkit Anthropic client to analyzer.ModelClient.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	llm "github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
	"github.com/JakeFAU/realtime-cpi-analyzer/internal/retry"
)

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("anthropic api key is required")

// Completion sends one system+user prompt pair and returns the first text
// block of the reply.
type Completion func(system, user string, settings types.RequestSettings) (string, error)

// Factory builds clients that share one API key.
type Factory struct {
	complete Completion
	logger   *zap.Logger
}

var _ analyzer.ClientFactory = (*Factory)(nil)

// Option customizes a Factory.
type Option func(*Factory)

// WithCompletion replaces the transport, mainly for tests.
func WithCompletion(c Completion) Option {
	return func(f *Factory) {
		if c != nil {
			f.complete = c
		}
	}
}

// NewFactory validates the key and returns a Factory.
func NewFactory(apiKey string, logger *zap.Logger, opts ...Option) (*Factory, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{complete: llmkitCompletion(apiKey), logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Client implements analyzer.ClientFactory.
func (f *Factory) Client(systemPrompt string, profile analyzer.Profile) (analyzer.ModelClient, error) {
	if strings.TrimSpace(profile.Model) == "" {
		return nil, fmt.Errorf("profile %q has no model", profile.Name)
	}
	if profile.MaxTokens <= 0 {
		return nil, fmt.Errorf("profile %q needs max_tokens > 0", profile.Name)
	}
	return &Client{
		system: systemPrompt,
		settings: types.RequestSettings{
			Model:       profile.Model,
			MaxTokens:   profile.MaxTokens,
			Temperature: profile.Temperature,
		},
		complete: f.complete,
		logger:   f.logger.With(zap.String("model", profile.Model), zap.String("profile", profile.Name)),
	}, nil
}

// Client is one system prompt bound to one model profile.
type Client struct {
	system   string
	settings types.RequestSettings
	complete Completion
	logger   *zap.Logger
}

type reply struct {
	text string
	err  error
}

// Predict sends prompt and returns the reply text. The underlying call has no
// context, so a canceled ctx returns early and abandons the in-flight request.
func (c *Client) Predict(ctx context.Context, prompt string) (string, error) {
	done := make(chan reply, 1)
	go func() {
		text, err := c.complete(c.system, prompt, c.settings)
		done <- reply{text: text, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("anthropic prompt: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			c.logger.Debug("anthropic prompt failed", zap.Error(r.err))
			return "", classify(r.err)
		}
		return r.text, nil
	}
}

// classify tags errors whose text cannot be recognized as transient.
func classify(err error) error {
	wrapped := fmt.Errorf("anthropic prompt: %w", err)
	if retry.Classify(err) == retry.KindTransient {
		return retry.Transient(wrapped)
	}
	return retry.Permanent(wrapped)
}

func llmkitCompletion(apiKey string) Completion {
	return func(system, user string, settings types.RequestSettings) (string, error) {
		resp, err := llm.PromptWithSettings(system, user, "", apiKey, settings)
		if err != nil {
			return "", err
		}
		if len(resp.Content) == 0 {
			return "", nil
		}
		return resp.Content[0].Text, nil
	}
}
