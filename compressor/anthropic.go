package compressor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-3-5-haiku-latest"

const synthesisSystemPrompt = "You consolidate overlapping memory fragments. " +
	"Write a single factual paragraph that preserves every detail and names every listed concept. " +
	"Do not add information that is not in the fragments."

// AnthropicSynthesizer produces merged fragment content through the
// Anthropic Messages API.
type AnthropicSynthesizer struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicSynthesizer wraps client. Model defaults to DefaultModel
// when empty.
func NewAnthropicSynthesizer(client *anthropic.Client, model string) *AnthropicSynthesizer {
	if model == "" {
		model = DefaultModel
	}
	return &AnthropicSynthesizer{
		client:    client,
		model:     model,
		maxTokens: 1024,
	}
}

// Synthesize sends the consolidation prompt and returns the text
// response. Network and rate-limit failures map to ErrUnavailable so
// the caller retries; anything else is terminal.
func (s *AnthropicSynthesizer) Synthesize(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		System: []anthropic.TextBlockParam{
			{Text: synthesisSystemPrompt},
		},
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		if transientAPIError(err) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	return text.String(), nil
}

func transientAPIError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RuleBased is a deterministic Synthesizer with no external
// dependencies. It concatenates the fragment bodies and appends the
// concept list, which trivially satisfies the coverage check. Used in
// tests and as a fallback when no API client is configured.
type RuleBased struct{}

// Synthesize merges the prompt's fragment sections mechanically.
func (RuleBased) Synthesize(_ context.Context, prompt string) (string, error) {
	var parts []string
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Fragment ") ||
			strings.HasPrefix(line, "Merge the following") ||
			strings.HasPrefix(line, "Respond with") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "Preserve every fact. The merged text MUST mention each of these concepts: "); ok {
			parts = append(parts, "Concepts: "+rest+".")
			continue
		}
		parts = append(parts, line)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("rule-based synthesizer: empty prompt")
	}
	return strings.Join(parts, " "), nil
}
