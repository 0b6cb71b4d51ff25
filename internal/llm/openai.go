// Package llm implements the completion and embedding ports against real
// providers: OpenAI-compatible endpoints and the Gemini REST API. Provider
// errors after retries surface as degraded completions, never as hard
// failures, so the per-turn pipeline can fall back.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"mnemo/internal/core"
	"mnemo/internal/logging"
)

const maxCompletionRetries = 3

// Per-1K-token blended prices used for cost accounting. Approximate and
// model-dependent; cost is advisory only.
const (
	openaiCostPer1KPrompt     = 0.00015
	openaiCostPer1KCompletion = 0.0006
)

// OpenAIClient implements core.LLMClient over an OpenAI-compatible API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client. baseURL may be empty for api.openai.com,
// or point at any OpenAI-compatible server.
func NewOpenAIClient(apiKey, baseURL, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

// Complete sends one chat completion request. Rate limits and transient
// connection errors are retried with exponential backoff; exhausted retries
// return a degraded completion with zero cost.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string, opts core.CompletionOptions) (core.Completion, error) {
	timer := logging.StartTimer(logging.CategoryLLM, "openai.Complete")
	defer timer.Stop()

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: opts.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxCompletionRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return core.Completion{}, ctx.Err()
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return core.Completion{}, ctx.Err()
			}
			if retryableOpenAIError(err) {
				lastErr = err
				logging.LLMDebug("openai retryable error (attempt %d): %v", attempt, err)
				continue
			}
			lastErr = err
			break
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("no completion returned")
			break
		}

		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		tokens := resp.Usage.TotalTokens
		cost := float64(resp.Usage.PromptTokens)/1000*openaiCostPer1KPrompt +
			float64(resp.Usage.CompletionTokens)/1000*openaiCostPer1KCompletion

		logging.LLM("openai completion: model=%s tokens=%d len=%d", c.model, tokens, len(content))
		return core.Completion{
			Content:    content,
			TokensUsed: tokens,
			Model:      resp.Model,
			CostUSD:    cost,
		}, nil
	}

	logging.Get(logging.CategoryLLM).Error("openai completion degraded after retries: %v", lastErr)
	return core.Completion{Model: c.model, Degraded: true}, fmt.Errorf("%w: %v", core.ErrUpstreamDegraded, lastErr)
}

func retryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Transport-level errors are worth one more try.
	return true
}
