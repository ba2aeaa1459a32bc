package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/modelmux/modelmux/internal/metrics"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com"
	anthropicVersion         = "2023-06-01"
	anthropicMaxTokens       = 4096
)

// AnthropicAdapter speaks the Anthropic messages protocol.
type AnthropicAdapter struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	Endpoint string
	APIKey   string
}

// NewAnthropicAdapter builds the adapter.
func NewAnthropicAdapter(cfg AnthropicConfig, logger *zap.Logger) *AnthropicAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultAnthropicEndpoint
	}
	return &AnthropicAdapter{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: callDeadline},
		logger:   logger,
	}
}

// Provider returns the registry tag.
func (a *AnthropicAdapter) Provider() string { return "anthropic" }

type anthropicRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Execute sends the prompt to the messages endpoint, retrying
// transient failures with short backoff.
func (a *AnthropicAdapter) Execute(ctx context.Context, model, prompt string, history []Turn) (*Response, error) {
	return withRetry(ctx, a.logger, "anthropic", func(ctx context.Context) (*Response, error) {
		return a.call(ctx, model, prompt, history)
	})
}

func (a *AnthropicAdapter) call(ctx context.Context, model, prompt string, history []Turn) (*Response, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	for _, t := range history {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: anthropicMaxTokens,
	})
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Kind: KindInvalidRequest, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Kind: KindInvalidRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("anthropic", model, "error").Inc()
		return nil, &ProviderError{Provider: "anthropic", Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()
	metrics.ProviderCallDuration.WithLabelValues("anthropic", model).Observe(float64(time.Since(start).Milliseconds()))

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.ProviderCalls.WithLabelValues("anthropic", model, "error").Inc()
		kind := classifyHTTPStatus(resp.StatusCode)
		if kind == KindInvalidRequest && strings.Contains(string(respBody), "prompt is too long") {
			kind = KindContextTooLarge
		}
		return nil, &ProviderError{
			Provider: "anthropic",
			Kind:     kind,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.ProviderCalls.WithLabelValues("anthropic", model, "error").Inc()
		return nil, &ProviderError{Provider: "anthropic", Kind: KindTransient, Err: fmt.Errorf("decode response: %w", err)}
	}

	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	metrics.ProviderCalls.WithLabelValues("anthropic", model, "ok").Inc()
	return &Response{
		Text:         text.String(),
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		FinishReason: out.StopReason,
	}, nil
}
