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

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// OpenAIAdapter speaks the OpenAI chat-completions protocol. It also
// serves any OpenAI-compatible endpoint (vLLM, Ollama, proxies) by
// pointing Endpoint elsewhere and choosing a different provider tag.
type OpenAIAdapter struct {
	tag      string
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// OpenAIConfig configures an OpenAI-compatible adapter.
type OpenAIConfig struct {
	// Tag is the provider tag the registry keys on ("openai" unless
	// this instance fronts a compatible endpoint).
	Tag      string
	Endpoint string
	APIKey   string
}

// NewOpenAIAdapter builds the adapter.
func NewOpenAIAdapter(cfg OpenAIConfig, logger *zap.Logger) *OpenAIAdapter {
	if cfg.Tag == "" {
		cfg.Tag = "openai"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultOpenAIEndpoint
	}
	return &OpenAIAdapter{
		tag:      cfg.Tag,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: callDeadline},
		logger:   logger,
	}
}

// Provider returns the registry tag.
func (a *OpenAIAdapter) Provider() string { return a.tag }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Execute sends the prompt (with prior turns) to the chat-completions
// endpoint, retrying transient failures with short backoff.
func (a *OpenAIAdapter) Execute(ctx context.Context, model, prompt string, history []Turn) (*Response, error) {
	return withRetry(ctx, a.logger, a.tag, func(ctx context.Context) (*Response, error) {
		return a.call(ctx, model, prompt, history)
	})
}

func (a *OpenAIAdapter) call(ctx context.Context, model, prompt string, history []Turn) (*Response, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	for _, t := range history {
		messages = append(messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(openAIRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, &ProviderError{Provider: a.tag, Kind: KindInvalidRequest, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: a.tag, Kind: KindInvalidRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(a.tag, model, "error").Inc()
		return nil, &ProviderError{Provider: a.tag, Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()
	metrics.ProviderCallDuration.WithLabelValues(a.tag, model).Observe(float64(time.Since(start).Milliseconds()))

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.ProviderCalls.WithLabelValues(a.tag, model, "error").Inc()
		kind := classifyHTTPStatus(resp.StatusCode)
		if kind == KindInvalidRequest && strings.Contains(string(respBody), "context_length_exceeded") {
			kind = KindContextTooLarge
		}
		return nil, &ProviderError{
			Provider: a.tag,
			Kind:     kind,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.ProviderCalls.WithLabelValues(a.tag, model, "error").Inc()
		return nil, &ProviderError{Provider: a.tag, Kind: KindTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 {
		metrics.ProviderCalls.WithLabelValues(a.tag, model, "error").Inc()
		return nil, &ProviderError{Provider: a.tag, Kind: KindTransient, Err: fmt.Errorf("empty choices")}
	}

	metrics.ProviderCalls.WithLabelValues(a.tag, model, "ok").Inc()
	return &Response{
		Text:         out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		FinishReason: out.Choices[0].FinishReason,
	}, nil
}
