package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"go.uber.org/zap"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusRequestEntityTooLarge, KindContextTooLarge},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusBadRequest, KindInvalidRequest},
		{http.StatusUnauthorized, KindInvalidRequest},
	}
	for _, tc := range cases {
		if got := classifyHTTPStatus(tc.status); got != tc.want {
			t.Errorf("classifyHTTPStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !KindTransient.Retryable() || !KindRateLimited.Retryable() {
		t.Fatal("transient and rate_limited must be retryable")
	}
	if KindInvalidRequest.Retryable() || KindContextTooLarge.Retryable() {
		t.Fatal("invalid_request and context_too_large must not be retryable")
	}
}

func TestKindOf(t *testing.T) {
	pe := &ProviderError{Provider: "openai", Kind: KindRateLimited, Err: errors.New("429")}
	if got := KindOf(pe); got != KindRateLimited {
		t.Fatalf("KindOf(ProviderError) = %s, want rate_limited", got)
	}
	if got := KindOf(fmt.Errorf("wrapped: %w", pe)); got != KindRateLimited {
		t.Fatalf("KindOf(wrapped) = %s, want rate_limited", got)
	}
	if got := KindOf(errors.New("mystery")); got != KindTransient {
		t.Fatalf("KindOf(unknown) = %s, want transient default", got)
	}
}

func TestProviderErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	pe := &ProviderError{Provider: "openai", Kind: KindTransient, Err: inner}
	if !errors.Is(pe, inner) {
		t.Fatal("ProviderError must unwrap to its cause")
	}
}

func TestRegistryLookup(t *testing.T) {
	openai := NewOpenAIAdapter(OpenAIConfig{}, nil)
	anthropic := NewAnthropicAdapter(AnthropicConfig{}, nil)
	r := NewRegistry(openai, anthropic)

	a, ok := r.Get("openai")
	if !ok || a.Provider() != "openai" {
		t.Fatal("openai adapter not found")
	}
	if _, ok := r.Get("cohere"); ok {
		t.Fatal("unregistered provider must not resolve")
	}

	want := []string{"anthropic", "openai"}
	got := r.Providers()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Providers() = %v, want %v", got, want)
	}
}

func TestRegistryCustomTag(t *testing.T) {
	vllm := NewOpenAIAdapter(OpenAIConfig{Tag: "together"}, nil)
	r := NewRegistry(vllm)
	if _, ok := r.Get("together"); !ok {
		t.Fatal("custom-tagged adapter not found under its tag")
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), zap.NewNop(), "test", func(context.Context) (*Response, error) {
		calls++
		return nil, &ProviderError{Provider: "test", Kind: KindInvalidRequest, Err: errors.New("bad request")}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1 (no retry on invalid_request)", calls)
	}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	calls := 0
	resp, err := withRetry(context.Background(), zap.NewNop(), "test", func(context.Context) (*Response, error) {
		calls++
		if calls < 2 {
			return nil, &ProviderError{Provider: "test", Kind: KindTransient, Err: errors.New("flap")}
		}
		return &Response{Text: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if resp.Text != "ok" || calls != 2 {
		t.Fatalf("resp=%+v calls=%d, want success on attempt 2", resp, calls)
	}
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() { cancel() }()
	_, err := withRetry(ctx, zap.NewNop(), "test", func(context.Context) (*Response, error) {
		calls++
		return nil, &ProviderError{Provider: "test", Kind: KindTransient, Err: errors.New("flap")}
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls > maxAttempts {
		t.Fatalf("fn called %d times, exceeds cap", calls)
	}
}
