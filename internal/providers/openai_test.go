package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

const openAISuccessBody = `{
	"choices": [{"message": {"content": "4"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 1}
}`

func TestOpenAIExecuteSuccess(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(openAISuccessBody)) //nolint:errcheck
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{Endpoint: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	resp, err := a.Execute(context.Background(), "gpt-4o", "what is 2+2", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "4" || resp.InputTokens != 12 || resp.OutputTokens != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotReq.Model != "gpt-4o" {
		t.Fatalf("request model = %s, want gpt-4o", gotReq.Model)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want single user turn", gotReq.Messages)
	}
}

func TestOpenAIExecuteSendsHistory(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq) //nolint:errcheck
		w.Write([]byte(openAISuccessBody))      //nolint:errcheck
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{Endpoint: srv.URL}, zap.NewNop())
	history := []Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	if _, err := a.Execute(context.Background(), "gpt-4o", "follow-up", history); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(gotReq.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (history + prompt)", len(gotReq.Messages))
	}
	if gotReq.Messages[2].Content != "follow-up" {
		t.Fatalf("last message = %+v, want the new prompt", gotReq.Messages[2])
	}
}

func TestOpenAIInvalidRequestNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "unknown model"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{Endpoint: srv.URL}, zap.NewNop())
	_, err := a.Execute(context.Background(), "nope", "hi", nil)
	if KindOf(err) != KindInvalidRequest {
		t.Fatalf("kind = %s, want invalid_request", KindOf(err))
	}
	if calls.Load() != 1 {
		t.Fatalf("server hit %d times, want 1", calls.Load())
	}
}

func TestOpenAIContextTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"code": "context_length_exceeded"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{Endpoint: srv.URL}, zap.NewNop())
	_, err := a.Execute(context.Background(), "gpt-4o", "huge prompt", nil)
	if KindOf(err) != KindContextTooLarge {
		t.Fatalf("kind = %s, want context_too_large", KindOf(err))
	}
}

func TestOpenAITransientRetriedToSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(openAISuccessBody)) //nolint:errcheck
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{Endpoint: srv.URL}, zap.NewNop())
	resp, err := a.Execute(context.Background(), "gpt-4o", "hi", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "4" || calls.Load() != 2 {
		t.Fatalf("resp=%+v calls=%d, want success on second attempt", resp, calls.Load())
	}
}

func TestOpenAIEmptyChoicesIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices": [], "usage": {}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(OpenAIConfig{Endpoint: srv.URL}, zap.NewNop())
	_, err := a.call(context.Background(), "gpt-4o", "hi", nil)
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T, want *ProviderError", err)
	}
}
