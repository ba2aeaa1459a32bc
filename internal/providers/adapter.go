package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/modelmux/modelmux/internal/metrics"
)

// ErrorKind classifies provider-side failures so the router can decide
// between retry, skip, and terminal handling.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindInvalidRequest
	KindContextTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidRequest:
		return "invalid_request"
	case KindContextTooLarge:
		return "context_too_large"
	default:
		return "unknown"
	}
}

// Retryable reports whether an adapter-level retry is worthwhile.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error, defaulting to
// transient for anything unrecognized (timeouts included).
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// Turn is one prior conversation turn passed through to the provider.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the uniform result of one provider call.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// Adapter is the uniform execution contract implemented per provider.
// Implementations classify their own errors and apply their own short
// retry for transient failures; model-level fallback stays with the
// router.
type Adapter interface {
	Provider() string
	Execute(ctx context.Context, model, prompt string, history []Turn) (*Response, error)
}

// Registry maps provider tags to adapters. It is populated once at
// startup from the model catalog and read-only afterwards, so lookups
// need no locking.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Get returns the adapter registered for a provider tag.
func (r *Registry) Get(provider string) (Adapter, bool) {
	a, ok := r.adapters[provider]
	return a, ok
}

// Providers lists registered provider tags, sorted.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

const (
	maxAttempts  = 3
	callDeadline = 60 * time.Second
)

// withRetry runs fn with short exponential backoff (1s, 2s, 4s) for
// retryable provider errors. This retry is nested inside a single
// candidate attempt and independent of the router's fallback chain.
func withRetry(ctx context.Context, logger *zap.Logger, provider string, fn func(ctx context.Context) (*Response, error)) (*Response, error) {
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callDeadline)
		resp, err := fn(callCtx)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := KindOf(err)
		if !kind.Retryable() || attempt == maxAttempts {
			return nil, err
		}

		metrics.ProviderRetries.WithLabelValues(provider, kind.String()).Inc()
		logger.Debug("Retrying provider call",
			zap.String("provider", provider),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &ProviderError{Provider: provider, Kind: KindTransient, Err: ctx.Err()}
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}

// classifyHTTPStatus maps a provider HTTP status to an error kind.
func classifyHTTPStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestEntityTooLarge:
		return KindContextTooLarge
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindTransient
	}
}
