package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/ledger"
	"github.com/modelmux/modelmux/internal/stats"
)

// Request is one inbound routing request. It is immutable once
// created; the HTTP layer resolves UserID before calling Route.
type Request struct {
	Prompt         string `json:"prompt"`
	TaskTypeHint   string `json:"task_type_hint,omitempty"`
	ComplexityHint int    `json:"complexity_hint,omitempty"` // 1..10, 0 = unset
	BudgetTier     string `json:"budget_tier"`
	SessionID      string `json:"session_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	DisableCache   bool   `json:"disable_cache,omitempty"`
}

// FailedAttempt records one candidate that did not serve the request.
type FailedAttempt struct {
	Model     string `json:"model"`
	ErrorKind string `json:"error_kind"`
	Detail    string `json:"detail,omitempty"`
}

// RouteResult is the outcome of a successfully served request.
type RouteResult struct {
	Response     string          `json:"response"`
	Model        string          `json:"model"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostCredits  int             `json:"cost_credits"`
	Cached       bool            `json:"cached"`
	Attempts     int             `json:"attempts"`
	FallbackUsed bool            `json:"fallback_used"`
	FailedModels []FailedAttempt `json:"failed_models,omitempty"`
}

var (
	// ErrEmptyPrompt rejects requests without prompt text.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrInsufficientCredits is returned before any provider call when
	// the user cannot afford any remaining candidate.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUserThrottled is returned when the per-user request throttle
	// rejects the request at the front door.
	ErrUserThrottled = errors.New("user request rate exceeded")

	// ErrLedgerTransaction indicates the post-execution charge failed.
	// The response is suppressed: billing correctness outranks
	// availability.
	ErrLedgerTransaction = errors.New("ledger transaction failed")
)

// ExhaustedError is the terminal error when every candidate failed.
// No charge is ever made on this path.
type ExhaustedError struct {
	Failures []FailedAttempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Model + " (" + f.ErrorKind + ")"
	}
	return fmt.Sprintf("all candidates exhausted: %s", strings.Join(parts, ", "))
}

// CreditLedger is the slice of the ledger the router mutates. Both
// the durable store and the in-memory ledger satisfy it.
type CreditLedger interface {
	HasSufficient(ctx context.Context, userID string, amount int) (bool, error)
	Charge(ctx context.Context, userID string, amount int, meta ledger.Meta) (int, error)
}

// RateGate is the admission guard consulted per candidate.
type RateGate interface {
	TryAcquire(modelID string) (bool, time.Duration)
	Wait(ctx context.Context, modelID string) (bool, time.Duration)
}

// OutcomeRecorder receives call outcomes for future scoring.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o stats.CallOutcome) error
}
