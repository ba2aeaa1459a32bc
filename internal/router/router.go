package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/ledger"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/pricing"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/scoring"
	"github.com/modelmux/modelmux/internal/session"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/tracing"
)

// Options tunes router behavior.
type Options struct {
	// MaxAttempts caps the fallback chain length (default 3).
	MaxAttempts int

	// WaitOnRateLimit makes the gate suspend once for the reported
	// retry interval instead of skipping straight to the next
	// candidate.
	WaitOnRateLimit bool

	// UserRequestsPerMinute enables a per-user front-door throttle
	// when positive.
	UserRequestsPerMinute int

	// SessionContextTurns bounds how much history is passed to the
	// provider (default 20).
	SessionContextTurns int
}

const (
	defaultMaxAttempts  = 3
	defaultContextTurns = 20
)

// Router orchestrates the full request lifecycle: cache lookup,
// classification, scoring, admission control, the rate-gated fallback
// chain, and post-success accounting. It owns all per-request pipeline
// state; the collaborators it mutates (ledger, rate windows) are
// partitioned by user and model respectively.
type Router struct {
	classifier *classify.Classifier
	catalog    *catalog.Catalog
	engine     *scoring.Engine
	limiter    RateGate
	cache      *cache.ResponseCache
	ledger     CreditLedger
	stats      OutcomeRecorder
	registry   *providers.Registry
	breakers   *circuitbreaker.Registry
	sessions   session.Store
	converter  *pricing.Converter
	logger     *zap.Logger
	opts       Options

	throttleMu sync.Mutex
	throttles  map[string]*rate.Limiter
}

// Deps bundles the router's collaborators for construction.
type Deps struct {
	Classifier *classify.Classifier
	Catalog    *catalog.Catalog
	Engine     *scoring.Engine
	Limiter    RateGate
	Cache      *cache.ResponseCache
	Ledger     CreditLedger
	Stats      OutcomeRecorder
	Registry   *providers.Registry
	Breakers   *circuitbreaker.Registry
	Sessions   session.Store
	Converter  *pricing.Converter
	Logger     *zap.Logger
}

// New constructs a Router. Cache, Sessions, and Breakers may be nil;
// the corresponding behavior is skipped.
func New(deps Deps, opts Options) *Router {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.SessionContextTurns <= 0 {
		opts.SessionContextTurns = defaultContextTurns
	}
	return &Router{
		classifier: deps.Classifier,
		catalog:    deps.Catalog,
		engine:     deps.Engine,
		limiter:    deps.Limiter,
		cache:      deps.Cache,
		ledger:     deps.Ledger,
		stats:      deps.Stats,
		registry:   deps.Registry,
		breakers:   deps.Breakers,
		sessions:   deps.Sessions,
		converter:  deps.Converter,
		logger:     deps.Logger,
		opts:       opts,
		throttles:  make(map[string]*rate.Limiter),
	}
}

// Route serves one request end to end. On total failure it returns a
// terminal error; partial failures surface only through the result's
// attempt metadata. No charge is ever made unless a provider call
// succeeded and its usage was priced.
func (r *Router) Route(ctx context.Context, req Request) (*RouteResult, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "router.route")
	defer span.End()

	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if !r.allowUser(req.UserID) {
		return nil, ErrUserThrottled
	}

	requestID := uuid.New().String()
	log := r.logger.With(
		zap.String("request_id", requestID),
		zap.String("user_id", req.UserID),
	)

	// Conversational requests bypass the cache entirely: continuity
	// must not be short-circuited by a cached single-turn answer.
	useCache := r.cache != nil && req.SessionID == "" && !req.DisableCache

	analysis := r.analyze(req)

	if useCache {
		if entry, ok := r.cache.Get(ctx, req.Prompt, analysis.TaskType); ok {
			log.Debug("Cache hit", zap.String("model", entry.Model))
			r.observe(start, "cached", entry.Model)
			return &RouteResult{
				Response: entry.Response,
				Model:    entry.Model,
				Cached:   true,
			}, nil
		}
	}

	history := r.loadContext(ctx, req, log)

	candidates := r.engine.Rank(ctx, analysis, req.BudgetTier)
	if len(candidates) > r.opts.MaxAttempts {
		candidates = candidates[:r.opts.MaxAttempts]
	}

	candidates, err := r.admit(ctx, req.UserID, candidates)
	if err != nil {
		r.observe(start, "rejected", "")
		return nil, err
	}

	result, err := r.attempt(ctx, req, analysis, candidates, history, requestID, log)
	if err != nil {
		r.observe(start, "failed", "")
		return nil, err
	}

	if useCache {
		if cerr := r.cache.Put(ctx, req.Prompt, analysis.TaskType, cache.Entry{
			Response:  result.Response,
			Model:     result.Model,
			CreatedAt: time.Now(),
		}); cerr != nil {
			log.Warn("Cache write failed", zap.Error(cerr))
		}
	}
	r.persistTurns(ctx, req, result, log)

	r.observe(start, "ok", result.Model)
	if result.FallbackUsed {
		metrics.FallbacksUsed.Inc()
	}
	metrics.TokensUsed.Observe(float64(result.InputTokens + result.OutputTokens))
	return result, nil
}

// analyze classifies the prompt, then applies any caller hints on top.
func (r *Router) analyze(req Request) classify.TaskAnalysis {
	analysis := r.classifier.Analyze(req.Prompt)
	if req.TaskTypeHint != "" {
		analysis.TaskType = req.TaskTypeHint
	}
	if req.ComplexityHint >= 1 && req.ComplexityHint <= 10 {
		analysis.ComplexityLevel = req.ComplexityHint
	}
	return analysis
}

// admit drops candidates the user cannot afford. When nothing remains
// the request is rejected before any provider is called.
func (r *Router) admit(ctx context.Context, userID string, candidates []scoring.ScoredCandidate) ([]scoring.ScoredCandidate, error) {
	if userID == "" || len(candidates) == 0 {
		// Anonymous requests are not billed; nothing to admit against.
		return candidates, nil
	}
	affordable := candidates[:0:0]
	for _, c := range candidates {
		ok, err := r.ledger.HasSufficient(ctx, userID, c.EstimatedCredits)
		if err != nil {
			metrics.LedgerTxFailures.Inc()
			return nil, errors.Join(ErrLedgerTransaction, err)
		}
		if ok {
			affordable = append(affordable, c)
		}
	}
	if len(affordable) == 0 {
		metrics.InsufficientCredits.Inc()
		return nil, ErrInsufficientCredits
	}
	return affordable, nil
}

// attempt walks the fallback chain in descending score order.
func (r *Router) attempt(
	ctx context.Context,
	req Request,
	analysis classify.TaskAnalysis,
	candidates []scoring.ScoredCandidate,
	history []providers.Turn,
	requestID string,
	log *zap.Logger,
) (*RouteResult, error) {
	var failures []FailedAttempt
	attempts := 0

	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			// Cancelled while gating: abandon without charge.
			return nil, err
		}
		modelID := candidate.Model.ID

		if r.breakers != nil && r.breakers.State(modelID) == circuitbreaker.StateOpen {
			failures = append(failures, FailedAttempt{Model: modelID, ErrorKind: "circuit_open"})
			continue
		}

		allowed := r.gate(ctx, modelID)
		if !allowed {
			failures = append(failures, FailedAttempt{Model: modelID, ErrorKind: "rate_limited"})
			continue
		}

		adapter, ok := r.registry.Get(candidate.Model.Provider)
		if !ok {
			log.Error("No adapter registered for provider",
				zap.String("provider", candidate.Model.Provider),
				zap.String("model", modelID))
			failures = append(failures, FailedAttempt{Model: modelID, ErrorKind: "no_adapter"})
			continue
		}

		if r.breakers != nil {
			if err := r.breakers.Allow(modelID); err != nil {
				failures = append(failures, FailedAttempt{Model: modelID, ErrorKind: "circuit_open"})
				continue
			}
		}

		execCtx, execSpan := tracing.StartModelSpan(ctx, candidate.Model.Provider, modelID)
		callStart := time.Now()
		resp, err := adapter.Execute(execCtx, modelID, req.Prompt, history)
		latency := time.Since(callStart)
		execSpan.End()
		attempts++

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Cancelled mid-execution: the call is abandoned, not
				// billed, and not recorded as an outcome. The breaker
				// probe slot taken by Allow is released, not judged.
				if r.breakers != nil {
					r.breakers.Abandon(modelID)
				}
				return nil, ctxErr
			}
			kind := providers.KindOf(err)
			if r.breakers != nil {
				r.breakers.RecordFailure(modelID)
			}
			r.recordOutcome(ctx, stats.CallOutcome{
				ModelID:   modelID,
				TaskType:  analysis.TaskType,
				Success:   false,
				Latency:   latency,
				ErrorKind: kind.String(),
			}, log)
			failures = append(failures, FailedAttempt{
				Model:     modelID,
				ErrorKind: kind.String(),
				Detail:    err.Error(),
			})
			log.Warn("Candidate failed, trying next",
				zap.String("model", modelID),
				zap.String("kind", kind.String()),
				zap.Error(err))
			metrics.RequestsRouted.WithLabelValues(modelID, "error").Inc()
			continue
		}

		if r.breakers != nil {
			r.breakers.RecordSuccess(modelID)
		}

		cost := r.converter.ActualCredits(candidate.Model, resp.InputTokens, resp.OutputTokens)
		if req.UserID != "" && cost > 0 {
			if _, err := r.ledger.Charge(ctx, req.UserID, cost, ledger.Meta{
				RequestID: requestID,
				Reason:    "model call: " + modelID,
			}); err != nil {
				// Correctness of billing outranks availability: the
				// response is suppressed rather than given away.
				log.Error("Charge failed after successful call",
					zap.String("model", modelID),
					zap.Int("credits", cost),
					zap.Error(err))
				metrics.LedgerTxFailures.Inc()
				return nil, errors.Join(ErrLedgerTransaction, err)
			}
		}

		r.recordOutcome(ctx, stats.CallOutcome{
			ModelID:     modelID,
			TaskType:    analysis.TaskType,
			Success:     true,
			Latency:     latency,
			TokensUsed:  resp.InputTokens + resp.OutputTokens,
			CostCredits: cost,
		}, log)

		metrics.RequestsRouted.WithLabelValues(modelID, "ok").Inc()
		return &RouteResult{
			Response:     resp.Text,
			Model:        modelID,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostCredits:  cost,
			Attempts:     attempts,
			FallbackUsed: i > 0,
			FailedModels: failures,
		}, nil
	}

	metrics.CandidatesExhausted.Inc()
	return nil, &ExhaustedError{Failures: failures}
}

func (r *Router) gate(ctx context.Context, modelID string) bool {
	if r.opts.WaitOnRateLimit {
		ok, _ := r.limiter.Wait(ctx, modelID)
		return ok
	}
	ok, _ := r.limiter.TryAcquire(modelID)
	return ok
}

func (r *Router) recordOutcome(ctx context.Context, o stats.CallOutcome, log *zap.Logger) {
	if err := r.stats.RecordOutcome(ctx, o); err != nil {
		log.Warn("Failed to record call outcome", zap.Error(err))
	}
}

// loadContext fetches prior session turns. Session failures degrade to
// an empty context rather than failing the request.
func (r *Router) loadContext(ctx context.Context, req Request, log *zap.Logger) []providers.Turn {
	if req.SessionID == "" || r.sessions == nil {
		return nil
	}
	turns, err := r.sessions.GetContext(ctx, req.SessionID, r.opts.SessionContextTurns)
	if err != nil {
		log.Warn("Failed to load session context",
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return nil
	}
	out := make([]providers.Turn, len(turns))
	for i, t := range turns {
		out[i] = providers.Turn{Role: t.Role, Content: t.Content}
	}
	return out
}

// persistTurns appends the exchanged turns to the session store.
// Persistence failures are logged and never fail the request.
func (r *Router) persistTurns(ctx context.Context, req Request, result *RouteResult, log *zap.Logger) {
	if req.SessionID == "" || r.sessions == nil {
		return
	}
	if err := r.sessions.AppendMessage(ctx, req.SessionID, "user", req.Prompt, "", result.InputTokens); err != nil {
		metrics.SessionAppendFailures.Inc()
		log.Warn("Failed to persist user turn", zap.Error(err))
		return
	}
	if err := r.sessions.AppendMessage(ctx, req.SessionID, "assistant", result.Response, result.Model, result.OutputTokens); err != nil {
		metrics.SessionAppendFailures.Inc()
		log.Warn("Failed to persist assistant turn", zap.Error(err))
	}
}

// allowUser applies the optional per-user front-door throttle.
func (r *Router) allowUser(userID string) bool {
	if r.opts.UserRequestsPerMinute <= 0 || userID == "" {
		return true
	}
	r.throttleMu.Lock()
	lim, ok := r.throttles[userID]
	if !ok {
		perSecond := float64(r.opts.UserRequestsPerMinute) / 60.0
		lim = rate.NewLimiter(rate.Limit(perSecond), r.opts.UserRequestsPerMinute)
		r.throttles[userID] = lim
	}
	r.throttleMu.Unlock()
	return lim.Allow()
}

func (r *Router) observe(start time.Time, status, model string) {
	metrics.RouteDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if model != "" && status == "cached" {
		metrics.RequestsRouted.WithLabelValues(model, "cached").Inc()
	}
}
