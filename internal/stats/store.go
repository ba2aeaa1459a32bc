package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// CallOutcome records the result of one provider call. Outcomes are
// append-only: once recorded they are never mutated.
type CallOutcome struct {
	ModelID     string
	TaskType    string
	Success     bool
	Latency     time.Duration
	TokensUsed  int
	CostCredits int
	ErrorKind   string
}

// Performance is the aggregated history for a (model, taskType) pair.
type Performance struct {
	SuccessRate    float64
	AvgCostCredits float64
	AvgTokens      float64
	TotalUses      int
}

type aggregate struct {
	successes  int
	total      int
	sumCredits int
	sumTokens  int
}

// Store persists per-model outcome history and serves aggregates to
// the scoring engine. Writes append to the call_outcomes table and
// update an in-memory aggregate under a mutex, so concurrent writers
// never lose entries. With a nil database the store runs in-memory
// only, which the tests rely on.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	mu         sync.RWMutex
	aggregates map[string]*aggregate
}

const schema = `
CREATE TABLE IF NOT EXISTS call_outcomes (
	id            UUID PRIMARY KEY,
	model_id      TEXT NOT NULL,
	task_type     TEXT NOT NULL,
	success       BOOLEAN NOT NULL,
	latency_ms    BIGINT NOT NULL,
	tokens_used   INTEGER NOT NULL,
	cost_credits  INTEGER NOT NULL,
	error_kind    TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_call_outcomes_model_task
	ON call_outcomes (model_id, task_type);
`

// NewStore creates a stats store. When db is non-nil the outcome log
// is bootstrapped and prior aggregates are warmed from it.
func NewStore(db *sqlx.DB, logger *zap.Logger) (*Store, error) {
	s := &Store{
		db:         db,
		logger:     logger,
		aggregates: make(map[string]*aggregate),
	}
	if db != nil {
		if _, err := db.Exec(schema); err != nil {
			return nil, fmt.Errorf("bootstrap call_outcomes schema: %w", err)
		}
		if err := s.warm(context.Background()); err != nil {
			// Warm failure is not fatal: scoring degrades to the
			// optimistic prior until history accumulates again.
			logger.Warn("Failed to warm stats aggregates", zap.Error(err))
		}
	}
	return s, nil
}

func key(modelID, taskType string) string {
	return modelID + "|" + taskType
}

func (s *Store) warm(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id, task_type,
		       COUNT(*) FILTER (WHERE success) AS successes,
		       COUNT(*) AS total,
		       COALESCE(SUM(cost_credits), 0) AS sum_credits,
		       COALESCE(SUM(tokens_used), 0) AS sum_tokens
		FROM call_outcomes
		GROUP BY model_id, task_type
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var modelID, taskType string
		var agg aggregate
		if err := rows.Scan(&modelID, &taskType, &agg.successes, &agg.total, &agg.sumCredits, &agg.sumTokens); err != nil {
			return err
		}
		s.aggregates[key(modelID, taskType)] = &agg
	}
	return rows.Err()
}

// RecordOutcome appends one outcome. The in-memory aggregate is
// updated even if the database write fails, so scoring keeps current
// feedback while persistence recovers.
func (s *Store) RecordOutcome(ctx context.Context, o CallOutcome) error {
	s.mu.Lock()
	agg, ok := s.aggregates[key(o.ModelID, o.TaskType)]
	if !ok {
		agg = &aggregate{}
		s.aggregates[key(o.ModelID, o.TaskType)] = agg
	}
	agg.total++
	if o.Success {
		agg.successes++
	}
	agg.sumCredits += o.CostCredits
	agg.sumTokens += o.TokensUsed
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	var errorKind *string
	if o.ErrorKind != "" {
		errorKind = &o.ErrorKind
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_outcomes (
			id, model_id, task_type, success,
			latency_ms, tokens_used, cost_credits, error_kind
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), o.ModelID, o.TaskType, o.Success,
		o.Latency.Milliseconds(), o.TokensUsed, o.CostCredits, errorKind)
	if err != nil {
		s.logger.Error("Failed to persist call outcome",
			zap.String("model", o.ModelID),
			zap.Error(err))
		return fmt.Errorf("persist call outcome: %w", err)
	}
	return nil
}

// Performance returns the aggregated history for a (model, taskType)
// pair. With no history it returns an optimistic prior: success rate
// 1.0 and zero cost, so untested models are not penalized.
func (s *Store) Performance(ctx context.Context, modelID, taskType string) Performance {
	s.mu.RLock()
	agg, ok := s.aggregates[key(modelID, taskType)]
	if !ok || agg.total == 0 {
		s.mu.RUnlock()
		return Performance{SuccessRate: 1.0}
	}
	p := Performance{
		SuccessRate:    float64(agg.successes) / float64(agg.total),
		AvgCostCredits: float64(agg.sumCredits) / float64(agg.total),
		AvgTokens:      float64(agg.sumTokens) / float64(agg.total),
		TotalUses:      agg.total,
	}
	s.mu.RUnlock()
	return p
}
