package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/internal/metrics"
)

// Entry types
const (
	EntryPurchase = "purchase"
	EntrySpend    = "spend"
	EntryRefund   = "refund"
	EntryBonus    = "bonus"
)

var (
	// ErrInsufficientCredits is returned when a charge would drive the
	// balance negative. The charge makes no mutation in that case.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Entry is one immutable balance-affecting record. The running sum of
// a user's entries always equals their current balance.
type Entry struct {
	ID            uuid.UUID `db:"id"`
	UserID        string    `db:"user_id"`
	Type          string    `db:"type"`
	Amount        int       `db:"amount"`
	BalanceBefore int       `db:"balance_before"`
	BalanceAfter  int       `db:"balance_after"`
	RequestID     string    `db:"request_id"`
	CreatedAt     time.Time `db:"created_at"`
}

// Meta carries optional context attached to a ledger entry.
type Meta struct {
	RequestID string
	Reason    string
}

const schema = `
CREATE TABLE IF NOT EXISTS credit_balances (
	user_id  TEXT PRIMARY KEY,
	balance  INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id              UUID PRIMARY KEY,
	user_id         TEXT NOT NULL,
	type            TEXT NOT NULL,
	amount          INTEGER NOT NULL,
	balance_before  INTEGER NOT NULL,
	balance_after   INTEGER NOT NULL,
	request_id      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
	ON ledger_entries (user_id, created_at);
`

// Store is the durable credit ledger. Every mutation runs as a single
// database transaction (balance read with a row lock, sufficiency
// check, balance write, entry append) and same-user mutations are
// additionally serialized in-process so two concurrent charges can
// never interleave. Different users never block each other.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewStore creates the ledger and bootstraps its schema.
func NewStore(db *sqlx.DB, logger *zap.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("bootstrap ledger schema: %w", err)
	}
	return &Store{
		db:        db,
		logger:    logger,
		userLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockUser(userID string) func() {
	s.mu.Lock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Balance returns the user's current balance. Unknown users have a
// zero balance.
func (s *Store) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// HasSufficient reports whether the user can cover amount. This is a
// pre-flight check only; Charge re-verifies inside its transaction.
func (s *Store) HasSufficient(ctx context.Context, userID string, amount int) (bool, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Charge debits amount from the user. It fails closed: when the
// balance is insufficient at transaction time nothing is written and
// ErrInsufficientCredits is returned, regardless of what any earlier
// estimate said.
func (s *Store) Charge(ctx context.Context, userID string, amount int, meta Meta) (int, error) {
	newBalance, err := s.mutate(ctx, userID, EntrySpend, amount, meta)
	if err != nil {
		return 0, err
	}
	metrics.CreditsCharged.Add(float64(amount))
	return newBalance, nil
}

// Refund credits amount back to the user.
func (s *Store) Refund(ctx context.Context, userID string, amount int, meta Meta) (int, error) {
	newBalance, err := s.mutate(ctx, userID, EntryRefund, amount, meta)
	if err != nil {
		return 0, err
	}
	metrics.CreditsRefunded.Add(float64(amount))
	return newBalance, nil
}

// Add credits a top-up. This is the inbound path used by the payment
// subsystem's webhook handler; it is not gated by the router.
func (s *Store) Add(ctx context.Context, userID string, amount int, meta Meta) (int, error) {
	entryType := EntryPurchase
	if meta.Reason == "bonus" {
		entryType = EntryBonus
	}
	return s.mutate(ctx, userID, entryType, amount, meta)
}

func (s *Store) mutate(ctx context.Context, userID, entryType string, amount int, meta Meta) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	unlock := s.lockUser(userID)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		metrics.LedgerTxFailures.Inc()
		return 0, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id, balance) VALUES ($1, 0)
		 ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		metrics.LedgerTxFailures.Inc()
		return 0, fmt.Errorf("ensure balance row: %w", err)
	}

	var before int
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&before); err != nil {
		metrics.LedgerTxFailures.Inc()
		return 0, fmt.Errorf("lock balance row: %w", err)
	}

	after := before
	switch entryType {
	case EntrySpend:
		if before < amount {
			// fail closed: roll back without writing anything
			return 0, ErrInsufficientCredits
		}
		after = before - amount
	default:
		after = before + amount
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance = $1, updated_at = NOW() WHERE user_id = $2`,
		after, userID); err != nil {
		metrics.LedgerTxFailures.Inc()
		return 0, fmt.Errorf("write balance: %w", err)
	}

	var requestID *string
	if meta.RequestID != "" {
		requestID = &meta.RequestID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (
			id, user_id, type, amount, balance_before, balance_after, request_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), userID, entryType, amount, before, after, requestID); err != nil {
		metrics.LedgerTxFailures.Inc()
		return 0, fmt.Errorf("append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		metrics.LedgerTxFailures.Inc()
		return 0, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("Ledger entry recorded",
		zap.String("user_id", userID),
		zap.String("type", entryType),
		zap.Int("amount", amount),
		zap.Int("balance_after", after),
	)
	return after, nil
}

// Entries returns the user's ledger history, newest first.
func (s *Store) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after,
		       COALESCE(request_id, ''), created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount,
			&e.BalanceBefore, &e.BalanceAfter, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
