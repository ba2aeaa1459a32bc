package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory ledger with the same semantics as Store. It
// backs local development and tests, mirroring how the durable ledger
// behaves without requiring Postgres.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int
	entries  map[string][]Entry
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int),
		entries:  make(map[string][]Entry),
	}
}

// Balance returns the user's current balance.
func (m *Memory) Balance(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

// HasSufficient reports whether the user can cover amount.
func (m *Memory) HasSufficient(_ context.Context, userID string, amount int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID] >= amount, nil
}

// Charge debits amount, failing closed on insufficiency.
func (m *Memory) Charge(_ context.Context, userID string, amount int, meta Meta) (int, error) {
	return m.mutate(userID, EntrySpend, amount, meta)
}

// Refund credits amount back to the user.
func (m *Memory) Refund(_ context.Context, userID string, amount int, meta Meta) (int, error) {
	return m.mutate(userID, EntryRefund, amount, meta)
}

// Add credits a top-up.
func (m *Memory) Add(_ context.Context, userID string, amount int, meta Meta) (int, error) {
	entryType := EntryPurchase
	if meta.Reason == "bonus" {
		entryType = EntryBonus
	}
	return m.mutate(userID, entryType, amount, meta)
}

func (m *Memory) mutate(userID, entryType string, amount int, meta Meta) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.balances[userID]
	after := before
	switch entryType {
	case EntrySpend:
		if before < amount {
			return 0, ErrInsufficientCredits
		}
		after = before - amount
	default:
		after = before + amount
	}
	m.balances[userID] = after
	m.entries[userID] = append(m.entries[userID], Entry{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          entryType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		RequestID:     meta.RequestID,
		CreatedAt:     time.Now(),
	})
	return after, nil
}

// Entries returns the user's ledger history, oldest first.
func (m *Memory) Entries(_ context.Context, userID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries[userID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}
