package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func memoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestPerformanceOptimisticPrior(t *testing.T) {
	s := memoryStore(t)

	p := s.Performance(context.Background(), "unseen", "coding")
	if p.SuccessRate != 1.0 {
		t.Fatalf("SuccessRate = %v, want 1.0 for unseen pair", p.SuccessRate)
	}
	if p.TotalUses != 0 || p.AvgCostCredits != 0 {
		t.Fatalf("unexpected prior: %+v", p)
	}
}

func TestRecordOutcomeAggregates(t *testing.T) {
	s := memoryStore(t)
	ctx := context.Background()

	outcomes := []CallOutcome{
		{ModelID: "m", TaskType: "coding", Success: true, TokensUsed: 100, CostCredits: 10},
		{ModelID: "m", TaskType: "coding", Success: true, TokensUsed: 300, CostCredits: 30},
		{ModelID: "m", TaskType: "coding", Success: false},
		{ModelID: "m", TaskType: "coding", Success: false},
	}
	for _, o := range outcomes {
		if err := s.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	p := s.Performance(ctx, "m", "coding")
	if p.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", p.SuccessRate)
	}
	if p.TotalUses != 4 {
		t.Fatalf("TotalUses = %d, want 4", p.TotalUses)
	}
	if p.AvgCostCredits != 10 {
		t.Fatalf("AvgCostCredits = %v, want 10", p.AvgCostCredits)
	}
	if p.AvgTokens != 100 {
		t.Fatalf("AvgTokens = %v, want 100", p.AvgTokens)
	}
}

func TestAggregatesPartitionedByTaskType(t *testing.T) {
	s := memoryStore(t)
	ctx := context.Background()

	s.RecordOutcome(ctx, CallOutcome{ModelID: "m", TaskType: "coding", Success: false}) //nolint:errcheck
	s.RecordOutcome(ctx, CallOutcome{ModelID: "m", TaskType: "writing", Success: true}) //nolint:errcheck

	if p := s.Performance(ctx, "m", "writing"); p.SuccessRate != 1.0 {
		t.Fatalf("writing SuccessRate = %v, want 1.0", p.SuccessRate)
	}
	if p := s.Performance(ctx, "m", "coding"); p.SuccessRate != 0.0 {
		t.Fatalf("coding SuccessRate = %v, want 0.0", p.SuccessRate)
	}
}

func TestConcurrentRecordersLoseNothing(t *testing.T) {
	s := memoryStore(t)
	ctx := context.Background()

	const writers = 20
	const perWriter = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				s.RecordOutcome(ctx, CallOutcome{ModelID: "m", TaskType: "coding", Success: true}) //nolint:errcheck
			}
		}()
	}
	wg.Wait()

	p := s.Performance(ctx, "m", "coding")
	if p.TotalUses != writers*perWriter {
		t.Fatalf("TotalUses = %d, want %d", p.TotalUses, writers*perWriter)
	}
}

func TestRecordOutcomePersists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS call_outcomes").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT model_id, task_type").
		WillReturnRows(sqlmock.NewRows([]string{
			"model_id", "task_type", "successes", "total", "sum_credits", "sum_tokens",
		}))

	s, err := NewStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	mock.ExpectExec("INSERT INTO call_outcomes").
		WithArgs(sqlmock.AnyArg(), "m", "coding", true, int64(1500), 400, 12, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.RecordOutcome(context.Background(), CallOutcome{
		ModelID:     "m",
		TaskType:    "coding",
		Success:     true,
		Latency:     1500 * time.Millisecond,
		TokensUsed:  400,
		CostCredits: 12,
	})
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWarmLoadsPriorAggregates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS call_outcomes").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT model_id, task_type").
		WillReturnRows(sqlmock.NewRows([]string{
			"model_id", "task_type", "successes", "total", "sum_credits", "sum_tokens",
		}).AddRow("m", "coding", 8, 10, 120, 4000))

	s, err := NewStore(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	p := s.Performance(context.Background(), "m", "coding")
	if p.SuccessRate != 0.8 {
		t.Fatalf("SuccessRate = %v, want 0.8", p.SuccessRate)
	}
	if p.TotalUses != 10 || p.AvgCostCredits != 12 || p.AvgTokens != 400 {
		t.Fatalf("unexpected warmed performance: %+v", p)
	}
}
