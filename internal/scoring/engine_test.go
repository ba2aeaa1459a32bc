package scoring

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/pricing"
	"github.com/modelmux/modelmux/internal/stats"
)

// fakePerf serves canned aggregates keyed by model id.
type fakePerf struct {
	byModel map[string]stats.Performance
}

func (f *fakePerf) Performance(_ context.Context, modelID, _ string) stats.Performance {
	if p, ok := f.byModel[modelID]; ok {
		return p
	}
	return stats.Performance{SuccessRate: 1.0}
}

func codingAnalysis(level int) classify.TaskAnalysis {
	return classify.TaskAnalysis{
		TaskType:        classify.TaskCoding,
		ComplexityLevel: level,
		EstimatedTokens: 1000,
	}
}

func TestScoreTaskFit(t *testing.T) {
	analysis := codingAnalysis(5)
	perf := stats.Performance{SuccessRate: 1.0}

	withTag := catalog.ModelDescriptor{Tier: catalog.TierAdvanced, CapabilityTags: []string{"coding"}}
	if b := Score(withTag, analysis, BudgetMedium, perf); b.TaskFit != 30 {
		t.Fatalf("exact capability TaskFit = %v, want 30", b.TaskFit)
	}

	without := catalog.ModelDescriptor{Tier: catalog.TierAdvanced, CapabilityTags: []string{"writing"}}
	if b := Score(without, analysis, BudgetMedium, perf); b.TaskFit != 0 {
		t.Fatalf("missing capability TaskFit = %v, want 0", b.TaskFit)
	}

	general := classify.TaskAnalysis{TaskType: classify.TaskGeneral, ComplexityLevel: 3}
	if b := Score(without, general, BudgetMedium, perf); b.TaskFit != 15 {
		t.Fatalf("general prompt TaskFit = %v, want 15", b.TaskFit)
	}
}

func TestScoreReliability(t *testing.T) {
	m := catalog.ModelDescriptor{Tier: catalog.TierStandard}
	b := Score(m, codingAnalysis(3), BudgetCheap, stats.Performance{SuccessRate: 0.8})
	if b.Reliability != 20 {
		t.Fatalf("Reliability = %v, want 20 (0.8 * 25)", b.Reliability)
	}
}

func TestScoreBudgetFit(t *testing.T) {
	analysis := codingAnalysis(3)
	perf := stats.Performance{SuccessRate: 1.0}

	basic := catalog.ModelDescriptor{Tier: catalog.TierBasic}
	premium := catalog.ModelDescriptor{Tier: catalog.TierPremium}

	if b := Score(basic, analysis, BudgetFree, perf); b.BudgetFit != 25 {
		t.Fatalf("basic in free tier BudgetFit = %v, want 25", b.BudgetFit)
	}
	if b := Score(premium, analysis, BudgetFree, perf); b.BudgetFit != 0 {
		t.Fatalf("premium in free tier BudgetFit = %v, want 0", b.BudgetFit)
	}
	// expensive admits advanced/premium fully and everything else partially
	if b := Score(premium, analysis, BudgetExpensive, perf); b.BudgetFit != 25 {
		t.Fatalf("premium in expensive tier BudgetFit = %v, want 25", b.BudgetFit)
	}
	if b := Score(basic, analysis, BudgetExpensive, perf); b.BudgetFit != 15 {
		t.Fatalf("basic in expensive tier BudgetFit = %v, want 15", b.BudgetFit)
	}
}

func TestScoreComplexityFit(t *testing.T) {
	perf := stats.Performance{SuccessRate: 1.0}
	premium := catalog.ModelDescriptor{Tier: catalog.TierPremium}
	basic := catalog.ModelDescriptor{Tier: catalog.TierBasic}

	if b := Score(premium, codingAnalysis(9), BudgetExpensive, perf); b.ComplexityFit != 20 {
		t.Fatalf("premium at level 9 ComplexityFit = %v, want 20", b.ComplexityFit)
	}
	if b := Score(basic, codingAnalysis(9), BudgetExpensive, perf); b.ComplexityFit != 10 {
		t.Fatalf("basic at level 9 ComplexityFit = %v, want 10", b.ComplexityFit)
	}
	if b := Score(basic, codingAnalysis(2), BudgetFree, perf); b.ComplexityFit != 20 {
		t.Fatalf("basic at level 2 ComplexityFit = %v, want 20", b.ComplexityFit)
	}
}

func TestScoreExperienceBonusCapped(t *testing.T) {
	m := catalog.ModelDescriptor{Tier: catalog.TierStandard}
	b := Score(m, codingAnalysis(3), BudgetCheap, stats.Performance{SuccessRate: 1.0, TotalUses: 50})
	if b.ExperienceBonus != 5 {
		t.Fatalf("ExperienceBonus = %v, want 5 (50/10)", b.ExperienceBonus)
	}
	b = Score(m, codingAnalysis(3), BudgetCheap, stats.Performance{SuccessRate: 1.0, TotalUses: 500})
	if b.ExperienceBonus != 10 {
		t.Fatalf("ExperienceBonus = %v, want capped at 10", b.ExperienceBonus)
	}
}

func TestRankOrdersByScore(t *testing.T) {
	cat := catalog.New([]catalog.ModelDescriptor{
		{ID: "weak", Tier: catalog.TierBasic, CapabilityTags: []string{"writing"}},
		{ID: "strong", Tier: catalog.TierAdvanced, CapabilityTags: []string{"coding"}},
	}, zap.NewNop())
	engine := NewEngine(cat, &fakePerf{}, pricing.NewConverter(100))

	ranked := engine.Rank(context.Background(), codingAnalysis(5), BudgetMedium)
	if len(ranked) != 2 {
		t.Fatalf("got %d candidates, want 2", len(ranked))
	}
	if ranked[0].Model.ID != "strong" {
		t.Fatalf("top candidate = %s, want strong", ranked[0].Model.ID)
	}
	if ranked[0].Score != ranked[0].Breakdown.Total() {
		t.Fatal("Score must equal Breakdown.Total()")
	}
	if ranked[0].EstimatedCredits < 0 {
		t.Fatal("EstimatedCredits must be non-negative")
	}
}

func TestRankSkipsUnavailable(t *testing.T) {
	cat := catalog.New([]catalog.ModelDescriptor{
		{ID: "up", Tier: catalog.TierStandard},
		{ID: "down", Tier: catalog.TierStandard},
	}, zap.NewNop())
	cat.SetAvailable("down", false)
	engine := NewEngine(cat, &fakePerf{}, pricing.NewConverter(100))

	ranked := engine.Rank(context.Background(), codingAnalysis(3), BudgetCheap)
	if len(ranked) != 1 || ranked[0].Model.ID != "up" {
		t.Fatalf("ranked = %+v, want only 'up'", ranked)
	}
}

func TestRankTieBreakPreservesRosterOrder(t *testing.T) {
	// identical descriptors score identically; roster order must hold
	cat := catalog.New([]catalog.ModelDescriptor{
		{ID: "first", Tier: catalog.TierStandard, CapabilityTags: []string{"coding"}},
		{ID: "second", Tier: catalog.TierStandard, CapabilityTags: []string{"coding"}},
		{ID: "third", Tier: catalog.TierStandard, CapabilityTags: []string{"coding"}},
	}, zap.NewNop())
	engine := NewEngine(cat, &fakePerf{}, pricing.NewConverter(100))

	ranked := engine.Rank(context.Background(), codingAnalysis(3), BudgetCheap)
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if ranked[i].Model.ID != w {
			t.Fatalf("position %d = %s, want %s", i, ranked[i].Model.ID, w)
		}
	}
}

func TestRankReliabilityReordering(t *testing.T) {
	cat := catalog.New([]catalog.ModelDescriptor{
		{ID: "flaky", Tier: catalog.TierStandard, CapabilityTags: []string{"coding"}},
		{ID: "steady", Tier: catalog.TierStandard, CapabilityTags: []string{"coding"}},
	}, zap.NewNop())
	perf := &fakePerf{byModel: map[string]stats.Performance{
		"flaky":  {SuccessRate: 0.2, TotalUses: 20},
		"steady": {SuccessRate: 0.95, TotalUses: 20},
	}}
	engine := NewEngine(cat, perf, pricing.NewConverter(100))

	ranked := engine.Rank(context.Background(), codingAnalysis(3), BudgetCheap)
	if ranked[0].Model.ID != "steady" {
		t.Fatalf("top candidate = %s, want steady", ranked[0].Model.ID)
	}
}
