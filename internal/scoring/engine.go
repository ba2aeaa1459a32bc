package scoring

import (
	"context"
	"sort"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/pricing"
	"github.com/modelmux/modelmux/internal/stats"
)

// Budget tiers accepted on a request
const (
	BudgetFree      = "free"
	BudgetCheap     = "cheap"
	BudgetMedium    = "medium"
	BudgetExpensive = "expensive"
)

// budgetTierModels maps each budget tier to the model tiers it admits.
var budgetTierModels = map[string]map[string]bool{
	BudgetFree:      {catalog.TierBasic: true},
	BudgetCheap:     {catalog.TierBasic: true, catalog.TierStandard: true},
	BudgetMedium:    {catalog.TierStandard: true, catalog.TierAdvanced: true},
	BudgetExpensive: {catalog.TierAdvanced: true, catalog.TierPremium: true},
}

// ScoreBreakdown itemizes the factors behind one candidate score.
// Each factor is independently capped; the total is their plain sum.
type ScoreBreakdown struct {
	TaskFit         float64
	Reliability     float64
	BudgetFit       float64
	ComplexityFit   float64
	ExperienceBonus float64
}

// Total returns the summed score.
func (b ScoreBreakdown) Total() float64 {
	return b.TaskFit + b.Reliability + b.BudgetFit + b.ComplexityFit + b.ExperienceBonus
}

// ScoredCandidate pairs a model with its score and pre-flight credit
// estimate. Candidates are consumed in descending score order.
type ScoredCandidate struct {
	Model            catalog.ModelDescriptor
	Score            float64
	Breakdown        ScoreBreakdown
	EstimatedCredits int
}

// PerformanceSource is the slice of the stats store the engine reads.
type PerformanceSource interface {
	Performance(ctx context.Context, modelID, taskType string) stats.Performance
}

// Engine ranks candidate models for a request. It never mutates state
// and is called once per request to produce a full ranking.
type Engine struct {
	catalog   *catalog.Catalog
	stats     PerformanceSource
	converter *pricing.Converter
}

// NewEngine wires the engine to its read-only collaborators.
func NewEngine(cat *catalog.Catalog, src PerformanceSource, conv *pricing.Converter) *Engine {
	return &Engine{catalog: cat, stats: src, converter: conv}
}

// Rank scores every available model and returns candidates in
// descending score order. Ties preserve catalog roster order, which
// keeps rankings reproducible.
func (e *Engine) Rank(ctx context.Context, analysis classify.TaskAnalysis, budgetTier string) []ScoredCandidate {
	models := e.catalog.List()
	candidates := make([]ScoredCandidate, 0, len(models))
	for _, m := range models {
		if !m.Available {
			continue
		}
		perf := e.stats.Performance(ctx, m.ID, analysis.TaskType)
		breakdown := Score(m, analysis, budgetTier, perf)
		candidates = append(candidates, ScoredCandidate{
			Model:            m,
			Score:            breakdown.Total(),
			Breakdown:        breakdown,
			EstimatedCredits: e.converter.EstimateCredits(m, analysis.EstimatedTokens),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

// Score computes the weighted factor breakdown for one model. It is a
// pure function, exported so each factor is unit-testable.
func Score(m catalog.ModelDescriptor, analysis classify.TaskAnalysis, budgetTier string, perf stats.Performance) ScoreBreakdown {
	var b ScoreBreakdown

	// Task-type affinity: exact capability match wins, general-purpose
	// prompts get partial credit on any model.
	switch {
	case m.HasCapability(analysis.TaskType):
		b.TaskFit = 30
	case analysis.TaskType == classify.TaskGeneral:
		b.TaskFit = 15
	}

	// Historical reliability from recorded outcomes.
	b.Reliability = perf.SuccessRate * 25

	// Budget fit. The expensive tier is never fully excluded from any
	// model: it may always fall back to the whole roster.
	if allowed, ok := budgetTierModels[budgetTier]; ok && allowed[m.Tier] {
		b.BudgetFit = 25
	} else if budgetTier == BudgetExpensive {
		b.BudgetFit = 15
	}

	// Complexity fit: tier band must match the task's complexity level.
	if tierMatchesComplexity(m.Tier, analysis.ComplexityLevel) {
		b.ComplexityFit = 20
	} else {
		b.ComplexityFit = 10
	}

	// Bounded experience bonus for battle-tested pairs.
	bonus := float64(perf.TotalUses) / 10
	if bonus > 10 {
		bonus = 10
	}
	b.ExperienceBonus = bonus

	return b
}

func tierMatchesComplexity(tier string, level int) bool {
	switch {
	case level >= 8:
		return tier == catalog.TierPremium
	case level >= 5:
		return tier == catalog.TierPremium || tier == catalog.TierAdvanced
	default:
		return tier == catalog.TierBasic || tier == catalog.TierStandard
	}
}
