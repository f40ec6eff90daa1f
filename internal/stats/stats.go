// Package stats aggregates usefulness scores into per-fact and per-bank
// roll-ups for the read-only stats endpoints.
package stats

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/csfet9/hindsight/internal/model"
	"github.com/csfet9/hindsight/internal/store"
)

// MinSignalFloor is the minimum total signal_count, summed over a fact's
// contexts, that a fact needs to be eligible for BankStats' top/least-useful
// lists, so a single outlier signal can't dominate the ranking.
const MinSignalFloor = 3

// TopListSize is how many entries BankStats returns in each of
// TopUsefulFacts and LeastUsefulFacts.
const TopListSize = 10

// Aggregator computes FactStats and BankStats roll-ups from a ScoreStore.
type Aggregator struct {
	store store.ScoreStore
}

// NewAggregator constructs an Aggregator.
func NewAggregator(s store.ScoreStore) *Aggregator {
	return &Aggregator{store: s}
}

// FactStats returns the weighted-mean usefulness, total signal count,
// signal-type breakdown, and per-context detail for one fact. Returns
// model.ErrNotFound if the fact has no contexts at all.
func (a *Aggregator) FactStats(ctx context.Context, bankID string, factID uuid.UUID) (model.FactStats, error) {
	contexts, err := a.store.ListByFact(ctx, bankID, factID)
	if err != nil {
		return model.FactStats{}, fmt.Errorf("stats: list contexts for fact: %w", err)
	}
	if len(contexts) == 0 {
		return model.FactStats{}, model.ErrNotFound
	}

	breakdown, err := a.store.SignalBreakdownByFact(ctx, bankID, factID)
	if err != nil {
		return model.FactStats{}, fmt.Errorf("stats: signal breakdown for fact: %w", err)
	}

	out := model.FactStats{
		FactID:          factID,
		ContextCount:    len(contexts),
		SignalBreakdown: breakdown,
		Contexts:        make([]model.ContextSummary, 0, len(contexts)),
		CreatedAt:       contexts[0].CreatedAt,
	}
	var weightedSum float64
	for _, c := range contexts {
		out.TotalSignals += c.SignalCount
		weightedSum += c.UsefulnessScore * float64(c.SignalCount)
		if c.CreatedAt.Before(out.CreatedAt) {
			out.CreatedAt = c.CreatedAt
		}
		out.Contexts = append(out.Contexts, model.ContextSummary{
			QueryExample: c.QueryExample,
			Score:        c.UsefulnessScore,
			SignalCount:  c.SignalCount,
		})
	}
	out.WeightedMeanUsefulness = weightedMean(weightedSum, out.TotalSignals)

	return out, nil
}

// BankStats returns bank-wide totals plus the top/least-10 useful facts by
// weighted mean usefulness, among facts with at least MinSignalFloor
// signals across their contexts.
func (a *Aggregator) BankStats(ctx context.Context, bankID string) (model.BankStats, error) {
	contexts, err := a.store.BankSummary(ctx, bankID)
	if err != nil {
		return model.BankStats{}, fmt.Errorf("stats: bank summary: %w", err)
	}

	out := model.BankStats{BankID: bankID, ContextCount: len(contexts)}
	if len(contexts) == 0 {
		return out, nil
	}

	breakdown, err := a.store.SignalBreakdownByBank(ctx, bankID)
	if err != nil {
		return model.BankStats{}, fmt.Errorf("stats: signal breakdown for bank: %w", err)
	}
	out.SignalDistribution = breakdown

	perFact := make(map[uuid.UUID]*factAccumulator)
	var scoreSum float64
	for _, c := range contexts {
		out.TotalSignals += c.SignalCount
		scoreSum += c.UsefulnessScore

		acc, ok := perFact[c.FactID]
		if !ok {
			acc = &factAccumulator{factID: c.FactID}
			perFact[c.FactID] = acc
		}
		acc.signalCount += c.SignalCount
		acc.weightedSum += c.UsefulnessScore * float64(c.SignalCount)
	}
	out.MeanUsefulness = scoreSum / float64(len(contexts))

	for _, acc := range perFact {
		if acc.signalCount > 0 {
			out.TotalFactsWithSignals++
		}
	}

	eligible := make([]model.FactUsefulness, 0, len(perFact))
	for _, acc := range perFact {
		if acc.signalCount < MinSignalFloor {
			continue
		}
		eligible = append(eligible, model.FactUsefulness{
			FactID:             acc.factID,
			WeightedUsefulness: weightedMean(acc.weightedSum, acc.signalCount),
			SignalCount:        acc.signalCount,
		})
	}

	out.TopUsefulFacts = topN(eligible, TopListSize, true)
	out.LeastUsefulFacts = topN(eligible, TopListSize, false)

	return out, nil
}

type factAccumulator struct {
	factID      uuid.UUID
	signalCount int
	weightedSum float64
}

func weightedMean(weightedSum float64, totalSignals int) float64 {
	if totalSignals == 0 {
		return model.NeutralScore
	}
	return weightedSum / float64(totalSignals)
}

// topN returns a copy of facts sorted by WeightedUsefulness (descending if
// top, ascending if least) and truncated to n entries.
func topN(facts []model.FactUsefulness, n int, descending bool) []model.FactUsefulness {
	sorted := make([]model.FactUsefulness, len(facts))
	copy(sorted, facts)
	sort.Slice(sorted, func(i, j int) bool {
		if descending {
			return sorted[i].WeightedUsefulness > sorted[j].WeightedUsefulness
		}
		return sorted[i].WeightedUsefulness < sorted[j].WeightedUsefulness
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
