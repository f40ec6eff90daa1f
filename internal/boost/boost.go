// Package boost re-ranks recall results by fusing each fact's base
// relevance score with its learned usefulness for the query at hand.
package boost

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/csfet9/hindsight/internal/embedding"
	"github.com/csfet9/hindsight/internal/model"
	"github.com/csfet9/hindsight/internal/store"
)

// Booster fuses base recall scores with per-fact usefulness.
type Booster struct {
	store    store.ScoreStore
	embedder embedding.Provider
	logger   *slog.Logger
}

// NewBooster constructs a Booster.
func NewBooster(s store.ScoreStore, embedder embedding.Provider, logger *slog.Logger) *Booster {
	return &Booster{store: s, embedder: embedder, logger: logger}
}

// Boost re-ranks baseResults for query:
//
//	final_score = (1-w)*base_score + w*u
//
// where u is the usefulness of the nearest query context for that fact, or
// model.NeutralScore (0.5) if none exists within store.ThetaMerge. When
// opts.HasMinUsefulness is set, facts whose u is below opts.MinUsefulness
// are dropped. At w=0 this is an identity transform over baseResults (order
// and scores unchanged, modulo the optional floor/limit). If the embedding
// lookup itself fails, Boost logs and returns baseResults in their original
// order rather than failing the caller's recall request over a ranking
// enhancement. On those two paths no usefulness is looked up, so the floor
// is compared against each fact's base score.
func (b *Booster) Boost(ctx context.Context, bankID, query string, baseResults []model.RankedFact, opts model.BoostOptions) ([]model.RankedFact, error) {
	if query == "" {
		return nil, model.ErrMissingQuery
	}
	if opts.UsefulnessWeight == 0 {
		return applyFloorAndLimit(baseResults, opts), nil
	}
	if len(baseResults) == 0 {
		return baseResults, nil
	}

	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		b.logger.Warn("boost: embedding failed, falling back to base results", "bank_id", bankID, "error", err)
		return applyFloorAndLimit(baseResults, opts), nil
	}

	factIDs := make([]uuid.UUID, len(baseResults))
	for i, r := range baseResults {
		factIDs[i] = r.FactID
	}

	nearest, err := b.store.FindNearestAny(ctx, bankID, factIDs, vec, len(factIDs))
	if err != nil {
		b.logger.Warn("boost: batched usefulness lookup failed, using neutral for all facts", "bank_id", bankID, "error", err)
		nearest = nil
	}

	w := opts.UsefulnessWeight
	boosted := make([]model.RankedFact, 0, len(baseResults))
	for _, r := range baseResults {
		u := model.NeutralScore
		if sc, ok := nearest[r.FactID]; ok {
			u = sc.Context.UsefulnessScore
		}
		if opts.HasMinUsefulness && u < opts.MinUsefulness {
			continue
		}
		boosted = append(boosted, model.RankedFact{
			FactID: r.FactID,
			Score:  (1-w)*r.Score + w*u,
		})
	}

	sort.SliceStable(boosted, func(i, j int) bool {
		return boosted[i].Score > boosted[j].Score
	})

	if opts.Limit > 0 && len(boosted) > opts.Limit {
		boosted = boosted[:opts.Limit]
	}
	return boosted, nil
}

func applyFloorAndLimit(results []model.RankedFact, opts model.BoostOptions) []model.RankedFact {
	out := results
	if opts.HasMinUsefulness {
		filtered := make([]model.RankedFact, 0, len(out))
		for _, r := range out {
			if r.Score >= opts.MinUsefulness {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}
