// Package store persists query-context usefulness scores and their signal
// audit trail. It ships two interchangeable backends — Postgres+pgvector for
// production and SQLite for single-process/embedded deployments — plus an
// optional Qdrant mirror, for installations that want a dedicated ANN tier in
// front of Postgres, which an outbox worker updates from rows queued in
// usefulness_mirror_outbox (neither backend queues such rows itself).
package store

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/csfet9/hindsight/internal/model"
)

// ThetaMerge is the cosine-similarity threshold above which an incoming
// query is considered a match for an existing context rather than the seed
// of a new one.
const ThetaMerge = 0.85

// ScoreStore is the persistence interface every component in this service
// depends on. Both backends (Postgres, SQLite) implement it in full; the
// Qdrant mirror only ever sits in front of the Postgres backend's FindNearest
// path, never replaces CompareAndSwap or the audit trail.
type ScoreStore interface {
	// FindNearest returns the single closest context for (bankID, factID)
	// whose cosine similarity to embedding is >= ThetaMerge, or ok=false if
	// none qualifies.
	FindNearest(ctx context.Context, bankID string, factID uuid.UUID, embedding []float32) (context_ model.QueryContextScore, similarity float64, ok bool, err error)

	// FindNearestAny is the batched form of FindNearest: for every factID in
	// factIDs, find that fact's nearest context to embedding, in one round
	// trip. A factID is absent from the result map if it has no context
	// within ThetaMerge. limit caps how many factIDs are looked up in a
	// single call (0 means no cap beyond len(factIDs)); callers with more
	// facts than that should page. Used by RecallBooster to re-rank a whole
	// recall result set without one query per fact.
	FindNearestAny(ctx context.Context, bankID string, factIDs []uuid.UUID, embedding []float32, limit int) (map[uuid.UUID]model.ScoredContext, error)

	// Insert creates a new context row seeded at model.NeutralScore, or
	// returns an existing context if a concurrent caller won the race to
	// create one within ThetaMerge of embedding first (created reports which
	// happened). Implementations serialize this check-then-insert per
	// (bankID, factID) so two concurrent signals for a never-before-seen
	// query never produce two contexts that are within ThetaMerge of each
	// other — the loser reuses the winner's row instead of erroring.
	Insert(ctx context.Context, bankID string, factID uuid.UUID, embedding []float32, queryExample string, now time.Time) (ctxScore model.QueryContextScore, created bool, err error)

	// CompareAndSwap writes an updated usefulness score for an existing
	// context, succeeding only if the row's updated_at still equals
	// expectedUpdatedAt. Returns model.ErrStoreConflict on mismatch.
	CompareAndSwap(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time, newScore float64, signalCount int, lastSignalAt, lastDecayAt, now time.Time) error

	// RecordSignal appends one audit row. Never fails the caller's write
	// path on its own — callers log and continue rather than lose the score
	// update over an audit-trail write failure.
	RecordSignal(ctx context.Context, sig model.Signal) error

	// ListByFact returns every context for a fact, for FactStats roll-ups.
	ListByFact(ctx context.Context, bankID string, factID uuid.UUID) ([]model.QueryContextScore, error)

	// BankSummary returns the raw rows BankStats aggregates from: every
	// context in the bank plus its per-fact signal counts.
	BankSummary(ctx context.Context, bankID string) ([]model.QueryContextScore, error)

	// SignalBreakdownByFact counts usefulness_signals rows by signal_type for
	// one fact, for FactStats.
	SignalBreakdownByFact(ctx context.Context, bankID string, factID uuid.UUID) (model.SignalBreakdown, error)

	// SignalBreakdownByBank counts usefulness_signals rows by signal_type
	// across a whole bank, for BankStats.
	SignalBreakdownByBank(ctx context.Context, bankID string) (model.SignalBreakdown, error)

	// ListStale and ApplyDecay satisfy internal/decay.Store so the sweeper
	// can run against either backend without an import cycle.
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]model.QueryContextScore, error)
	ApplyDecay(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time, lambda float64, now time.Time) error
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Callers pass L2-normalized embeddings, so this reduces to a dot
// product, but it doesn't assume that — a defensive norm guards against a
// caller bypassing embedding.Provider's normalization.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
