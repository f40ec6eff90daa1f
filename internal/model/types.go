// Package model holds the data types shared across the usefulness engine:
// the persisted query-context score, its audit trail, request/response DTOs,
// and the sentinel errors that the HTTP and MCP surfaces translate into
// status codes.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EmbeddingDimensions is the fixed vector width this service stores and
// compares. It is not configurable per-bank — every query_embedding column
// and every Embedder implementation must produce exactly this many floats.
const EmbeddingDimensions = 384

// SignalType is the kind of feedback a caller reports about a fact in
// response to a query.
type SignalType string

const (
	SignalUsed        SignalType = "used"
	SignalHelpful     SignalType = "helpful"
	SignalIgnored     SignalType = "ignored"
	SignalNotHelpful  SignalType = "not_helpful"
)

// Valid reports whether s is one of the four recognized signal types.
func (s SignalType) Valid() bool {
	switch s {
	case SignalUsed, SignalHelpful, SignalIgnored, SignalNotHelpful:
		return true
	default:
		return false
	}
}

// Weight returns the base weight applied to this signal type before scaling
// by confidence and the learning rate.
func (s SignalType) Weight() float64 {
	switch s {
	case SignalUsed:
		return 1.0
	case SignalHelpful:
		return 1.5
	case SignalIgnored:
		return -0.5
	case SignalNotHelpful:
		return -1.0
	default:
		return 0
	}
}

// NeutralScore is the usefulness score assigned to a newly created context
// and to any fact with no matching context at recall time.
const NeutralScore = 0.5

// QueryContextScore is one row of query_fact_usefulness: the usefulness of
// a single fact for queries near a given embedding.
type QueryContextScore struct {
	ID               uuid.UUID
	BankID           string
	FactID           uuid.UUID
	QueryEmbedding   []float32 // len == EmbeddingDimensions, L2-normalized
	QueryExample     *string
	UsefulnessScore  float64
	SignalCount      int
	LastSignalAt     *time.Time
	LastDecayAt      time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Signal is one append-only row of usefulness_signals: the audit trail of
// a single ApplySignal call.
type Signal struct {
	ID              uuid.UUID
	BankID          string
	FactID          uuid.UUID
	QueryContextID  uuid.UUID
	QueryEmbedding  []float32 // nil for legacy rows predating this feature
	SignalType      SignalType
	Confidence      float64
	DeltaApplied    float64
	ScoreBefore     float64
	ScoreAfter      float64
	CreatedAt       time.Time
}

// ScoredContext pairs a stored context with the cosine similarity of the
// query embedding it was matched against.
type ScoredContext struct {
	Context    QueryContextScore
	Similarity float64
}

// RankedFact is one entry in a recall result set, before or after boosting.
type RankedFact struct {
	FactID uuid.UUID `json:"fact_id"`
	Score  float64   `json:"score"`
}

// BoostOptions configures RecallBooster.Boost.
type BoostOptions struct {
	UsefulnessWeight float64 // w; 0 is an identity transform over base scores
	MinUsefulness    float64 // 0 disables the floor
	HasMinUsefulness bool
	Limit            int // 0 means "no truncation"
}

// SignalBreakdown counts signals by type for a FactStats/BankStats roll-up.
type SignalBreakdown struct {
	Used       int `json:"used"`
	Helpful    int `json:"helpful"`
	Ignored    int `json:"ignored"`
	NotHelpful int `json:"not_helpful"`
}

// ContextSummary is one entry in FactStats.Contexts: a single query
// context's example query, current score, and signal count.
type ContextSummary struct {
	QueryExample *string `json:"query_example"`
	Score        float64 `json:"score"`
	SignalCount  int     `json:"signal_count"`
}

// FactStats is a per-fact usefulness roll-up.
type FactStats struct {
	FactID                 uuid.UUID        `json:"fact_id"`
	ContextCount           int              `json:"context_count"`
	TotalSignals           int              `json:"total_signals"`
	WeightedMeanUsefulness float64          `json:"weighted_mean_usefulness"`
	SignalBreakdown        SignalBreakdown  `json:"signal_breakdown"`
	Contexts               []ContextSummary `json:"contexts"`
	CreatedAt              time.Time        `json:"created_at"`
}

// FactUsefulness is one entry in BankStats' top/least useful fact lists.
type FactUsefulness struct {
	FactID            uuid.UUID `json:"fact_id"`
	WeightedUsefulness float64  `json:"weighted_usefulness"`
	SignalCount       int       `json:"signal_count"`
}

// BankStats is a per-bank usefulness roll-up.
type BankStats struct {
	BankID                string           `json:"bank_id"`
	ContextCount          int              `json:"context_count"`
	TotalSignals          int              `json:"total_signals"`
	TotalFactsWithSignals int              `json:"total_facts_with_signals"`
	MeanUsefulness        float64          `json:"mean_usefulness"`
	SignalDistribution    SignalBreakdown  `json:"signal_distribution"`
	TopUsefulFacts        []FactUsefulness `json:"top_useful_facts"`
	LeastUsefulFacts      []FactUsefulness `json:"least_useful_facts"`
}
