// Package signal implements the write path of the usefulness engine: turning
// a caller-reported signal into a usefulness score update under optimistic
// concurrency, with per-bank bounded concurrency so one noisy bank can't
// starve others of store connections.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/csfet9/hindsight/internal/decay"
	"github.com/csfet9/hindsight/internal/embedding"
	"github.com/csfet9/hindsight/internal/model"
	"github.com/csfet9/hindsight/internal/store"
)

// maxCASRetries bounds how many times ApplySignal re-reads and retries a
// compare-and-swap before giving up with model.ErrStoreConflict.
const maxCASRetries = 3

// FactChecker verifies that a fact_id exists before a signal creates a
// usefulness row for it. This package has no facts table of its own —
// fact_id is an opaque key into whatever semantic memory store the
// embedding application keeps — so existence checking is delegated to
// whatever the application wires in.
type FactChecker interface {
	FactExists(ctx context.Context, bankID string, factID uuid.UUID) (bool, error)
}

// noopFactChecker accepts every fact_id. Used when no FactChecker is wired,
// so ApplySignal still works for hosts that haven't plugged in a fact store.
type noopFactChecker struct{}

func (noopFactChecker) FactExists(context.Context, string, uuid.UUID) (bool, error) {
	return true, nil
}

// Ingestor applies usefulness signals to query-fact contexts.
type Ingestor struct {
	store       store.ScoreStore
	embedder    embedding.Provider
	logger      *slog.Logger
	lambda      float64
	semaphore   *bankSemaphore
	factChecker FactChecker
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLambda overrides the decay rate applied before each signal update.
// Defaults to decay.DefaultLambda.
func WithLambda(lambda float64) Option {
	return func(i *Ingestor) { i.lambda = lambda }
}

// DefaultMaxConcurrentPerBank is the per-bank in-flight ApplySignal bound
// used when WithMaxConcurrentPerBank is not supplied.
const DefaultMaxConcurrentPerBank = 64

// WithMaxConcurrentPerBank overrides the number of ApplySignal calls allowed
// in flight for a single bank before ErrBusy is returned.
func WithMaxConcurrentPerBank(n int) Option {
	return func(i *Ingestor) { i.semaphore = newBankSemaphore(n) }
}

// WithFactChecker wires a FactChecker that ApplySignal probes before
// creating any usefulness row. Without one, every fact_id is accepted.
func WithFactChecker(fc FactChecker) Option {
	return func(i *Ingestor) { i.factChecker = fc }
}

// NewIngestor constructs an Ingestor.
func NewIngestor(s store.ScoreStore, embedder embedding.Provider, logger *slog.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:       s,
		embedder:    embedder,
		logger:      logger,
		lambda:      decay.DefaultLambda,
		semaphore:   newBankSemaphore(DefaultMaxConcurrentPerBank),
		factChecker: noopFactChecker{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ApplySignalInput is the validated request ApplySignal acts on.
type ApplySignalInput struct {
	BankID     string
	Query      string
	FactID     uuid.UUID
	SignalType model.SignalType
	Confidence float64
}

// Validate checks the static fields ApplySignal requires before doing any
// work. FactID existence is checked separately, against the configured
// FactChecker, since it requires a round trip.
func (in ApplySignalInput) Validate() error {
	if in.Query == "" {
		return model.ErrMissingQuery
	}
	if !in.SignalType.Valid() {
		return model.ErrInvalidSignalType
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return model.ErrConfidenceOutOfRange
	}
	return nil
}

// ApplySignal records one usefulness signal:
//
//  1. validate the input, including a fact_id existence probe
//  2. embed the query
//  3. find-or-create the nearest query context for (bank, fact)
//  4. decay the existing score to now, then apply the weighted signal delta
//  5. clamp the result into [0,1] at every step
//  6. commit under compare-and-swap, retrying on conflict up to maxCASRetries
//  7. append an audit row (best-effort; never fails the caller's write)
func (i *Ingestor) ApplySignal(ctx context.Context, in ApplySignalInput) (model.QueryContextScore, error) {
	if err := in.Validate(); err != nil {
		return model.QueryContextScore{}, err
	}

	exists, err := i.factChecker.FactExists(ctx, in.BankID, in.FactID)
	if err != nil {
		return model.QueryContextScore{}, fmt.Errorf("signal: check fact existence: %w", err)
	}
	if !exists {
		return model.QueryContextScore{}, model.ErrUnknownFact
	}

	release, err := i.semaphore.acquire(in.BankID)
	if err != nil {
		return model.QueryContextScore{}, err
	}
	defer release()

	vec, err := i.embedder.Embed(ctx, in.Query)
	if err != nil {
		return model.QueryContextScore{}, err
	}

	now := time.Now().UTC()

	var updated model.QueryContextScore
	for attempt := 0; attempt <= maxCASRetries; attempt++ {
		ctxScore, created, err := i.store.Insert(ctx, in.BankID, in.FactID, vec, in.Query, now)
		if err != nil {
			return model.QueryContextScore{}, fmt.Errorf("signal: find-or-create context: %w", err)
		}

		scoreBefore := ctxScore.UsefulnessScore
		decayed := scoreBefore
		if !created {
			decayed = decay.Score(ctxScore.UsefulnessScore, ctxScore.LastDecayAt, now, i.lambda)
		}

		delta := i.delta(in.SignalType, in.Confidence)
		scoreAfter := clamp01(decayed + delta)

		err = i.store.CompareAndSwap(ctx, ctxScore.ID, ctxScore.UpdatedAt, scoreAfter, ctxScore.SignalCount+1, now, now, now)
		if errors.Is(err, model.ErrStoreConflict) {
			i.logger.Warn("signal: compare-and-swap conflict, retrying", "bank_id", in.BankID, "fact_id", in.FactID, "attempt", attempt)
			continue
		}
		if err != nil {
			return model.QueryContextScore{}, fmt.Errorf("signal: commit score: %w", err)
		}

		updated = ctxScore
		updated.UsefulnessScore = scoreAfter
		updated.SignalCount++
		updated.LastSignalAt = &now
		updated.LastDecayAt = now
		updated.UpdatedAt = now

		sig := model.Signal{
			ID:             uuid.New(),
			BankID:         in.BankID,
			FactID:         in.FactID,
			QueryContextID: ctxScore.ID,
			QueryEmbedding: vec,
			SignalType:     in.SignalType,
			Confidence:     in.Confidence,
			DeltaApplied:   delta,
			ScoreBefore:    scoreBefore,
			ScoreAfter:     scoreAfter,
			CreatedAt:      now,
		}
		if err := i.store.RecordSignal(ctx, sig); err != nil {
			i.logger.Warn("signal: audit row failed, score update already committed", "bank_id", in.BankID, "fact_id", in.FactID, "error", err)
		}

		return updated, nil
	}

	return model.QueryContextScore{}, fmt.Errorf("signal: %w: exhausted %d retries", model.ErrStoreConflict, maxCASRetries)
}

// delta computes the signal's weighted contribution before clamping: base
// weight scaled by the learning rate and the caller's confidence.
func (i *Ingestor) delta(t model.SignalType, confidence float64) float64 {
	return eta * t.Weight() * confidence
}

// eta is the learning rate applied to every signal delta.
const eta = 0.1

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
