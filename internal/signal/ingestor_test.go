package signal_test

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csfet9/hindsight/internal/model"
	"github.com/csfet9/hindsight/internal/signal"
)

// fakeStore is an in-memory ScoreStore double keyed by context ID, good
// enough to exercise Ingestor.ApplySignal's control flow without a real
// backend.
type fakeStore struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]model.QueryContextScore
	signals  []model.Signal
	casFails int // number of CompareAndSwap calls to fail before succeeding
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[uuid.UUID]model.QueryContextScore)}
}

func (f *fakeStore) FindNearest(_ context.Context, bankID string, factID uuid.UUID, embedding []float32) (model.QueryContextScore, float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.BankID == bankID && c.FactID == factID {
			return c, 1.0, true, nil
		}
	}
	return model.QueryContextScore{}, 0, false, nil
}

func (f *fakeStore) FindNearestAny(ctx context.Context, bankID string, factIDs []uuid.UUID, embedding []float32, limit int) (map[uuid.UUID]model.ScoredContext, error) {
	if limit > 0 && len(factIDs) > limit {
		factIDs = factIDs[:limit]
	}
	out := make(map[uuid.UUID]model.ScoredContext, len(factIDs))
	for _, factID := range factIDs {
		if c, _, ok, err := f.FindNearest(ctx, bankID, factID, embedding); err != nil {
			return nil, err
		} else if ok {
			out[factID] = model.ScoredContext{Context: c, Similarity: 1.0}
		}
	}
	return out, nil
}

func (f *fakeStore) Insert(_ context.Context, bankID string, factID uuid.UUID, embedding []float32, queryExample string, now time.Time) (model.QueryContextScore, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.BankID == bankID && c.FactID == factID {
			return c, false, nil
		}
	}
	c := model.QueryContextScore{
		ID:              uuid.New(),
		BankID:          bankID,
		FactID:          factID,
		QueryEmbedding:  embedding,
		UsefulnessScore: model.NeutralScore,
		LastDecayAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	f.byID[c.ID] = c
	return c, true, nil
}

func (f *fakeStore) CompareAndSwap(_ context.Context, id uuid.UUID, expectedUpdatedAt time.Time, newScore float64, signalCount int, lastSignalAt, lastDecayAt, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.casFails > 0 {
		f.casFails--
		return model.ErrStoreConflict
	}

	c, ok := f.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	if !c.UpdatedAt.Equal(expectedUpdatedAt) {
		return model.ErrStoreConflict
	}
	c.UsefulnessScore = newScore
	c.SignalCount = signalCount
	c.LastSignalAt = &lastSignalAt
	c.LastDecayAt = lastDecayAt
	c.UpdatedAt = now
	f.byID[id] = c
	return nil
}

func (f *fakeStore) RecordSignal(_ context.Context, sig model.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeStore) ListByFact(_ context.Context, bankID string, factID uuid.UUID) ([]model.QueryContextScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.QueryContextScore
	for _, c := range f.byID {
		if c.BankID == bankID && c.FactID == factID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) BankSummary(_ context.Context, bankID string) ([]model.QueryContextScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.QueryContextScore
	for _, c := range f.byID {
		if c.BankID == bankID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) SignalBreakdownByFact(_ context.Context, bankID string, factID uuid.UUID) (model.SignalBreakdown, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out model.SignalBreakdown
	for _, sig := range f.signals {
		if sig.BankID != bankID || sig.FactID != factID {
			continue
		}
		addSignalToBreakdown(&out, sig.SignalType)
	}
	return out, nil
}

func (f *fakeStore) SignalBreakdownByBank(_ context.Context, bankID string) (model.SignalBreakdown, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out model.SignalBreakdown
	for _, sig := range f.signals {
		if sig.BankID != bankID {
			continue
		}
		addSignalToBreakdown(&out, sig.SignalType)
	}
	return out, nil
}

func addSignalToBreakdown(out *model.SignalBreakdown, t model.SignalType) {
	switch t {
	case model.SignalUsed:
		out.Used++
	case model.SignalHelpful:
		out.Helpful++
	case model.SignalIgnored:
		out.Ignored++
	case model.SignalNotHelpful:
		out.NotHelpful++
	}
}

func (f *fakeStore) ListStale(_ context.Context, _ time.Duration, _ int) ([]model.QueryContextScore, error) {
	return nil, nil
}

func (f *fakeStore) ApplyDecay(_ context.Context, _ uuid.UUID, _ time.Time, _ float64, _ time.Time) error {
	return nil
}

// fakeEmbedder returns a fixed-direction unit vector for every query. If
// block is non-nil, Embed closes it on entry (so a test can observe that the
// semaphore slot was acquired) and waits for release before returning.
type fakeEmbedder struct {
	failWith error
	block    chan struct{}
	release  chan struct{}
}

func (e *fakeEmbedder) Dimensions() int { return model.EmbeddingDimensions }

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if e.block != nil {
		close(e.block)
		<-e.release
	}
	if e.failWith != nil {
		return nil, e.failWith
	}
	vec := make([]float32, model.EmbeddingDimensions)
	vec[0] = 1
	return vec, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngestor_ApplySignal_CreatesNeutralContextThenApplies(t *testing.T) {
	s := newFakeStore()
	ing := signal.NewIngestor(s, &fakeEmbedder{}, silentLogger())

	factID := uuid.New()
	updated, err := ing.ApplySignal(context.Background(), signal.ApplySignalInput{
		BankID:     "bank-1",
		Query:      "how do I reset my password",
		FactID:     factID,
		SignalType: model.SignalHelpful,
		Confidence: 1.0,
	})
	require.NoError(t, err)

	// 0.5 decayed (no-op, just created) + 0.1*1.5*1.0 = 0.65
	assert.InDelta(t, 0.65, updated.UsefulnessScore, 1e-9)
	assert.Equal(t, 1, updated.SignalCount)
	require.Len(t, s.signals, 1)
	assert.Equal(t, model.SignalHelpful, s.signals[0].SignalType)
}

func TestIngestor_ApplySignal_NegativeSignalLowersScore(t *testing.T) {
	s := newFakeStore()
	ing := signal.NewIngestor(s, &fakeEmbedder{}, silentLogger())

	factID := uuid.New()
	updated, err := ing.ApplySignal(context.Background(), signal.ApplySignalInput{
		BankID:     "bank-1",
		Query:      "q",
		FactID:     factID,
		SignalType: model.SignalNotHelpful,
		Confidence: 1.0,
	})
	require.NoError(t, err)
	assert.Less(t, updated.UsefulnessScore, model.NeutralScore)
}

func TestIngestor_ApplySignal_ClampsAtUpperBound(t *testing.T) {
	s := newFakeStore()
	ing := signal.NewIngestor(s, &fakeEmbedder{}, silentLogger())

	factID := uuid.New()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := ing.ApplySignal(ctx, signal.ApplySignalInput{
			BankID:     "bank-1",
			Query:      "q",
			FactID:     factID,
			SignalType: model.SignalHelpful,
			Confidence: 1.0,
		})
		require.NoError(t, err)
	}

	contexts, err := s.ListByFact(ctx, "bank-1", factID)
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.LessOrEqual(t, contexts[0].UsefulnessScore, 1.0)
}

func TestIngestor_ApplySignal_RetriesOnConflictThenSucceeds(t *testing.T) {
	s := newFakeStore()
	s.casFails = 2
	ing := signal.NewIngestor(s, &fakeEmbedder{}, silentLogger())

	_, err := ing.ApplySignal(context.Background(), signal.ApplySignalInput{
		BankID:     "bank-1",
		Query:      "q",
		FactID:     uuid.New(),
		SignalType: model.SignalUsed,
		Confidence: 1.0,
	})
	require.NoError(t, err)
}

func TestIngestor_ApplySignal_ExhaustsRetries(t *testing.T) {
	s := newFakeStore()
	s.casFails = 10
	ing := signal.NewIngestor(s, &fakeEmbedder{}, silentLogger())

	_, err := ing.ApplySignal(context.Background(), signal.ApplySignalInput{
		BankID:     "bank-1",
		Query:      "q",
		FactID:     uuid.New(),
		SignalType: model.SignalUsed,
		Confidence: 1.0,
	})
	assert.ErrorIs(t, err, model.ErrStoreConflict)
}

func TestIngestor_ApplySignal_ValidatesInput(t *testing.T) {
	s := newFakeStore()
	ing := signal.NewIngestor(s, &fakeEmbedder{}, silentLogger())

	_, err := ing.ApplySignal(context.Background(), signal.ApplySignalInput{
		BankID:     "bank-1",
		Query:      "",
		FactID:     uuid.New(),
		SignalType: model.SignalUsed,
		Confidence: 1.0,
	})
	assert.ErrorIs(t, err, model.ErrMissingQuery)

	_, err = ing.ApplySignal(context.Background(), signal.ApplySignalInput{
		BankID:     "bank-1",
		Query:      "q",
		FactID:     uuid.New(),
		SignalType: "bogus",
		Confidence: 1.0,
	})
	assert.ErrorIs(t, err, model.ErrInvalidSignalType)

	_, err = ing.ApplySignal(context.Background(), signal.ApplySignalInput{
		BankID:     "bank-1",
		Query:      "q",
		FactID:     uuid.New(),
		SignalType: model.SignalUsed,
		Confidence: 1.5,
	})
	assert.ErrorIs(t, err, model.ErrConfidenceOutOfRange)
}

func TestIngestor_ApplySignal_EmbedFailurePropagates(t *testing.T) {
	s := newFakeStore()
	wantErr := errors.New("boom")
	ing := signal.NewIngestor(s, &fakeEmbedder{failWith: wantErr}, silentLogger())

	_, err := ing.ApplySignal(context.Background(), signal.ApplySignalInput{
		BankID:     "bank-1",
		Query:      "q",
		FactID:     uuid.New(),
		SignalType: model.SignalUsed,
		Confidence: 1.0,
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestIngestor_ApplySignal_BusyWhenBankConcurrencyExceeded(t *testing.T) {
	s := newFakeStore()
	blocker := &fakeEmbedder{block: make(chan struct{}), release: make(chan struct{})}
	ing := signal.NewIngestor(s, blocker, silentLogger(), signal.WithMaxConcurrentPerBank(1))

	done := make(chan struct{})
	go func() {
		_, _ = ing.ApplySignal(context.Background(), signal.ApplySignalInput{
			BankID:     "bank-1",
			Query:      "q",
			FactID:     uuid.New(),
			SignalType: model.SignalUsed,
			Confidence: 1.0,
		})
		close(done)
	}()
	<-blocker.block // the in-flight call has acquired the bank's only slot

	_, err := ing.ApplySignal(context.Background(), signal.ApplySignalInput{
		BankID:     "bank-1",
		Query:      "q2",
		FactID:     uuid.New(),
		SignalType: model.SignalUsed,
		Confidence: 1.0,
	})
	assert.ErrorIs(t, err, model.ErrBusy)

	close(blocker.release)
	<-done
}
