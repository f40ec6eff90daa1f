package store_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csfet9/hindsight/internal/model"
	"github.com/csfet9/hindsight/internal/store"
)

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hindsight.db")
	s, err := store.OpenSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_InsertAndFindNearest(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	bankID := "bank-1"
	factID := uuid.New()
	now := time.Now().UTC()

	emb := unitEmbedding(0)
	created, wasNew, err := s.Insert(ctx, bankID, factID, emb, "hello", now)
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, model.NeutralScore, created.UsefulnessScore)

	found, similarity, ok, err := s.FindNearest(ctx, bankID, factID, emb)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, found.ID)
	assert.InDelta(t, 1.0, similarity, 1e-4)
}

func TestSQLiteStore_InsertReusesWithinThetaMerge(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	bankID := "bank-1"
	factID := uuid.New()
	now := time.Now().UTC()

	first, _, err := s.Insert(ctx, bankID, factID, unitEmbedding(0), "q", now)
	require.NoError(t, err)

	second, wasNew, err := s.Insert(ctx, bankID, factID, unitEmbedding(0.2), "q rephrased", now)
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, first.ID, second.ID)
}

func TestSQLiteStore_CompareAndSwapConflict(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c, _, err := s.Insert(ctx, "bank-1", uuid.New(), unitEmbedding(1), "q", now)
	require.NoError(t, err)

	stale := c.UpdatedAt.Add(-time.Hour)
	err = s.CompareAndSwap(ctx, c.ID, stale, 0.9, 1, now, now, now)
	assert.ErrorIs(t, err, model.ErrStoreConflict)

	require.NoError(t, s.CompareAndSwap(ctx, c.ID, c.UpdatedAt, 0.9, 1, now, now, now))
}

func TestSQLiteStore_RecordSignalAndListByFact(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	factID := uuid.New()
	now := time.Now().UTC()

	c, _, err := s.Insert(ctx, "bank-1", factID, unitEmbedding(2), "q", now)
	require.NoError(t, err)

	require.NoError(t, s.RecordSignal(ctx, model.Signal{
		ID:             uuid.New(),
		BankID:         "bank-1",
		FactID:         factID,
		QueryContextID: c.ID,
		SignalType:     model.SignalUsed,
		Confidence:     0.8,
		DeltaApplied:   0.08,
		ScoreBefore:    0.5,
		ScoreAfter:     0.58,
		CreatedAt:      now,
	}))

	contexts, err := s.ListByFact(ctx, "bank-1", factID)
	require.NoError(t, err)
	require.Len(t, contexts, 1)
}

func TestSQLiteStore_BankSummary(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		_, _, err := s.Insert(ctx, "bank-2", uuid.New(), unitEmbedding(float64(i)*2), "q", now)
		require.NoError(t, err)
	}

	rows, err := s.BankSummary(ctx, "bank-2")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestSQLiteStore_ListStaleAndApplyDecay(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	factID := uuid.New()
	past := time.Now().UTC().Add(-48 * time.Hour)

	c, _, err := s.Insert(ctx, "bank-1", factID, unitEmbedding(3), "q", past)
	require.NoError(t, err)
	require.NoError(t, s.CompareAndSwap(ctx, c.ID, c.UpdatedAt, 0.9, 1, past, past, past))

	stale, err := s.ListStale(ctx, 24*time.Hour, 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, c.ID, stale[0].ID)

	now := time.Now().UTC()
	require.NoError(t, s.ApplyDecay(ctx, c.ID, past, 0.01, now))

	after, _, ok, err := s.FindNearest(ctx, "bank-1", factID, unitEmbedding(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, after.UsefulnessScore, 0.9)
	assert.Greater(t, after.UsefulnessScore, 0.5)
}

func TestSQLiteStore_FindNearestAnyAcrossFacts(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	factA := uuid.New()
	factB := uuid.New()
	_, _, err := s.Insert(ctx, "bank-1", factA, unitEmbedding(0), "q1", now)
	require.NoError(t, err)
	target, _, err := s.Insert(ctx, "bank-1", factB, unitEmbedding(math.Pi), "q2", now)
	require.NoError(t, err)

	found, err := s.FindNearestAny(ctx, "bank-1", []uuid.UUID{factA, factB}, unitEmbedding(math.Pi), 0)
	require.NoError(t, err)
	require.Contains(t, found, factB)
	assert.Equal(t, target.ID, found[factB].Context.ID)
}
