package decay_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csfet9/hindsight/internal/decay"
	"github.com/csfet9/hindsight/internal/model"
)

type fakeSweepStore struct {
	mu      sync.Mutex
	stale   []model.QueryContextScore
	applied map[uuid.UUID]int
	failIDs map[uuid.UUID]bool
}

func (f *fakeSweepStore) ListStale(context.Context, time.Duration, int) ([]model.QueryContextScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale, nil
}

func (f *fakeSweepStore) ApplyDecay(_ context.Context, id uuid.UUID, _ time.Time, _ float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return errors.New("cas conflict")
	}
	f.applied[id]++
	return nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweeper_DecaysAllStaleContexts(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	store := &fakeSweepStore{applied: map[uuid.UUID]int{}, failIDs: map[uuid.UUID]bool{}}
	for _, id := range ids {
		store.stale = append(store.stale, model.QueryContextScore{ID: id})
	}

	fast := decay.NewSweeper(store, silentLogger(), 5*time.Millisecond, 24*time.Hour, decay.DefaultLambda, 100)
	runCtx, runCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer runCancel()
	fast.Start(runCtx)

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, id := range ids {
		assert.GreaterOrEqual(t, store.applied[id], 1)
	}
}

func TestSweeper_SkipsConflictingRowsWithoutFailingBatch(t *testing.T) {
	ok := uuid.New()
	conflict := uuid.New()
	store := &fakeSweepStore{
		applied: map[uuid.UUID]int{},
		failIDs: map[uuid.UUID]bool{conflict: true},
		stale: []model.QueryContextScore{
			{ID: ok},
			{ID: conflict},
		},
	}

	sweeper := decay.NewSweeper(store, silentLogger(), 5*time.Millisecond, 24*time.Hour, decay.DefaultLambda, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	sweeper.Start(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.GreaterOrEqual(t, store.applied[ok], 1)
	assert.Equal(t, 0, store.applied[conflict])
}

func TestSweeper_StartIsIdempotent(t *testing.T) {
	store := &fakeSweepStore{applied: map[uuid.UUID]int{}, failIDs: map[uuid.UUID]bool{}}
	sweeper := decay.NewSweeper(store, silentLogger(), time.Hour, 24*time.Hour, decay.DefaultLambda, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { sweeper.Start(ctx); close(done) }()
	// Second call returns immediately since started is already true.
	sweeper.Start(ctx)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
