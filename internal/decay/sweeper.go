package decay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/csfet9/hindsight/internal/model"
)

// sweepWorkers bounds how many ApplyDecay calls run concurrently within one
// sweep batch.
const sweepWorkers = 4

// Store is the narrow slice of ScoreStore the sweeper needs. It is defined
// here (rather than depended on from internal/store) so internal/store can
// depend on internal/decay for the Score formula without a cycle.
type Store interface {
	// ListStale returns up to limit contexts whose last_decay_at is older
	// than the sweeper's staleAfter threshold, across all banks.
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]model.QueryContextScore, error)
	// ApplyDecay decays one context in place under optimistic concurrency.
	// Implementations must no-op (not error) when expectedUpdatedAt no
	// longer matches — a concurrent ApplySignal already touched the row,
	// and the next sweep pass will pick it up if it's still stale.
	ApplyDecay(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time, lambda float64, now time.Time) error
}

// Sweeper periodically decays contexts the signal path hasn't touched
// recently. Its poll-loop/atomic-start-guard shape mirrors an outbox-style
// background worker: Start is idempotent, and the loop exits cleanly when
// ctx is cancelled.
type Sweeper struct {
	store      Store
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	lambda     float64
	batchSize  int
	started    atomic.Bool
}

// NewSweeper constructs a Sweeper. interval is how often the sweep runs;
// staleAfter is the minimum age of last_decay_at before a context becomes
// eligible for a background decay pass (typically 24h).
func NewSweeper(store Store, logger *slog.Logger, interval, staleAfter time.Duration, lambda float64, batchSize int) *Sweeper {
	return &Sweeper{
		store:      store,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		lambda:     lambda,
		batchSize:  batchSize,
	}
}

// Start launches the sweep loop in the current goroutine's caller via `go`;
// callers should invoke `go sweeper.Start(ctx)`. Calling Start twice on the
// same Sweeper is a no-op for the second call.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	stale, err := s.store.ListStale(ctx, s.staleAfter, s.batchSize)
	if err != nil {
		s.logger.Warn("decay sweep: list stale failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	var decayed, skipped atomic.Int32

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(sweepWorkers)

	for _, c := range stale {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}
			if err := s.store.ApplyDecay(gCtx, c.ID, c.UpdatedAt, s.lambda, now); err != nil {
				s.logger.Warn("decay sweep: apply decay failed", "context_id", c.ID, "error", err)
				skipped.Add(1)
				return nil
			}
			decayed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("decay sweep complete", "decayed", decayed.Load(), "skipped", skipped.Load(), "scanned", len(stale))
}
