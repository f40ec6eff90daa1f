package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/csfet9/hindsight/internal/telemetry"
)

// outboxEntry is one row of usefulness_mirror_outbox. The worker processes
// rows already present in that table; neither store backend in this package
// inserts them when it writes query_fact_usefulness.
type outboxEntry struct {
	ID        int64
	ContextID uuid.UUID
	BankID    string
	Operation string // "upsert" or "delete"
	Attempts  int
}

// contextForIndex holds the fields needed to build a MirrorPoint, fetched
// fresh from Postgres at sync time rather than carried in the outbox row.
type contextForIndex struct {
	ID              uuid.UUID
	BankID          string
	FactID          uuid.UUID
	UsefulnessScore float32
	Embedding       []float32
}

const maxOutboxAttempts = 10

// OutboxWorker polls usefulness_mirror_outbox and syncs changes into the
// QdrantMirror, giving the mirror an eventually-consistent view of Postgres
// without blocking the signal write path on a second network round trip.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	mirror       *QdrantMirror
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	drainOnce   sync.Once
	drainCh     chan context.Context
	lastCleanup time.Time
}

// NewOutboxWorker constructs a worker. Call Start once, and Drain during
// shutdown before the pool is closed.
func NewOutboxWorker(pool *pgxpool.Pool, mirror *QdrantMirror, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		mirror:       mirror,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("usefulness mirror outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop, processes whatever remains, and blocks until
// done or ctx expires. Safe to call more than once; only the first call
// triggers the drain.
func (w *OutboxWorker) Drain(ctx context.Context) {
	w.drainOnce.Do(func() {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		select {
		case w.drainCh <- ctx:
		case <-sendCtx.Done():
			w.logger.Warn("usefulness mirror outbox: drain context channel busy, final poll uses fallback timeout")
		}
		sendCancel()
		if w.cancelLoop != nil {
			w.cancelLoop()
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("usefulness mirror outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	if w.pool == nil || w.mirror == nil {
		return
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("usefulness mirror outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, context_id, bank_id, operation, attempts
		 FROM usefulness_mirror_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("usefulness mirror outbox: select pending", "error", err)
		return
	}
	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("usefulness mirror outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE usefulness_mirror_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`, ids,
	); err != nil {
		w.logger.Error("usefulness mirror outbox: lock entries", "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("usefulness mirror outbox: commit lock", "error", err)
		return
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}
	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ContextID
	}

	found, err := w.fetchContextsForIndex(ctx, ids)
	if err != nil {
		w.logger.Error("usefulness mirror outbox: fetch contexts", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	byID := make(map[uuid.UUID]contextForIndex, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}

	var ready, pending []outboxEntry
	var points []MirrorPoint
	for _, e := range entries {
		c, ok := byID[e.ContextID]
		if !ok {
			pending = append(pending, e)
			continue
		}
		ready = append(ready, e)
		points = append(points, MirrorPoint{
			ID:              c.ID,
			BankID:          c.BankID,
			FactID:          c.FactID,
			UsefulnessScore: c.UsefulnessScore,
			Embedding:       c.Embedding,
		})
	}

	if len(ready) > 0 {
		if err := w.mirror.Upsert(ctx, points); err != nil {
			w.logger.Error("usefulness mirror outbox: qdrant upsert", "error", err, "count", len(points))
			w.failEntries(ctx, ready, err.Error())
		} else {
			w.succeedEntries(ctx, ready)
			w.logger.Info("usefulness mirror outbox: upserted", "count", len(points))
		}
	}

	if len(pending) > 0 {
		var toDefer, toFail []outboxEntry
		for _, e := range pending {
			if e.Attempts >= maxOutboxAttempts-1 {
				toFail = append(toFail, e)
			} else {
				toDefer = append(toDefer, e)
			}
		}
		if len(toFail) > 0 {
			w.failEntries(ctx, toFail, "context row not found after max defer cycles")
		}
		if len(toDefer) > 0 {
			w.deferPendingEntries(ctx, toDefer, "context row not visible yet")
		}
	}
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ContextID
	}
	if err := w.mirror.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("usefulness mirror outbox: qdrant delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}
	w.succeedEntries(ctx, entries)
	w.logger.Info("usefulness mirror outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx, `DELETE FROM usefulness_mirror_outbox WHERE id = ANY($1)`, ids); err != nil {
		w.logger.Error("usefulness mirror outbox: delete completed entries", "error", err)
	}
}

func (w *OutboxWorker) deferPendingEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE usefulness_mirror_outbox SET attempts = attempts + 1, last_error = $1, locked_until = now() + interval '30 minutes' WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("usefulness mirror outbox: defer pending entries", "error", err)
	}
}

func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE usefulness_mirror_outbox
		 SET attempts = attempts + 1, last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("usefulness mirror outbox: update failed entries", "error", err)
	}
	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("usefulness mirror outbox: dead-letter entry",
				"outbox_id", e.ID, "context_id", e.ContextID, "operation", e.Operation, "attempts", e.Attempts+1)
		}
	}
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM usefulness_mirror_outbox WHERE attempts >= $1 AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("usefulness mirror outbox: cleanup dead letters", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("usefulness mirror outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) fetchContextsForIndex(ctx context.Context, ids []uuid.UUID) ([]contextForIndex, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := w.pool.Query(ctx,
		`SELECT id, bank_id, fact_id, usefulness_score, query_embedding
		 FROM query_fact_usefulness
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("usefulness mirror outbox: query contexts: %w", err)
	}
	defer rows.Close()

	var results []contextForIndex
	for rows.Next() {
		var c contextForIndex
		var emb pgvector.Vector
		var score float64
		if err := rows.Scan(&c.ID, &c.BankID, &c.FactID, &score, &emb); err != nil {
			return nil, fmt.Errorf("usefulness mirror outbox: scan context: %w", err)
		}
		c.UsefulnessScore = float32(score)
		c.Embedding = emb.Slice()
		results = append(results, c)
	}
	return results, rows.Err()
}

func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("hindsight/store/outbox")
	_, _ = meter.Int64ObservableGauge("hindsight.mirror_outbox.depth",
		metric.WithDescription("Estimated pending entries in the usefulness mirror outbox (via pg_class.reltuples)"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var estimate float64
			err := w.pool.QueryRow(ctx,
				`SELECT reltuples FROM pg_class WHERE relname = 'usefulness_mirror_outbox'`,
			).Scan(&estimate)
			if err != nil {
				return nil
			}
			if estimate < 0 {
				estimate = 0
			}
			o.Observe(int64(estimate))
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.ContextID, &e.BankID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("usefulness mirror outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
