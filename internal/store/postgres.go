package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/csfet9/hindsight/internal/model"
)

// PostgresStore implements ScoreStore against the query_fact_usefulness and
// usefulness_signals tables, using pgvector's HNSW cosine index for ANN
// lookups and a per-(bank,fact) advisory lock to resolve the insert race
// between two never-before-seen queries landing within ThetaMerge of each
// other at the same time.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. Migrations (query_fact_usefulness,
// usefulness_signals, their indexes) must already have been applied.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanContext(row pgx.Row) (model.QueryContextScore, error) {
	var c model.QueryContextScore
	var emb pgvector.Vector
	if err := row.Scan(
		&c.ID, &c.BankID, &c.FactID, &emb, &c.QueryExample,
		&c.UsefulnessScore, &c.SignalCount, &c.LastSignalAt,
		&c.LastDecayAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return model.QueryContextScore{}, err
	}
	c.QueryEmbedding = emb.Slice()
	return c, nil
}

const contextColumns = `id, bank_id, fact_id, query_embedding, query_example,
	usefulness_score, signal_count, last_signal_at, last_decay_at, created_at, updated_at`

func (s *PostgresStore) FindNearest(ctx context.Context, bankID string, factID uuid.UUID, embedding []float32) (model.QueryContextScore, float64, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+contextColumns+`, 1 - (query_embedding <=> $3) AS similarity
		FROM query_fact_usefulness
		WHERE bank_id = $1 AND fact_id = $2
		ORDER BY query_embedding <=> $3
		LIMIT 1`,
		bankID, factID, pgvector.NewVector(embedding),
	)
	return scanNearestRow(row)
}

func (s *PostgresStore) FindNearestAny(ctx context.Context, bankID string, factIDs []uuid.UUID, embedding []float32, limit int) (map[uuid.UUID]model.ScoredContext, error) {
	if len(factIDs) == 0 {
		return map[uuid.UUID]model.ScoredContext{}, nil
	}
	if limit > 0 && len(factIDs) > limit {
		factIDs = factIDs[:limit]
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (fact_id) `+contextColumns+`, 1 - (query_embedding <=> $3) AS similarity
		FROM query_fact_usefulness
		WHERE bank_id = $1 AND fact_id = ANY($2)
		ORDER BY fact_id, query_embedding <=> $3`,
		bankID, factIDs, pgvector.NewVector(embedding),
	)
	if err != nil {
		return nil, fmt.Errorf("store: find nearest any: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.ScoredContext, len(factIDs))
	for rows.Next() {
		var c model.QueryContextScore
		var emb pgvector.Vector
		var similarity float64
		if err := rows.Scan(
			&c.ID, &c.BankID, &c.FactID, &emb, &c.QueryExample,
			&c.UsefulnessScore, &c.SignalCount, &c.LastSignalAt,
			&c.LastDecayAt, &c.CreatedAt, &c.UpdatedAt, &similarity,
		); err != nil {
			return nil, fmt.Errorf("store: scan find nearest any: %w", err)
		}
		if similarity < ThetaMerge {
			continue
		}
		c.QueryEmbedding = emb.Slice()
		out[c.FactID] = model.ScoredContext{Context: c, Similarity: similarity}
	}
	return out, rows.Err()
}

func scanNearestRow(row pgx.Row) (model.QueryContextScore, float64, bool, error) {
	var c model.QueryContextScore
	var emb pgvector.Vector
	var similarity float64
	err := row.Scan(
		&c.ID, &c.BankID, &c.FactID, &emb, &c.QueryExample,
		&c.UsefulnessScore, &c.SignalCount, &c.LastSignalAt,
		&c.LastDecayAt, &c.CreatedAt, &c.UpdatedAt, &similarity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.QueryContextScore{}, 0, false, nil
	}
	if err != nil {
		return model.QueryContextScore{}, 0, false, fmt.Errorf("store: find nearest: %w", err)
	}
	c.QueryEmbedding = emb.Slice()
	return c, similarity, similarity >= ThetaMerge, nil
}

// advisoryLockKey derives a deterministic int64 lock key from (bankID,
// factID) so concurrent Insert calls for the same fact serialize on a single
// Postgres advisory lock rather than contending for a table-level lock.
func advisoryLockKey(bankID string, factID uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(bankID))
	_, _ = h.Write(factID[:])
	return int64(h.Sum64()) //nolint:gosec // truncation to signed 64 is fine for a lock key
}

func (s *PostgresStore) Insert(ctx context.Context, bankID string, factID uuid.UUID, embedding []float32, queryExample string, now time.Time) (model.QueryContextScore, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.QueryContextScore{}, false, fmt.Errorf("store: begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey(bankID, factID)); err != nil {
		return model.QueryContextScore{}, false, fmt.Errorf("store: acquire insert lock: %w", err)
	}

	// Re-check under the lock: a concurrent Insert may have committed and
	// released the lock between the caller's FindNearest and this call.
	row := tx.QueryRow(ctx, `
		SELECT `+contextColumns+`, 1 - (query_embedding <=> $3) AS similarity
		FROM query_fact_usefulness
		WHERE bank_id = $1 AND fact_id = $2
		ORDER BY query_embedding <=> $3
		LIMIT 1`,
		bankID, factID, pgvector.NewVector(embedding),
	)
	existing, _, ok, err := scanNearestRow(row)
	if err != nil {
		return model.QueryContextScore{}, false, err
	}
	if ok {
		if err := tx.Commit(ctx); err != nil {
			return model.QueryContextScore{}, false, fmt.Errorf("store: commit insert-race reuse: %w", err)
		}
		return existing, false, nil
	}

	var example *string
	if queryExample != "" {
		example = &queryExample
	}

	insertRow := tx.QueryRow(ctx, `
		INSERT INTO query_fact_usefulness
			(id, bank_id, fact_id, query_embedding, query_example, usefulness_score,
			 signal_count, last_signal_at, last_decay_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NULL, $7, $7, $7)
		RETURNING `+contextColumns,
		uuid.New(), bankID, factID, pgvector.NewVector(embedding), example, model.NeutralScore, now,
	)
	c, err := scanContext(insertRow)
	if err != nil {
		return model.QueryContextScore{}, false, fmt.Errorf("store: insert context: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.QueryContextScore{}, false, fmt.Errorf("store: commit insert: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time, newScore float64, signalCount int, lastSignalAt, lastDecayAt, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE query_fact_usefulness
		SET usefulness_score = $1, signal_count = $2, last_signal_at = $3,
		    last_decay_at = $4, updated_at = $5
		WHERE id = $6 AND updated_at = $7`,
		newScore, signalCount, lastSignalAt, lastDecayAt, now, id, expectedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: compare-and-swap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStoreConflict
	}
	return nil
}

func (s *PostgresStore) RecordSignal(ctx context.Context, sig model.Signal) error {
	var emb *pgvector.Vector
	if sig.QueryEmbedding != nil {
		v := pgvector.NewVector(sig.QueryEmbedding)
		emb = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usefulness_signals
			(id, bank_id, fact_id, query_context_id, query_embedding, signal_type,
			 confidence, delta_applied, score_before, score_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sig.ID, sig.BankID, sig.FactID, sig.QueryContextID, emb, sig.SignalType,
		sig.Confidence, sig.DeltaApplied, sig.ScoreBefore, sig.ScoreAfter, sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: record signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByFact(ctx context.Context, bankID string, factID uuid.UUID) ([]model.QueryContextScore, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+contextColumns+`
		FROM query_fact_usefulness
		WHERE bank_id = $1 AND fact_id = $2`,
		bankID, factID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list by fact: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *PostgresStore) BankSummary(ctx context.Context, bankID string) ([]model.QueryContextScore, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+contextColumns+`
		FROM query_fact_usefulness
		WHERE bank_id = $1`,
		bankID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: bank summary: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *PostgresStore) SignalBreakdownByFact(ctx context.Context, bankID string, factID uuid.UUID) (model.SignalBreakdown, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT signal_type, COUNT(*)
		FROM usefulness_signals
		WHERE bank_id = $1 AND fact_id = $2
		GROUP BY signal_type`,
		bankID, factID,
	)
	if err != nil {
		return model.SignalBreakdown{}, fmt.Errorf("store: signal breakdown by fact: %w", err)
	}
	defer rows.Close()
	return scanSignalBreakdown(rows)
}

func (s *PostgresStore) SignalBreakdownByBank(ctx context.Context, bankID string) (model.SignalBreakdown, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT signal_type, COUNT(*)
		FROM usefulness_signals
		WHERE bank_id = $1
		GROUP BY signal_type`,
		bankID,
	)
	if err != nil {
		return model.SignalBreakdown{}, fmt.Errorf("store: signal breakdown by bank: %w", err)
	}
	defer rows.Close()
	return scanSignalBreakdown(rows)
}

func scanSignalBreakdown(rows pgx.Rows) (model.SignalBreakdown, error) {
	var out model.SignalBreakdown
	for rows.Next() {
		var signalType string
		var count int
		if err := rows.Scan(&signalType, &count); err != nil {
			return model.SignalBreakdown{}, fmt.Errorf("store: scan signal breakdown: %w", err)
		}
		applySignalCount(&out, signalType, count)
	}
	return out, rows.Err()
}

func applySignalCount(out *model.SignalBreakdown, signalType string, count int) {
	switch model.SignalType(signalType) {
	case model.SignalUsed:
		out.Used = count
	case model.SignalHelpful:
		out.Helpful = count
	case model.SignalIgnored:
		out.Ignored = count
	case model.SignalNotHelpful:
		out.NotHelpful = count
	}
}

func (s *PostgresStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]model.QueryContextScore, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+contextColumns+`
		FROM query_fact_usefulness
		WHERE last_decay_at < now() - $1::interval
		ORDER BY last_decay_at ASC
		LIMIT $2`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list stale: %w", err)
	}
	defer rows.Close()
	return collectContexts(rows)
}

func (s *PostgresStore) ApplyDecay(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time, lambda float64, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE query_fact_usefulness
		SET usefulness_score = 0.5 + (usefulness_score - 0.5) * exp(-$1 * EXTRACT(EPOCH FROM ($2 - last_decay_at)) / 86400.0),
		    last_decay_at = $2,
		    updated_at = $2
		WHERE id = $3 AND updated_at = $4`,
		lambda, now, id, expectedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: apply decay: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A concurrent ApplySignal already advanced this row; not an error,
		// the next sweep pass re-evaluates staleness from its new updated_at.
		return nil
	}
	return nil
}

func collectContexts(rows pgx.Rows) ([]model.QueryContextScore, error) {
	var out []model.QueryContextScore
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan context: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
