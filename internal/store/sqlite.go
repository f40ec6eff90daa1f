package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/csfet9/hindsight/internal/decay"
	"github.com/csfet9/hindsight/internal/model"
)

// SQLiteStore implements ScoreStore with brute-force cosine scans instead of
// an ANN index. It targets single-process and embedded deployments where
// pulling in Postgres is overkill; FindNearest/FindNearestAny cost is linear
// in the bank's context count, which is the accepted tradeoff at that scale.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLite database at path and
// ensures the schema exists.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite serializes writers regardless; a single connection avoids
	// SQLITE_BUSY under concurrent access from this process.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS query_fact_usefulness (
			id TEXT PRIMARY KEY,
			bank_id TEXT NOT NULL,
			fact_id TEXT NOT NULL,
			query_embedding TEXT NOT NULL,
			query_example TEXT,
			usefulness_score REAL NOT NULL,
			signal_count INTEGER NOT NULL DEFAULT 0,
			last_signal_at TEXT,
			last_decay_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_qfu_bank_fact ON query_fact_usefulness(bank_id, fact_id);
		CREATE INDEX IF NOT EXISTS idx_qfu_bank ON query_fact_usefulness(bank_id);
		CREATE INDEX IF NOT EXISTS idx_qfu_last_decay ON query_fact_usefulness(last_decay_at);

		CREATE TABLE IF NOT EXISTS usefulness_signals (
			id TEXT PRIMARY KEY,
			bank_id TEXT NOT NULL,
			fact_id TEXT NOT NULL,
			query_context_id TEXT NOT NULL,
			query_embedding TEXT,
			signal_type TEXT NOT NULL,
			confidence REAL NOT NULL,
			delta_applied REAL NOT NULL,
			score_before REAL NOT NULL,
			score_after REAL NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signals_context ON usefulness_signals(query_context_id);
	`)
	if err != nil {
		return fmt.Errorf("store: sqlite schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func serializeVec(v []float32) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func deserializeVec(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func scanSQLiteContext(scan func(dest ...any) error) (model.QueryContextScore, error) {
	var c model.QueryContextScore
	var id, factID, embStr string
	var lastSignalAt, lastDecayAt, createdAt, updatedAt string
	if err := scan(&id, &c.BankID, &factID, &embStr, &c.QueryExample,
		&c.UsefulnessScore, &c.SignalCount, &lastSignalAt, &lastDecayAt, &createdAt, &updatedAt); err != nil {
		return model.QueryContextScore{}, err
	}
	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return model.QueryContextScore{}, fmt.Errorf("store: parse context id: %w", err)
	}
	if c.FactID, err = uuid.Parse(factID); err != nil {
		return model.QueryContextScore{}, fmt.Errorf("store: parse fact id: %w", err)
	}
	if c.QueryEmbedding, err = deserializeVec(embStr); err != nil {
		return model.QueryContextScore{}, fmt.Errorf("store: parse embedding: %w", err)
	}
	if lastSignalAt != "" {
		t, err := parseTime(lastSignalAt)
		if err != nil {
			return model.QueryContextScore{}, err
		}
		c.LastSignalAt = &t
	}
	if c.LastDecayAt, err = parseTime(lastDecayAt); err != nil {
		return model.QueryContextScore{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.QueryContextScore{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.QueryContextScore{}, err
	}
	return c, nil
}

const sqliteContextColumns = `id, bank_id, fact_id, query_embedding, query_example,
	usefulness_score, signal_count, last_signal_at, last_decay_at, created_at, updated_at`

func (s *SQLiteStore) queryContexts(ctx context.Context, query string, args ...any) ([]model.QueryContextScore, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite query: %w", err)
	}
	defer rows.Close()

	var out []model.QueryContextScore
	for rows.Next() {
		c, err := scanSQLiteContext(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) nearestAmong(ctx context.Context, bankID string, factFilter *uuid.UUID, embedding []float32) (model.QueryContextScore, float64, bool, error) {
	var candidates []model.QueryContextScore
	var err error
	if factFilter != nil {
		candidates, err = s.queryContexts(ctx,
			`SELECT `+sqliteContextColumns+` FROM query_fact_usefulness WHERE bank_id = ? AND fact_id = ?`,
			bankID, factFilter.String())
	} else {
		candidates, err = s.queryContexts(ctx,
			`SELECT `+sqliteContextColumns+` FROM query_fact_usefulness WHERE bank_id = ?`,
			bankID)
	}
	if err != nil {
		return model.QueryContextScore{}, 0, false, err
	}

	var best model.QueryContextScore
	var bestSim float64 = -2
	for _, c := range candidates {
		sim := cosineSimilarity(embedding, c.QueryEmbedding)
		if sim > bestSim {
			best, bestSim = c, sim
		}
	}
	if bestSim < -1 {
		return model.QueryContextScore{}, 0, false, nil
	}
	return best, bestSim, bestSim >= ThetaMerge, nil
}

func (s *SQLiteStore) FindNearest(ctx context.Context, bankID string, factID uuid.UUID, embedding []float32) (model.QueryContextScore, float64, bool, error) {
	return s.nearestAmong(ctx, bankID, &factID, embedding)
}

func (s *SQLiteStore) FindNearestAny(ctx context.Context, bankID string, factIDs []uuid.UUID, embedding []float32, limit int) (map[uuid.UUID]model.ScoredContext, error) {
	if len(factIDs) == 0 {
		return map[uuid.UUID]model.ScoredContext{}, nil
	}
	if limit > 0 && len(factIDs) > limit {
		factIDs = factIDs[:limit]
	}

	out := make(map[uuid.UUID]model.ScoredContext, len(factIDs))
	for _, factID := range factIDs {
		c, sim, ok, err := s.nearestAmong(ctx, bankID, &factID, embedding)
		if err != nil {
			return nil, err
		}
		if ok {
			out[factID] = model.ScoredContext{Context: c, Similarity: sim}
		}
	}
	return out, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, bankID string, factID uuid.UUID, embedding []float32, queryExample string, now time.Time) (model.QueryContextScore, bool, error) {
	// A single open connection (SetMaxOpenConns(1)) already serializes every
	// call into this store, so the check-then-insert here can't race with
	// another Insert the way the Postgres backend's concurrent pool can.
	existing, _, ok, err := s.FindNearest(ctx, bankID, factID, embedding)
	if err != nil {
		return model.QueryContextScore{}, false, err
	}
	if ok {
		return existing, false, nil
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
	if queryExample != "" {
		c.QueryExample = &queryExample
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_fact_usefulness
			(id, bank_id, fact_id, query_embedding, query_example, usefulness_score,
			 signal_count, last_signal_at, last_decay_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)`,
		c.ID.String(), c.BankID, c.FactID.String(), serializeVec(embedding), c.QueryExample,
		c.UsefulnessScore, formatTime(now), formatTime(now), formatTime(now),
	)
	if err != nil {
		return model.QueryContextScore{}, false, fmt.Errorf("store: sqlite insert: %w", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time, newScore float64, signalCount int, lastSignalAt, lastDecayAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE query_fact_usefulness
		SET usefulness_score = ?, signal_count = ?, last_signal_at = ?, last_decay_at = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?`,
		newScore, signalCount, formatTime(lastSignalAt), formatTime(lastDecayAt), formatTime(now),
		id.String(), formatTime(expectedUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: sqlite compare-and-swap: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: sqlite rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrStoreConflict
	}
	return nil
}

func (s *SQLiteStore) RecordSignal(ctx context.Context, sig model.Signal) error {
	var embStr *string
	if sig.QueryEmbedding != nil {
		v := serializeVec(sig.QueryEmbedding)
		embStr = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usefulness_signals
			(id, bank_id, fact_id, query_context_id, query_embedding, signal_type,
			 confidence, delta_applied, score_before, score_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID.String(), sig.BankID, sig.FactID.String(), sig.QueryContextID.String(), embStr,
		string(sig.SignalType), sig.Confidence, sig.DeltaApplied, sig.ScoreBefore, sig.ScoreAfter,
		formatTime(sig.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: sqlite record signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByFact(ctx context.Context, bankID string, factID uuid.UUID) ([]model.QueryContextScore, error) {
	return s.queryContexts(ctx,
		`SELECT `+sqliteContextColumns+` FROM query_fact_usefulness WHERE bank_id = ? AND fact_id = ?`,
		bankID, factID.String())
}

func (s *SQLiteStore) BankSummary(ctx context.Context, bankID string) ([]model.QueryContextScore, error) {
	return s.queryContexts(ctx,
		`SELECT `+sqliteContextColumns+` FROM query_fact_usefulness WHERE bank_id = ?`,
		bankID)
}

func (s *SQLiteStore) signalBreakdown(ctx context.Context, query string, args ...any) (model.SignalBreakdown, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.SignalBreakdown{}, fmt.Errorf("store: sqlite signal breakdown: %w", err)
	}
	defer rows.Close()

	var out model.SignalBreakdown
	for rows.Next() {
		var signalType string
		var count int
		if err := rows.Scan(&signalType, &count); err != nil {
			return model.SignalBreakdown{}, fmt.Errorf("store: sqlite scan signal breakdown: %w", err)
		}
		applySignalCount(&out, signalType, count)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SignalBreakdownByFact(ctx context.Context, bankID string, factID uuid.UUID) (model.SignalBreakdown, error) {
	return s.signalBreakdown(ctx,
		`SELECT signal_type, COUNT(*) FROM usefulness_signals WHERE bank_id = ? AND fact_id = ? GROUP BY signal_type`,
		bankID, factID.String())
}

func (s *SQLiteStore) SignalBreakdownByBank(ctx context.Context, bankID string) (model.SignalBreakdown, error) {
	return s.signalBreakdown(ctx,
		`SELECT signal_type, COUNT(*) FROM usefulness_signals WHERE bank_id = ? GROUP BY signal_type`,
		bankID)
}

func (s *SQLiteStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]model.QueryContextScore, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	return s.queryContexts(ctx,
		`SELECT `+sqliteContextColumns+` FROM query_fact_usefulness WHERE last_decay_at < ? ORDER BY last_decay_at ASC LIMIT ?`,
		cutoff, limit)
}

func (s *SQLiteStore) ApplyDecay(ctx context.Context, id uuid.UUID, expectedUpdatedAt time.Time, lambda float64, now time.Time) error {
	row := s.db.QueryRowContext(ctx, `SELECT usefulness_score, last_decay_at, updated_at FROM query_fact_usefulness WHERE id = ?`, id.String())
	var score float64
	var lastDecayStr, updatedStr string
	if err := row.Scan(&score, &lastDecayStr, &updatedStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("store: sqlite read for decay: %w", err)
	}
	if updatedStr != formatTime(expectedUpdatedAt) {
		// Concurrent signal already touched this row; the next sweep pass
		// re-evaluates staleness from the new updated_at.
		return nil
	}
	lastDecayAt, err := parseTime(lastDecayStr)
	if err != nil {
		return err
	}

	decayed := decay.Score(score, lastDecayAt, now, lambda)
	_, err = s.db.ExecContext(ctx, `
		UPDATE query_fact_usefulness SET usefulness_score = ?, last_decay_at = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?`,
		decayed, formatTime(now), formatTime(now), id.String(), updatedStr,
	)
	if err != nil {
		return fmt.Errorf("store: sqlite apply decay: %w", err)
	}
	return nil
}
