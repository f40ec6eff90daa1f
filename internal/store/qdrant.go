package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the optional secondary ANN mirror. When unset,
// callers stick to the Postgres backend's own HNSW index.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dims       uint64
}

// MirrorPoint is the data needed to upsert one context into the mirror.
type MirrorPoint struct {
	ID              uuid.UUID
	BankID          string
	FactID          uuid.UUID
	UsefulnessScore float32
	Embedding       []float32
}

// MirrorResult is one ANN match returned by the mirror.
type MirrorResult struct {
	ContextID uuid.UUID
	Score     float32
}

// QdrantMirror is an optional, secondary ANN index kept eventually
// consistent with Postgres via an outbox worker. It never becomes the
// system of record: CompareAndSwap and the signal audit trail always go
// through ScoreStore, and a mirror outage degrades search quality, not
// correctness, because Postgres's own HNSW index still answers FindNearest.
type QdrantMirror struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("store: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("store: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334 // REST port given; switch to gRPC
		} else {
			port = p
		}
	} else {
		port = 6334
	}
	return host, port, useTLS, nil
}

// NewQdrantMirror connects to Qdrant over gRPC.
func NewQdrantMirror(cfg QdrantConfig, logger *slog.Logger) (*QdrantMirror, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantMirror{client: client, collection: cfg.Collection, dims: cfg.Dims, logger: logger}, nil
}

// EnsureCollection creates the collection if missing, with HNSW tuned for
// the service's fixed embedding width.
func (q *QdrantMirror) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("store: check collection exists: %w", err)
	}
	if exists {
		q.logger.Info("qdrant mirror: collection already exists", "collection", q.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("store: create collection %q: %w", q.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"bank_id", "fact_id"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("store: create index on %q: %w", field, err)
		}
	}

	q.logger.Info("qdrant mirror: created collection with payload indexes", "collection", q.collection, "dims", q.dims)
	return nil
}

// Search queries the mirror, always scoping by bank_id (tenant isolation),
// optionally narrowing to one fact_id. Over-fetches limit*3 so the caller
// can re-score / re-rank with fresher Postgres state if it wants to.
func (q *QdrantMirror) Search(ctx context.Context, bankID string, factID *uuid.UUID, embedding []float32, limit int) ([]MirrorResult, error) {
	must := []*qdrant.Condition{qdrant.NewMatch("bank_id", bankID)}
	if factID != nil {
		must = append(must, qdrant.NewMatch("fact_id", factID.String()))
	}

	fetchLimit := uint64(limit) * 3 //nolint:gosec // limit is bounded by caller
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("store: qdrant query: %w", err)
	}

	results := make([]MirrorResult, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		contextID, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("qdrant mirror: invalid UUID in point ID", "id", idStr)
			continue
		}
		results = append(results, MirrorResult{ContextID: contextID, Score: sp.Score})
	}
	return results, nil
}

// Upsert inserts or updates points.
func (q *QdrantMirror) Upsert(ctx context.Context, points []MirrorPoint) error {
	if len(points) == 0 {
		return nil
	}
	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"bank_id":          p.BankID,
			"fact_id":          p.FactID.String(),
			"usefulness_score": float64(p.UsefulnessScore),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("store: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByIDs removes specific points by context ID.
func (q *QdrantMirror) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("store: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// DeleteByBank removes every point for a bank (full bank deletion).
func (q *QdrantMirror) DeleteByBank(ctx context.Context, bankID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("bank_id", bankID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("store: qdrant delete by bank %s: %w", bankID, err)
	}
	return nil
}

// Healthy reports whether Qdrant is reachable, caching the result for 5s.
func (q *QdrantMirror) Healthy(ctx context.Context) error {
	q.healthMu.Lock()
	defer q.healthMu.Unlock()
	if time.Since(q.lastCheck) < 5*time.Second {
		return q.lastErr
	}
	_, err := q.client.HealthCheck(ctx)
	q.lastCheck = time.Now()
	if err != nil {
		q.lastErr = fmt.Errorf("store: qdrant unhealthy: %w", err)
	} else {
		q.lastErr = nil
	}
	return q.lastErr
}

// Close shuts down the gRPC connection.
func (q *QdrantMirror) Close() error { return q.client.Close() }
