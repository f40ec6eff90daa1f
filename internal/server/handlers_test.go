package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csfet9/hindsight/internal/auth"
	"github.com/csfet9/hindsight/internal/boost"
	"github.com/csfet9/hindsight/internal/model"
	"github.com/csfet9/hindsight/internal/server"
	"github.com/csfet9/hindsight/internal/signal"
	"github.com/csfet9/hindsight/internal/stats"
	"github.com/csfet9/hindsight/internal/store"
)

// hashEmbedder deterministically derives a 384-dim unit vector from the
// input string's byte sum so tests get stable, distinguishable embeddings
// without a real model.
type hashEmbedder struct{}

func (hashEmbedder) Dimensions() int { return model.EmbeddingDimensions }

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, model.EmbeddingDimensions)
	seed := 0
	for _, c := range text {
		seed += int(c)
	}
	vec[seed%model.EmbeddingDimensions] = 1.0
	return vec, nil
}

func (h hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *auth.JWTManager) {
	t.Helper()

	ctx := context.Background()
	dbPath := fmt.Sprintf("%s/test-%s.db", t.TempDir(), uuid.New().String())
	st, err := store.OpenSQLiteStore(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	embedder := hashEmbedder{}

	ingestor := signal.NewIngestor(st, embedder, logger)
	booster := boost.NewBooster(st, embedder, logger)
	aggregator := stats.NewAggregator(st)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	srv := server.New(server.Config{
		Ingestor:                ingestor,
		Booster:                 booster,
		Aggregator:              aggregator,
		JWTMgr:                  jwtMgr,
		Logger:                  logger,
		ReadTimeout:             5 * time.Second,
		WriteTimeout:            5 * time.Second,
		MaxRequestBodyBytes:     1 << 20,
		DefaultUsefulnessWeight: 0.3,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, jwtMgr
}

func doRequest(t *testing.T, ts *httptest.Server, token, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthRequiresNoAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, ts, "", http.MethodGet, "/health", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignalEndpointRequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, ts, "", http.MethodPost, "/v1/bank-1/signal", model.SignalRequest{
		Query:      "how do I reset my password",
		FactID:     uuid.New().String(),
		SignalType: model.SignalUsed,
		Confidence: 1.0,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignalThenRecallRoundTrip(t *testing.T) {
	ts, jwtMgr := newTestServer(t)
	token, _, err := jwtMgr.IssueToken("bank-1")
	require.NoError(t, err)

	factID := uuid.New()

	resp := doRequest(t, ts, token, http.MethodPost, "/v1/bank-1/signal", model.SignalRequest{
		Query:      "how do I reset my password",
		FactID:     factID.String(),
		SignalType: model.SignalHelpful,
		Confidence: 1.0,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var signalEnv model.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&signalEnv))

	recallResp := doRequest(t, ts, token, http.MethodPost, "/v1/bank-1/recall", model.RecallRequest{
		Query: "how do I reset my password",
		BaseResults: []model.RankedFact{
			{FactID: factID, Score: 0.5},
		},
	})
	defer recallResp.Body.Close()
	require.Equal(t, http.StatusOK, recallResp.StatusCode)

	var recallEnv struct {
		Data model.RecallResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(recallResp.Body).Decode(&recallEnv))
	require.Len(t, recallEnv.Data.Results, 1)
	assert.Greater(t, recallEnv.Data.Results[0].Score, 0.5)
}

func TestSignalValidationError(t *testing.T) {
	ts, jwtMgr := newTestServer(t)
	token, _, err := jwtMgr.IssueToken("bank-1")
	require.NoError(t, err)

	resp := doRequest(t, ts, token, http.MethodPost, "/v1/bank-1/signal", model.SignalRequest{
		Query:      "",
		FactID:     uuid.New().String(),
		SignalType: model.SignalUsed,
		Confidence: 1.0,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestFactStatsNotFound(t *testing.T) {
	ts, jwtMgr := newTestServer(t)
	token, _, err := jwtMgr.IssueToken("bank-1")
	require.NoError(t, err)

	resp := doRequest(t, ts, token, http.MethodGet, "/v1/bank-1/facts/"+uuid.New().String()+"/stats", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBankStatsEmptyBank(t *testing.T) {
	ts, jwtMgr := newTestServer(t)
	token, _, err := jwtMgr.IssueToken("bank-empty")
	require.NoError(t, err)

	resp := doRequest(t, ts, token, http.MethodGet, "/v1/bank-empty/stats", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Data model.BankStats `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, 0, env.Data.ContextCount)
}
