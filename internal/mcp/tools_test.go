package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csfet9/hindsight/internal/auth"
	"github.com/csfet9/hindsight/internal/boost"
	"github.com/csfet9/hindsight/internal/ctxutil"
	"github.com/csfet9/hindsight/internal/model"
	"github.com/csfet9/hindsight/internal/signal"
	"github.com/csfet9/hindsight/internal/stats"
	"github.com/csfet9/hindsight/internal/store"
)

var testServer *Server

const testBankID = "test-bank"

// hashEmbedder deterministically derives a 384-dim unit vector from the
// input string's byte sum, so tests get stable, distinguishable embeddings
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

func TestMain(m *testing.M) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("%s/mcp-test.db", os.TempDir())
	os.Remove(dbPath)

	st, err := store.OpenSQLiteStore(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	defer os.Remove(dbPath)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	embedder := hashEmbedder{}

	ingestor := signal.NewIngestor(st, embedder, logger)
	booster := boost.NewBooster(st, embedder, logger)
	aggregator := stats.NewAggregator(st)

	testServer = New(ingestor, booster, aggregator, logger, "test")

	os.Exit(m.Run())
}

// bankCtx returns a context carrying claims scoped to testBankID.
func bankCtx() context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{BankID: testBankID})
}

// signalRequest builds a CallToolRequest for submit_signal with the given arguments.
func signalRequest(args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "submit_signal",
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

func TestHandleSubmitSignal(t *testing.T) {
	ctx := bankCtx()
	factID := uuid.New().String()

	result, err := testServer.handleSubmitSignal(ctx, signalRequest(map[string]any{
		"query":       "how do I reset my password",
		"fact_id":     factID,
		"signal_type": "helpful",
		"confidence":  1.0,
	}))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &payload))
	assert.Equal(t, factID, payload["fact_id"])
	assert.Greater(t, payload["usefulness_score"].(float64), 0.5)
}

func TestHandleSubmitSignal_NoBankScope(t *testing.T) {
	result, err := testServer.handleSubmitSignal(context.Background(), signalRequest(map[string]any{
		"query":       "q",
		"fact_id":     uuid.New().String(),
		"signal_type": "used",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "bank scope")
}

func TestHandleSubmitSignal_InvalidFactID(t *testing.T) {
	result, err := testServer.handleSubmitSignal(bankCtx(), signalRequest(map[string]any{
		"query":       "q",
		"fact_id":     "not-a-uuid",
		"signal_type": "used",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "UUID")
}

func TestHandleSubmitSignal_MissingQuery(t *testing.T) {
	result, err := testServer.handleSubmitSignal(bankCtx(), signalRequest(map[string]any{
		"fact_id":     uuid.New().String(),
		"signal_type": "used",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "query is required")
}

func TestHandleRecallBoost(t *testing.T) {
	ctx := bankCtx()
	factID := uuid.New()
	query := "how do I reset my password"

	_, err := testServer.handleSubmitSignal(ctx, signalRequest(map[string]any{
		"query":       query,
		"fact_id":     factID.String(),
		"signal_type": "helpful",
		"confidence":  1.0,
	}))
	require.NoError(t, err)

	result, err := testServer.handleRecallBoost(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "recall_boost",
			Arguments: map[string]any{
				"query":             query,
				"usefulness_weight": 0.5,
				"base_results": []any{
					map[string]any{"fact_id": factID.String(), "score": 0.5},
				},
			},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	var payload struct {
		Results []model.RankedFact `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &payload))
	require.Len(t, payload.Results, 1)
	assert.Greater(t, payload.Results[0].Score, 0.5)
}

func TestHandleRecallBoost_MissingBaseResults(t *testing.T) {
	result, err := testServer.handleRecallBoost(bankCtx(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "recall_boost",
			Arguments: map[string]any{"query": "q"},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "base_results")
}

func TestHandleFactStats_NotFound(t *testing.T) {
	result, err := testServer.handleFactStats(bankCtx(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "fact_stats",
			Arguments: map[string]any{"fact_id": uuid.New().String()},
		},
	})
	require.NoError(t, err)
	// A fact with no contexts at all is reported as an error, matching the
	// HTTP surface's 404 for the same condition.
	assert.True(t, result.IsError)
}

func TestHandleBankStats_EmptyBank(t *testing.T) {
	result, err := testServer.handleBankStats(ctxutil.WithClaims(context.Background(), &auth.Claims{BankID: "empty-bank"}), mcplib.CallToolRequest{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	var payload model.BankStats
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &payload))
	assert.Equal(t, 0, payload.ContextCount)
}

func TestHandleBankStats_NoBankScope(t *testing.T) {
	result, err := testServer.handleBankStats(context.Background(), mcplib.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
