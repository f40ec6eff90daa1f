package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csfet9/hindsight/internal/model"
)

func fakeEmbedding(dims int, seed float32) []float32 {
	vec := make([]float32, dims)
	vec[0] = seed + 1 // keep it non-zero so normalize() doesn't reject it
	for i := 1; i < dims; i++ {
		vec[i] = 0.001
	}
	return vec
}

func newOllamaMock(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var count int
		switch v := req.Input.(type) {
		case string:
			count = 1
		case []any:
			count = len(v)
		default:
			http.Error(w, "unexpected input type", http.StatusBadRequest)
			return
		}

		embeddings := make([][]float32, count)
		for i := range embeddings {
			embeddings[i] = fakeEmbedding(dims, float32(i))
		}
		require.NoError(t, json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: embeddings}))
	}))
}

func TestOllamaProvider_Dimensions(t *testing.T) {
	p := NewOllamaProvider("http://unused", "test-model", model.EmbeddingDimensions)
	assert.Equal(t, model.EmbeddingDimensions, p.Dimensions())
}

func TestOllamaProvider_EmbedSingle(t *testing.T) {
	server := newOllamaMock(t, model.EmbeddingDimensions)
	defer server.Close()

	p := NewOllamaProvider(server.URL, "test-model", model.EmbeddingDimensions)
	vec, err := p.Embed(context.Background(), "test text")
	require.NoError(t, err)
	require.Len(t, vec, model.EmbeddingDimensions)

	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sumSq, 1e-4, "embedding must be L2-normalized")
}

func TestOllamaProvider_EmbedBatch(t *testing.T) {
	server := newOllamaMock(t, model.EmbeddingDimensions)
	defer server.Close()

	p := NewOllamaProvider(server.URL, "test-model", model.EmbeddingDimensions)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, model.EmbeddingDimensions)
	}
}

func TestOllamaProvider_WrongDimensionFails(t *testing.T) {
	server := newOllamaMock(t, 42) // server returns the wrong width
	defer server.Close()

	p := NewOllamaProvider(server.URL, "test-model", model.EmbeddingDimensions)
	_, err := p.Embed(context.Background(), "test text")
	require.ErrorIs(t, err, model.ErrEmbedFailed)
}

func TestNoopProvider_AlwaysFails(t *testing.T) {
	p := NewNoopProvider(model.EmbeddingDimensions)
	_, err := p.Embed(context.Background(), "anything")
	require.ErrorIs(t, err, model.ErrEmbedFailed)
	_, err = p.EmbedBatch(context.Background(), []string{"a"})
	require.ErrorIs(t, err, model.ErrEmbedFailed)
}

func TestTruncateText(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxChars int
		want     string
	}{
		{"under limit", "hello world", 100, "hello world"},
		{"exact limit", "hello", 5, "hello"},
		{"truncates at word boundary", "hello world foo", 11, "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateText(tt.text, tt.maxChars))
		})
	}
}
