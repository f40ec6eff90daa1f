// Package embedding generates fixed-dimension, L2-normalized query
// embeddings for the usefulness engine. It never substitutes a zero vector
// or a wrong-dimension result on failure — callers see model.ErrEmbedFailed
// and propagate it.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/csfet9/hindsight/internal/model"
)

const maxResponseBody = 10 * 1024 * 1024

// Provider generates vector embeddings from text. Every implementation must
// return exactly model.EmbeddingDimensions floats, L2-normalized.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// normalize checks the output dimension and L2-normalizes in place,
// wrapping any shape mismatch as model.ErrEmbedFailed rather than letting a
// malformed vector reach the store.
func normalize(vec []float32, want int) ([]float32, error) {
	if len(vec) != want {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", model.ErrEmbedFailed, len(vec), want)
	}
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return nil, fmt.Errorf("%w: zero vector", model.ErrEmbedFailed)
	}
	norm := float32(1 / math.Sqrt(sumSq))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v * norm
	}
	return out, nil
}

// OpenAIProvider generates embeddings using the OpenAI API.
type OpenAIProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates a new OpenAI embedding provider. dimensions must
// equal model.EmbeddingDimensions; the API request asks the model to
// truncate its native output to that width.
func NewOpenAIProvider(apiKey, modelName string, dimensions int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: openai api key is required")
	}
	if dimensions <= 0 {
		dimensions = model.EmbeddingDimensions
	}
	return &OpenAIProvider{
		apiKey: apiKey,
		model:  modelName,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dimensions: dimensions,
	}, nil
}

func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(openAIRequest{Input: texts, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", model.ErrEmbedFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", model.ErrEmbedFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %v", model.ErrEmbedFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", model.ErrEmbedFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp openAIResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			return nil, fmt.Errorf("%w: openai error (HTTP %d): %s: %s", model.ErrEmbedFailed, resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return nil, fmt.Errorf("%w: unexpected status %d", model.ErrEmbedFailed, resp.StatusCode)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", model.ErrEmbedFailed, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("%w: openai error: %s: %s", model.ErrEmbedFailed, result.Error.Type, result.Error.Message)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings but got %d", model.ErrEmbedFailed, len(texts), len(result.Data))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: invalid index %d in response", model.ErrEmbedFailed, d.Index)
		}
		norm, err := normalize(d.Embedding, p.dimensions)
		if err != nil {
			return nil, err
		}
		vecs[d.Index] = norm
	}
	return vecs, nil
}

// NoopProvider always fails with model.ErrEmbedFailed. Used when no real
// provider is configured — the signal and recall paths then surface
// upstream-unavailable errors instead of silently storing junk vectors.
type NoopProvider struct {
	dims int
}

func NewNoopProvider(dims int) *NoopProvider { return &NoopProvider{dims: dims} }

func (p *NoopProvider) Dimensions() int { return p.dims }

func (p *NoopProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("%w: no embedding provider configured", model.ErrEmbedFailed)
}

func (p *NoopProvider) EmbedBatch(_ context.Context, _ []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: no embedding provider configured", model.ErrEmbedFailed)
}
