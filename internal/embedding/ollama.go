package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/csfet9/hindsight/internal/model"
)

// OllamaProvider generates embeddings using a local Ollama server. This is
// the recommended provider for self-hosted deployments: embeddings stay
// on-premises and there is no per-call API cost.
type OllamaProvider struct {
	baseURL       string
	model         string
	httpClient    *http.Client
	dimensions    int
	maxInputChars int
}

// defaultMaxInputChars is a safe default for mxbai-embed-large (512 tokens).
const defaultMaxInputChars = 2000

// NewOllamaProvider creates a provider that calls Ollama's embedding API.
// model should be an embedding model whose native output is truncated or
// matryoshka-sliced to model.EmbeddingDimensions (e.g. "nomic-embed-text").
func NewOllamaProvider(baseURL, model string, dimensions int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dimensions:    dimensions,
		maxInputChars: defaultMaxInputChars,
	}
}

func (p *OllamaProvider) Dimensions() int { return p.dimensions }

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string or []string
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates a single embedding vector from text, truncating at a
// word boundary if text exceeds maxInputChars.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	text = truncateText(text, p.maxInputChars)

	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", model.ErrEmbedFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", model.ErrEmbedFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %v", model.ErrEmbedFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", model.ErrEmbedFailed, resp.StatusCode, string(body))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", model.ErrEmbedFailed, err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", model.ErrEmbedFailed)
	}

	return normalize(result.Embeddings[0], p.dimensions)
}

// ollamaMaxConcurrency caps parallel requests to avoid overwhelming a
// single local GPU during a batch backfill.
const ollamaMaxConcurrency = 4

// EmbedBatch generates embeddings for multiple texts using Ollama's native
// batch endpoint, falling back to concurrent single-text requests if the
// batch call fails (older Ollama versions that don't accept array input).
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = truncateText(t, p.maxInputChars)
	}

	if len(truncated) == 1 {
		vec, err := p.Embed(ctx, truncated[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}

	vecs, err := p.embedBatchNative(ctx, truncated)
	if err == nil {
		return vecs, nil
	}
	slog.Debug("ollama: native batch failed, falling back to concurrent single requests", "error", err)

	return p.embedBatchConcurrent(ctx, truncated)
}

func (p *OllamaProvider) embedBatchNative(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal batch request: %v", model.ErrEmbedFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: create batch request: %v", model.ErrEmbedFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send batch request: %v", model.ErrEmbedFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: batch status %d: %s", model.ErrEmbedFailed, resp.StatusCode, string(body))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode batch response: %v", model.ErrEmbedFailed, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", model.ErrEmbedFailed, len(texts), len(result.Embeddings))
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		norm, err := normalize(emb, p.dimensions)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		vecs[i] = norm
	}
	return vecs, nil
}

func (p *OllamaProvider) embedBatchConcurrent(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	sem := make(chan struct{}, ollamaMaxConcurrency)

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			vec, err := p.Embed(ctx, t)
			if err != nil {
				errs[idx] = fmt.Errorf("batch item %d: %w", idx, err)
				return
			}
			vecs[idx] = vec
		}(i, text)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

// truncateText cuts text to maxChars, backing up to the last space to avoid
// splitting mid-word.
func truncateText(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	cut := maxChars
	for cut > 0 && text[cut] != ' ' {
		cut--
	}
	if cut == 0 {
		cut = maxChars
	}
	return text[:cut]
}
