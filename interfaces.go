package hindsight

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 rather than pgvector.Vector
// so external consumers never need the pgvector dependency directly.
// App.New wraps whatever is configured in the internal embedding.Provider
// interface used throughout the store and signal packages.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// FactChecker verifies a fact_id exists in the caller's semantic memory
// store before a signal creates a usefulness row for it. This service has
// no facts table of its own — fact_id is an opaque key owned by whatever
// application embeds it — so existence checking is delegated here. When not
// supplied via WithFactChecker, every fact_id is accepted.
type FactChecker interface {
	FactExists(ctx context.Context, bankID string, factID uuid.UUID) (bool, error)
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees every request including
// /health. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
