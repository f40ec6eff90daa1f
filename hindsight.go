// Package hindsight wires together the usefulness engine: embed and store a
// query, fold in a usefulness signal, and re-rank recall results by what has
// actually helped before. Construct an App with New, then Run it until its
// context is cancelled.
//
// internal/* packages never import this package — it only imports them.
// Keeping that rule one-directional is what lets internal/server and
// internal/mcp be built, wired, and tested independently of how main.go
// assembles them.
package hindsight

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/csfet9/hindsight/internal/auth"
	"github.com/csfet9/hindsight/internal/boost"
	"github.com/csfet9/hindsight/internal/config"
	"github.com/csfet9/hindsight/internal/decay"
	"github.com/csfet9/hindsight/internal/embedding"
	"github.com/csfet9/hindsight/internal/mcp"
	"github.com/csfet9/hindsight/internal/server"
	"github.com/csfet9/hindsight/internal/signal"
	"github.com/csfet9/hindsight/internal/stats"
	"github.com/csfet9/hindsight/internal/storage"
	"github.com/csfet9/hindsight/internal/store"
	"github.com/csfet9/hindsight/internal/telemetry"
	"github.com/csfet9/hindsight/migrations"
)

// App is a fully wired usefulness engine ready to serve.
type App struct {
	cfg          config.Config
	db           *storage.DB
	scoreStore   store.ScoreStore
	srv          *server.Server
	mcpSrv       *mcp.Server
	sweeper      *decay.Sweeper
	outboxWorker *store.OutboxWorker
	qdrantMirror *store.QdrantMirror
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// embeddingAdapter wraps a public EmbeddingProvider so it satisfies
// internal/embedding.Provider without internal packages depending on the
// root package's types.
type embeddingAdapter struct{ EmbeddingProvider }

// factCheckerAdapter wraps a public FactChecker so it satisfies
// internal/signal.FactChecker without internal packages depending on the
// root package's types.
type factCheckerAdapter struct{ FactChecker }

// New constructs an App: it loads configuration, connects to the configured
// store backend, and wires the signal/boost/stats/MCP/HTTP layers together.
// No background work starts until Run is called.
func New(opts ...Option) (*App, error) {
	// Load .env file if present (non-fatal; production deployments won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("hindsight: load config: %w", err)
	}

	o := &resolvedOptions{
		port:         cfg.Port,
		storeBackend: cfg.StoreBackend,
		databaseURL:  cfg.DatabaseURL,
		notifyURL:    cfg.NotifyURL,
		sqlitePath:   cfg.SQLitePath,
		version:      "dev",
	}
	for _, opt := range opts {
		opt(o)
	}
	cfg.Port = o.port
	cfg.StoreBackend = o.storeBackend
	cfg.DatabaseURL = o.databaseURL
	cfg.NotifyURL = o.notifyURL
	cfg.SQLitePath = o.sqlitePath

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	}

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, o.version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("hindsight: telemetry: %w", err)
	}

	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = embeddingAdapter{o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	var db *storage.DB
	var scoreStore store.ScoreStore
	var sweeperStore decay.Store
	var qdrantMirror *store.QdrantMirror
	var outboxWorker *store.OutboxWorker

	switch cfg.StoreBackend {
	case "sqlite":
		sqliteStore, err := store.OpenSQLiteStore(context.Background(), cfg.SQLitePath)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("hindsight: open sqlite store: %w", err)
		}
		scoreStore = sqliteStore
		sweeperStore = sqliteStore

	case "postgres", "postgres+qdrant":
		db, err = storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("hindsight: storage: %w", err)
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("hindsight: migrations: %w", err)
		}
		postgresStore := store.NewPostgresStore(db.Pool())
		scoreStore = postgresStore
		sweeperStore = postgresStore

		if cfg.StoreBackend == "postgres+qdrant" && cfg.QdrantURL != "" {
			qdrantMirror, err = store.NewQdrantMirror(store.QdrantConfig{
				URL:        cfg.QdrantURL,
				APIKey:     cfg.QdrantAPIKey,
				Collection: cfg.QdrantCollection,
				Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
			}, logger)
			if err != nil {
				db.Close(context.Background())
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("hindsight: qdrant mirror: %w", err)
			}
			if err := qdrantMirror.EnsureCollection(context.Background()); err != nil {
				db.Close(context.Background())
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("hindsight: qdrant ensure collection: %w", err)
			}
			outboxWorker = store.NewOutboxWorker(db.Pool(), qdrantMirror, logger, 5*time.Second, 200)
			logger.Info("qdrant mirror: enabled", "collection", cfg.QdrantCollection)
		}

	default:
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("hindsight: unknown store backend %q", cfg.StoreBackend)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		closeStore(db)
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("hindsight: auth: %w", err)
	}

	ingestorOpts := []signal.Option{
		signal.WithLambda(cfg.DecayLambdaPerDay),
		signal.WithMaxConcurrentPerBank(cfg.SignalMaxInflightPerBank),
	}
	if o.factChecker != nil {
		ingestorOpts = append(ingestorOpts, signal.WithFactChecker(factCheckerAdapter{o.factChecker}))
	}
	ingestor := signal.NewIngestor(scoreStore, embedder, logger, ingestorOpts...)
	booster := boost.NewBooster(scoreStore, embedder, logger)
	aggregator := stats.NewAggregator(scoreStore)

	sweeper := decay.NewSweeper(sweeperStore, logger, cfg.SweepInterval, 24*time.Hour, cfg.DecayLambdaPerDay, 500)

	mcpSrv := mcp.New(ingestor, booster, aggregator, logger, o.version)

	middlewares := make([]func(http.Handler) http.Handler, len(o.middlewares))
	for i, mw := range o.middlewares {
		middlewares[i] = func(h http.Handler) http.Handler { return mw(h) }
	}

	srv := server.New(server.Config{
		Ingestor:                ingestor,
		Booster:                 booster,
		Aggregator:              aggregator,
		JWTMgr:                  jwtMgr,
		Logger:                  logger,
		MCPServer:               mcpSrv.MCPServer(),
		Port:                    cfg.Port,
		ReadTimeout:             cfg.ReadTimeout,
		WriteTimeout:            cfg.WriteTimeout,
		MaxRequestBodyBytes:     cfg.MaxRequestBodyBytes,
		DefaultUsefulnessWeight: cfg.DefaultUsefulnessWeight,
		Middlewares:             middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		scoreStore:   scoreStore,
		srv:          srv,
		mcpSrv:       mcpSrv,
		sweeper:      sweeper,
		outboxWorker: outboxWorker,
		qdrantMirror: qdrantMirror,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      o.version,
	}, nil
}

// Server returns the underlying HTTP server, for tests or custom wiring.
func (a *App) Server() *server.Server { return a.srv }

// MCPServer returns the MCP server mounted at /mcp on the HTTP server.
func (a *App) MCPServer() *mcp.Server { return a.mcpSrv }

// Run starts the decay sweeper and outbox worker (if configured), starts
// the HTTP server, and blocks until ctx is cancelled or the server errors.
// It always calls Shutdown before returning.
func (a *App) Run(ctx context.Context) error {
	go a.sweeper.Start(ctx)
	if a.outboxWorker != nil {
		a.outboxWorker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	if err := a.Shutdown(context.Background()); err != nil {
		a.logger.Error("hindsight: shutdown error", "error", err)
	}
	return runErr
}

// Shutdown drains the HTTP server, then the outbox worker, then closes the
// store and OTEL exporters. Order matters: in-flight HTTP requests may still
// write to the store, and the outbox may still have points to mirror from
// writes that already landed.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hindsight shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	httpErr := a.srv.Shutdown(httpCtx)
	cancel()

	if a.outboxWorker != nil {
		outboxCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.outboxWorker.Drain(outboxCtx)
		cancel()
	}
	if a.qdrantMirror != nil {
		_ = a.qdrantMirror.Close()
	}
	closeStore(a.db)
	_ = a.otelShutdown(context.Background())

	a.logger.Info("hindsight stopped")
	return httpErr
}

func closeStore(db *storage.DB) {
	if db != nil {
		db.Close(context.Background())
	}
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newEmbeddingProvider selects an embedding provider based on configuration.
// "auto" (the default) prefers Ollama if reachable, then OpenAI if a key is
// present, else noop, so self-hosted deployments are preferred.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when HINDSIGHT_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p

	case "ollama":
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (signal/recall will fail until one is configured)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
