package hindsight

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	storeBackend      string
	databaseURL       string
	notifyURL         string
	sqlitePath        string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	factChecker       FactChecker
	middlewares       []Middleware
}

// WithPort overrides the TCP port from config (HINDSIGHT_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStoreBackend overrides the store backend from config
// (HINDSIGHT_STORE_BACKEND env var): "postgres", "sqlite", or "postgres+qdrant".
func WithStoreBackend(backend string) Option {
	return func(o *resolvedOptions) { o.storeBackend = backend }
}

// WithDatabaseURL overrides the pooled Postgres connection string from
// config (DATABASE_URL env var). Ignored when the store backend is sqlite.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for the dedicated
// LISTEN/NOTIFY connection (NOTIFY_URL env var). Set this when
// DatabaseURL points at a connection pooler — LISTEN/NOTIFY requires a
// direct, non-pooled connection. The decay sweeper does not listen on that
// connection; it runs on its poll interval.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the SQLite file path from config (SQLITE_PATH
// env var). Only used when the store backend is sqlite.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama/OpenAI/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithFactChecker wires a FactChecker that every signal's fact_id is
// probed against before a usefulness row is created for it. Without one,
// every fact_id is accepted.
func WithFactChecker(fc FactChecker) Option {
	return func(o *resolvedOptions) { o.factChecker = fc }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every
// request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
