// Package mcp implements the Model Context Protocol server for the
// usefulness engine.
//
// The MCP server exposes the same four operations as the HTTP API
// (submit a signal, boost a recall list, read fact/bank stats) as MCP
// tools, letting MCP-compatible agents close the usefulness loop without
// an HTTP client of their own.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/csfet9/hindsight/internal/boost"
	"github.com/csfet9/hindsight/internal/signal"
	"github.com/csfet9/hindsight/internal/stats"
)

// serverInstructions is sent to every MCP client during the initialize
// handshake so every connected agent knows the submit/recall workflow
// without per-project configuration.
const serverInstructions = `You have access to hindsight, a query-context usefulness engine.

WORKFLOW:

1. AFTER using a recalled fact: call submit_signal with what happened
   (used, helpful, ignored, not_helpful). This is how the engine learns
   which facts are actually useful for which queries.

2. WHEN recalling: call recall_boost with your query and a base-ranked
   candidate list. It re-scores and re-sorts the list using learned
   usefulness, blended with your base relevance score.

TOOLS:
- submit_signal: record a usefulness signal for one fact against one query
- recall_boost: re-rank a candidate list by learned usefulness
- fact_stats: inspect a single fact's usefulness history
- bank_stats: inspect aggregate usefulness for a whole bank

Submit a signal every time a recalled fact is actually used, ignored, or
found unhelpful — the engine only improves from this feedback.`

// Server wraps the MCP server with the usefulness engine's components.
type Server struct {
	mcpServer *mcpserver.MCPServer
	ingestor  *signal.Ingestor
	booster   *boost.Booster
	stats     *stats.Aggregator
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources,
// and prompts registered.
func New(ingestor *signal.Ingestor, booster *boost.Booster, aggregator *stats.Aggregator, logger *slog.Logger, version string) *Server {
	s := &Server{
		ingestor: ingestor,
		booster:  booster,
		stats:    aggregator,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hindsight",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
