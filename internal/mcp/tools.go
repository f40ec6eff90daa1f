package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/csfet9/hindsight/internal/ctxutil"
	"github.com/csfet9/hindsight/internal/model"
	"github.com/csfet9/hindsight/internal/signal"
)

func (s *Server) registerTools() {
	// submit_signal — record a usefulness signal for a fact against a query.
	s.mcpServer.AddTool(
		mcplib.NewTool("submit_signal",
			mcplib.WithDescription(`Record a usefulness signal for a fact that was recalled for a query.

WHEN TO USE: after a recalled fact was actually used, helpful, ignored, or
found unhelpful. This is the only way the engine learns which facts serve
which queries.

SIGNAL TYPES:
- used: the fact was incorporated into the response
- helpful: the fact was used and materially improved the response
- ignored: the fact was recalled but not used
- not_helpful: the fact was used and turned out to be wrong or irrelevant

EXAMPLE: after answering "how do I reset my password" with a recalled
password-reset fact that worked, submit_signal with signal_type="helpful"
and confidence=1.0.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("The query the fact was recalled for, verbatim"),
				mcplib.Required(),
			),
			mcplib.WithString("fact_id",
				mcplib.Description("UUID of the fact this signal is about"),
				mcplib.Required(),
			),
			mcplib.WithString("signal_type",
				mcplib.Description("One of: used, helpful, ignored, not_helpful"),
				mcplib.Required(),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("How confident you are this signal is accurate (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(1.0),
			),
		),
		s.handleSubmitSignal,
	)

	// recall_boost — re-rank a base-ranked candidate list by learned usefulness.
	s.mcpServer.AddTool(
		mcplib.NewTool("recall_boost",
			mcplib.WithDescription(`Re-rank a recalled fact list using learned usefulness for this query.

WHEN TO USE: after your own retrieval produces a base-ranked candidate
list, before presenting results. Blends each fact's base relevance score
with how useful it has historically been for similar queries.

Pass usefulness_weight to control how much the learned signal influences
the final order: 0 returns the base ranking unchanged, 1 ranks purely by
learned usefulness. If omitted, the weight is 0 and the base ranking is
returned unchanged.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("The query these candidate facts were recalled for"),
				mcplib.Required(),
			),
			mcplib.WithArray("base_results",
				mcplib.Description(`Base-ranked candidates as a JSON array of {"fact_id": "<uuid>", "score": <float>}`),
				mcplib.Required(),
			),
			mcplib.WithNumber("usefulness_weight",
				mcplib.Description("How much learned usefulness should influence the final score (0.0-1.0). Omitted means 0, which returns the base ranking unchanged."),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithNumber("min_usefulness",
				mcplib.Description("Drop facts whose learned usefulness falls below this floor"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Truncate the re-ranked list to this many results"),
				mcplib.Min(1),
			),
		),
		s.handleRecallBoost,
	)

	// fact_stats — inspect one fact's usefulness history.
	s.mcpServer.AddTool(
		mcplib.NewTool("fact_stats",
			mcplib.WithDescription(`Look up aggregate usefulness statistics for a single fact.

WHEN TO USE: to understand how a specific fact has performed across all
the queries it has been recalled for — total signals, weighted mean
usefulness, and the breakdown by signal type.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("fact_id",
				mcplib.Description("UUID of the fact to look up"),
				mcplib.Required(),
			),
		),
		s.handleFactStats,
	)

	// bank_stats — inspect aggregate usefulness for a whole bank.
	s.mcpServer.AddTool(
		mcplib.NewTool("bank_stats",
			mcplib.WithDescription(`Look up aggregate usefulness statistics across an entire bank.

WHEN TO USE: for situational awareness about how well recall is working
overall — total contexts and signals, mean usefulness, and the top and
least useful facts.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleBankStats,
	)
}

func (s *Server) handleSubmitSignal(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	bankID := ctxutil.BankIDFromContext(ctx)
	if bankID == "" {
		return errorResult("no bank scope on this session"), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	factIDStr := request.GetString("fact_id", "")
	factID, err := uuid.Parse(factIDStr)
	if err != nil {
		return errorResult("fact_id must be a valid UUID"), nil
	}

	signalType := model.SignalType(request.GetString("signal_type", ""))
	confidence := request.GetFloat("confidence", 1.0)

	result, err := s.ingestor.ApplySignal(ctx, signal.ApplySignalInput{
		BankID:     bankID,
		Query:      query,
		FactID:     factID,
		SignalType: signalType,
		Confidence: confidence,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to apply signal: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"fact_id":          factID,
		"usefulness_score": result.UsefulnessScore,
		"signal_count":     result.SignalCount,
	})
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleRecallBoost(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	bankID := ctxutil.BankIDFromContext(ctx)
	if bankID == "" {
		return errorResult("no bank scope on this session"), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	rawResults, ok := request.GetArguments()["base_results"]
	if !ok {
		return errorResult("base_results is required"), nil
	}
	encoded, err := json.Marshal(rawResults)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid base_results: %v", err)), nil
	}
	var baseResults []model.RankedFact
	if err := json.Unmarshal(encoded, &baseResults); err != nil {
		return errorResult(fmt.Sprintf("invalid base_results: %v", err)), nil
	}

	opts := model.BoostOptions{Limit: request.GetInt("limit", 0)}
	if w, ok := request.GetArguments()["usefulness_weight"]; ok {
		if f, ok := w.(float64); ok {
			opts.UsefulnessWeight = f
		}
	}
	if m, ok := request.GetArguments()["min_usefulness"]; ok {
		if f, ok := m.(float64); ok {
			opts.MinUsefulness = f
			opts.HasMinUsefulness = true
		}
	}

	results, err := s.booster.Boost(ctx, bankID, query, baseResults, opts)
	if err != nil {
		return errorResult(fmt.Sprintf("boost failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{"results": results}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleFactStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	bankID := ctxutil.BankIDFromContext(ctx)
	if bankID == "" {
		return errorResult("no bank scope on this session"), nil
	}

	factID, err := uuid.Parse(request.GetString("fact_id", ""))
	if err != nil {
		return errorResult("fact_id must be a valid UUID"), nil
	}

	result, err := s.stats.FactStats(ctx, bankID, factID)
	if err != nil {
		return errorResult(fmt.Sprintf("fact_stats failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleBankStats(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	bankID := ctxutil.BankIDFromContext(ctx)
	if bankID == "" {
		return errorResult("no bank scope on this session"), nil
	}

	result, err := s.stats.BankStats(ctx, bankID)
	if err != nil {
		return errorResult(fmt.Sprintf("bank_stats failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(result, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
