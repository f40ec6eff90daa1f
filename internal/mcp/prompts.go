package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// after-recall — reminds the agent to submit a signal once a recalled
	// fact has actually been used.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("after-recall",
			mcplib.WithPromptDescription("Reminder to submit a usefulness signal after acting on a recalled fact"),
			mcplib.WithArgument("fact_id",
				mcplib.ArgumentDescription("UUID of the fact that was recalled"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("query",
				mcplib.ArgumentDescription("The query the fact was recalled for"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAfterRecallPrompt,
	)

	// agent-setup — full system prompt snippet explaining the submit/recall workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the hindsight usefulness-signal workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleAfterRecallPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	factID := request.Params.Arguments["fact_id"]
	query := request.Params.Arguments["query"]
	if factID == "" || query == "" {
		return nil, fmt.Errorf("fact_id and query arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: "Submit a usefulness signal for a recalled fact",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You recalled fact %s for the query %q. Now that you know how it was used,
call submit_signal with:

- query: %q
- fact_id: %q
- signal_type: "helpful" if it materially improved your answer, "used" if
  it was incorporated but not decisive, "ignored" if you recalled it but
  didn't use it, "not_helpful" if it was wrong or irrelevant
- confidence: how sure you are about this assessment (0.0-1.0)

Be honest — the engine only learns correctly from accurate feedback.`, factID, query, query, factID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "hindsight usefulness-signal workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to hindsight, a query-context usefulness engine that
learns which recalled facts actually help answer which queries.

## The Pattern: Recall, Use, Report

### When recalling:
Call recall_boost with your query and a base-ranked candidate list. It
re-scores and re-sorts the list by blending your base relevance score
with learned usefulness for similar past queries.

### After using a recalled fact:
Call submit_signal with what happened: used, helpful, ignored, or
not_helpful. This is the only feedback loop the engine has — skipping it
means the ranking never improves.

## Available Tools

- recall_boost: re-rank a candidate list by learned usefulness (use BEFORE presenting results)
- submit_signal: record a usefulness signal for one fact (use AFTER acting on a result)
- fact_stats: inspect a single fact's usefulness history
- bank_stats: inspect aggregate usefulness for a whole bank

## Confidence

Be honest about confidence when submitting a signal:
- 1.0: certain the fact was (or wasn't) useful
- 0.5-0.8: reasonably sure but some ambiguity in how it was used
- below 0.5: a weak guess; consider omitting the signal instead`,
				},
			},
		},
	}, nil
}
