package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/csfet9/hindsight/internal/ctxutil"
)

func (s *Server) registerResources() {
	// hindsight://bank/current/stats — aggregate stats for the caller's bank.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hindsight://bank/current/stats",
			"Current Bank Stats",
			mcplib.WithResourceDescription("Aggregate usefulness statistics for the caller's bank"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBankCurrentStats,
	)

	// hindsight://fact/{id}/stats — per-fact usefulness roll-up.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"hindsight://fact/{id}/stats",
			"Fact Stats",
			mcplib.WithTemplateDescription("Usefulness roll-up for a single fact"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleFactResourceStats,
	)
}

func (s *Server) handleBankCurrentStats(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	bankID := ctxutil.BankIDFromContext(ctx)
	if bankID == "" {
		return nil, fmt.Errorf("mcp: no bank scope on this session")
	}

	result, err := s.stats.BankStats(ctx, bankID)
	if err != nil {
		return nil, fmt.Errorf("mcp: bank stats: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal bank stats: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "hindsight://bank/current/stats",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleFactResourceStats(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	bankID := ctxutil.BankIDFromContext(ctx)
	if bankID == "" {
		return nil, fmt.Errorf("mcp: no bank scope on this session")
	}

	uri := request.Params.URI
	factIDStr, err := parseFactStatsURI(uri)
	if err != nil {
		return nil, err
	}
	factID, err := uuid.Parse(factIDStr)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid fact id in URI: %w", err)
	}

	result, err := s.stats.FactStats(ctx, bankID, factID)
	if err != nil {
		return nil, fmt.Errorf("mcp: fact stats: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal fact stats: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseFactStatsURI extracts the fact id from "hindsight://fact/{id}/stats".
func parseFactStatsURI(uri string) (string, error) {
	const prefix = "hindsight://fact/"
	const suffix = "/stats"

	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, suffix) {
		return "", fmt.Errorf("mcp: invalid fact stats URI: %s", uri)
	}

	id := uri[len(prefix) : len(uri)-len(suffix)]
	if id == "" {
		return "", fmt.Errorf("mcp: empty fact id in URI: %s", uri)
	}
	return id, nil
}
