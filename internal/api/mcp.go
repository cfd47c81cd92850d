package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/photomentor/pmv/internal/storage"
)

// QueryEmbedder abstracts query embedding for the MCP layer.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Embedder QueryEmbedder
}

// NewMCPServer creates an MCP server exposing stored critiques to agent
// clients. Every tool is scoped by an explicit session_id, the same token
// the HTTP API carries in its session cookie.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"pmv",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("pmv — photo critique memory: browse and semantically search a session's stored critiques."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("critique_history",
			mcp.WithDescription("List a session's stored critiques, newest first."),
			mcp.WithString("session_id", mcp.Description("Session token the critiques belong to"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("critique_search",
			mcp.WithDescription("Semantically search a session's critiques by image content."),
			mcp.WithString("session_id", mcp.Description("Session token the critiques belong to"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("get_critique",
			mcp.WithDescription("Fetch one stored critique by id, including its rubric scores."),
			mcp.WithString("session_id", mcp.Description("Session token the critique belongs to"), mcp.Required()),
			mcp.WithNumber("id", mcp.Description("Critique id"), mcp.Required()),
		),
		mcpGetCritique(deps),
	)

	return s
}

type mcpCritique struct {
	ID          int64           `json:"id"`
	Critique    string          `json:"critique"`
	Description string          `json:"description"`
	Rubric      json.RawMessage `json:"rubric,omitempty"`
	Version     int             `json:"version"`
	ParentID    *int64          `json:"parent_id,omitempty"`
	CreatedAt   string          `json:"created_at"`
	Distance    *float32        `json:"distance,omitempty"`
}

func toMCPCritique(c storage.Critique) mcpCritique {
	out := mcpCritique{
		ID:          c.ID,
		Critique:    c.Critique,
		Description: c.ImageDescription,
		Version:     c.Version,
		ParentID:    c.ParentID,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
	}
	if c.RubricJSON != "" {
		out.Rubric = json.RawMessage(c.RubricJSON)
	}
	return out
}

func mcpHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > historyLimit {
			limit = historyLimit
		}

		critiques, err := deps.Store.ListBySession(ctx, sessionID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing critiques failed: %v", err)), nil
		}

		results := make([]mcpCritique, len(critiques))
		for i, c := range critiques {
			results[i] = toMCPCritique(c)
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", searchTopK)
		if limit <= 0 {
			limit = searchTopK
		}
		if limit > historyLimit {
			limit = historyLimit
		}

		vec, err := deps.Embedder.Embed(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding query failed: %v", err)), nil
		}

		matches, err := deps.Store.SearchBySession(ctx, sessionID, vec, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		results := make([]mcpCritique, len(matches))
		for i, m := range matches {
			results[i] = toMCPCritique(m.Critique)
			d := m.Distance
			results[i].Distance = &d
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetCritique(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		id, err := req.RequireInt("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		c, err := deps.Store.GetCritique(ctx, int64(id), sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("critique %d not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading critique failed: %v", err)), nil
		}

		b, err := json.Marshal(toMCPCritique(c))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal critique: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
