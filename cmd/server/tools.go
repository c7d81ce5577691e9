package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/reliquary/internal/session"
)

// ExecuteCodeParams is the input for the execute_code tool.
type ExecuteCodeParams struct {
	Code        string `json:"code" jsonschema:"code to execute in the session namespace"`
	TimeoutSecs int    `json:"timeout_secs,omitempty" jsonschema:"optional per-run timeout in seconds"`
}

// ResetSessionParams is the (empty) input for the reset_session tool.
type ResetSessionParams struct{}

// ListSkillsParams is the (empty) input for the list_skills tool.
type ListSkillsParams struct{}

// SearchSkillsParams is the input for the search_skills tool.
type SearchSkillsParams struct {
	Query string `json:"query" jsonschema:"natural language description of the needed capability"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 5"`
}

// registerServerTools exposes the session over MCP.
func registerServerTools(server *mcp.Server, sess *session.Session, defaultTimeout time.Duration) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute_code",
		Description: "Execute a block of code in the persistent session namespace. Returns the trailing expression value, captured stdout, and any execution error.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *ExecuteCodeParams) (*mcp.CallToolResult, any, error) {
		timeout := defaultTimeout
		if params.TimeoutSecs > 0 {
			timeout = time.Duration(params.TimeoutSecs) * time.Second
		}
		result, err := sess.Run(params.Code, timeout)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reset_session",
		Description: "Clear all user-defined bindings in the session namespace. Providers and their state survive.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *ResetSessionParams) (*mcp.CallToolResult, any, error) {
		if err := sess.Reset(); err != nil {
			return nil, nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "session reset"}},
		}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_skills",
		Description: "List every skill in the library with its parameters.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *ListSkillsParams) (*mcp.CallToolResult, any, error) {
		skillProvider := sess.Providers().Skills
		if skillProvider == nil {
			return nil, nil, fmt.Errorf("no skill library configured")
		}
		all, err := skillProvider.List(ctx)
		if err != nil {
			return nil, nil, err
		}
		return textResult(all), all, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_skills",
		Description: "Search the skill library by meaning. Returns skills ranked by relevance to the query.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *SearchSkillsParams) (*mcp.CallToolResult, any, error) {
		skillProvider := sess.Providers().Skills
		if skillProvider == nil {
			return nil, nil, fmt.Errorf("no skill library configured")
		}
		limit := params.Limit
		if limit <= 0 {
			limit = 5
		}
		matches, err := skillProvider.Search(ctx, params.Query, limit)
		if err != nil {
			return nil, nil, err
		}
		return textResult(matches), matches, nil
	})
}

// textResult renders v as indented JSON text content.
func textResult(v any) *mcp.CallToolResult {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", v))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}
}
