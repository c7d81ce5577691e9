package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/reliquary/internal/logger"
)

// mcpSession is the slice of mcp.ClientSession the adapter needs.
type mcpSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
}

// ConnectMCP launches an MCP server as a subprocess and adapts its tools
// into one registrable tool, with the server's tools as callables. Close the
// returned session when the registry is torn down.
func ConnectMCP(ctx context.Context, name, description string, cmd *exec.Cmd) (*Tool, *mcp.ClientSession, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "reliquary",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect mcp server %s: %w", name, err)
	}

	tool, err := fromMCP(ctx, name, description, session)
	if err != nil {
		session.Close()
		return nil, nil, err
	}
	logger.Slog().Info("connected mcp server", "tool", name, "callables", len(tool.callables))
	return tool, session, nil
}

// fromMCP lists the server's tools and wraps each as a callable that
// forwards through the session.
func fromMCP(ctx context.Context, name, description string, session mcpSession) (*Tool, error) {
	listed, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list mcp tools for %s: %w", name, err)
	}

	t := New(name, description)
	for _, remote := range listed.Tools {
		remoteName := remote.Name
		err := t.AddCallable(Callable{
			Name:        remote.Name,
			Description: remote.Description,
			InputSchema: schemaFromAny(remote.InputSchema),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				result, err := session.CallTool(ctx, &mcp.CallToolParams{
					Name:      remoteName,
					Arguments: args,
				})
				if err != nil {
					return nil, err
				}
				return decodeResult(result)
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// schemaFromAny converts the wire-form schema the SDK carries into a typed
// schema, falling back to an open object when conversion fails.
func schemaFromAny(raw any) *jsonschema.Schema {
	if raw == nil {
		return &jsonschema.Schema{Type: "object"}
	}
	if s, ok := raw.(*jsonschema.Schema); ok {
		return s
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	s := &jsonschema.Schema{}
	if err := json.Unmarshal(data, s); err != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	if s.Type == "" {
		s.Type = "object"
	}
	return s
}

// decodeResult extracts a useful value from a tool result: structured
// content when present, otherwise the concatenated text blocks.
func decodeResult(result *mcp.CallToolResult) (any, error) {
	if result.IsError {
		return nil, fmt.Errorf("mcp tool error: %s", textOf(result))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return textOf(result), nil
}

func textOf(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
