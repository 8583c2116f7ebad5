// Package mcpserver exposes the relay tools over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stellarlinkco/citypulse/internal/assistant"
	"github.com/stellarlinkco/citypulse/internal/neighborhood"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates the MCP server with the relay tools registered.
func New(kit *assistant.Toolkit) *server.MCPServer {
	s := server.NewMCPServer(
		"citypulse",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Relay packets and neighborhood status for the city pulse dashboard."),
	)
	t := &tools{kit: kit}
	s.AddTool(listRelaysTool(), t.listRelays)
	s.AddTool(neighborhoodStatusTool(), t.neighborhoodStatus)
	s.AddTool(updateRelayStatusTool(), t.updateRelayStatus)
	return s
}

// Serve runs the server on stdin/stdout until the input closes.
func Serve(kit *assistant.Toolkit) error {
	return server.ServeStdio(New(kit))
}

func listRelaysTool() mcp.Tool {
	return mcp.NewTool(assistant.ToolListRelays,
		mcp.WithDescription("List relay packets, most recently updated first."),
		mcp.WithString("neighborhood",
			mcp.Description("Neighborhood id or name to filter by"),
			mcp.Enum(neighborhood.IDs()...),
		),
		mcp.WithBoolean("activeOnly",
			mcp.Description("Skip resolved packets"),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum packets to return (default %d)", assistant.DefaultListLimit)),
		),
	)
}

func neighborhoodStatusTool() mcp.Tool {
	return mcp.NewTool(assistant.ToolNeighborhoodStatus,
		mcp.WithDescription("Current status tile for a neighborhood, or for all of them when none is given."),
		mcp.WithString("neighborhood",
			mcp.Description("Neighborhood id or name"),
		),
	)
}

func updateRelayStatusTool() mcp.Tool {
	var statuses []string
	for _, s := range relay.Statuses() {
		statuses = append(statuses, string(s))
	}
	return mcp.NewTool(assistant.ToolUpdateRelayStatus,
		mcp.WithDescription("Move a relay packet through its lifecycle."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Relay packet id"),
		),
		mcp.WithString("status",
			mcp.Required(),
			mcp.Enum(statuses...),
		),
		mcp.WithString("notes",
			mcp.Description("Optional note stored on the packet"),
		),
	)
}

type tools struct {
	kit *assistant.Toolkit
}

func (t *tools) listRelays(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	packets, err := t.kit.ListRelays(ctx,
		req.GetString("neighborhood", ""),
		req.GetBool("activeOnly", false),
		int(req.GetFloat("limit", 0)),
	)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(packets)
}

func (t *tools) neighborhoodStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tiles, err := t.kit.NeighborhoodStatus(ctx, req.GetString("neighborhood", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(tiles)
}

func (t *tools) updateRelayStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("'id' is required"), nil
	}
	p, err := t.kit.UpdateRelayStatus(ctx, id, req.GetString("status", ""), req.GetString("notes", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
