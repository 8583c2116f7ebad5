package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/tool"

	"github.com/stellarlinkco/citypulse/internal/agui"
	"github.com/stellarlinkco/citypulse/internal/neighborhood"
)

// relayTool adapts one Toolkit operation to the agentsdk-go tool interface.
type relayTool struct {
	name        string
	description string
	schema      *tool.JSONSchema
	run         func(ctx context.Context, params map[string]interface{}) (any, error)
}

func (t *relayTool) Name() string             { return t.name }
func (t *relayTool) Description() string      { return t.description }
func (t *relayTool) Schema() *tool.JSONSchema { return t.schema }

func (t *relayTool) Execute(ctx context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	data, err := t.run(ctx, params)
	if err != nil {
		return &tool.ToolResult{Success: false, Output: "error: " + err.Error(), Error: err}, nil
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", t.name, err)
	}
	return &tool.ToolResult{Success: true, Output: string(out), Data: data}, nil
}

// Tools returns the relay tools for an agent runtime.
func (k *Toolkit) Tools() []tool.Tool {
	hoodProp := map[string]interface{}{
		"type":        "string",
		"description": "Neighborhood id or name",
		"enum":        toInterfaces(neighborhood.IDs()),
	}
	return []tool.Tool{
		&relayTool{
			name:        ToolListRelays,
			description: "List relay packets, most recently updated first.",
			schema: &tool.JSONSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"neighborhood": hoodProp,
					"activeOnly":   map[string]interface{}{"type": "boolean", "description": "Skip resolved packets"},
					"limit":        map[string]interface{}{"type": "integer", "description": "Maximum packets to return"},
				},
			},
			run: func(ctx context.Context, params map[string]interface{}) (any, error) {
				return k.ListRelays(ctx, stringParam(params, "neighborhood"), boolParam(params, "activeOnly"), intParam(params, "limit"))
			},
		},
		&relayTool{
			name:        ToolNeighborhoodStatus,
			description: "Current status tile for a neighborhood, or for all of them when none is given.",
			schema: &tool.JSONSchema{
				Type:       "object",
				Properties: map[string]interface{}{"neighborhood": hoodProp},
			},
			run: func(ctx context.Context, params map[string]interface{}) (any, error) {
				return k.NeighborhoodStatus(ctx, stringParam(params, "neighborhood"))
			},
		},
		&relayTool{
			name:        ToolUpdateRelayStatus,
			description: "Move a relay packet through its lifecycle.",
			schema: &tool.JSONSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"id":     map[string]interface{}{"type": "string", "description": "Relay packet id"},
					"status": map[string]interface{}{"type": "string", "enum": toInterfaces(statusNames())},
					"notes":  map[string]interface{}{"type": "string"},
				},
				Required: []string{"id", "status"},
			},
			run: func(ctx context.Context, params map[string]interface{}) (any, error) {
				return k.UpdateRelayStatus(ctx, stringParam(params, "id"), stringParam(params, "status"), stringParam(params, "notes"))
			},
		},
	}
}

// clientTool stands in for a tool the AG-UI client executes itself. The
// agent gets its own arguments back; the client sees the call through the
// bridge hooks.
type clientTool struct {
	def agui.Tool
}

func (t *clientTool) Name() string        { return t.def.Name }
func (t *clientTool) Description() string { return t.def.Description }

func (t *clientTool) Schema() *tool.JSONSchema {
	schema := &tool.JSONSchema{Type: "object"}
	if len(t.def.Parameters) > 0 {
		if err := json.Unmarshal(t.def.Parameters, schema); err != nil || schema.Type == "" {
			schema = &tool.JSONSchema{Type: "object"}
		}
	}
	return schema
}

func (t *clientTool) Execute(_ context.Context, params map[string]interface{}) (*tool.ToolResult, error) {
	args, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", t.def.Name, err)
	}
	return &tool.ToolResult{Success: true, Output: string(args)}, nil
}

func clientTools(defs []agui.Tool) []tool.Tool {
	out := make([]tool.Tool, 0, len(defs))
	for _, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			continue
		}
		out = append(out, &clientTool{def: d})
	}
	return out
}

func stringParam(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func boolParam(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
