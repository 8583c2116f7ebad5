package mcpserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/citypulse/internal/assistant"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

// newTools runs a real relay server seeded with the demo packet and
// returns tool handlers backed by a client for it.
func newTools(t *testing.T) (*tools, *relay.Server) {
	t.Helper()
	srv, err := relay.NewServer(relay.NewStore(), relay.NewHub())
	require.NoError(t, err)
	srv.Seed()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &tools{kit: assistant.NewToolkit(relay.NewClient(ts.URL))}, srv
}

func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestNew_RegistersTools(t *testing.T) {
	s := New(assistant.NewToolkit(nil))
	require.NotNil(t, s)

	names := []string{listRelaysTool().Name, neighborhoodStatusTool().Name, updateRelayStatusTool().Name}
	assert.Equal(t, []string{assistant.ToolListRelays, assistant.ToolNeighborhoodStatus, assistant.ToolUpdateRelayStatus}, names)
	assert.ElementsMatch(t, []string{"id", "status"}, updateRelayStatusTool().InputSchema.Required)
}

func TestListRelays(t *testing.T) {
	tl, srv := newTools(t)
	res, err := tl.listRelays(context.Background(), makeReq(map[string]interface{}{"activeOnly": true}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	var packets []relay.Packet
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &packets))
	assert.Len(t, packets, srv.Store().Len())
}

func TestNeighborhoodStatus(t *testing.T) {
	tl, _ := newTools(t)

	res, err := tl.neighborhoodStatus(context.Background(), makeReq(map[string]interface{}{"neighborhood": "Ballard"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))
	assert.True(t, strings.Contains(resultText(res), `"id": "Ballard"`))

	res, err = tl.neighborhoodStatus(context.Background(), makeReq(map[string]interface{}{"neighborhood": "Atlantis"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestUpdateRelayStatus(t *testing.T) {
	tl, srv := newTools(t)
	id := srv.Store().List()[0].ID

	res, err := tl.updateRelayStatus(context.Background(), makeReq(map[string]interface{}{
		"id": id, "status": "resolved", "notes": "cleared",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	p, ok := srv.Store().Get(id)
	require.True(t, ok)
	assert.Equal(t, relay.StatusResolved, p.Status)
	assert.Equal(t, "cleared", p.Notes)

	res, err = tl.updateRelayStatus(context.Background(), makeReq(map[string]interface{}{"status": "resolved"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = tl.updateRelayStatus(context.Background(), makeReq(map[string]interface{}{"id": "relay_missing", "status": "queued"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "404")
}
