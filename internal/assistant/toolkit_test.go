package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/citypulse/internal/agui"
	"github.com/stellarlinkco/citypulse/internal/dashboard"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

type fakeRelay struct {
	packets []relay.Packet
	patches map[string]relay.Patch
	err     error
}

func (f *fakeRelay) List(context.Context) ([]relay.Packet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]relay.Packet(nil), f.packets...), nil
}

func (f *fakeRelay) Patch(_ context.Context, id string, patch relay.Patch) (relay.Packet, error) {
	for _, p := range f.packets {
		if p.ID == id {
			if f.patches == nil {
				f.patches = make(map[string]relay.Patch)
			}
			f.patches[id] = patch
			p.Status = *patch.Status
			return p, nil
		}
	}
	return relay.Packet{}, &relay.StatusError{Method: "PATCH", Path: "/relay/" + id, Code: 404}
}

func samplePackets() []relay.Packet {
	base := time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC)
	return []relay.Packet{
		{ID: "relay_a", Origin: "Ballard", Category: "fire", ImpactScore: 0.9, Urgency: relay.UrgencyUrgent, Status: relay.StatusDetected, UpdatedAt: base},
		{ID: "relay_b", Origin: "SoDo", Targets: []string{"SoDo", "Ballard"}, Category: "traffic", ImpactScore: 0.4, Status: relay.StatusQueued, UpdatedAt: base.Add(time.Minute)},
		{ID: "relay_c", Origin: "Downtown", Category: "police", ImpactScore: 0.5, Status: relay.StatusResolved, UpdatedAt: base.Add(2 * time.Minute)},
	}
}

func ids(ps []relay.Packet) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestToolkit_ListRelays(t *testing.T) {
	k := NewToolkit(&fakeRelay{packets: samplePackets()})
	ctx := context.Background()

	all, err := k.ListRelays(ctx, "", false, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"relay_c", "relay_b", "relay_a"}, ids(all))

	active, err := k.ListRelays(ctx, "", true, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"relay_b", "relay_a"}, ids(active))

	ballard, err := k.ListRelays(ctx, "ballard", false, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"relay_b"}, ids(ballard))

	_, err = k.ListRelays(ctx, "Atlantis", false, 0)
	assert.ErrorIs(t, err, ErrUnknownNeighborhood)
}

func TestToolkit_ListRelaysError(t *testing.T) {
	k := NewToolkit(&fakeRelay{err: errors.New("connection refused")})
	_, err := k.ListRelays(context.Background(), "", false, 0)
	assert.ErrorContains(t, err, "connection refused")
}

func TestToolkit_NeighborhoodStatus(t *testing.T) {
	k := NewToolkit(&fakeRelay{packets: samplePackets()})
	ctx := context.Background()

	tiles, err := k.NeighborhoodStatus(ctx, "Ballard")
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, dashboard.LevelCritical, tiles[0].Status)
	assert.Len(t, tiles[0].Relays, 2)

	tiles, err = k.NeighborhoodStatus(ctx, "downtown")
	require.NoError(t, err)
	assert.Equal(t, dashboard.LevelNormal, tiles[0].Status)

	all, err := k.NeighborhoodStatus(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestToolkit_UpdateRelayStatus(t *testing.T) {
	fr := &fakeRelay{packets: samplePackets()}
	k := NewToolkit(fr)
	ctx := context.Background()

	p, err := k.UpdateRelayStatus(ctx, "relay_a", "In_Action", "crew on site")
	require.NoError(t, err)
	assert.Equal(t, relay.StatusInAction, p.Status)
	require.NotNil(t, fr.patches["relay_a"].Notes)
	assert.Equal(t, "crew on site", *fr.patches["relay_a"].Notes)

	_, err = k.UpdateRelayStatus(ctx, "relay_a", "done", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = k.UpdateRelayStatus(ctx, " ", "queued", "")
	assert.Error(t, err)

	_, err = k.UpdateRelayStatus(ctx, "relay_zz", "queued", "")
	var se *relay.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 404, se.Code)
}

func TestRelayTools_Execute(t *testing.T) {
	k := NewToolkit(&fakeRelay{packets: samplePackets()})
	tools := k.Tools()
	require.Len(t, tools, 3)
	assert.Equal(t, ToolListRelays, tools[0].Name())
	assert.Equal(t, []string{"id", "status"}, tools[2].Schema().Required)

	res, err := tools[0].Execute(context.Background(), map[string]interface{}{"activeOnly": true, "limit": float64(1)})
	require.NoError(t, err)
	require.True(t, res.Success)
	var got []relay.Packet
	require.NoError(t, json.Unmarshal([]byte(res.Output), &got))
	assert.Equal(t, []string{"relay_b"}, ids(got))

	res, err = tools[2].Execute(context.Background(), map[string]interface{}{"id": "relay_a", "status": "bogus"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, ErrInvalidStatus)
}

func TestClientTool(t *testing.T) {
	tools := clientTools([]agui.Tool{
		{Name: "highlight_tile", Description: "Highlight a tile", Parameters: json.RawMessage(`{"type":"object","properties":{"hood":{"type":"string"}},"required":["hood"]}`)},
		{Name: "  "},
		{Name: "broken_schema", Parameters: json.RawMessage(`[1,2]`)},
	})
	require.Len(t, tools, 2)

	assert.Equal(t, "highlight_tile", tools[0].Name())
	assert.Equal(t, []string{"hood"}, tools[0].Schema().Required)
	assert.Equal(t, "object", tools[1].Schema().Type)

	res, err := tools[0].Execute(context.Background(), map[string]interface{}{"hood": "Ballard"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"hood":"Ballard"}`, res.Output)
}
