package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Wire(t *testing.T) {
	p := Packet{ID: "a", Origin: "SoDo", Targets: []string{}, RequestedActions: []string{}, Status: StatusDetected}

	data, err := json.Marshal(CreatedEvent(p))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "relay.created", raw["type"])
	assert.Equal(t, "a", raw["data"].(map[string]any)["id"])

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, EventCreated, back.Type)
	assert.Equal(t, "a", back.Packet.ID)
}

func TestEvent_SnapshotNeverNull(t *testing.T) {
	data, err := json.Marshal(SnapshotEvent(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"relay.snapshot","data":[]}`, string(data))
}

func TestEvent_UnknownType(t *testing.T) {
	var ev Event
	assert.Error(t, json.Unmarshal([]byte(`{"type":"relay.bogus","data":{}}`), &ev))
}
