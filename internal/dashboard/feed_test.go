package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/citypulse/internal/relay"
)

func ids(ps []relay.Packet) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestFeed_Apply(t *testing.T) {
	f := NewFeed(nil)

	f.Apply(relay.CreatedEvent(relay.Packet{ID: "a"}))
	f.Apply(relay.CreatedEvent(relay.Packet{ID: "b"}))
	assert.Equal(t, []string{"b", "a"}, ids(f.Packets()))

	// re-created packet moves to the front without duplicating
	f.Apply(relay.CreatedEvent(relay.Packet{ID: "a", Notes: "again"}))
	assert.Equal(t, []string{"a", "b"}, ids(f.Packets()))

	f.Apply(relay.UpdatedEvent(relay.Packet{ID: "b", Status: relay.StatusResolved}))
	assert.Equal(t, []string{"a", "b"}, ids(f.Packets()))
	assert.Equal(t, relay.StatusResolved, f.Packets()[1].Status)

	// update for an unknown id is ignored
	f.Apply(relay.UpdatedEvent(relay.Packet{ID: "zzz"}))
	assert.Equal(t, 2, f.Len())

	f.Apply(relay.DeletedEvent(relay.Packet{ID: "a"}))
	assert.Equal(t, []string{"b"}, ids(f.Packets()))

	f.Apply(relay.SnapshotEvent([]relay.Packet{{ID: "x"}, {ID: "y"}}))
	assert.Equal(t, []string{"x", "y"}, ids(f.Packets()))
}

func TestFeed_Recent(t *testing.T) {
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	var ps []relay.Packet
	for i := 0; i < 10; i++ {
		ps = append(ps, relay.Packet{ID: string(rune('a' + i)), UpdatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	f := NewFeed(ps)

	recent := f.Recent(FeedSize)
	require.Len(t, recent, FeedSize)
	assert.Equal(t, "j", recent[0].ID)
	assert.Equal(t, "c", recent[FeedSize-1].ID)

	// Recent does not reorder the feed itself
	assert.Equal(t, "a", f.Packets()[0].ID)
}
