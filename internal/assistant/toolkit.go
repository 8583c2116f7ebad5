// Package assistant runs the city pulse agent: relay tools shared by the
// AG-UI dispatcher and the MCP server, and the agentsdk-go dispatcher that
// streams a run into the bridge.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/citypulse/internal/dashboard"
	"github.com/stellarlinkco/citypulse/internal/neighborhood"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

const (
	ToolListRelays         = "list_relays"
	ToolNeighborhoodStatus = "neighborhood_status"
	ToolUpdateRelayStatus  = "update_relay_status"

	DefaultListLimit = 20
)

var (
	ErrUnknownNeighborhood = errors.New("unknown neighborhood")
	ErrInvalidStatus       = errors.New("invalid status")
)

// Relay is the relay API the tools call. *relay.Client satisfies it.
type Relay interface {
	List(ctx context.Context) ([]relay.Packet, error)
	Patch(ctx context.Context, id string, patch relay.Patch) (relay.Packet, error)
}

type Toolkit struct {
	relay Relay
}

func NewToolkit(r Relay) *Toolkit {
	return &Toolkit{relay: r}
}

// ListRelays returns packets most recent first, optionally only those
// touching hood and only unresolved ones.
func (k *Toolkit) ListRelays(ctx context.Context, hood string, activeOnly bool, limit int) ([]relay.Packet, error) {
	if hood != "" {
		id, err := resolveHood(hood)
		if err != nil {
			return nil, err
		}
		hood = id
	}
	packets, err := k.relay.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list relays: %w", err)
	}
	relay.SortRecent(packets)

	if limit <= 0 {
		limit = DefaultListLimit
	}
	out := make([]relay.Packet, 0, min(limit, len(packets)))
	for _, p := range packets {
		if len(out) == limit {
			break
		}
		if activeOnly && !p.Active() {
			continue
		}
		if hood != "" && !p.Touches(hood) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// NeighborhoodStatus returns the dashboard tile for hood, or every tile
// when hood is empty.
func (k *Toolkit) NeighborhoodStatus(ctx context.Context, hood string) ([]dashboard.Tile, error) {
	packets, err := k.relay.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list relays: %w", err)
	}
	tiles := dashboard.Tiles(packets)
	if hood == "" {
		return tiles, nil
	}
	id, err := resolveHood(hood)
	if err != nil {
		return nil, err
	}
	for _, t := range tiles {
		if t.ID == id {
			return []dashboard.Tile{t}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownNeighborhood, hood)
}

func (k *Toolkit) UpdateRelayStatus(ctx context.Context, id, status, notes string) (relay.Packet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return relay.Packet{}, errors.New("id is required")
	}
	st := relay.Status(strings.ToLower(strings.TrimSpace(status)))
	if !st.Valid() {
		return relay.Packet{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	patch := relay.Patch{Status: &st}
	if notes != "" {
		patch.Notes = &notes
	}
	p, err := k.relay.Patch(ctx, id, patch)
	if err != nil {
		return relay.Packet{}, fmt.Errorf("update relay %s: %w", id, err)
	}
	return p, nil
}

// resolveHood accepts a neighborhood id or a name mentioned in text.
func resolveHood(s string) (string, error) {
	if h, ok := neighborhood.ByID(strings.TrimSpace(s)); ok {
		return h.ID, nil
	}
	if h, ok := neighborhood.MatchText(s); ok {
		return h.ID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownNeighborhood, s)
}

func statusNames() []string {
	var names []string
	for _, s := range relay.Statuses() {
		names = append(names, string(s))
	}
	return names
}
