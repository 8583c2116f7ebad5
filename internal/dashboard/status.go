// Package dashboard turns the live relay packet set into neighborhood
// status tiles and a recent-activity feed.
package dashboard

import (
	"strings"

	"github.com/stellarlinkco/citypulse/internal/neighborhood"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

type Level string

const (
	LevelNormal   Level = "normal"
	LevelElevated Level = "elevated"
	LevelCritical Level = "critical"
)

// CriticalImpact is the impact score at which a single active packet turns
// a neighborhood critical.
const CriticalImpact = 0.8

// MaxTileRelays caps the packets listed on one tile.
const MaxTileRelays = 3

func (l Level) Label() string {
	switch l {
	case LevelCritical:
		return "Critical"
	case LevelElevated:
		return "Elevated"
	default:
		return "Normal"
	}
}

// Impacting returns the active packets whose origin or targets include hood,
// keeping input order.
func Impacting(hood string, packets []relay.Packet) []relay.Packet {
	var out []relay.Packet
	for _, p := range packets {
		if p.Active() && p.Touches(hood) {
			out = append(out, p)
		}
	}
	return out
}

// DetermineStatus classifies hood from the active packets that touch it.
func DetermineStatus(hood string, packets []relay.Packet) Level {
	relevant := Impacting(hood, packets)
	for _, p := range relevant {
		if p.Urgency == relay.UrgencyUrgent || p.ImpactScore >= CriticalImpact {
			return LevelCritical
		}
	}
	if len(relevant) > 0 {
		return LevelElevated
	}
	return LevelNormal
}

type TileRelay struct {
	ID       string        `json:"id"`
	Headline string        `json:"headline"`
	Detail   string        `json:"detail"`
	Urgency  relay.Urgency `json:"urgency"`
	Impact   float64       `json:"impactScore"`
	Status   relay.Status  `json:"status"`
}

type Tile struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Personas    []string    `json:"personas"`
	Status      Level       `json:"status"`
	Label       string      `json:"label"`
	Relays      []TileRelay `json:"relays"`
}

// Tiles builds one tile per neighborhood in display order.
func Tiles(packets []relay.Packet) []Tile {
	hoods := neighborhood.All()
	tiles := make([]Tile, 0, len(hoods))
	for _, h := range hoods {
		status := DetermineStatus(h.ID, packets)
		impacting := Impacting(h.ID, packets)
		if len(impacting) > MaxTileRelays {
			impacting = impacting[:MaxTileRelays]
		}
		rows := make([]TileRelay, 0, len(impacting))
		for _, p := range impacting {
			rows = append(rows, TileRelay{
				ID:       p.ID,
				Headline: Headline(p.Category),
				Detail:   Detail(p),
				Urgency:  p.Urgency,
				Impact:   p.ImpactScore,
				Status:   p.Status,
			})
		}
		tiles = append(tiles, Tile{
			ID:          h.ID,
			Name:        h.Name,
			Description: h.Description,
			Personas:    h.Personas,
			Status:      status,
			Label:       status.Label(),
			Relays:      rows,
		})
	}
	return tiles
}

// Headline renders a category for display: "weather:heat-wave" -> "heat wave".
func Headline(category string) string {
	return strings.ReplaceAll(strings.Replace(category, "weather:", "", 1), "-", " ")
}

// Detail is the packet's notes, falling back to its first requested action.
func Detail(p relay.Packet) string {
	if p.Notes != "" {
		return p.Notes
	}
	if len(p.RequestedActions) > 0 {
		return p.RequestedActions[0]
	}
	return ""
}
