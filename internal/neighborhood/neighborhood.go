// Package neighborhood holds the fixed set of city zones and the helpers
// that map coordinates or free text onto them.
package neighborhood

import (
	_ "embed"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultID = "Downtown"

type Neighborhood struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Personas    []string `yaml:"personas" json:"personas"`
	Lat         float64  `yaml:"lat" json:"lat"`
	Lon         float64  `yaml:"lon" json:"lon"`
	Aliases     []string `yaml:"aliases" json:"-"`
}

//go:embed neighborhoods.yaml
var rawTable []byte

var table = mustLoad(rawTable)

func mustLoad(data []byte) []Neighborhood {
	hoods, err := parse(data)
	if err != nil {
		panic(err)
	}
	return hoods
}

func parse(data []byte) ([]Neighborhood, error) {
	var hoods []Neighborhood
	if err := yaml.Unmarshal(data, &hoods); err != nil {
		return nil, fmt.Errorf("parse neighborhoods: %w", err)
	}
	if len(hoods) == 0 {
		return nil, fmt.Errorf("parse neighborhoods: empty table")
	}
	seen := make(map[string]bool, len(hoods))
	for _, h := range hoods {
		if h.ID == "" {
			return nil, fmt.Errorf("parse neighborhoods: entry without id")
		}
		if seen[h.ID] {
			return nil, fmt.Errorf("parse neighborhoods: duplicate id %q", h.ID)
		}
		seen[h.ID] = true
	}
	return hoods, nil
}

// All returns a copy of the table in display order.
func All() []Neighborhood {
	out := make([]Neighborhood, len(table))
	copy(out, table)
	return out
}

// IDs returns the neighborhood ids in display order.
func IDs() []string {
	ids := make([]string, len(table))
	for i, h := range table {
		ids[i] = h.ID
	}
	return ids
}

func ByID(id string) (Neighborhood, bool) {
	for _, h := range table {
		if h.ID == id {
			return h, true
		}
	}
	return Neighborhood{}, false
}

// Name returns the display name for id, or id itself when unknown.
func Name(id string) string {
	if h, ok := ByID(id); ok {
		return h.Name
	}
	return id
}

// Closest returns the neighborhood whose centroid is nearest to the point,
// using plain Euclidean distance in degrees. Ties keep the earlier entry.
func Closest(lat, lon float64) Neighborhood {
	best := table[0]
	bestDist := math.Inf(1)
	for _, h := range table {
		d := distance(lat, lon, h)
		if d < bestDist {
			best, bestDist = h, d
		}
	}
	return best
}

func distance(lat, lon float64, h Neighborhood) float64 {
	dLat := lat - h.Lat
	dLon := lon - h.Lon
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

// MatchText finds the first neighborhood with an alias contained in text.
func MatchText(text string) (Neighborhood, bool) {
	lower := strings.ToLower(text)
	if lower == "" {
		return Neighborhood{}, false
	}
	for _, h := range table {
		for _, alias := range h.Aliases {
			if strings.Contains(lower, alias) {
				return h, true
			}
		}
	}
	return Neighborhood{}, false
}
