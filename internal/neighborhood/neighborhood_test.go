package neighborhood

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	ids := IDs()
	assert.Equal(t, []string{"Downtown", "SoDo", "CapitolHill", "Ballard", "QueenAnne", "WestSeattle"}, ids)

	h, ok := ByID("QueenAnne")
	require.True(t, ok)
	assert.Equal(t, "Queen Anne", h.Name)
	assert.Equal(t, []string{"families", "events"}, h.Personas)

	_, ok = ByID("Fremont")
	assert.False(t, ok)
	assert.Equal(t, "Fremont", Name("Fremont"))
	assert.Equal(t, "West Seattle", Name("WestSeattle"))
}

func TestAll_ReturnsCopy(t *testing.T) {
	all := All()
	all[0].ID = "mutated"
	assert.Equal(t, "Downtown", All()[0].ID)
}

func TestClosest(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		want     string
	}{
		{"downtown centroid", 47.6062, -122.3321, "Downtown"},
		{"near stadiums", 47.5914, -122.3325, "SoDo"},
		{"ballard locks", 47.6655, -122.3972, "Ballard"},
		{"alki", 47.5763, -122.4096, "WestSeattle"},
		{"volunteer park", 47.6303, -122.3150, "CapitolHill"},
		{"space needle", 47.6205, -122.3493, "QueenAnne"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Closest(tt.lat, tt.lon).ID)
		})
	}
}

func TestClosest_IsMinimumDistance(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("result is a minimum-distance centroid", prop.ForAll(
		func(lat, lon float64) bool {
			got := Closest(lat, lon)
			d := distance(lat, lon, got)
			for _, h := range table {
				if distance(lat, lon, h) < d {
					return false
				}
			}
			return true
		},
		gen.Float64Range(47.40, 47.80),
		gen.Float64Range(-122.50, -122.20),
	))

	properties.Property("centroids classify to themselves", prop.ForAll(
		func(i int) bool {
			h := table[i]
			return Closest(h.Lat, h.Lon).ID == h.ID
		},
		gen.IntRange(0, len(table)-1),
	))

	properties.TestingRun(t)
}

func TestClosest_FarAwayStillReturnsEntry(t *testing.T) {
	got := Closest(0, 0)
	assert.NotEmpty(t, got.ID)
	assert.False(t, math.IsNaN(got.Lat))
}

func TestMatchText(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"Robbery near 15th Ave NW, Ballard", "Ballard", true},
		{"Shots fired at First Hill apartment", "CapitolHill", true},
		{"Crash near SODO busway", "SoDo", true},
		{"Lower Queen Anne road closure", "QueenAnne", true},
		{"Bridge traffic to West Seattle", "WestSeattle", true},
		{"Seattle", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := MatchText(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	_, err := parse([]byte("[]"))
	assert.Error(t, err)
	_, err = parse([]byte("- id: A\n- id: A\n"))
	assert.Error(t, err)
	_, err = parse([]byte("- name: nameless\n"))
	assert.Error(t, err)
}
