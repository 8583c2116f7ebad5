package dashboard

import (
	"fmt"
	"io"
	"strings"

	"github.com/stellarlinkco/citypulse/internal/relay"
)

var levelMarks = map[Level]string{
	LevelNormal:   "[ ok ]",
	LevelElevated: "[ !! ]",
	LevelCritical: "[CRIT]",
}

// Render writes a plain-text view of the tiles and feed.
func Render(w io.Writer, packets []relay.Packet) error {
	var b strings.Builder
	b.WriteString("City Pulse · Neighborhood Overview\n")
	b.WriteString(strings.Repeat("=", 40) + "\n")

	for _, t := range Tiles(packets) {
		fmt.Fprintf(&b, "%s %-14s %s\n", levelMarks[t.Status], t.Name, t.Label)
		if len(t.Relays) == 0 {
			b.WriteString("       no active relays\n")
		}
		for _, r := range t.Relays {
			fmt.Fprintf(&b, "       - %s", r.Headline)
			if r.Detail != "" {
				fmt.Fprintf(&b, ": %s", r.Detail)
			}
			b.WriteString("\n")
		}
	}

	feed := NewFeed(packets).Recent(FeedSize)
	b.WriteString("\nRecent relays\n")
	b.WriteString(strings.Repeat("-", 40) + "\n")
	if len(feed) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, p := range feed {
		fmt.Fprintf(&b, "  %-7s %-24s %-12s %3.0f%%  %s\n",
			p.Urgency, p.Category, p.Origin, p.ImpactScore*100, p.Status)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
