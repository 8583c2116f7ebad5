package relay

// DemoPackets is the fixture inserted by POST /seed.
func DemoPackets() []Packet {
	return []Packet{
		{
			ID:          "relay_sodo_demo",
			Origin:      "SoDo",
			Targets:     []string{"PioneerSquare", "Ballard"},
			Category:    "accident",
			ImpactScore: 0.87,
			Urgency:     UrgencyUrgent,
			Window:      "now→+45m",
			RequestedActions: []string{
				"Pre-stage ambulances in Pioneer Square",
				"Reroute freight via Spokane St detour",
			},
			Status: StatusQueued,
			Notes:  "Multi-vehicle crash near Lumen Field exit.",
		},
	}
}
