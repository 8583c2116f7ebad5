package dashboard

import (
	"sync"

	"github.com/stellarlinkco/citypulse/internal/relay"
)

// FeedSize is how many packets the activity feed shows.
const FeedSize = 8

// Feed mirrors the relay set on the subscriber side by applying push events.
type Feed struct {
	mu      sync.RWMutex
	packets []relay.Packet
}

func NewFeed(initial []relay.Packet) *Feed {
	return &Feed{packets: append([]relay.Packet(nil), initial...)}
}

// Apply folds one event into the feed. Created packets go to the front,
// replacing any older copy; updates replace in place; snapshots replace
// everything.
func (f *Feed) Apply(ev relay.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch ev.Type {
	case relay.EventCreated:
		next := make([]relay.Packet, 0, len(f.packets)+1)
		next = append(next, ev.Packet)
		for _, p := range f.packets {
			if p.ID != ev.Packet.ID {
				next = append(next, p)
			}
		}
		f.packets = next
	case relay.EventUpdated:
		for i, p := range f.packets {
			if p.ID == ev.Packet.ID {
				f.packets[i] = ev.Packet
			}
		}
	case relay.EventDeleted:
		next := f.packets[:0]
		for _, p := range f.packets {
			if p.ID != ev.Packet.ID {
				next = append(next, p)
			}
		}
		f.packets = next
	case relay.EventSnapshot:
		f.packets = append([]relay.Packet(nil), ev.Snapshot...)
	}
}

// Packets returns the feed in event order.
func (f *Feed) Packets() []relay.Packet {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]relay.Packet(nil), f.packets...)
}

// Recent returns up to n packets, most recently updated first.
func (f *Feed) Recent(n int) []relay.Packet {
	out := f.Packets()
	relay.SortRecent(out)
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.packets)
}
