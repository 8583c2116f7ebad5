package relay

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventCreated  EventType = "relay.created"
	EventUpdated  EventType = "relay.updated"
	EventDeleted  EventType = "relay.deleted"
	EventSnapshot EventType = "relay.snapshot"
)

// Event is the push payload sent to subscribers. Snapshot events carry the
// full packet set, the others a single packet.
type Event struct {
	Type     EventType
	Packet   Packet
	Snapshot []Packet
}

func CreatedEvent(p Packet) Event { return Event{Type: EventCreated, Packet: p} }
func UpdatedEvent(p Packet) Event { return Event{Type: EventUpdated, Packet: p} }
func DeletedEvent(p Packet) Event { return Event{Type: EventDeleted, Packet: p} }

func SnapshotEvent(ps []Packet) Event {
	if ps == nil {
		ps = []Packet{}
	}
	return Event{Type: EventSnapshot, Snapshot: ps}
}

type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if e.Type == EventSnapshot {
		data, err = json.Marshal(SnapshotEvent(e.Snapshot).Snapshot)
	} else {
		data, err = json.Marshal(e.Packet)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Type, Data: data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Type = w.Type
	switch w.Type {
	case EventSnapshot:
		e.Snapshot = nil
		if err := json.Unmarshal(w.Data, &e.Snapshot); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
	case EventCreated, EventUpdated, EventDeleted:
		if err := json.Unmarshal(w.Data, &e.Packet); err != nil {
			return fmt.Errorf("decode %s: %w", w.Type, err)
		}
	default:
		return fmt.Errorf("unknown relay event type %q", w.Type)
	}
	return nil
}
