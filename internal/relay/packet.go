// Package relay implements the in-memory relay packet service: the packet
// model, the store, the push hub and the HTTP surface around them.
package relay

import (
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("relay not found")

type Status string

const (
	StatusDetected     Status = "detected"
	StatusQueued       Status = "queued"
	StatusAcknowledged Status = "acknowledged"
	StatusInAction     Status = "in_action"
	StatusResolved     Status = "resolved"
)

var statuses = []Status{StatusDetected, StatusQueued, StatusAcknowledged, StatusInAction, StatusResolved}

func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

func (s Status) Valid() bool {
	for _, v := range statuses {
		if s == v {
			return true
		}
	}
	return false
}

type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyUrgent Urgency = "urgent"
)

const (
	DefaultCategory = "general"
	DefaultWindow   = "now"
)

// Packet is one actionable signal about a neighborhood.
type Packet struct {
	ID               string    `json:"id"`
	Origin           string    `json:"origin"`
	Targets          []string  `json:"targets"`
	Category         string    `json:"category"`
	ImpactScore      float64   `json:"impactScore"`
	Urgency          Urgency   `json:"urgency"`
	Window           string    `json:"window"`
	RequestedActions []string  `json:"requestedActions"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Notes            string    `json:"notes,omitempty"`
}

// Active reports whether the packet still counts toward neighborhood status.
func (p Packet) Active() bool {
	return p.Status != StatusResolved
}

// Touches reports whether hood is the packet's origin or one of its targets.
func (p Packet) Touches(hood string) bool {
	if p.Origin == hood {
		return true
	}
	for _, t := range p.Targets {
		if t == hood {
			return true
		}
	}
	return false
}

func (p Packet) clone() Packet {
	p.Targets = append([]string(nil), p.Targets...)
	p.RequestedActions = append([]string(nil), p.RequestedActions...)
	if p.Targets == nil {
		p.Targets = []string{}
	}
	if p.RequestedActions == nil {
		p.RequestedActions = []string{}
	}
	return p
}

// Draft is the POST /relay body. Zero values pick up defaults.
type Draft struct {
	ID               string   `json:"id,omitempty"`
	Origin           string   `json:"origin"`
	Targets          []string `json:"targets,omitempty"`
	Category         string   `json:"category,omitempty"`
	ImpactScore      float64  `json:"impactScore"`
	Urgency          Urgency  `json:"urgency,omitempty"`
	Window           string   `json:"window,omitempty"`
	RequestedActions []string `json:"requestedActions,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

func (d Draft) packet(id string, now time.Time) Packet {
	p := Packet{
		ID:               id,
		Origin:           strings.TrimSpace(d.Origin),
		Targets:          d.Targets,
		Category:         d.Category,
		ImpactScore:      d.ImpactScore,
		Urgency:          d.Urgency,
		Window:           d.Window,
		RequestedActions: d.RequestedActions,
		Status:           StatusDetected,
		CreatedAt:        now,
		UpdatedAt:        now,
		Notes:            d.Notes,
	}
	if p.Category == "" {
		p.Category = DefaultCategory
	}
	if p.Urgency == "" {
		p.Urgency = UrgencyNormal
	}
	if p.Window == "" {
		p.Window = DefaultWindow
	}
	return p.clone()
}

// Patch is the PATCH /relay/:id body. Nil fields are left unchanged.
type Patch struct {
	Status *Status `json:"status,omitempty"`
	Notes  *string `json:"notes,omitempty"`
}
