// Package lifecycle defines the channel lifecycle state machine and the
// pure read-side classifiers derived from channel timestamps.
//
// Valid state graph:
//
//	UNKNOWN ──discovered──► ACTIVE ──deactivated──► INACTIVE
//	                         ▲  │                      │
//	                         │  └──updated──┘          │
//	                         └──────reactivated────────┘
//
// A channel is never deleted, so there is no way back to UNKNOWN.
package lifecycle

import (
	"fmt"

	"channelscope/channel-service/internal/model"
)

// State is the roster state of a channel as seen by reconciliation.
type State string

const (
	StateUnknown  State = "UNKNOWN"
	StateActive   State = "ACTIVE"
	StateInactive State = "INACTIVE"
)

// validTransitions lists every allowed (from → to) pair with the event it emits.
var validTransitions = map[State]map[State]model.EventType{
	StateUnknown:  {StateActive: model.EventDiscovered},
	StateActive:   {StateActive: model.EventUpdated, StateInactive: model.EventDeactivated},
	StateInactive: {StateActive: model.EventReactivated},
}

// StateOf returns the roster state of a persisted channel; nil means the
// channel has never been seen.
func StateOf(ch *model.Channel) State {
	switch {
	case ch == nil:
		return StateUnknown
	case ch.IsActive:
		return StateActive
	default:
		return StateInactive
	}
}

// IsTransitionAllowed returns true when moving from → to is permitted.
func IsTransitionAllowed(from, to State) bool {
	_, ok := validTransitions[from][to]
	return ok
}

// Sighting computes the event emitted when a channel currently in state
// from shows up in a scrape. changed reports whether any comparable field
// differs. An empty event type means nothing but lastSeenAt moves.
func Sighting(from State, changed bool) model.EventType {
	switch from {
	case StateUnknown:
		return validTransitions[StateUnknown][StateActive]
	case StateInactive:
		return validTransitions[StateInactive][StateActive]
	}
	if changed {
		return validTransitions[StateActive][StateActive]
	}
	return ""
}

// Absence computes the event emitted when a channel in state from is
// missing from a scrape that covered its region.
func Absence(from State) (model.EventType, bool) {
	ev, ok := validTransitions[from][StateInactive]
	return ev, ok
}

// ParseEventType converts a raw string to an EventType, returning an error
// for unknown values.
func ParseEventType(s string) (model.EventType, error) {
	ev := model.EventType(s)
	switch ev {
	case model.EventDiscovered, model.EventUpdated, model.EventDeactivated, model.EventReactivated:
		return ev, nil
	}
	return "", fmt.Errorf("unknown lifecycle event type %q", s)
}
