package models

import "fmt"

// Status is the canonical ride status. The wire values below are the only
// spellings this service ever emits.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAccepted          Status = "accepted"
	StatusArrived           Status = "arrived"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusNoDriverAvailable Status = "no_driver_available"
)

// Older clients speak a second vocabulary for the same three states.
// We accept it at the boundary and canonicalize; we never emit it.
var statusAliases = map[string]Status{
	"driver_on_way":  StatusAccepted,
	"driver_arrived": StatusArrived,
	"picked_up":      StatusInProgress,
}

// ParseStatus canonicalizes a wire status string, folding legacy aliases.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusAccepted, StatusArrived, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusNoDriverAvailable:
		return Status(s), nil
	}
	if c, ok := statusAliases[s]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown ride status %q", s)
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoDriverAvailable:
		return true
	}
	return false
}

// ActiveForTracking reports whether driver position may be refreshed.
func (s Status) ActiveForTracking() bool {
	switch s {
	case StatusAccepted, StatusArrived, StatusInProgress:
		return true
	}
	return false
}

// transitions is the legal edge set. Anything not listed conflicts.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusCancelled, StatusNoDriverAvailable},
	StatusAccepted:   {StatusArrived, StatusCancelled},
	StatusArrived:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, n := range transitions[from] {
		if n == to {
			return true
		}
	}
	return false
}
