package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Checkpoint state constants.
const (
	StateSaving   = "saving"
	StateComplete = "complete"
	StatePruned   = "pruned"
	StateFailed   = "failed"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[string]map[string]bool{
	StateSaving: {
		StateComplete: true,
		StateFailed:   true,
	},
	StateComplete: {
		StatePruned: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Checkpoint represents one saved model snapshot registered in the index.
// Dir is the step directory name relative to the checkpoint root.
type Checkpoint struct {
	ID          string     `json:"id"`
	GlobalStep  int        `json:"global_step"`
	Dir         string     `json:"dir"`
	RemoteURL   string     `json:"remote_url,omitempty"`
	State       string     `json:"state"`
	SizeBytes   int64      `json:"size_bytes"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewID generates a new ULID string for use as a checkpoint identifier.
func NewID() string {
	return ulid.Make().String()
}
