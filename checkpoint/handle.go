package checkpoint

import (
	"path/filepath"
	"time"

	"github.com/yottalabsai/verl/internal/model"
)

// State is the lifecycle state of a checkpoint in the index.
type State string

// Checkpoint states. A checkpoint is saving while its files are being
// written, complete once published, and pruned when retention or an explicit
// delete removed the local copy. A save that never published is failed.
const (
	StateSaving   State = "saving"
	StateComplete State = "complete"
	StatePruned   State = "pruned"
	StateFailed   State = "failed"
)

// Handle describes one checkpoint known to a Manager. It is a snapshot of
// the index row at the time of the call; Dir is the absolute step directory
// path.
type Handle struct {
	ID          string     `json:"id"`
	GlobalStep  int        `json:"global_step"`
	Dir         string     `json:"dir"`
	RemoteURL   string     `json:"remote_url,omitempty"`
	State       State      `json:"state"`
	SizeBytes   int64      `json:"size_bytes"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stats aggregates the index: how many checkpoints exist per state and the
// bytes held by complete ones.
type Stats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	CompleteBytes int64          `json:"complete_bytes"`
}

func handleFromRecord(root string, c *model.Checkpoint) *Handle {
	return &Handle{
		ID:          c.ID,
		GlobalStep:  c.GlobalStep,
		Dir:         filepath.Join(root, c.Dir),
		RemoteURL:   c.RemoteURL,
		State:       State(c.State),
		SizeBytes:   c.SizeBytes,
		CreatedAt:   c.CreatedAt,
		CompletedAt: c.CompletedAt,
	}
}
