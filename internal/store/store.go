package store

import (
	"context"
	"errors"

	"github.com/yottalabsai/verl/internal/model"
)

// ErrNotFound is returned when a checkpoint record is not found.
var ErrNotFound = errors.New("checkpoint not found")

// ErrInvalidTransition is returned when a checkpoint state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// CheckpointStats holds aggregate index statistics.
type CheckpointStats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	CompleteBytes int64          `json:"complete_bytes"`
}

// Store defines the persistence operations for the checkpoint index.
type Store interface {
	CreateCheckpoint(ctx context.Context, c *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error)
	GetCheckpointByStep(ctx context.Context, step int) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, limit, offset int) ([]*model.Checkpoint, int, error)
	LatestComplete(ctx context.Context) (*model.Checkpoint, error)
	CompleteCheckpoint(ctx context.Context, id string, sizeBytes int64) error
	UpdateCheckpointState(ctx context.Context, id, state string) error
	SetRemoteURL(ctx context.Context, id, remoteURL string) error
	DeleteCheckpoint(ctx context.Context, id string) error
	GetCheckpointStats(ctx context.Context) (*CheckpointStats, error)
	Close() error
}
