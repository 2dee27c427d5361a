package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/yottalabsai/verl/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestCheckpoint(step int) *model.Checkpoint {
	return &model.Checkpoint{
		ID:         model.NewID(),
		GlobalStep: step,
		Dir:        fmt.Sprintf("global_step_%d", step),
		State:      model.StateSaving,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := makeTestCheckpoint(100)

	if err := s.CreateCheckpoint(ctx, c); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	got, err := s.GetCheckpoint(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}

	if got.ID != c.ID {
		t.Errorf("ID = %q, want %q", got.ID, c.ID)
	}
	if got.GlobalStep != c.GlobalStep {
		t.Errorf("GlobalStep = %d, want %d", got.GlobalStep, c.GlobalStep)
	}
	if got.Dir != c.Dir {
		t.Errorf("Dir = %q, want %q", got.Dir, c.Dir)
	}
	if got.State != model.StateSaving {
		t.Errorf("State = %q, want %q", got.State, model.StateSaving)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil for a saving checkpoint", got.CompletedAt)
	}
}

func TestGetCheckpointNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetCheckpoint(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCheckpoint error = %v, want ErrNotFound", err)
	}
}

func TestCompleteCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := makeTestCheckpoint(100)

	if err := s.CreateCheckpoint(ctx, c); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if err := s.CompleteCheckpoint(ctx, c.ID, 4096); err != nil {
		t.Fatalf("CompleteCheckpoint: %v", err)
	}

	got, _ := s.GetCheckpoint(ctx, c.ID)
	if got.State != model.StateComplete {
		t.Errorf("State = %q, want %q", got.State, model.StateComplete)
	}
	if got.SizeBytes != 4096 {
		t.Errorf("SizeBytes = %d, want 4096", got.SizeBytes)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt is nil, expected it to be set for complete state")
	}
}

func TestCompleteCheckpointTwice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := makeTestCheckpoint(100)

	if err := s.CreateCheckpoint(ctx, c); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if err := s.CompleteCheckpoint(ctx, c.ID, 4096); err != nil {
		t.Fatalf("CompleteCheckpoint: %v", err)
	}

	err := s.CompleteCheckpoint(ctx, c.ID, 4096)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second CompleteCheckpoint: got error %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateCheckpointStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := makeTestCheckpoint(100)

	if err := s.CreateCheckpoint(ctx, c); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	// saving → complete → pruned
	if err := s.CompleteCheckpoint(ctx, c.ID, 10); err != nil {
		t.Fatalf("saving→complete: %v", err)
	}
	if err := s.UpdateCheckpointState(ctx, c.ID, model.StatePruned); err != nil {
		t.Fatalf("complete→pruned: %v", err)
	}

	got, _ := s.GetCheckpoint(ctx, c.ID)
	if got.State != model.StatePruned {
		t.Errorf("State = %q, want %q", got.State, model.StatePruned)
	}
}

func TestUpdateCheckpointStateInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
	}{
		{"saving→pruned", model.StateSaving, model.StatePruned},
		{"failed→complete", model.StateFailed, model.StateComplete},
		{"pruned→complete", model.StatePruned, model.StateComplete},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := makeTestCheckpoint(1)
			c.State = tc.from
			if err := s.CreateCheckpoint(ctx, c); err != nil {
				t.Fatalf("CreateCheckpoint: %v", err)
			}

			err := s.UpdateCheckpointState(ctx, c.ID, tc.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestUpdateCheckpointStateNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateCheckpointState(context.Background(), "nonexistent", model.StateFailed)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateCheckpointState error = %v, want ErrNotFound", err)
	}
}

func TestListCheckpointsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		c := makeTestCheckpoint(i * 10)
		if err := s.CreateCheckpoint(ctx, c); err != nil {
			t.Fatalf("CreateCheckpoint[%d]: %v", i, err)
		}
	}

	checkpoints, total, err := s.ListCheckpoints(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(checkpoints) != 2 {
		t.Errorf("len(checkpoints) = %d, want 2", len(checkpoints))
	}

	checkpoints2, total2, err := s.ListCheckpoints(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListCheckpoints page 2: %v", err)
	}
	if total2 != 5 {
		t.Errorf("total page 2 = %d, want 5", total2)
	}
	if len(checkpoints2) != 2 {
		t.Errorf("len(checkpoints) page 2 = %d, want 2", len(checkpoints2))
	}
}

func TestListCheckpointsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, step := range []int{20, 5, 300} {
		if err := s.CreateCheckpoint(ctx, makeTestCheckpoint(step)); err != nil {
			t.Fatalf("CreateCheckpoint(step=%d): %v", step, err)
		}
	}

	checkpoints, _, err := s.ListCheckpoints(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}

	// Should be ordered by global_step DESC — newest first.
	for i := 1; i < len(checkpoints); i++ {
		if checkpoints[i].GlobalStep > checkpoints[i-1].GlobalStep {
			t.Errorf("checkpoints not in DESC step order: [%d].GlobalStep=%d > [%d].GlobalStep=%d",
				i, checkpoints[i].GlobalStep, i-1, checkpoints[i-1].GlobalStep)
		}
	}
}

func TestListCheckpointsEmpty(t *testing.T) {
	s := newTestStore(t)

	checkpoints, total, err := s.ListCheckpoints(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if checkpoints != nil {
		t.Errorf("checkpoints = %v, want nil", checkpoints)
	}
}

func TestLatestComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Steps 10 and 20 complete, 30 still saving, 40 failed.
	for _, tc := range []struct {
		step     int
		complete bool
		fail     bool
	}{
		{step: 10, complete: true},
		{step: 20, complete: true},
		{step: 30},
		{step: 40, fail: true},
	} {
		c := makeTestCheckpoint(tc.step)
		if err := s.CreateCheckpoint(ctx, c); err != nil {
			t.Fatalf("CreateCheckpoint(step=%d): %v", tc.step, err)
		}
		if tc.complete {
			if err := s.CompleteCheckpoint(ctx, c.ID, 1); err != nil {
				t.Fatalf("CompleteCheckpoint(step=%d): %v", tc.step, err)
			}
		}
		if tc.fail {
			if err := s.UpdateCheckpointState(ctx, c.ID, model.StateFailed); err != nil {
				t.Fatalf("fail(step=%d): %v", tc.step, err)
			}
		}
	}

	got, err := s.LatestComplete(ctx)
	if err != nil {
		t.Fatalf("LatestComplete: %v", err)
	}
	if got.GlobalStep != 20 {
		t.Errorf("LatestComplete step = %d, want 20", got.GlobalStep)
	}
}

func TestLatestCompleteEmpty(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LatestComplete(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestComplete on empty index: error = %v, want ErrNotFound", err)
	}
}

func TestGetCheckpointByStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := makeTestCheckpoint(50)
	if err := s.CreateCheckpoint(ctx, c); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	// Still saving: not visible by step.
	if _, err := s.GetCheckpointByStep(ctx, 50); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCheckpointByStep before complete: error = %v, want ErrNotFound", err)
	}

	if err := s.CompleteCheckpoint(ctx, c.ID, 1); err != nil {
		t.Fatalf("CompleteCheckpoint: %v", err)
	}

	got, err := s.GetCheckpointByStep(ctx, 50)
	if err != nil {
		t.Fatalf("GetCheckpointByStep: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("ID = %q, want %q", got.ID, c.ID)
	}
}

func TestSetRemoteURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := makeTestCheckpoint(100)

	if err := s.CreateCheckpoint(ctx, c); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if err := s.SetRemoteURL(ctx, c.ID, "gs://bucket/run1"); err != nil {
		t.Fatalf("SetRemoteURL: %v", err)
	}

	got, _ := s.GetCheckpoint(ctx, c.ID)
	if got.RemoteURL != "gs://bucket/run1" {
		t.Errorf("RemoteURL = %q, want %q", got.RemoteURL, "gs://bucket/run1")
	}

	if err := s.SetRemoteURL(ctx, "nonexistent", "gs://x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetRemoteURL for missing id: error = %v, want ErrNotFound", err)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := makeTestCheckpoint(100)

	if err := s.CreateCheckpoint(ctx, c); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if err := s.DeleteCheckpoint(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}

	if _, err := s.GetCheckpoint(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCheckpoint after delete: error = %v, want ErrNotFound", err)
	}

	if err := s.DeleteCheckpoint(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteCheckpoint: error = %v, want ErrNotFound", err)
	}
}

func TestGetCheckpointStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := makeTestCheckpoint(10)
	b := makeTestCheckpoint(20)
	c := makeTestCheckpoint(30)
	for _, ckpt := range []*model.Checkpoint{a, b, c} {
		if err := s.CreateCheckpoint(ctx, ckpt); err != nil {
			t.Fatalf("CreateCheckpoint(step=%d): %v", ckpt.GlobalStep, err)
		}
	}
	if err := s.CompleteCheckpoint(ctx, a.ID, 100); err != nil {
		t.Fatalf("CompleteCheckpoint(a): %v", err)
	}
	if err := s.CompleteCheckpoint(ctx, b.ID, 200); err != nil {
		t.Fatalf("CompleteCheckpoint(b): %v", err)
	}

	stats, err := s.GetCheckpointStats(ctx)
	if err != nil {
		t.Fatalf("GetCheckpointStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByState[model.StateComplete] != 2 {
		t.Errorf("complete count = %d, want 2", stats.CountByState[model.StateComplete])
	}
	if stats.CountByState[model.StateSaving] != 1 {
		t.Errorf("saving count = %d, want 1", stats.CountByState[model.StateSaving])
	}
	if stats.CompleteBytes != 300 {
		t.Errorf("CompleteBytes = %d, want 300", stats.CompleteBytes)
	}
}
