package e2e

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yottalabsai/verl/batch"
	"github.com/yottalabsai/verl/engine"
	"github.com/yottalabsai/verl/engine/enginetest"
)

// makeBatch builds a deterministic rows x features input batch.
func makeBatch(t *testing.T, rows, features int) *batch.Batch {
	t.Helper()
	data := make([]float32, rows*features)
	for i := range data {
		data[i] = float32(i%7) - 3
	}
	tensor, err := batch.NewTensor([]int{rows, features}, data)
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	b := batch.New()
	if err := b.Put("inputs", tensor); err != nil {
		t.Fatalf("Put: %v", err)
	}
	b.SetMeta("batch_id", "e2e")
	return b
}

func meanSquareLoss(micro *batch.Batch, out *batch.Tensor) (float64, engine.Metrics, error) {
	var sum float64
	for _, v := range out.Data {
		sum += float64(v) * float64(v)
	}
	l := sum / float64(out.Rows())
	return l, engine.Metrics{"loss": l, "rows": float64(micro.Len())}, nil
}

func identityPost(_ *batch.Batch, out *batch.Tensor) (*batch.Tensor, engine.Metrics, error) {
	return out, engine.Metrics{"rows": float64(out.Rows())}, nil
}

func inferOnce(t *testing.T, e engine.Engine, b *batch.Batch) *batch.Tensor {
	t.Helper()
	var pred *batch.Tensor
	err := e.EvalMode(context.Background(), func(ctx context.Context) error {
		var err error
		pred, _, err = e.InferBatch(ctx, b, identityPost)
		return err
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	return pred
}

// TestTrainingLoopEndToEnd drives the whole contract the way a trainer
// would: accumulation windows of two batches, optimizer and scheduler
// steps, periodic checkpoints with retention and replication, and a
// restore into a fresh engine that must predict identically.
func TestTrainingLoopEndToEnd(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	remote := t.TempDir()

	cfg := enginetest.FakeConfig{
		Params:         []float64{0.2, -0.4},
		LR:             0.05,
		Gamma:          0.9,
		Momentum:       0.9,
		WorldSize:      2,
		MicroBatchRows: 2,
	}
	e := newFakeEngine(t, cfg)

	b1 := makeBatch(t, 8, 2)
	b2 := makeBatch(t, 4, 2)

	keep := 2
	const steps = 6
	for step := 1; step <= steps; step++ {
		if err := e.OptimizerZeroGrad(); err != nil {
			t.Fatalf("step %d: OptimizerZeroGrad: %v", step, err)
		}

		err := e.TrainMode(ctx, func(ctx context.Context) error {
			metrics, err := e.TrainBatch(ctx, b1, meanSquareLoss)
			if err != nil {
				return err
			}
			// 8 rows across micro-batches of 2 sum back to 8.
			if got := metrics["rows"]; got != 8 {
				t.Errorf("step %d: rows metric = %v, want 8", step, got)
			}
			_, err = e.TrainBatch(ctx, b2, meanSquareLoss)
			return err
		})
		if err != nil {
			t.Fatalf("step %d: train window: %v", step, err)
		}

		gradNorm, err := e.OptimizerStep()
		if err != nil {
			t.Fatalf("step %d: OptimizerStep: %v", step, err)
		}
		if gradNorm <= 0 {
			t.Errorf("step %d: gradNorm = %v, want > 0", step, gradNorm)
		}

		lrs, err := e.LRSchedulerStep()
		if err != nil {
			t.Fatalf("step %d: LRSchedulerStep: %v", step, err)
		}
		wantLR := cfg.LR * math.Pow(cfg.Gamma, float64(step))
		if len(lrs) != 1 || math.Abs(lrs[0]-wantLR) > 1e-12 {
			t.Errorf("step %d: lrs = %v, want [%v]", step, lrs, wantLR)
		}

		if step%2 == 0 {
			h, err := e.SaveCheckpoint(ctx, engine.SaveOptions{
				LocalPath:  root,
				RemotePath: remote,
				GlobalStep: step,
				MaxKeep:    &keep,
			})
			if err != nil {
				t.Fatalf("step %d: SaveCheckpoint: %v", step, err)
			}
			if h.GlobalStep != step {
				t.Errorf("step %d: handle step = %d", step, h.GlobalStep)
			}
		}
	}

	// Retention kept the newest two saves and pruned step 2.
	if _, err := os.Stat(filepath.Join(root, "global_step_2")); !os.IsNotExist(err) {
		t.Error("global_step_2 still on disk, retention did not prune it")
	}
	for _, dir := range []string{"global_step_4", "global_step_6"} {
		if _, err := os.Stat(filepath.Join(root, dir)); err != nil {
			t.Errorf("%s missing: %v", dir, err)
		}
	}

	// The tracker names the newest step; replication mirrors it remotely.
	for _, dir := range []string{root, remote} {
		data, err := os.ReadFile(filepath.Join(dir, "latest_checkpointed_iteration.txt"))
		if err != nil {
			t.Fatalf("read tracker in %s: %v", dir, err)
		}
		if got := strings.TrimSpace(string(data)); got != "6" {
			t.Errorf("tracker in %s = %q, want 6", dir, got)
		}
	}
	if _, err := os.Stat(filepath.Join(remote, "global_step_6", "fake_engine.json")); err != nil {
		t.Fatalf("remote replica missing: %v", err)
	}

	want := inferOnce(t, e, b1)

	// A fresh engine restored from the newest checkpoint predicts
	// identically and continues the schedule from the same point.
	restored := newFakeEngine(t, cfg)
	h, err := restored.LoadCheckpoint(ctx, engine.LoadOptions{LocalPath: root})
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if h.GlobalStep != 6 {
		t.Errorf("restored step = %d, want 6", h.GlobalStep)
	}

	got := inferOnce(t, restored, b1)
	if !got.Equal(want) {
		t.Errorf("restored predictions differ from source engine\ngot  %v\nwant %v", got.Data, want.Data)
	}

	lrsA, err := e.LRSchedulerStep()
	if err != nil {
		t.Fatalf("LRSchedulerStep: %v", err)
	}
	lrsB, err := restored.LRSchedulerStep()
	if err != nil {
		t.Fatalf("restored LRSchedulerStep: %v", err)
	}
	if lrsA[0] != lrsB[0] {
		t.Errorf("post-restore schedules diverge: %v vs %v", lrsA[0], lrsB[0])
	}
}

// TestTrainingShardRoundTrip runs a batch through the worker-sharding path
// and back, as a data pipeline between host and workers would.
func TestTrainingShardRoundTrip(t *testing.T) {
	e := newFakeEngine(t, enginetest.FakeConfig{
		Params:    []float64{1, 1},
		LR:        0.1,
		WorldSize: 3,
	})

	orig := makeBatch(t, 7, 2)

	sharded, err := e.ShardData(orig)
	if err != nil {
		t.Fatalf("ShardData: %v", err)
	}
	// 7 rows across 3 workers pad up to 9.
	if sharded.Len() != 9 {
		t.Errorf("sharded rows = %d, want 9", sharded.Len())
	}
	if pad, _ := sharded.Meta("padded_rows"); pad != "2" {
		t.Errorf("padded_rows = %q, want 2", pad)
	}

	back, err := e.UnshardData(sharded)
	if err != nil {
		t.Fatalf("UnshardData: %v", err)
	}
	if !back.Equal(orig) {
		t.Error("unsharded batch differs from the original")
	}
}

// TestRestoreFromRemoteOnly wipes the local root and restores purely from
// the replicated copy.
func TestRestoreFromRemoteOnly(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	remote := t.TempDir()

	cfg := enginetest.FakeConfig{Params: []float64{0.3, 0.7}, LR: 0.01}
	e := newFakeEngine(t, cfg)
	b := makeBatch(t, 4, 2)

	if _, err := e.SaveCheckpoint(ctx, engine.SaveOptions{
		LocalPath:  root,
		RemotePath: remote,
		GlobalStep: 1,
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	want := inferOnce(t, e, b)

	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("remove local root: %v", err)
	}

	freshRoot := t.TempDir()
	restored := newFakeEngine(t, cfg)
	h, err := restored.LoadCheckpoint(ctx, engine.LoadOptions{
		LocalPath:  freshRoot,
		RemotePath: remote,
	})
	if err != nil {
		t.Fatalf("LoadCheckpoint from remote: %v", err)
	}
	if h.GlobalStep != 1 {
		t.Errorf("restored step = %d, want 1", h.GlobalStep)
	}
	if _, err := os.Stat(filepath.Join(freshRoot, "global_step_1", "fake_engine.json")); err != nil {
		t.Fatalf("fetched snapshot missing: %v", err)
	}

	got := inferOnce(t, restored, b)
	if !got.Equal(want) {
		t.Errorf("remote-restored predictions differ\ngot  %v\nwant %v", got.Data, want.Data)
	}
}
