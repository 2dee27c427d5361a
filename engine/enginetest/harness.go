package enginetest

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/yottalabsai/verl/batch"
	"github.com/yottalabsai/verl/checkpoint"
	"github.com/yottalabsai/verl/engine"
)

// Harness binds one backend into the Conformance suite.
type Harness struct {
	// New returns a fresh, uninitialized engine. Every call must yield an
	// independent instance with identical configuration.
	New func(t *testing.T) engine.Engine

	// SampleBatch returns a batch the backend accepts. Every call must
	// return an equal batch.
	SampleBatch func(t *testing.T) *batch.Batch
}

func (h Harness) newReady(t *testing.T) engine.Engine {
	t.Helper()
	e := h.New(t)
	if err := e.InitModel(context.Background()); err != nil {
		t.Fatalf("InitModel() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// identityPost passes the model output through and counts the call.
func identityPost(_ *batch.Batch, out *batch.Tensor) (*batch.Tensor, engine.Metrics, error) {
	return out, engine.Metrics{"count": 1}, nil
}

// constLoss returns a loss function that always reports l.
func constLoss(l float64) engine.LossFn {
	return func(*batch.Batch, *batch.Tensor) (float64, engine.Metrics, error) {
		return l, engine.Metrics{"loss": l, "count": 1}, nil
	}
}

// infer runs one inference pass inside an eval scope and returns the
// predictions.
func infer(t *testing.T, e engine.Engine, b *batch.Batch) *batch.Tensor {
	t.Helper()
	var pred *batch.Tensor
	err := e.EvalMode(context.Background(), func(ctx context.Context) error {
		var err error
		pred, _, err = e.InferBatch(ctx, b, identityPost)
		return err
	})
	if err != nil {
		t.Fatalf("inference error = %v", err)
	}
	return pred
}

// trainStep runs one zero-grad, train-batch, optimizer-step cycle.
func trainStep(t *testing.T, e engine.Engine, b *batch.Batch, loss float64) {
	t.Helper()
	if err := e.OptimizerZeroGrad(); err != nil {
		t.Fatalf("OptimizerZeroGrad() error = %v", err)
	}
	err := e.TrainMode(context.Background(), func(ctx context.Context) error {
		_, err := e.TrainBatch(ctx, b, constLoss(loss))
		return err
	})
	if err != nil {
		t.Fatalf("TrainMode error = %v", err)
	}
	if _, err := e.OptimizerStep(); err != nil {
		t.Fatalf("OptimizerStep() error = %v", err)
	}
}

func intPtr(v int) *int {
	return &v
}

// Conformance runs the engine contract's observable laws against a backend.
// Backends register their constructor and a sample batch through h; every
// law that does not depend on backend-specific numerics is asserted here.
func Conformance(t *testing.T, h Harness) {
	ctx := context.Background()

	t.Run("UninitializedOperationsFail", func(t *testing.T) {
		e := h.New(t)
		t.Cleanup(func() { e.Close() })
		b := h.SampleBatch(t)

		if err := e.TrainMode(ctx, func(context.Context) error { return nil }); !errors.Is(err, engine.ErrNotInitialized) {
			t.Errorf("TrainMode before init error = %v, want ErrNotInitialized", err)
		}
		if err := e.EvalMode(ctx, func(context.Context) error { return nil }); !errors.Is(err, engine.ErrNotInitialized) {
			t.Errorf("EvalMode before init error = %v, want ErrNotInitialized", err)
		}
		if _, err := e.OptimizerStep(); !errors.Is(err, engine.ErrNotInitialized) {
			t.Errorf("OptimizerStep before init error = %v, want ErrNotInitialized", err)
		}
		if _, err := e.ShardData(b); !errors.Is(err, engine.ErrNotInitialized) {
			t.Errorf("ShardData before init error = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("InitModelOnce", func(t *testing.T) {
		e := h.newReady(t)
		if err := e.InitModel(ctx); !errors.Is(err, engine.ErrInvalidTransition) {
			t.Errorf("second InitModel() error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("ModeDiscipline", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)

		if _, _, err := e.InferBatch(ctx, b, identityPost); !errors.Is(err, engine.ErrWrongMode) {
			t.Errorf("InferBatch outside eval scope error = %v, want ErrWrongMode", err)
		}
		if _, err := e.TrainBatch(ctx, b, constLoss(1)); !errors.Is(err, engine.ErrWrongMode) {
			t.Errorf("TrainBatch outside train scope error = %v, want ErrWrongMode", err)
		}

		err := e.TrainMode(ctx, func(ctx context.Context) error {
			if _, _, err := e.InferBatch(ctx, b, identityPost); !errors.Is(err, engine.ErrWrongMode) {
				t.Errorf("InferBatch inside train scope error = %v, want ErrWrongMode", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("TrainMode error = %v", err)
		}
		err = e.EvalMode(ctx, func(ctx context.Context) error {
			if _, err := e.TrainBatch(ctx, b, constLoss(1)); !errors.Is(err, engine.ErrWrongMode) {
				t.Errorf("TrainBatch inside eval scope error = %v, want ErrWrongMode", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("EvalMode error = %v", err)
		}
	})

	t.Run("ModeScopeReleasedOnError", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)

		boom := errors.New("callback failed")
		if err := e.TrainMode(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("TrainMode error = %v, want the callback's error", err)
		}
		infer(t, e, b)
	})

	t.Run("ModeScopeReleasedOnPanic", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)

		func() {
			defer func() {
				if recover() == nil {
					t.Fatal("expected the callback's panic to propagate")
				}
			}()
			e.TrainMode(ctx, func(context.Context) error { panic("callback panicked") })
		}()
		infer(t, e, b)
	})

	t.Run("InferBatchDeterministic", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)

		p1 := infer(t, e, b)
		p2 := infer(t, e, h.SampleBatch(t))
		if !p1.Equal(p2) {
			t.Errorf("repeated inference diverged: %v vs %v", p1.Data, p2.Data)
		}
		if p1.Rows() != b.Len() {
			t.Errorf("predictions have %d rows, batch has %d", p1.Rows(), b.Len())
		}
	})

	t.Run("MetricsSummedAcrossMicroBatches", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)

		calls := 0
		var m engine.Metrics
		err := e.EvalMode(ctx, func(ctx context.Context) error {
			var err error
			_, m, err = e.InferBatch(ctx, b, func(micro *batch.Batch, out *batch.Tensor) (*batch.Tensor, engine.Metrics, error) {
				calls++
				return out, engine.Metrics{"count": 1, "rows": float64(micro.Len())}, nil
			})
			return err
		})
		if err != nil {
			t.Fatalf("inference error = %v", err)
		}
		if calls == 0 {
			t.Fatal("post function was never called")
		}
		if got := m["count"]; got != float64(calls) {
			t.Errorf("count metric = %v, want %v (one per micro-batch)", got, calls)
		}
		if got := m["rows"]; got != float64(b.Len()) {
			t.Errorf("rows metric = %v, want %v", got, b.Len())
		}
	})

	t.Run("TrainStepCycle", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)

		if err := e.OptimizerZeroGrad(); err != nil {
			t.Fatalf("OptimizerZeroGrad() error = %v", err)
		}
		var m engine.Metrics
		err := e.TrainMode(ctx, func(ctx context.Context) error {
			for i := 0; i < 2; i++ {
				var err error
				if m, err = e.TrainBatch(ctx, b, constLoss(0.5)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("TrainMode error = %v", err)
		}
		if m["count"] < 1 {
			t.Errorf("count metric = %v, want >= 1", m["count"])
		}

		norm, err := e.OptimizerStep()
		if err != nil {
			t.Fatalf("OptimizerStep() error = %v", err)
		}
		if norm < 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			t.Errorf("gradient norm = %v, want finite and >= 0", norm)
		}

		lrs, err := e.LRSchedulerStep()
		if err != nil {
			t.Fatalf("LRSchedulerStep() error = %v", err)
		}
		if len(lrs) < 1 {
			t.Fatal("LRSchedulerStep() returned no parameter groups")
		}
		for i, lr := range lrs {
			if math.IsNaN(lr) || math.IsInf(lr, 0) {
				t.Errorf("learning rate %d = %v, want finite", i, lr)
			}
		}
	})

	t.Run("OptimizerStepRequiresGradients", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)

		if err := e.OptimizerZeroGrad(); err != nil {
			t.Fatalf("OptimizerZeroGrad() error = %v", err)
		}
		if _, err := e.OptimizerStep(); !errors.Is(err, engine.ErrNoGradients) {
			t.Fatalf("OptimizerStep with nothing accumulated error = %v, want ErrNoGradients", err)
		}

		err := e.TrainMode(ctx, func(ctx context.Context) error {
			_, err := e.TrainBatch(ctx, b, constLoss(0.5))
			return err
		})
		if err != nil {
			t.Fatalf("TrainMode error = %v", err)
		}
		if _, err := e.OptimizerStep(); err != nil {
			t.Fatalf("OptimizerStep after TrainBatch error = %v", err)
		}

		if err := e.OptimizerZeroGrad(); err != nil {
			t.Fatalf("OptimizerZeroGrad() error = %v", err)
		}
		if _, err := e.OptimizerStep(); !errors.Is(err, engine.ErrNoGradients) {
			t.Errorf("OptimizerStep after re-zeroing error = %v, want ErrNoGradients", err)
		}
	})

	t.Run("ShardUnshardRoundTrip", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)
		b.SetMeta("epoch", "3")

		sharded, err := e.ShardData(b)
		if err != nil {
			t.Fatalf("ShardData() error = %v", err)
		}
		if sharded == b {
			t.Fatal("ShardData() returned its argument, want an independent batch")
		}
		restored, err := e.UnshardData(sharded)
		if err != nil {
			t.Fatalf("UnshardData() error = %v", err)
		}
		if !restored.Equal(b) {
			t.Error("unsharding a sharded batch did not restore the original")
		}

		want := h.SampleBatch(t)
		want.SetMeta("epoch", "3")
		if !b.Equal(want) {
			t.Error("sharding mutated the input batch")
		}
	})

	t.Run("SaveLoadRestoresState", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)
		dir := t.TempDir()

		before := infer(t, e, b)
		hd, err := e.SaveCheckpoint(ctx, engine.SaveOptions{LocalPath: dir, GlobalStep: 1})
		if err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}
		if hd.GlobalStep != 1 {
			t.Errorf("handle step = %d, want 1", hd.GlobalStep)
		}
		if hd.State != checkpoint.StateComplete {
			t.Errorf("handle state = %q, want %q", hd.State, checkpoint.StateComplete)
		}

		trainStep(t, e, b, 1.0)

		if _, err := e.LoadCheckpoint(ctx, engine.LoadOptions{LocalPath: dir}); err != nil {
			t.Fatalf("LoadCheckpoint() error = %v", err)
		}
		after := infer(t, e, b)
		if !after.Equal(before) {
			t.Errorf("restored engine predicts %v, want %v", after.Data, before.Data)
		}
	})

	t.Run("SaveLoadAcrossInstances", func(t *testing.T) {
		src := h.newReady(t)
		b := h.SampleBatch(t)
		dir := t.TempDir()

		want := infer(t, src, b)
		if _, err := src.SaveCheckpoint(ctx, engine.SaveOptions{LocalPath: dir, GlobalStep: 5}); err != nil {
			t.Fatalf("SaveCheckpoint() error = %v", err)
		}

		dst := h.newReady(t)
		if _, err := dst.LoadCheckpoint(ctx, engine.LoadOptions{LocalPath: dir, Step: intPtr(5)}); err != nil {
			t.Fatalf("LoadCheckpoint() error = %v", err)
		}
		got := infer(t, dst, b)
		if !got.Equal(want) {
			t.Errorf("restored instance predicts %v, want %v", got.Data, want.Data)
		}
	})

	t.Run("LoadMissingCheckpoint", func(t *testing.T) {
		e := h.newReady(t)
		if _, err := e.LoadCheckpoint(ctx, engine.LoadOptions{LocalPath: t.TempDir()}); !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			t.Errorf("LoadCheckpoint from empty root error = %v, want ErrNoCheckpoint", err)
		}
	})

	t.Run("Retention", func(t *testing.T) {
		e := h.newReady(t)
		dir := t.TempDir()
		keep := 2

		for _, step := range []int{1, 2, 3} {
			opts := engine.SaveOptions{LocalPath: dir, GlobalStep: step, MaxKeep: &keep}
			if _, err := e.SaveCheckpoint(ctx, opts); err != nil {
				t.Fatalf("SaveCheckpoint(step %d) error = %v", step, err)
			}
		}

		if _, err := e.LoadCheckpoint(ctx, engine.LoadOptions{LocalPath: dir, Step: intPtr(1)}); !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			t.Errorf("loading the pruned step error = %v, want ErrNoCheckpoint", err)
		}
		for _, step := range []int{2, 3} {
			if _, err := e.LoadCheckpoint(ctx, engine.LoadOptions{LocalPath: dir, Step: intPtr(step)}); err != nil {
				t.Errorf("LoadCheckpoint(step %d) error = %v", step, err)
			}
		}
	})

	t.Run("DeviceTransfer", func(t *testing.T) {
		e := h.newReady(t)
		b := h.SampleBatch(t)

		if err := e.To(engine.DeviceCUDA, true, false); err != nil {
			t.Fatalf("To(model) error = %v", err)
		}
		if err := e.To(engine.DeviceCUDA, false, true); err != nil {
			t.Fatalf("To(optimizer) error = %v", err)
		}
		infer(t, e, b)
	})

	t.Run("CloseSemantics", func(t *testing.T) {
		e := h.New(t)
		if err := e.InitModel(ctx); err != nil {
			t.Fatalf("InitModel() error = %v", err)
		}
		if err := e.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := e.Close(); err != nil {
			t.Errorf("second Close() error = %v, want nil", err)
		}

		if _, err := e.OptimizerStep(); !errors.Is(err, engine.ErrClosed) {
			t.Errorf("OptimizerStep after Close error = %v, want ErrClosed", err)
		}
		if err := e.TrainMode(ctx, func(context.Context) error { return nil }); !errors.Is(err, engine.ErrClosed) {
			t.Errorf("TrainMode after Close error = %v, want ErrClosed", err)
		}
		if err := e.InitModel(ctx); !errors.Is(err, engine.ErrClosed) {
			t.Errorf("InitModel after Close error = %v, want ErrClosed", err)
		}

		fresh := h.New(t)
		if err := fresh.Close(); err != nil {
			t.Errorf("Close before InitModel error = %v", err)
		}
	})
}
