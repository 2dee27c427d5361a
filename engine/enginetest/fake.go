// Package enginetest provides a deterministic in-process engine and a
// conformance suite for the engine contract. The Fake runs a linear model
// over float32 batches, so forward outputs, optimizer updates, and
// checkpoint round trips are exactly reproducible without a model runtime.
// It is a test double in the spirit of fstest.MapFS, not a production
// backend.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/yottalabsai/verl/batch"
	"github.com/yottalabsai/verl/checkpoint"
	"github.com/yottalabsai/verl/engine"
)

const (
	// Key is the registry key the fake backend registers under.
	Key = "fake"

	// inputsTensor is the batch tensor the forward pass consumes.
	inputsTensor = "inputs"

	// paddedRowsMeta records how many zero rows ShardData appended to
	// even out the shards. The key is reserved: ShardData overwrites it
	// and UnshardData strips it.
	paddedRowsMeta = "padded_rows"

	// snapshotFile holds the serialized triad inside a step directory.
	snapshotFile = "fake_engine.json"
)

// FakeConfig configures a Fake engine.
type FakeConfig struct {
	// Params is the initial weight vector. Required.
	Params []float64
	// LR is the initial learning rate. Required, positive.
	LR float64
	// Gamma is the multiplicative decay LRSchedulerStep applies to the
	// learning rate. Zero means no decay.
	Gamma float64
	// Momentum is the optimizer's momentum coefficient, in [0, 1).
	Momentum float64
	// WorldSize is the number of workers ShardData interleaves rows
	// across. Zero means one.
	WorldSize int
	// MicroBatchRows caps the rows per micro-batch in InferBatch and
	// TrainBatch. Zero processes the whole batch as one micro-batch.
	MicroBatchRows int
	// Logger receives checkpoint events. Nil discards them.
	Logger *slog.Logger
}

// New is the engine.Constructor for the fake backend. It validates cfg and
// returns an engine in the constructed state; model state is allocated by
// InitModel.
func New(cfg engine.Config) (engine.Engine, error) {
	var fc FakeConfig
	switch v := cfg.(type) {
	case FakeConfig:
		fc = v
	case *FakeConfig:
		if v == nil {
			return nil, fmt.Errorf("nil config")
		}
		fc = *v
	default:
		return nil, fmt.Errorf("config is %T, want enginetest.FakeConfig", cfg)
	}
	if len(fc.Params) == 0 {
		return nil, fmt.Errorf("config has no params")
	}
	if fc.LR <= 0 {
		return nil, fmt.Errorf("learning rate %v, want > 0", fc.LR)
	}
	if fc.Gamma < 0 {
		return nil, fmt.Errorf("gamma %v, want >= 0", fc.Gamma)
	}
	if fc.Gamma == 0 {
		fc.Gamma = 1
	}
	if fc.Momentum < 0 || fc.Momentum >= 1 {
		return nil, fmt.Errorf("momentum %v, want in [0, 1)", fc.Momentum)
	}
	if fc.WorldSize < 0 {
		return nil, fmt.Errorf("world size %d, want >= 0", fc.WorldSize)
	}
	if fc.WorldSize == 0 {
		fc.WorldSize = 1
	}
	if fc.MicroBatchRows < 0 {
		return nil, fmt.Errorf("micro-batch rows %d, want >= 0", fc.MicroBatchRows)
	}
	if fc.Logger == nil {
		fc.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Fake{lc: engine.NewLifecycle(), cfg: fc}, nil
}

// Register adds the fake backend to reg under Key.
func Register(reg *engine.Registry) error {
	return reg.Register(Key, New)
}

// Fake is a linear model with an SGD-with-momentum optimizer and an
// exponential-decay scheduler. The forward pass maps each input row to one
// scalar: the dot product of the row with the weights, features beyond the
// weight length wrapping around. The synthetic backward pass credits each
// weight slot with the loss times the mean input routed to it.
type Fake struct {
	lc  *engine.Lifecycle
	cfg FakeConfig

	weights  []float64
	velocity []float64
	grads    []float64
	hasGrads bool
	lr       float64

	modelDevice     engine.Device
	optimizerDevice engine.Device
}

var _ engine.Engine = (*Fake)(nil)

func (f *Fake) InitModel(_ context.Context) error {
	if f.lc.State() == engine.StateClosed {
		return engine.ErrClosed
	}
	if err := f.lc.Transition(engine.StateReady); err != nil {
		return err
	}
	f.weights = append([]float64(nil), f.cfg.Params...)
	f.velocity = make([]float64, len(f.weights))
	f.grads = make([]float64, len(f.weights))
	f.hasGrads = false
	f.lr = f.cfg.LR
	f.modelDevice = engine.DeviceCPU
	f.optimizerDevice = engine.DeviceCPU
	return nil
}

func (f *Fake) TrainMode(ctx context.Context, fn func(context.Context) error) error {
	return f.runInMode(ctx, engine.ModeTrain, fn)
}

func (f *Fake) EvalMode(ctx context.Context, fn func(context.Context) error) error {
	return f.runInMode(ctx, engine.ModeEval, fn)
}

func (f *Fake) runInMode(ctx context.Context, m engine.Mode, fn func(context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("nil mode callback")
	}
	if err := f.lc.EnterMode(m); err != nil {
		return err
	}
	defer f.lc.ExitMode(m)
	return fn(ctx)
}

func (f *Fake) InferBatch(ctx context.Context, b *batch.Batch, post engine.PostFn) (*batch.Tensor, engine.Metrics, error) {
	if err := f.lc.RequireMode(engine.ModeEval); err != nil {
		return nil, nil, err
	}
	if post == nil {
		return nil, nil, fmt.Errorf("nil post function")
	}
	micros, err := f.microBatches(b)
	if err != nil {
		return nil, nil, err
	}
	outs := make([]*batch.Tensor, 0, len(micros))
	total := engine.Metrics{}
	for _, micro := range micros {
		raw, err := f.forward(micro)
		if err != nil {
			return nil, nil, err
		}
		processed, metrics, err := post(micro, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("post-process micro-batch: %w", err)
		}
		if processed == nil {
			return nil, nil, fmt.Errorf("post function returned no prediction")
		}
		outs = append(outs, processed)
		total.Merge(metrics)
	}
	pred, err := batch.ConcatTensors(outs)
	if err != nil {
		return nil, nil, err
	}
	return pred, total, nil
}

func (f *Fake) TrainBatch(ctx context.Context, b *batch.Batch, loss engine.LossFn) (engine.Metrics, error) {
	if err := f.lc.RequireMode(engine.ModeTrain); err != nil {
		return nil, err
	}
	if loss == nil {
		return nil, fmt.Errorf("nil loss function")
	}
	micros, err := f.microBatches(b)
	if err != nil {
		return nil, err
	}
	total := engine.Metrics{}
	for _, micro := range micros {
		raw, err := f.forward(micro)
		if err != nil {
			return nil, err
		}
		l, metrics, err := loss(micro, raw)
		if err != nil {
			return nil, fmt.Errorf("compute loss: %w", err)
		}
		if math.IsNaN(l) || math.IsInf(l, 0) {
			return nil, fmt.Errorf("loss is not finite: %v", l)
		}
		f.accumulate(micro, l)
		total.Merge(metrics)
	}
	return total, nil
}

func (f *Fake) OptimizerZeroGrad() error {
	if err := f.lc.RequireReady(); err != nil {
		return err
	}
	for i := range f.grads {
		f.grads[i] = 0
	}
	f.hasGrads = false
	return nil
}

func (f *Fake) OptimizerStep() (float64, error) {
	if err := f.lc.RequireReady(); err != nil {
		return 0, err
	}
	if !f.hasGrads {
		return 0, engine.ErrNoGradients
	}
	var sq float64
	for _, g := range f.grads {
		sq += g * g
	}
	norm := math.Sqrt(sq)
	for i, g := range f.grads {
		f.velocity[i] = f.cfg.Momentum*f.velocity[i] + g
		f.weights[i] -= f.lr * f.velocity[i]
	}
	return norm, nil
}

func (f *Fake) LRSchedulerStep() ([]float64, error) {
	if err := f.lc.RequireReady(); err != nil {
		return nil, err
	}
	f.lr *= f.cfg.Gamma
	return []float64{f.lr}, nil
}

// ShardData lays rows out worker-major: shard w holds original rows w, w+W,
// w+2W, and so on, with zero rows appended where a shard runs short. The
// padding count travels in the padded_rows metadata.
func (f *Fake) ShardData(b *batch.Batch) (*batch.Batch, error) {
	if err := f.lc.RequireReady(); err != nil {
		return nil, err
	}
	if b == nil || b.Len() == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	w := f.cfg.WorldSize
	rows := b.Len()
	perShard := (rows + w - 1) / w
	padded := perShard * w

	index := make([]int, padded)
	for s := range index {
		index[s] = -1
	}
	for i := 0; i < rows; i++ {
		index[(i%w)*perShard+i/w] = i
	}

	out, err := gatherBatch(b, index)
	if err != nil {
		return nil, err
	}
	for _, k := range b.MetaKeys() {
		v, _ := b.Meta(k)
		out.SetMeta(k, v)
	}
	out.SetMeta(paddedRowsMeta, strconv.Itoa(padded-rows))
	return out, nil
}

func (f *Fake) UnshardData(b *batch.Batch) (*batch.Batch, error) {
	if err := f.lc.RequireReady(); err != nil {
		return nil, err
	}
	if b == nil || b.Len() == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	padStr, ok := b.Meta(paddedRowsMeta)
	if !ok {
		return nil, fmt.Errorf("batch is missing %s metadata", paddedRowsMeta)
	}
	pad, err := strconv.Atoi(padStr)
	if err != nil || pad < 0 || pad >= b.Len() {
		return nil, fmt.Errorf("malformed %s metadata %q", paddedRowsMeta, padStr)
	}
	w := f.cfg.WorldSize
	if b.Len()%w != 0 {
		return nil, fmt.Errorf("sharded batch has %d rows, not divisible by world size %d", b.Len(), w)
	}
	perShard := b.Len() / w
	rows := b.Len() - pad

	index := make([]int, rows)
	for i := 0; i < rows; i++ {
		index[i] = (i%w)*perShard + i/w
	}

	out, err := gatherBatch(b, index)
	if err != nil {
		return nil, err
	}
	for _, k := range b.MetaKeys() {
		if k == paddedRowsMeta {
			continue
		}
		v, _ := b.Meta(k)
		out.SetMeta(k, v)
	}
	return out, nil
}

func (f *Fake) To(device engine.Device, model, optimizer bool) error {
	if err := f.lc.RequireReady(); err != nil {
		return err
	}
	if device == "" {
		return fmt.Errorf("empty device")
	}
	if model {
		f.modelDevice = device
	}
	if optimizer {
		f.optimizerDevice = device
	}
	return nil
}

// Placement returns the current model and optimizer devices.
func (f *Fake) Placement() (model, optimizer engine.Device) {
	return f.modelDevice, f.optimizerDevice
}

func (f *Fake) SaveCheckpoint(ctx context.Context, opts engine.SaveOptions) (*checkpoint.Handle, error) {
	if err := f.lc.RequireReady(); err != nil {
		return nil, err
	}
	if opts.LocalPath == "" {
		return nil, fmt.Errorf("empty local path")
	}
	root, step, hasStep := checkpoint.SplitPath(opts.LocalPath)
	if hasStep && step != opts.GlobalStep {
		return nil, fmt.Errorf("local path names step %d, global step is %d", step, opts.GlobalStep)
	}
	mgr, err := checkpoint.NewManager(ctx, root, f.cfg.Logger)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()
	return mgr.Save(ctx, checkpoint.SaveRequest{
		GlobalStep: opts.GlobalStep,
		RemoteURL:  opts.RemotePath,
		MaxKeep:    opts.MaxKeep,
	}, f.writeSnapshot)
}

func (f *Fake) LoadCheckpoint(ctx context.Context, opts engine.LoadOptions) (*checkpoint.Handle, error) {
	if err := f.lc.RequireReady(); err != nil {
		return nil, err
	}
	if opts.LocalPath == "" {
		return nil, fmt.Errorf("empty local path")
	}
	root, step, hasStep := checkpoint.SplitPath(opts.LocalPath)
	req := checkpoint.LoadRequest{
		Step:                 opts.Step,
		RemoteURL:            opts.RemotePath,
		DeleteLocalAfterLoad: opts.DeleteLocalAfterLoad,
	}
	if hasStep {
		req.Step = &step
	}
	mgr, err := checkpoint.NewManager(ctx, root, f.cfg.Logger)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()
	return mgr.Load(ctx, req, f.readSnapshot)
}

func (f *Fake) Close() error {
	if f.lc.State() == engine.StateClosed {
		return nil
	}
	if err := f.lc.Transition(engine.StateClosed); err != nil {
		return err
	}
	f.weights, f.velocity, f.grads = nil, nil, nil
	f.hasGrads = false
	return nil
}

// fakeSnapshot is the serialized triad. Gradients are transient and not part
// of a snapshot.
type fakeSnapshot struct {
	Weights  []float64 `json:"weights"`
	Velocity []float64 `json:"velocity"`
	LR       float64   `json:"lr"`
}

func (f *Fake) writeSnapshot(_ context.Context, dir string) error {
	data, err := json.MarshalIndent(fakeSnapshot{
		Weights:  f.weights,
		Velocity: f.velocity,
		LR:       f.lr,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, snapshotFile), data, 0o644)
}

// readSnapshot replaces the triad only after the snapshot has parsed and
// validated, so a failed load leaves the engine as it was.
func (f *Fake) readSnapshot(_ context.Context, dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if err != nil {
		return err
	}
	var snap fakeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", snapshotFile, err)
	}
	if len(snap.Weights) == 0 || len(snap.Velocity) != len(snap.Weights) || snap.LR <= 0 {
		return fmt.Errorf("snapshot %s is inconsistent", snapshotFile)
	}
	f.weights = snap.Weights
	f.velocity = snap.Velocity
	f.lr = snap.LR
	f.grads = make([]float64, len(snap.Weights))
	f.hasGrads = false
	return nil
}

// forward runs the linear model over the micro-batch's inputs tensor,
// producing one scalar per row.
func (f *Fake) forward(b *batch.Batch) (*batch.Tensor, error) {
	inputs, ok := b.Get(inputsTensor)
	if !ok {
		return nil, fmt.Errorf("batch has no %q tensor", inputsTensor)
	}
	if len(inputs.Shape) != 2 {
		return nil, fmt.Errorf("%q must be 2-D, got shape %v", inputsTensor, inputs.Shape)
	}
	rows := inputs.Rows()
	out := make([]float32, rows)
	for i := 0; i < rows; i++ {
		var sum float64
		for j, v := range inputs.Row(i) {
			sum += float64(v) * f.weights[j%len(f.weights)]
		}
		out[i] = float32(sum)
	}
	return batch.NewTensor([]int{rows}, out)
}

// accumulate folds one micro-batch's synthetic gradient into the running
// gradient: each weight slot receives the loss times the mean input routed
// to that slot.
func (f *Fake) accumulate(micro *batch.Batch, loss float64) {
	inputs, _ := micro.Get(inputsTensor)
	rows := inputs.Rows()
	scale := loss / float64(rows)
	for i := 0; i < rows; i++ {
		for j, v := range inputs.Row(i) {
			f.grads[j%len(f.grads)] += scale * float64(v)
		}
	}
	f.hasGrads = true
}

func (f *Fake) microBatches(b *batch.Batch) ([]*batch.Batch, error) {
	if b == nil || b.Len() == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	parts := 1
	if per := f.cfg.MicroBatchRows; per > 0 && per < b.Len() {
		parts = (b.Len() + per - 1) / per
	}
	return b.Chunk(parts)
}

// gatherBatch builds a new batch whose row s is the source's row index[s],
// or a zero row where index[s] is negative. Metadata is not carried over.
func gatherBatch(b *batch.Batch, index []int) (*batch.Batch, error) {
	out := batch.New()
	for _, key := range b.Keys() {
		src, _ := b.Get(key)
		rowSize := src.RowSize()
		shape := append([]int{len(index)}, src.Shape[1:]...)
		data := make([]float32, len(index)*rowSize)
		for s, i := range index {
			if i < 0 {
				continue
			}
			copy(data[s*rowSize:(s+1)*rowSize], src.Row(i))
		}
		t, err := batch.NewTensor(shape, data)
		if err != nil {
			return nil, err
		}
		if err := out.Put(key, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}
