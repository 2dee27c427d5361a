package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/yottalabsai/verl/batch"
	"github.com/yottalabsai/verl/checkpoint"
	"github.com/yottalabsai/verl/engine"
)

// Operation label values for engine metrics.
const (
	opInitModel  = "init_model"
	opTrainMode  = "train_mode"
	opEvalMode   = "eval_mode"
	opInferBatch = "infer_batch"
	opTrainBatch = "train_batch"
	opZeroGrad   = "optimizer_zero_grad"
	opOptimStep  = "optimizer_step"
	opLRStep     = "lr_scheduler_step"
	opShard      = "shard_data"
	opUnshard    = "unshard_data"
	opTo         = "to"
	opSave       = "save_checkpoint"
	opLoad       = "load_checkpoint"
	opClose      = "close"
)

// Instrument wraps e so that every engine operation is counted and timed
// under the given engine name. Results and errors pass through unchanged;
// mode scopes are timed end to end, callback included.
func Instrument(e engine.Engine, name string) engine.Engine {
	return &instrumented{e: e, name: name}
}

type instrumented struct {
	e    engine.Engine
	name string
}

var _ engine.Engine = (*instrumented)(nil)

// observe records one operation's outcome and duration.
func (i *instrumented) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	engineOperationsTotal.WithLabelValues(i.name, op, status).Inc()
	engineOperationDuration.WithLabelValues(i.name, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) InitModel(ctx context.Context) error {
	start := time.Now()
	err := i.e.InitModel(ctx)
	i.observe(opInitModel, start, err)
	return err
}

func (i *instrumented) TrainMode(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	err := i.e.TrainMode(ctx, fn)
	i.observe(opTrainMode, start, err)
	return err
}

func (i *instrumented) EvalMode(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	err := i.e.EvalMode(ctx, fn)
	i.observe(opEvalMode, start, err)
	return err
}

func (i *instrumented) InferBatch(ctx context.Context, b *batch.Batch, post engine.PostFn) (*batch.Tensor, engine.Metrics, error) {
	start := time.Now()
	pred, m, err := i.e.InferBatch(ctx, b, post)
	i.observe(opInferBatch, start, err)
	return pred, m, err
}

func (i *instrumented) TrainBatch(ctx context.Context, b *batch.Batch, loss engine.LossFn) (engine.Metrics, error) {
	start := time.Now()
	m, err := i.e.TrainBatch(ctx, b, loss)
	i.observe(opTrainBatch, start, err)
	return m, err
}

func (i *instrumented) OptimizerZeroGrad() error {
	start := time.Now()
	err := i.e.OptimizerZeroGrad()
	i.observe(opZeroGrad, start, err)
	return err
}

func (i *instrumented) OptimizerStep() (float64, error) {
	start := time.Now()
	norm, err := i.e.OptimizerStep()
	i.observe(opOptimStep, start, err)
	if err == nil {
		engineGradientNorm.WithLabelValues(i.name).Set(norm)
	}
	return norm, err
}

func (i *instrumented) LRSchedulerStep() ([]float64, error) {
	start := time.Now()
	lrs, err := i.e.LRSchedulerStep()
	i.observe(opLRStep, start, err)
	if err == nil {
		for g, lr := range lrs {
			engineLearningRate.WithLabelValues(i.name, strconv.Itoa(g)).Set(lr)
		}
	}
	return lrs, err
}

func (i *instrumented) ShardData(b *batch.Batch) (*batch.Batch, error) {
	start := time.Now()
	out, err := i.e.ShardData(b)
	i.observe(opShard, start, err)
	return out, err
}

func (i *instrumented) UnshardData(b *batch.Batch) (*batch.Batch, error) {
	start := time.Now()
	out, err := i.e.UnshardData(b)
	i.observe(opUnshard, start, err)
	return out, err
}

func (i *instrumented) To(device engine.Device, model, optimizer bool) error {
	start := time.Now()
	err := i.e.To(device, model, optimizer)
	i.observe(opTo, start, err)
	return err
}

func (i *instrumented) SaveCheckpoint(ctx context.Context, opts engine.SaveOptions) (*checkpoint.Handle, error) {
	start := time.Now()
	h, err := i.e.SaveCheckpoint(ctx, opts)
	i.observe(opSave, start, err)
	if err == nil {
		engineCheckpointBytes.WithLabelValues(i.name).Set(float64(h.SizeBytes))
	}
	return h, err
}

func (i *instrumented) LoadCheckpoint(ctx context.Context, opts engine.LoadOptions) (*checkpoint.Handle, error) {
	start := time.Now()
	h, err := i.e.LoadCheckpoint(ctx, opts)
	i.observe(opLoad, start, err)
	return h, err
}

func (i *instrumented) Close() error {
	start := time.Now()
	err := i.e.Close()
	i.observe(opClose, start, err)
	return err
}
