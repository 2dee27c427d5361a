package engine

import (
	"context"
	"errors"

	"github.com/yottalabsai/verl/batch"
	"github.com/yottalabsai/verl/checkpoint"
)

// ErrNoGradients is returned by OptimizerStep when no gradients have been
// accumulated since the last OptimizerZeroGrad.
var ErrNoGradients = errors.New("no gradients accumulated")

// Config is the opaque, backend-specific configuration value handed to a
// Constructor. The registry forwards it unmodified; only the backend
// interprets and validates it.
type Config any

// Constructor builds a new, unallocated engine from its configuration.
// It must validate the configuration and fail on structurally invalid input,
// and it must not allocate model state — that is InitModel's job.
type Constructor func(cfg Config) (Engine, error)

// Device identifies a compute device for state placement.
type Device string

// Well-known devices. Backends may accept additional identifiers.
const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// PostFn post-processes one micro-batch during inference. It receives the
// micro-batch and the model output for it, and returns the processed
// prediction plus per-micro-batch metrics. Engines call it once per
// micro-batch and must not retain it past the InferBatch call.
type PostFn func(micro *batch.Batch, output *batch.Tensor) (*batch.Tensor, Metrics, error)

// LossFn computes the training loss for one micro-batch. It returns the
// scalar loss that drives the backward pass plus per-micro-batch metrics.
// Engines must not retain it past the TrainBatch call.
type LossFn func(micro *batch.Batch, output *batch.Tensor) (float64, Metrics, error)

// SaveOptions configures SaveCheckpoint.
type SaveOptions struct {
	// LocalPath is the checkpoint root directory, or a step directory
	// (global_step_<N>) directly under it; a step directory must agree
	// with GlobalStep.
	LocalPath string
	// RemotePath optionally replicates the checkpoint to a remote store,
	// e.g. "gs://bucket/prefix". Empty disables replication.
	RemotePath string
	// GlobalStep orders checkpoints for retention and naming.
	GlobalStep int
	// MaxKeep, when set, prunes the oldest checkpoints beyond this count
	// after a successful save. Nil keeps everything.
	MaxKeep *int
}

// LoadOptions configures LoadCheckpoint.
type LoadOptions struct {
	// LocalPath is the checkpoint root directory, or a specific step
	// directory under it.
	LocalPath string
	// RemotePath is consulted when the checkpoint is absent locally.
	RemotePath string
	// Step selects a checkpoint by global step. Nil loads the latest.
	// Ignored when LocalPath names a step directory.
	Step *int
	// DeleteLocalAfterLoad removes the local copy once the restore has
	// succeeded, never before. The zero value keeps it.
	DeleteLocalAfterLoad bool
}

// Engine is the training-engine contract. A backend owns exactly one
// model/optimizer/scheduler triad; after InitModel succeeds the triad moves
// together through every mode switch, device transfer, and checkpoint
// operation — none of the three is individually swappable.
//
// Mode discipline is caller-enforced: TrainBatch requires an open TrainMode
// scope and InferBatch an open EvalMode scope; both fail with ErrWrongMode
// otherwise. Whether scopes may nest is backend-defined; the contract only
// guarantees single-mode correctness.
type Engine interface {
	// InitModel allocates or loads the model, optimizer, and scheduler.
	// It is the only place model state is instantiated, and it is not
	// idempotent: a second call fails with ErrInvalidTransition.
	InitModel(ctx context.Context) error

	// TrainMode runs fn inside a training-mode scope. Backend preparation
	// performed on entry is reverted when fn returns, whether it returns
	// nil, returns an error, or panics (panics propagate after release).
	TrainMode(ctx context.Context, fn func(context.Context) error) error

	// EvalMode runs fn inside an evaluation-mode scope with the same
	// release guarantees as TrainMode.
	EvalMode(ctx context.Context, fn func(context.Context) error) error

	// InferBatch partitions b into micro-batches, runs a forward pass per
	// micro-batch with gradients disabled, and applies post to each. It
	// returns the processed predictions concatenated in input order and
	// the per-key sum of all micro-batch metrics. Optimizer and scheduler
	// state are untouched.
	InferBatch(ctx context.Context, b *batch.Batch, post PostFn) (*batch.Tensor, Metrics, error)

	// TrainBatch partitions b into micro-batches and runs forward and
	// backward per micro-batch, accumulating gradients across all of
	// them. It never zeroes gradients or steps the optimizer; callers
	// sequence OptimizerZeroGrad and OptimizerStep around it to control
	// the accumulation window. Returns the per-key sum of metrics.
	TrainBatch(ctx context.Context, b *batch.Batch, loss LossFn) (Metrics, error)

	// OptimizerZeroGrad clears accumulated gradients. Call it before the
	// first TrainBatch of a new accumulation window.
	OptimizerZeroGrad() error

	// OptimizerStep applies the accumulated gradients and returns the
	// pre-clipping gradient norm. With nothing accumulated it fails with
	// ErrNoGradients.
	OptimizerStep() (gradNorm float64, err error)

	// LRSchedulerStep advances the scheduler one step and returns the
	// resulting learning rate per parameter group (length >= 1).
	LRSchedulerStep() ([]float64, error)

	// ShardData distributes b across the backend's parallel workers,
	// returning a new, independently owned batch. Pure data transform; no
	// effect on model or optimizer state.
	ShardData(b *batch.Batch) (*batch.Batch, error)

	// UnshardData is the inverse of ShardData: for any batch x,
	// UnshardData(ShardData(x)) is equivalent to x.
	UnshardData(b *batch.Batch) (*batch.Batch, error)

	// To moves the selected state to device. A false flag is a no-op for
	// that component; mixed moves leave reconciling the placement to the
	// caller. The engine remains usable afterward.
	To(device Device, model, optimizer bool) error

	// SaveCheckpoint writes the triad as one atomic snapshot through the
	// checkpoint protocol, optionally replicating it and pruning old
	// checkpoints per opts.
	SaveCheckpoint(ctx context.Context, opts SaveOptions) (*checkpoint.Handle, error)

	// LoadCheckpoint restores the triad all-or-nothing from a previously
	// saved snapshot, fetching from the remote store when the local copy
	// is absent. On failure the engine's prior state is unchanged.
	LoadCheckpoint(ctx context.Context, opts LoadOptions) (*checkpoint.Handle, error)

	// Close tears the engine down and releases the triad. Every
	// subsequent operation fails with ErrClosed. Close itself is
	// idempotent and may be called before InitModel.
	Close() error
}
