// Package checkpoint implements the storage protocol training engines save
// and restore through: step-ordered directories under one root, an atomic
// publish step, a tracker file naming the newest step, retention pruning,
// and replication to a remote blobstore. What goes inside a step directory
// is the backend's business; the manager only moves whole directories.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yottalabsai/verl/blobs"
	"github.com/yottalabsai/verl/internal/model"
	"github.com/yottalabsai/verl/internal/store"
)

// ErrNoCheckpoint is returned when no checkpoint matches a load request.
var ErrNoCheckpoint = errors.New("no checkpoint available")

// replicationWorkers bounds concurrent uploads and downloads.
const replicationWorkers = 4

// WriteFunc writes one snapshot of a backend's state into dir. The directory
// is private to the call until the manager publishes it; a failed write
// leaves no published checkpoint behind.
type WriteFunc func(ctx context.Context, dir string) error

// ReadFunc restores a backend's state from the published directory dir. It
// must apply the snapshot as one unit: on error the backend's prior state
// must be unchanged. The manager never modifies dir before read returns.
type ReadFunc func(ctx context.Context, dir string) error

// SaveRequest parameterizes Manager.Save.
type SaveRequest struct {
	// GlobalStep orders the checkpoint for naming, the tracker, and
	// retention.
	GlobalStep int
	// RemoteURL, when set, replicates the published checkpoint to a
	// blobstore (see blobs.Resolve for accepted URLs).
	RemoteURL string
	// MaxKeep, when set and positive, prunes the oldest complete
	// checkpoints beyond this count after the save.
	MaxKeep *int
}

// LoadRequest parameterizes Manager.Load.
type LoadRequest struct {
	// Step selects the checkpoint to load. Nil loads the latest: the
	// tracker file, the remote tracker, then the newest complete index
	// row, in that order.
	Step *int
	// RemoteURL is consulted when the step directory is absent locally.
	RemoteURL string
	// DeleteLocalAfterLoad removes the local step directory once the
	// restore has succeeded, never before.
	DeleteLocalAfterLoad bool
}

// Manager owns the checkpoint protocol for one root directory. It is not
// safe for concurrent mutating calls; the training loop drives it from one
// goroutine, matching the engine contract.
type Manager struct {
	root   string
	logger *slog.Logger
	store  store.Store
}

// NewManager opens root as a checkpoint root, creating it if needed, and
// reconciles the index with the directories on disk.
func NewManager(ctx context.Context, root string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint root: %w", err)
	}

	s, err := store.NewSQLiteStore(filepath.Join(root, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint index: %w", err)
	}

	m := &Manager{root: root, logger: logger, store: s}
	if err := m.Reindex(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return m, nil
}

// Root returns the checkpoint root directory.
func (m *Manager) Root() string {
	return m.root
}

// Close closes the index. Step directories on disk are untouched.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Save writes one checkpoint: write fills a private staging directory, a
// single rename publishes it as the step directory, then the tracker is
// updated, the checkpoint is optionally replicated, and retention pruning
// runs. Re-saving an existing step replaces the previous snapshot. On a
// replication error the local checkpoint remains published and indexed, so
// the upload can be retried out of band.
func (m *Manager) Save(ctx context.Context, req SaveRequest, write WriteFunc) (*Handle, error) {
	if req.GlobalStep < 0 {
		return nil, fmt.Errorf("negative global step %d", req.GlobalStep)
	}
	if write == nil {
		return nil, fmt.Errorf("nil write func")
	}

	start := time.Now()
	rec := &model.Checkpoint{
		ID:         model.NewID(),
		GlobalStep: req.GlobalStep,
		Dir:        StepDirName(req.GlobalStep),
		State:      model.StateSaving,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateCheckpoint(ctx, rec); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp(m.root, "."+rec.Dir+"-*")
	if err != nil {
		m.markFailed(rec.ID)
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	if err := write(ctx, tempDir); err != nil {
		m.markFailed(rec.ID)
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("writing checkpoint for step %d: %w", req.GlobalStep, err)
	}

	size, err := dirSize(tempDir)
	if err != nil {
		m.markFailed(rec.ID)
		os.RemoveAll(tempDir)
		return nil, err
	}

	if err := m.publish(ctx, tempDir, req.GlobalStep); err != nil {
		m.markFailed(rec.ID)
		os.RemoveAll(tempDir)
		return nil, err
	}

	if err := m.store.CompleteCheckpoint(ctx, rec.ID, size); err != nil {
		return nil, err
	}
	if err := writeTracker(m.root, req.GlobalStep); err != nil {
		return nil, fmt.Errorf("updating tracker: %w", err)
	}

	m.logger.Info("checkpoint saved",
		"step", req.GlobalStep,
		"dir", StepDir(m.root, req.GlobalStep),
		"bytes", size,
		"duration", time.Since(start),
	)

	if req.RemoteURL != "" {
		if err := m.push(ctx, req.GlobalStep, req.RemoteURL); err != nil {
			return nil, fmt.Errorf("replicating step %d to %s: %w", req.GlobalStep, req.RemoteURL, err)
		}
		if err := m.store.SetRemoteURL(ctx, rec.ID, req.RemoteURL); err != nil {
			return nil, err
		}
	}

	if req.MaxKeep != nil && *req.MaxKeep > 0 {
		if _, err := m.Prune(ctx, *req.MaxKeep); err != nil {
			return nil, err
		}
	}

	return m.handleByID(ctx, rec.ID)
}

// publish renames the staging directory into place, superseding any
// previous snapshot of the step and its index row.
func (m *Manager) publish(ctx context.Context, tempDir string, step int) error {
	target := StepDir(m.root, step)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("removing previous step directory: %w", err)
	}
	if err := os.Rename(tempDir, target); err != nil {
		return fmt.Errorf("publishing step directory: %w", err)
	}

	// Drop the superseded row only once the new snapshot is in place.
	if prev, err := m.store.GetCheckpointByStep(ctx, step); err == nil {
		if err := m.store.DeleteCheckpoint(ctx, prev.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// markFailed records a failed save. It uses a fresh context so the failure
// is recorded even when the save's context was canceled.
func (m *Manager) markFailed(id string) {
	if err := m.store.UpdateCheckpointState(context.Background(), id, model.StateFailed); err != nil {
		m.logger.Error("failed to mark checkpoint failed", "id", id, "error", err)
	}
}

// push uploads a published step directory and then the tracker to remoteURL.
// The tracker goes last so a remote reader never sees it point at a
// partially uploaded step.
func (m *Manager) push(ctx context.Context, step int, remoteURL string) error {
	bs, err := blobs.Resolve(remoteURL)
	if err != nil {
		return err
	}

	dir := StepDir(m.root, step)
	files, err := listFiles(dir)
	if err != nil {
		return err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(replicationWorkers)
	for _, rel := range files {
		g.Go(func() error {
			return bs.Upload(gctx, filepath.Join(dir, filepath.FromSlash(rel)), path.Join(StepDirName(step), rel))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := bs.Upload(ctx, filepath.Join(m.root, TrackerFile), TrackerFile); err != nil {
		return err
	}

	m.logger.Info("checkpoint replicated",
		"step", step,
		"remote", remoteURL,
		"files", len(files),
		"duration", time.Since(start),
	)
	return nil
}

// Load restores a checkpoint: the step is resolved, the step directory is
// fetched from the remote store when absent locally, and read applies it.
// Local files are untouched until read returns; DeleteLocalAfterLoad
// cleanup happens only after read succeeds.
func (m *Manager) Load(ctx context.Context, req LoadRequest, read ReadFunc) (*Handle, error) {
	if read == nil {
		return nil, fmt.Errorf("nil read func")
	}

	step, err := m.resolveStep(ctx, req)
	if err != nil {
		return nil, err
	}

	dir := StepDir(m.root, step)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if req.RemoteURL == "" {
			return nil, fmt.Errorf("step %d: %w", step, ErrNoCheckpoint)
		}
		if err := m.pull(ctx, step, req.RemoteURL); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("checking step directory: %w", err)
	}

	rec, err := m.recordForStep(ctx, step, req.RemoteURL)
	if err != nil {
		return nil, err
	}

	if err := read(ctx, dir); err != nil {
		return nil, fmt.Errorf("restoring checkpoint for step %d: %w", step, err)
	}

	m.logger.Info("checkpoint loaded", "step", step, "dir", dir)

	if req.DeleteLocalAfterLoad {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("deleting local copy: %w", err)
		}
		if err := m.store.UpdateCheckpointState(ctx, rec.ID, model.StatePruned); err != nil {
			return nil, err
		}
		m.logger.Info("local checkpoint deleted after load", "step", step, "dir", dir)
	}

	return m.handleByID(ctx, rec.ID)
}

// Push replicates an already-saved checkpoint to the remote store and
// records the replication on its index row. The step must be complete
// locally.
func (m *Manager) Push(ctx context.Context, step int, remoteURL string) (*Handle, error) {
	if remoteURL == "" {
		return nil, fmt.Errorf("empty remote URL")
	}
	rec, err := m.store.GetCheckpointByStep(ctx, step)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("step %d: %w", step, ErrNoCheckpoint)
	}
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(StepDir(m.root, step)); err != nil {
		return nil, fmt.Errorf("step %d has no local directory: %w", step, ErrNoCheckpoint)
	}

	if err := m.push(ctx, step, remoteURL); err != nil {
		return nil, err
	}
	if err := m.store.SetRemoteURL(ctx, rec.ID, remoteURL); err != nil {
		return nil, fmt.Errorf("recording remote url: %w", err)
	}
	return m.handleByID(ctx, rec.ID)
}

// Pull fetches a checkpoint from the remote store without restoring it. A
// negative step fetches whatever the remote tracker names. A step that is
// already present locally is only (re)indexed, not downloaded again.
func (m *Manager) Pull(ctx context.Context, step int, remoteURL string) (*Handle, error) {
	if remoteURL == "" {
		return nil, fmt.Errorf("empty remote URL")
	}
	if step < 0 {
		var err error
		step, err = m.readRemoteTracker(ctx, remoteURL)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remote %s has no tracker: %w", remoteURL, ErrNoCheckpoint)
		}
		if err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(StepDir(m.root, step)); errors.Is(err, os.ErrNotExist) {
		if err := m.pull(ctx, step, remoteURL); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("checking step directory: %w", err)
	}

	rec, err := m.recordForStep(ctx, step, remoteURL)
	if err != nil {
		return nil, err
	}
	return m.handleByID(ctx, rec.ID)
}

// resolveStep picks the step to load: the explicit request, the local
// tracker, the remote tracker, then the newest complete index row.
func (m *Manager) resolveStep(ctx context.Context, req LoadRequest) (int, error) {
	if req.Step != nil {
		if *req.Step < 0 {
			return 0, fmt.Errorf("negative step %d", *req.Step)
		}
		return *req.Step, nil
	}

	step, err := readTracker(m.root)
	if err == nil {
		return step, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}

	if req.RemoteURL != "" {
		step, err := m.readRemoteTracker(ctx, req.RemoteURL)
		if err == nil {
			return step, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
	}

	rec, err := m.store.LatestComplete(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNoCheckpoint
	}
	if err != nil {
		return 0, err
	}
	return rec.GlobalStep, nil
}

// readRemoteTracker fetches and parses the tracker file at remoteURL.
func (m *Manager) readRemoteTracker(ctx context.Context, remoteURL string) (int, error) {
	bs, err := blobs.Resolve(remoteURL)
	if err != nil {
		return 0, err
	}

	tmp := filepath.Join(m.root, "."+TrackerFile+"-remote")
	if err := bs.Download(ctx, TrackerFile, tmp); err != nil {
		return 0, err
	}
	defer os.Remove(tmp)

	data, err := os.ReadFile(tmp)
	if err != nil {
		return 0, err
	}
	return parseTracker(data)
}

// pull downloads a step directory from remoteURL, materializing it locally
// through the same staging-then-rename publish as a local save.
func (m *Manager) pull(ctx context.Context, step int, remoteURL string) error {
	bs, err := blobs.Resolve(remoteURL)
	if err != nil {
		return err
	}

	prefix := StepDirName(step) + "/"
	keys, err := bs.List(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("step %d not found at %s: %w", step, remoteURL, ErrNoCheckpoint)
	}

	tempDir, err := os.MkdirTemp(m.root, "."+StepDirName(step)+"-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(replicationWorkers)
	for _, key := range keys {
		g.Go(func() error {
			rel := strings.TrimPrefix(key, prefix)
			return bs.Download(gctx, key, filepath.Join(tempDir, filepath.FromSlash(rel)))
		})
	}
	if err := g.Wait(); err != nil {
		os.RemoveAll(tempDir)
		return fmt.Errorf("fetching step %d from %s: %w", step, remoteURL, err)
	}

	if err := os.Rename(tempDir, StepDir(m.root, step)); err != nil {
		os.RemoveAll(tempDir)
		return fmt.Errorf("publishing fetched step directory: %w", err)
	}

	m.logger.Info("checkpoint fetched",
		"step", step,
		"remote", remoteURL,
		"files", len(keys),
		"duration", time.Since(start),
	)
	return nil
}

// recordForStep returns the index row for a published step, adopting the
// directory when it arrived outside this manager (remote fetch, external
// copy).
func (m *Manager) recordForStep(ctx context.Context, step int, remoteURL string) (*model.Checkpoint, error) {
	rec, err := m.store.GetCheckpointByStep(ctx, step)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return m.adoptStep(ctx, step, remoteURL)
}

// adoptStep registers an already-published step directory in the index.
func (m *Manager) adoptStep(ctx context.Context, step int, remoteURL string) (*model.Checkpoint, error) {
	size, err := dirSize(StepDir(m.root, step))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &model.Checkpoint{
		ID:          model.NewID(),
		GlobalStep:  step,
		Dir:         StepDirName(step),
		RemoteURL:   remoteURL,
		State:       model.StateComplete,
		SizeBytes:   size,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := m.store.CreateCheckpoint(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns index rows ordered newest step first. A negative limit
// returns all rows.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*Handle, int, error) {
	recs, total, err := m.store.ListCheckpoints(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	handles := make([]*Handle, 0, len(recs))
	for _, rec := range recs {
		handles = append(handles, handleFromRecord(m.root, rec))
	}
	return handles, total, nil
}

// Latest returns the newest complete checkpoint, preferring the tracker
// over the index.
func (m *Manager) Latest(ctx context.Context) (*Handle, error) {
	if step, err := readTracker(m.root); err == nil {
		rec, err := m.store.GetCheckpointByStep(ctx, step)
		if err == nil {
			return handleFromRecord(m.root, rec), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		// Tracker points at a step the index no longer has; fall back.
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	rec, err := m.store.LatestComplete(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, err
	}
	return handleFromRecord(m.root, rec), nil
}

// Prune removes the oldest complete checkpoints beyond keep: their step
// directories are deleted and the index rows marked pruned. Returns the
// pruned handles, oldest first.
func (m *Manager) Prune(ctx context.Context, keep int) ([]*Handle, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	recs, _, err := m.store.ListCheckpoints(ctx, -1, 0)
	if err != nil {
		return nil, err
	}

	// recs is ordered newest step first.
	var complete []*model.Checkpoint
	for _, rec := range recs {
		if rec.State == model.StateComplete {
			complete = append(complete, rec)
		}
	}
	if len(complete) <= keep {
		return nil, nil
	}

	var pruned []*Handle
	victims := complete[keep:]
	for i := len(victims) - 1; i >= 0; i-- {
		rec := victims[i]
		dir := filepath.Join(m.root, rec.Dir)
		if err := os.RemoveAll(dir); err != nil {
			return pruned, fmt.Errorf("removing %s: %w", dir, err)
		}
		if err := m.store.UpdateCheckpointState(ctx, rec.ID, model.StatePruned); err != nil {
			return pruned, err
		}
		m.logger.Info("checkpoint pruned", "step", rec.GlobalStep, "dir", dir)

		rec.State = model.StatePruned
		pruned = append(pruned, handleFromRecord(m.root, rec))
	}
	return pruned, nil
}

// Stats returns aggregate index statistics.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	s, err := m.store.GetCheckpointStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Total:         s.Total,
		CountByState:  s.CountByState,
		CompleteBytes: s.CompleteBytes,
	}, nil
}

// Reindex reconciles the index with the directories actually on disk: step
// directories without a live row are adopted, complete rows whose directory
// is gone are dropped, saving rows left by a crash are resolved, and stale
// staging directories are removed.
func (m *Manager) Reindex(ctx context.Context) error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("reading checkpoint root: %w", err)
	}

	onDisk := make(map[int]bool)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), ".global_step_") {
			// Staging directory from an interrupted save.
			if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
				return fmt.Errorf("removing stale staging directory: %w", err)
			}
			m.logger.Warn("removed stale staging directory", "dir", e.Name())
			continue
		}
		if step, ok := ParseStepDirName(e.Name()); ok {
			onDisk[step] = true
		}
	}

	recs, _, err := m.store.ListCheckpoints(ctx, -1, 0)
	if err != nil {
		return err
	}

	indexed := make(map[int]bool)
	for _, rec := range recs {
		switch rec.State {
		case model.StateComplete:
			if onDisk[rec.GlobalStep] {
				indexed[rec.GlobalStep] = true
				continue
			}
			if err := m.store.DeleteCheckpoint(ctx, rec.ID); err != nil {
				return err
			}
			m.logger.Warn("dropped index row for missing step directory", "step", rec.GlobalStep)
		case model.StateSaving:
			if onDisk[rec.GlobalStep] && !indexed[rec.GlobalStep] {
				// Published but the completion was never recorded.
				size, err := dirSize(StepDir(m.root, rec.GlobalStep))
				if err != nil {
					return err
				}
				if err := m.store.CompleteCheckpoint(ctx, rec.ID, size); err != nil {
					return err
				}
				indexed[rec.GlobalStep] = true
				continue
			}
			if err := m.store.UpdateCheckpointState(ctx, rec.ID, model.StateFailed); err != nil {
				return err
			}
			m.logger.Warn("marked interrupted save failed", "step", rec.GlobalStep)
		}
	}

	for step := range onDisk {
		if indexed[step] {
			continue
		}
		if _, err := m.store.GetCheckpointByStep(ctx, step); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := m.adoptStep(ctx, step, ""); err != nil {
			return err
		}
		m.logger.Info("adopted step directory into index", "step", step)
	}

	return nil
}

func (m *Manager) handleByID(ctx context.Context, id string) (*Handle, error) {
	rec, err := m.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	return handleFromRecord(m.root, rec), nil
}
