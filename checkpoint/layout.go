package checkpoint

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// On-disk layout under a checkpoint root: one directory per saved step plus
// a tracker file naming the newest step and the index database.
const (
	// TrackerFile records the most recently saved global step.
	TrackerFile = "latest_checkpointed_iteration.txt"
	// IndexFile is the SQLite checkpoint index.
	IndexFile = "checkpoints.db"
)

var stepDirPattern = regexp.MustCompile(`^global_step_(\d+)$`)

// StepDirName returns the directory name for a global step.
func StepDirName(step int) string {
	return fmt.Sprintf("global_step_%d", step)
}

// ParseStepDirName extracts the global step from a step directory name.
func ParseStepDirName(name string) (int, bool) {
	m := stepDirPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	step, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return step, true
}

// StepDir returns the absolute step directory path under root.
func StepDir(root string, step int) string {
	return filepath.Join(root, StepDirName(step))
}

// SplitPath interprets path as either a checkpoint root or a step directory
// directly under one. For a step directory it returns the parent root, the
// step, and true; otherwise path itself and false.
func SplitPath(path string) (root string, step int, hasStep bool) {
	cleaned := filepath.Clean(path)
	if s, ok := ParseStepDirName(filepath.Base(cleaned)); ok {
		return filepath.Dir(cleaned), s, true
	}
	return cleaned, 0, false
}

// readTracker returns the step recorded in the tracker file. A missing
// tracker reports os.ErrNotExist.
func readTracker(root string) (int, error) {
	data, err := os.ReadFile(filepath.Join(root, TrackerFile))
	if err != nil {
		return 0, err
	}
	return parseTracker(data)
}

func parseTracker(data []byte) (int, error) {
	step, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed tracker file: %w", err)
	}
	return step, nil
}

// writeTracker atomically updates the tracker file to step.
func writeTracker(root string, step int) error {
	return writeFileAtomic(filepath.Join(root, TrackerFile), []byte(strconv.Itoa(step)+"\n"))
}

// writeFileAtomic writes data to path through a temp file and rename, so the
// file is either fully the old content or fully the new one.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	published := false
	defer func() {
		if !published {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	published = true
	return nil
}

// dirSize sums the sizes of all regular files under dir.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", dir, err)
	}
	return total, nil
}

// listFiles returns the paths of all regular files under dir, relative to
// dir, using slash separators.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	return files, nil
}
