package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local stores objects as files under a root directory. It serves tests and
// shared-filesystem replication targets.
type Local struct {
	Root string
}

var _ Blobstore = (*Local)(nil)

func (l *Local) path(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(key))
}

func (l *Local) Upload(_ context.Context, localPath, key string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if _, err := writeToFile(src, l.path(key)); err != nil {
		return fmt.Errorf("storing blob %q: %w", key, err)
	}
	return nil
}

func (l *Local) Download(_ context.Context, key, localPath string) error {
	src, err := os.Open(l.path(key))
	if err != nil {
		return fmt.Errorf("opening blob %q: %w", key, err)
	}
	defer src.Close()

	if _, err := writeToFile(src, localPath); err != nil {
		return fmt.Errorf("downloading blob %q: %w", key, err)
	}
	return nil
}

func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.Root, path)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		// A store nothing was uploaded to yet is empty, not broken.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing blobs under %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// writeToFile copies src into destPath through a temp file in the same
// directory, so the destination appears atomically and a failed copy leaves
// nothing behind.
func writeToFile(src io.Reader, destPath string) (int64, error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating destination directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	published := false
	defer func() {
		if !published {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("writing temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), destPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	published = true
	return n, nil
}
