// Package blobs provides the remote stores the checkpoint protocol
// replicates to. A Blobstore moves whole files between the local filesystem
// and a keyed namespace; the checkpoint manager decides what to move and
// when.
package blobs

import (
	"context"
	"fmt"
	"strings"
)

// Blobstore reads and writes whole files in a remote namespace. Keys are
// slash-separated paths relative to the store's root. Upload overwrites an
// existing object with the same key.
type Blobstore interface {
	// Upload copies the file at localPath to key.
	Upload(ctx context.Context, localPath, key string) error
	// Download copies the object at key to localPath, creating parent
	// directories as needed. The file appears atomically. A missing
	// object reports an error satisfying errors.Is(err, os.ErrNotExist).
	Download(ctx context.Context, key, localPath string) error
	// List returns the keys beginning with prefix, sorted. The match is
	// a raw string prefix; pass a trailing slash to scope to a
	// directory-like level.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Resolve picks a store from a URL. "gs://bucket/prefix" binds a GCS store
// to that bucket and prefix; "file:///dir" and bare paths bind a Local store
// to the directory.
func Resolve(rawURL string) (Blobstore, error) {
	switch {
	case rawURL == "":
		return nil, fmt.Errorf("empty blob URL")
	case strings.HasPrefix(rawURL, "gs://"):
		rest := strings.TrimPrefix(rawURL, "gs://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("blob URL %q has no bucket", rawURL)
		}
		return &GCS{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
	case strings.HasPrefix(rawURL, "file://"):
		dir := strings.TrimPrefix(rawURL, "file://")
		if dir == "" {
			return nil, fmt.Errorf("blob URL %q has no path", rawURL)
		}
		return &Local{Root: dir}, nil
	case strings.Contains(rawURL, "://"):
		return nil, fmt.Errorf("unsupported blob URL scheme in %q", rawURL)
	default:
		return &Local{Root: rawURL}, nil
	}
}
