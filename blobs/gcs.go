package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS stores objects under a prefix in a Google Cloud Storage bucket.
// Credentials come from the environment (application default credentials).
type GCS struct {
	Bucket string
	Prefix string
}

var _ Blobstore = (*GCS)(nil)

func (g *GCS) object(key string) string {
	if g.Prefix == "" {
		return key
	}
	return g.Prefix + "/" + key
}

func (g *GCS) url(key string) string {
	return "gs://" + g.Bucket + "/" + g.object(key)
}

func (g *GCS) Upload(ctx context.Context, localPath, key string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS client: %w", err)
	}
	defer client.Close()

	w := client.Bucket(g.Bucket).Object(g.object(key)).NewWriter(ctx)
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return fmt.Errorf("uploading to %s: %w", g.url(key), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer for %s: %w", g.url(key), err)
	}
	return nil
}

func (g *GCS) Download(ctx context.Context, key, localPath string) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(g.Bucket).Object(g.object(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%s: %w", g.url(key), os.ErrNotExist)
		}
		return fmt.Errorf("opening %s: %w", g.url(key), err)
	}
	defer r.Close()

	if _, err := writeToFile(r, localPath); err != nil {
		return fmt.Errorf("downloading %s: %w", g.url(key), err)
	}
	return nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	defer client.Close()

	full := g.object(prefix)
	it := client.Bucket(g.Bucket).Objects(ctx, &storage.Query{Prefix: full})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s: %w", g.Bucket, full, err)
		}
		key := attrs.Name
		if g.Prefix != "" {
			key = strings.TrimPrefix(key, g.Prefix+"/")
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
