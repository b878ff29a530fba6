package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Backend is the storage the image store reads from. Keys are slash
// separated; Get returns ErrNotFound (possibly wrapped) for a missing key.
type Backend interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Key layout below a store prefix:
//
//	<repo>/manifests/<alg>/<hex>
//	<repo>/blobs/<alg>/<hex>
//	<repo>/tags/<tag>        (contains the manifest digest)
func manifestKey(repo string, d digest.Digest) string {
	return path.Join(repo, "manifests", d.Algorithm().String(), d.Encoded())
}

func blobKey(repo string, d digest.Digest) string {
	return path.Join(repo, "blobs", d.Algorithm().String(), d.Encoded())
}

func tagKey(repo, tag string) string {
	return path.Join(repo, "tags", tag)
}

func tagsPrefix(repo string) string {
	return path.Join(repo, "tags") + "/"
}

func validKey(key string) error {
	if key == "" || !fs.ValidPath(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}

// LocalBackend serves keys as files below Root.
type LocalBackend struct {
	Root string
}

func NewLocalBackend(root string) (*LocalBackend, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open local image store: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open local image store: %s is not a directory", root)
	}
	return &LocalBackend{Root: root}, nil
}

func (b *LocalBackend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(b.Root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.Root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
