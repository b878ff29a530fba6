// Package imagestore fetches OCI image manifests and blobs from a pluggable
// backend. Every byte handed to a caller has been checked against the digest
// it was requested by.
package imagestore

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/cochaviz/benchjail/arch"
	"github.com/cochaviz/benchjail/internal/logging"
)

const (
	maxManifestSize = 4 << 20
	maxTagSize      = 1 << 10
	// downloadTimeout bounds a shared blob download, which outlives the
	// caller that started it.
	downloadTimeout = 30 * time.Minute
)

// ClientOptions configure a Client.
type ClientOptions struct {
	// CacheDir holds verified blobs as blobs/<alg>/<hex>.
	CacheDir string
	// Platform selects from image indexes; the host architecture if empty.
	Platform arch.Architecture
	Logger   *slog.Logger
}

// Client resolves references and fetches verified content. It is safe for
// concurrent use; concurrent fetches of one blob share a single download.
type Client struct {
	backend  Backend
	cacheDir string
	platform arch.Architecture
	logger   *slog.Logger

	downloads singleflight.Group
}

func NewClient(backend Backend, opts ClientOptions) (*Client, error) {
	if backend == nil {
		return nil, errors.New("image store: backend is required")
	}
	if opts.CacheDir == "" {
		return nil, errors.New("image store: cache dir is required")
	}
	for _, dir := range []string{filepath.Join(opts.CacheDir, "blobs"), filepath.Join(opts.CacheDir, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &Error{Kind: KindCache, Subject: dir, Err: err}
		}
	}
	platform := opts.Platform
	if platform == "" {
		platform = arch.Host()
	}
	return &Client{
		backend:  backend,
		cacheDir: opts.CacheDir,
		platform: platform,
		logger:   logging.Ensure(opts.Logger).With("component", "imagestore"),
	}, nil
}

// Resolve pins a tag reference to the manifest digest it points at.
func (c *Client) Resolve(ctx context.Context, ref Reference) (Reference, error) {
	if ref.Resolved() {
		return ref, nil
	}
	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	raw, err := c.readKey(ctx, tagKey(ref.Repository, tag), maxTagSize)
	if errors.Is(err, ErrNotFound) {
		return Reference{}, &Error{Kind: KindMissingManifest, Subject: ref.String(), Err: err}
	}
	if err != nil {
		return Reference{}, &Error{Kind: KindBackend, Subject: ref.String(), Err: err}
	}
	d, err := digest.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return Reference{}, &Error{Kind: KindInvalidManifest, Subject: ref.String(), Err: fmt.Errorf("tag content: %w", err)}
	}
	return ref.WithDigest(d), nil
}

// Tags lists the tags stored for repo.
func (c *Client) Tags(ctx context.Context, repo string) ([]string, error) {
	prefix := tagsPrefix(repo)
	keys, err := c.backend.List(ctx, prefix)
	if err != nil {
		return nil, &Error{Kind: KindBackend, Subject: repo, Err: err}
	}
	tags := make([]string, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(tags)
	return tags, nil
}

// FetchManifest resolves ref to a single-platform image manifest and its
// config. Indexes are resolved to the client's platform.
func (c *Client) FetchManifest(ctx context.Context, ref Reference) (*Manifest, error) {
	resolved, err := c.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	raw, err := c.fetchManifestBytes(ctx, resolved)
	if err != nil {
		return nil, err
	}
	index, err := isIndex(raw)
	if err != nil {
		return nil, &Error{Kind: KindInvalidManifest, Subject: resolved.String(), Err: err}
	}
	if index {
		d, err := selectPlatform(raw, c.platform)
		if err != nil {
			return nil, &Error{Kind: KindUnsupportedArch, Subject: resolved.String(), Err: err}
		}
		c.logger.Debug("selected platform manifest", "reference", resolved.String(), "platform", c.platform, "digest", d)
		resolved = resolved.WithDigest(d)
		if raw, err = c.fetchManifestBytes(ctx, resolved); err != nil {
			return nil, err
		}
	}

	m, layers, err := parseImageManifest(raw)
	if err != nil {
		return nil, &Error{Kind: KindInvalidManifest, Subject: resolved.String(), Err: err}
	}
	configDigest, err := toDigest(m.Config.Digest)
	if err != nil {
		return nil, &Error{Kind: KindInvalidManifest, Subject: resolved.String(), Err: fmt.Errorf("config: %w", err)}
	}
	cfg, err := c.fetchConfig(ctx, resolved.Repository, configDigest)
	if err != nil {
		return nil, err
	}
	if cfg.OS != "" && cfg.OS != "linux" {
		return nil, &Error{Kind: KindUnsupportedArch, Subject: resolved.String(), Err: fmt.Errorf("image os %q", cfg.OS)}
	}
	if err := arch.CheckGuest(c.platform, cfg.Architecture); err != nil {
		return nil, &Error{Kind: KindUnsupportedArch, Subject: resolved.String(), Err: err}
	}

	c.logger.Info("resolved image", "reference", ref.String(), "digest", resolved.Digest, "layers", len(layers))
	return &Manifest{
		Reference: ref,
		Digest:    resolved.Digest,
		Layers:    layers,
		Config:    cfg,
	}, nil
}

func (c *Client) fetchManifestBytes(ctx context.Context, ref Reference) ([]byte, error) {
	raw, err := c.readKey(ctx, manifestKey(ref.Repository, ref.Digest), maxManifestSize)
	if errors.Is(err, ErrNotFound) {
		return nil, &Error{Kind: KindMissingManifest, Subject: ref.String(), Err: err}
	}
	if err != nil {
		return nil, &Error{Kind: KindBackend, Subject: ref.String(), Err: err}
	}
	if actual := ref.Digest.Algorithm().FromBytes(raw); actual != ref.Digest {
		return nil, &DigestMismatchError{Expected: ref.Digest, Actual: actual}
	}
	return raw, nil
}

func (c *Client) fetchConfig(ctx context.Context, repo string, d digest.Digest) (ImageConfig, error) {
	rc, err := c.FetchBlob(ctx, repo, d)
	if err != nil {
		return ImageConfig{}, err
	}
	defer rc.Close()
	cf, err := v1.ParseConfigFile(io.LimitReader(rc, maxManifestSize))
	if err != nil {
		return ImageConfig{}, &Error{Kind: KindInvalidManifest, Subject: d.String(), Err: fmt.Errorf("config: %w", err)}
	}
	return imageConfigFrom(cf), nil
}

func (c *Client) readKey(ctx context.Context, key string, limit int64) ([]byte, error) {
	rc, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", key, limit)
	}
	return data, nil
}

// BlobPath returns the cache path of a verified blob, downloading it first
// if needed.
func (c *Client) BlobPath(ctx context.Context, repo string, d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", &Error{Kind: KindInvalidReference, Subject: d.String(), Err: err}
	}
	path := c.cachePath(d)
	if err := verifyFile(path, d); err == nil {
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("discarding corrupt cached blob", "digest", d, "error", err)
		_ = os.Remove(path)
	}

	// One caller giving up must not fail the others waiting on the same
	// download, so it runs detached from every caller's ctx.
	flight := c.downloads.DoChan(d.String(), func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), downloadTimeout)
		defer cancel()
		return nil, c.download(dctx, repo, d, path)
	})
	select {
	case res := <-flight:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.logger.Debug("shared blob download", "digest", d)
		}
		return path, nil
	case <-ctx.Done():
		return "", fmt.Errorf("fetch blob %s: %w", d, context.Cause(ctx))
	}
}

// FetchBlob returns a reader over a verified blob. The digest of the cached
// copy is recomputed before the reader is returned.
func (c *Client) FetchBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, error) {
	path, err := c.BlobPath(ctx, repo, d)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Kind: KindCache, Subject: d.String(), Err: err}
	}
	return f, nil
}

func (c *Client) cachePath(d digest.Digest) string {
	return filepath.Join(c.cacheDir, "blobs", d.Algorithm().String(), d.Encoded())
}

// download stages the blob in a temp file while hashing it and only renames
// it into the cache when the digest matches.
func (c *Client) download(ctx context.Context, repo string, d digest.Digest, dest string) error {
	rc, err := c.backend.Get(ctx, blobKey(repo, d))
	if errors.Is(err, ErrNotFound) {
		return &Error{Kind: KindMissingBlob, Subject: d.String(), Err: err}
	}
	if err != nil {
		return &Error{Kind: KindBackend, Subject: d.String(), Err: err}
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Join(c.cacheDir, "tmp"), d.Encoded()+"-*")
	if err != nil {
		return &Error{Kind: KindCache, Subject: d.String(), Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	digester := d.Algorithm().Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), &contextReader{ctx: ctx, r: rc})
	if err != nil {
		return &Error{Kind: KindBackend, Subject: d.String(), Err: fmt.Errorf("read blob: %w", err)}
	}
	if actual := digester.Digest(); actual != d {
		c.logger.Error("blob digest mismatch", "expected", d, "actual", actual)
		return &DigestMismatchError{Expected: d, Actual: actual}
	}
	if err := tmp.Sync(); err != nil {
		return &Error{Kind: KindCache, Subject: d.String(), Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &Error{Kind: KindCache, Subject: d.String(), Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &Error{Kind: KindCache, Subject: d.String(), Err: err}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return &Error{Kind: KindCache, Subject: d.String(), Err: err}
	}
	committed = true
	c.logger.Debug("cached blob", "digest", d, "bytes", n)
	return nil
}

func verifyFile(path string, d digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	actual, err := d.Algorithm().FromReader(f)
	if err != nil {
		return err
	}
	if actual != d {
		return &DigestMismatchError{Expected: d, Actual: actual}
	}
	return nil
}

// contextReader stops a copy when ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
