// Package rootfs turns a verified OCI image into the read-only squashfs root
// filesystem a guest boots from.
package rootfs

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/imagestore"
	"github.com/cochaviz/benchjail/internal/logging"
)

const DefaultCompression = "zstd"

// Mountpoints the guest init mounts over. The image is read-only at boot,
// so they have to exist in it.
var mountpoints = []string{"proc", "dev", "sys", "tmp", "run"}

// LayerSource hands out local paths of verified layer blobs. It is
// implemented by *imagestore.Client.
type LayerSource interface {
	BlobPath(ctx context.Context, repo string, d digest.Digest) (string, error)
}

type Options struct {
	// WorkDir holds the staging trees; os.TempDir() if empty.
	WorkDir string
	// InitBinary is the host path of the guest init installed at /init.
	InitBinary  string
	Compression string
	Mksquashfs  string
	Logger      *slog.Logger
}

// Request describes one rootfs build.
type Request struct {
	Manifest *imagestore.Manifest
	// Command overrides the image's entrypoint and cmd when set.
	Command       []string
	Env           []string
	WorkDir       string
	OutputFiles   []string
	MaxOutputSize int64
	// Output is the path the squashfs image is written to.
	Output string
}

// Image is a packed root filesystem.
type Image struct {
	Path   string
	Digest digest.Digest
	Size   int64
}

type Builder struct {
	layers LayerSource
	opts   Options
	logger *slog.Logger
}

func NewBuilder(layers LayerSource, opts Options) (*Builder, error) {
	if layers == nil {
		return nil, errors.New("rootfs: layer source is required")
	}
	if opts.Compression == "" {
		opts.Compression = DefaultCompression
	}
	if !validCompression(opts.Compression) {
		return nil, &Error{Kind: KindConfig, Err: fmt.Errorf("unknown squashfs compression %q", opts.Compression)}
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &Builder{
		layers: layers,
		opts:   opts,
		logger: logging.Ensure(opts.Logger).With("component", "rootfs"),
	}, nil
}

// GuestConfig is the init configuration a request produces.
func GuestConfig(req Request) (*guest.Config, error) {
	if req.Manifest == nil {
		return nil, &Error{Kind: KindConfig, Err: errors.New("manifest is required")}
	}
	cfg := &guest.Config{
		Command:       req.Command,
		WorkDir:       req.WorkDir,
		Env:           append(append([]string(nil), req.Manifest.Config.Env...), req.Env...),
		OutputFiles:   req.OutputFiles,
		MaxOutputSize: req.MaxOutputSize,
	}
	if len(cfg.Command) == 0 {
		cfg.Command = req.Manifest.Config.Command()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = req.Manifest.Config.WorkingDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Kind: KindConfig, Err: err}
	}
	return cfg, nil
}

// Build fetches and verifies every layer before extracting any, merges them
// in manifest order, installs the init and packs the tree. The staging tree
// is removed on every path.
func (b *Builder) Build(ctx context.Context, req Request) (*Image, error) {
	if req.Output == "" {
		return nil, &Error{Kind: KindConfig, Err: errors.New("output path is required")}
	}
	cfg, err := GuestConfig(req)
	if err != nil {
		return nil, err
	}
	m := req.Manifest
	logger := b.logger.With("image", m.Reference.String(), "digest", m.Digest)
	started := time.Now()

	paths := make([]string, len(m.Layers))
	for i, layer := range m.Layers {
		p, err := b.layers.BlobPath(ctx, m.Reference.Repository, layer.Digest)
		if err != nil {
			return nil, &Error{Kind: KindLayer, Path: layer.Digest.String(), Err: err}
		}
		paths[i] = p
	}

	staging, err := os.MkdirTemp(b.opts.WorkDir, "rootfs-")
	if err != nil {
		return nil, &Error{Kind: KindIO, Path: b.opts.WorkDir, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			logger.Warn("failed to remove staging tree", "path", staging, "error", err)
		}
	}()
	tree := filepath.Join(staging, "tree")
	if err := os.Mkdir(tree, 0o755); err != nil {
		return nil, &Error{Kind: KindIO, Path: tree, Err: err}
	}

	ex := newExtractor(tree, logger)
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := applyLayerFile(ex, p, m.Layers[i].MediaType); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, m.Layers[i].Digest, err)
		}
	}
	if err := ex.finish(); err != nil {
		return nil, err
	}
	if ex.skipped > 0 {
		logger.Debug("skipped special files", "count", ex.skipped)
	}

	if err := b.install(tree, cfg); err != nil {
		return nil, err
	}
	if err := os.Chmod(tree, 0o755); err != nil {
		return nil, &Error{Kind: KindIO, Path: tree, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return nil, &Error{Kind: KindIO, Path: req.Output, Err: err}
	}
	if err := pack(ctx, b.opts.Mksquashfs, tree, req.Output, b.opts.Compression); err != nil {
		return nil, err
	}

	img, err := describe(req.Output)
	if err != nil {
		return nil, err
	}
	logger.Info("built rootfs",
		"path", img.Path,
		"size", units.HumanSize(float64(img.Size)),
		"layers", len(m.Layers),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return img, nil
}

func applyLayerFile(ex *extractor, path, mediaType string) error {
	f, err := os.Open(path)
	if err != nil {
		return &Error{Kind: KindIO, Path: path, Err: err}
	}
	defer f.Close()
	return ex.apply(f, mediaType)
}

// install adds the init binary, its config and the mountpoints.
func (b *Builder) install(tree string, cfg *guest.Config) error {
	for _, dir := range mountpoints {
		p := filepath.Join(tree, dir)
		if info, err := os.Lstat(p); err == nil && !info.IsDir() {
			if err := os.Remove(p); err != nil {
				return &Error{Kind: KindIO, Path: dir, Err: err}
			}
		}
		if err := os.Mkdir(p, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return &Error{Kind: KindIO, Path: dir, Err: err}
		}
	}
	if err := os.Chmod(filepath.Join(tree, "tmp"), 0o777|fs.ModeSticky); err != nil {
		return &Error{Kind: KindIO, Path: "tmp", Err: err}
	}

	data, err := cfg.Marshal()
	if err != nil {
		return &Error{Kind: KindConfig, Err: err}
	}
	cfgDir, err := securejoin.SecureJoin(tree, filepath.Dir(guest.ConfigPath))
	if err != nil {
		return &Error{Kind: KindIO, Path: guest.ConfigPath, Err: err}
	}
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return &Error{Kind: KindIO, Path: guest.ConfigPath, Err: err}
	}
	cfgPath := filepath.Join(cfgDir, filepath.Base(guest.ConfigPath))
	if err := writeFile(cfgPath, 0o644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return &Error{Kind: KindIO, Path: guest.ConfigPath, Err: err}
	}

	if b.opts.InitBinary == "" {
		return &Error{Kind: KindConfig, Err: errors.New("init binary path is required")}
	}
	src, err := os.Open(b.opts.InitBinary)
	if err != nil {
		return &Error{Kind: KindConfig, Path: b.opts.InitBinary, Err: err}
	}
	defer src.Close()
	initPath := filepath.Join(tree, guest.InitPath)
	if err := writeFile(initPath, 0o755, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	}); err != nil {
		return &Error{Kind: KindIO, Path: guest.InitPath, Err: err}
	}
	return nil
}

// writeFile replaces whatever is at p, never following a symlink there.
func writeFile(p string, mode fs.FileMode, fill func(io.Writer) error) error {
	if err := replace(p); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(p, mode)
}

func describe(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Kind: KindIO, Path: path, Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, &Error{Kind: KindIO, Path: path, Err: err}
	}
	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return nil, &Error{Kind: KindIO, Path: path, Err: err}
	}
	return &Image{Path: path, Digest: d, Size: info.Size()}, nil
}
