package rootfs

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decompress picks the decoder from the media type, falling back to the
// stream's magic bytes.
func decompress(r io.Reader, mediaType string) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	kind := ""
	switch {
	case strings.HasSuffix(mediaType, "gzip"):
		kind = "gzip"
	case strings.HasSuffix(mediaType, "zstd"):
		kind = "zstd"
	case strings.HasSuffix(mediaType, ".tar"):
		kind = "tar"
	default:
		head, _ := br.Peek(4)
		switch {
		case bytes.HasPrefix(head, gzipMagic):
			kind = "gzip"
		case bytes.HasPrefix(head, zstdMagic):
			kind = "zstd"
		default:
			kind = "tar"
		}
	}

	switch kind {
	case "gzip":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(br), nil
	}
}

// extractor merges layers into root. Directory modes are applied at the end
// so read-only directories can still receive entries from later layers.
type extractor struct {
	root     string
	logger   *slog.Logger
	dirModes map[string]fs.FileMode
	skipped  int
}

func newExtractor(root string, logger *slog.Logger) *extractor {
	return &extractor{root: root, logger: logger, dirModes: make(map[string]fs.FileMode)}
}

// cleanName maps a tar entry name to a root-relative slash path. It fails
// for any name that would leave the root, rather than clamping it.
func cleanName(name string) (string, error) {
	rel := strings.TrimPrefix(name, "/")
	rel = strings.TrimSuffix(rel, "/")
	if rel == "" || rel == "." {
		return "", nil
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", &Error{Kind: KindPathTraversal, Path: name}
	}
	return path.Clean(rel), nil
}

// resolve maps rel to a host path. Symlinks in the parent directories are
// followed without leaving the root; the final component is never followed.
func (e *extractor) resolve(rel string) (string, error) {
	parent, err := securejoin.SecureJoin(e.root, filepath.FromSlash(path.Dir(rel)))
	if err != nil {
		return "", &Error{Kind: KindIO, Path: rel, Err: err}
	}
	target := filepath.Join(parent, path.Base(rel))
	if !within(e.root, target) {
		return "", &Error{Kind: KindPathTraversal, Path: rel}
	}
	return target, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && filepath.IsLocal(rel)
}

// apply extracts one layer.
func (e *extractor) apply(r io.Reader, mediaType string) error {
	rc, err := decompress(r, mediaType)
	if err != nil {
		return &Error{Kind: KindLayer, Err: err}
	}
	defer rc.Close()

	// Paths written by this layer survive its own opaque markers.
	created := make(map[string]bool)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &Error{Kind: KindLayer, Err: fmt.Errorf("read tar: %w", err)}
		}
		if err := e.entry(tr, hdr, created); err != nil {
			return err
		}
	}
}

func (e *extractor) entry(tr *tar.Reader, hdr *tar.Header, created map[string]bool) error {
	if hdr.Typeflag == tar.TypeXGlobalHeader {
		return nil
	}
	rel, err := cleanName(hdr.Name)
	if err != nil {
		return err
	}
	if rel == "" {
		if hdr.Typeflag == tar.TypeDir {
			e.dirModes[e.root] = modeOf(hdr)
		}
		return nil
	}

	base := path.Base(rel)
	if base == opaqueWhiteout {
		return e.opaque(path.Dir(rel), created)
	}
	if strings.HasPrefix(base, whiteoutPrefix) {
		victim := path.Join(path.Dir(rel), strings.TrimPrefix(base, whiteoutPrefix))
		target, err := e.resolve(victim)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return &Error{Kind: KindIO, Path: victim, Err: err}
		}
		delete(e.dirModes, target)
		return nil
	}

	target, err := e.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &Error{Kind: KindIO, Path: rel, Err: err}
	}
	created[rel] = true
	if hdr.Typeflag != tar.TypeDir {
		delete(e.dirModes, target)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if info, err := os.Lstat(target); err == nil && !info.IsDir() {
			if err := os.Remove(target); err != nil {
				return &Error{Kind: KindIO, Path: rel, Err: err}
			}
		}
		if err := os.Mkdir(target, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return &Error{Kind: KindIO, Path: rel, Err: err}
		}
		if err := os.Chmod(target, modeOf(hdr)|0o700); err != nil {
			return &Error{Kind: KindIO, Path: rel, Err: err}
		}
		e.dirModes[target] = modeOf(hdr)
		return nil

	case tar.TypeReg:
		if err := replace(target); err != nil {
			return &Error{Kind: KindIO, Path: rel, Err: err}
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return &Error{Kind: KindIO, Path: rel, Err: err}
		}
		_, copyErr := io.CopyN(f, tr, hdr.Size)
		closeErr := f.Close()
		if err := errors.Join(copyErr, closeErr); err != nil {
			return &Error{Kind: KindLayer, Path: rel, Err: err}
		}
		if err := os.Chmod(target, modeOf(hdr)); err != nil {
			return &Error{Kind: KindIO, Path: rel, Err: err}
		}
		return nil

	case tar.TypeSymlink:
		if err := replace(target); err != nil {
			return &Error{Kind: KindIO, Path: rel, Err: err}
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return &Error{Kind: KindIO, Path: rel, Err: err}
		}
		return nil

	case tar.TypeLink:
		linkRel, err := cleanName(hdr.Linkname)
		if err != nil || linkRel == "" {
			return &Error{Kind: KindPathTraversal, Path: hdr.Linkname}
		}
		source, err := e.resolve(linkRel)
		if err != nil {
			return err
		}
		info, err := os.Lstat(source)
		if err != nil {
			return &Error{Kind: KindLayer, Path: rel, Err: fmt.Errorf("hardlink target %s: %w", linkRel, err)}
		}
		if !info.Mode().IsRegular() {
			return &Error{Kind: KindLayer, Path: rel, Err: fmt.Errorf("hardlink target %s is not a regular file", linkRel)}
		}
		if err := replace(target); err != nil {
			return &Error{Kind: KindIO, Path: rel, Err: err}
		}
		if err := os.Link(source, target); err != nil {
			return &Error{Kind: KindIO, Path: rel, Err: err}
		}
		return nil

	default:
		// Device nodes and fifos come from devtmpfs in the guest.
		e.skipped++
		e.logger.Debug("skipping special file", "path", rel, "type", string(hdr.Typeflag))
		delete(created, rel)
		return nil
	}
}

// opaque removes everything below dir that lower layers put there.
func (e *extractor) opaque(dir string, created map[string]bool) error {
	target := e.root
	if dir != "." {
		var err error
		if target, err = e.resolve(dir); err != nil {
			return err
		}
	}
	entries, err := os.ReadDir(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &Error{Kind: KindIO, Path: dir, Err: err}
	}
	for _, ent := range entries {
		child := path.Join(dir, ent.Name())
		if dir == "." {
			child = ent.Name()
		}
		if created[child] || hasCreatedBelow(created, child) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(target, ent.Name())); err != nil {
			return &Error{Kind: KindIO, Path: child, Err: err}
		}
	}
	return nil
}

func hasCreatedBelow(created map[string]bool, dir string) bool {
	prefix := dir + "/"
	for p := range created {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// replace clears whatever is at target so a new entry can take its place.
func replace(target string) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

func modeOf(hdr *tar.Header) fs.FileMode {
	mode := hdr.FileInfo().Mode()
	return mode & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
}

// finish applies the recorded directory modes, deepest first.
func (e *extractor) finish() error {
	dirs := make([]string, 0, len(e.dirModes))
	for d := range e.dirModes {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		if info, err := os.Lstat(d); err != nil || !info.IsDir() {
			continue
		}
		if err := os.Chmod(d, e.dirModes[d]); err != nil {
			return &Error{Kind: KindIO, Path: d, Err: err}
		}
	}
	return nil
}
