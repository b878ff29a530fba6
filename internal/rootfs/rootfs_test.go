package rootfs

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/imagestore"
	"github.com/cochaviz/benchjail/internal/imagestore/storetest"
	"github.com/cochaviz/benchjail/internal/logging"
)

func extractLayers(t *testing.T, layers ...storetest.Layer) (string, error) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "tree")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ex := newExtractor(root, logging.Discard())
	for _, l := range layers {
		if err := ex.apply(bytes.NewReader(l.Data), string(l.MediaType)); err != nil {
			return root, err
		}
	}
	return root, ex.finish()
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestLaterLayerOverwrites(t *testing.T) {
	t.Parallel()

	root, err := extractLayers(t,
		storetest.TarLayer(t,
			storetest.Entry{Name: "bin/"},
			storetest.Entry{Name: "bin/run", Body: "first", Mode: 0o755},
			storetest.Entry{Name: "bin/keep", Body: "kept"},
		),
		storetest.TarLayer(t, storetest.Entry{Name: "bin/run", Body: "second", Mode: 0o700}),
	)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "bin/run")); got != "second" {
		t.Errorf("bin/run = %q, want %q", got, "second")
	}
	if got := readFile(t, filepath.Join(root, "bin/keep")); got != "kept" {
		t.Errorf("bin/keep = %q, want %q", got, "kept")
	}
	info, err := os.Stat(filepath.Join(root, "bin/run"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("bin/run mode = %v, want 0700", info.Mode().Perm())
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry storetest.Entry
	}{
		{name: "parent", entry: storetest.Entry{Name: "../evil", Body: "x"}},
		{name: "nested parent", entry: storetest.Entry{Name: "a/../../evil", Body: "x"}},
		{name: "hardlink outside", entry: storetest.Entry{Name: "link", Type: tar.TypeLink, Linkname: "../../etc/passwd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			root, err := extractLayers(t, storetest.TarLayer(t, tt.entry))
			if !IsKind(err, KindPathTraversal) {
				t.Fatalf("extract error = %v, want %s", err, KindPathTraversal)
			}
			if _, err := os.Lstat(filepath.Join(filepath.Dir(root), "evil")); err == nil {
				t.Fatal("entry was written outside the root")
			}
		})
	}
}

func TestSymlinkedParentStaysInRoot(t *testing.T) {
	t.Parallel()

	root, err := extractLayers(t, storetest.TarLayer(t,
		storetest.Entry{Name: "escape", Type: tar.TypeSymlink, Linkname: "../../.."},
		storetest.Entry{Name: "escape/pwned", Body: "x"},
	))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(filepath.Dir(root), "pwned")); err == nil {
		t.Fatal("write through symlink escaped the root")
	}
	if got := readFile(t, filepath.Join(root, "pwned")); got != "x" {
		t.Errorf("pwned = %q, want it clamped to the root", got)
	}
}

func TestWhiteouts(t *testing.T) {
	t.Parallel()

	root, err := extractLayers(t,
		storetest.TarLayer(t,
			storetest.Entry{Name: "a/one", Body: "1"},
			storetest.Entry{Name: "a/two", Body: "2"},
			storetest.Entry{Name: "b/old", Body: "old"},
			storetest.Entry{Name: "b/sub/deep", Body: "deep"},
		),
		storetest.TarLayer(t,
			storetest.Entry{Name: "a/.wh.one"},
			storetest.Entry{Name: "b/new", Body: "new"},
			storetest.Entry{Name: "b/.wh..wh..opq"},
		),
	)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	for _, gone := range []string{"a/one", "b/old", "b/sub", "a/.wh.one", "b/.wh..wh..opq"} {
		if _, err := os.Lstat(filepath.Join(root, gone)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still present (err = %v)", gone, err)
		}
	}
	for _, kept := range []string{"a/two", "b/new"} {
		if _, err := os.Lstat(filepath.Join(root, kept)); err != nil {
			t.Errorf("%s missing: %v", kept, err)
		}
	}
}

func TestReadOnlyDirectoryAcceptsLaterLayers(t *testing.T) {
	t.Parallel()

	root, err := extractLayers(t,
		storetest.TarLayer(t, storetest.Entry{Name: "ro/", Mode: 0o555}),
		storetest.TarLayer(t, storetest.Entry{Name: "ro/file", Body: "x"}),
	)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "ro"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o555 {
		t.Errorf("ro mode = %v, want 0555", info.Mode().Perm())
	}
	// Let t.TempDir clean up.
	_ = os.Chmod(filepath.Join(root, "ro"), 0o755)
}

func TestSkipsDeviceNodes(t *testing.T) {
	t.Parallel()

	root, err := extractLayers(t, storetest.TarLayer(t,
		storetest.Entry{Name: "dev/null", Type: tar.TypeChar},
		storetest.Entry{Name: "etc/hostname", Body: "guest"},
	))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(root, "dev/null")); err == nil {
		t.Error("device node was created")
	}
}

func pushTwoLayerImage(t *testing.T, backend *storetest.Backend) {
	t.Helper()
	backend.PushImage(t, "bench/app", "v1", v1.Config{Cmd: []string{"/bin/run"}, Env: []string{"IMAGE=1"}},
		storetest.TarLayer(t, storetest.Entry{Name: "bin/run", Body: "#!/bin/sh\necho first\n", Mode: 0o755}),
		storetest.TarLayer(t, storetest.Entry{Name: "bin/run", Body: "#!/bin/sh\necho second\n", Mode: 0o755}),
	)
}

func newTestBuilder(t *testing.T, backend *storetest.Backend, workDir string) (*Builder, *imagestore.Client) {
	t.Helper()
	store, err := imagestore.NewClient(backend, imagestore.ClientOptions{CacheDir: t.TempDir(), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	initBin := filepath.Join(t.TempDir(), "benchjail-init")
	if err := os.WriteFile(initBin, []byte("\x7fELF fake init"), 0o755); err != nil {
		t.Fatalf("write init: %v", err)
	}
	b, err := NewBuilder(store, Options{WorkDir: workDir, InitBinary: initBin, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b, store
}

func TestBuildAbortsOnDigestMismatchBeforeExtracting(t *testing.T) {
	t.Parallel()

	backend := storetest.NewBackend()
	pushTwoLayerImage(t, backend)
	workDir := t.TempDir()
	b, store := newTestBuilder(t, backend, workDir)

	ref, _ := imagestore.ParseReference("bench/app:v1")
	m, err := store.FetchManifest(context.Background(), ref)
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	backend.Put(storetest.BlobKey("bench/app", m.Layers[1].Digest), []byte("not the layer"))

	_, err = b.Build(context.Background(), Request{Manifest: m, Output: filepath.Join(t.TempDir(), "rootfs.img")})
	var mismatch *imagestore.DigestMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Build() error = %v, want DigestMismatchError", err)
	}
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir has %d entries, want nothing extracted", len(entries))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath(DefaultMksquashfs); err != nil {
		t.Skip("mksquashfs not installed")
	}

	backend := storetest.NewBackend()
	pushTwoLayerImage(t, backend)
	b, store := newTestBuilder(t, backend, t.TempDir())
	ref, _ := imagestore.ParseReference("bench/app:v1")
	m, err := store.FetchManifest(context.Background(), ref)
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}

	out := t.TempDir()
	first, err := b.Build(context.Background(), Request{Manifest: m, Output: filepath.Join(out, "a.img")})
	if err != nil {
		t.Fatalf("first Build: %v", err)
	}
	second, err := b.Build(context.Background(), Request{Manifest: m, Output: filepath.Join(out, "b.img")})
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if first.Digest != second.Digest {
		t.Errorf("digests differ: %s vs %s", first.Digest, second.Digest)
	}
}

func TestGuestConfig(t *testing.T) {
	t.Parallel()

	m := &imagestore.Manifest{Config: imagestore.ImageConfig{
		Entrypoint: []string{"/bin/bench"},
		Cmd:        []string{"--all"},
		Env:        []string{"PATH=/bin", "A=image"},
		WorkingDir: "/src",
	}}

	cfg, err := GuestConfig(Request{Manifest: m, Env: []string{"A=job"}, MaxOutputSize: 1024})
	if err != nil {
		t.Fatalf("GuestConfig: %v", err)
	}
	if got := cfg.Command; len(got) != 2 || got[0] != "/bin/bench" || got[1] != "--all" {
		t.Errorf("Command = %q, want image entrypoint and cmd", got)
	}
	if cfg.WorkDir != "/src" {
		t.Errorf("WorkDir = %q, want %q", cfg.WorkDir, "/src")
	}
	if last := cfg.Env[len(cfg.Env)-1]; last != "A=job" {
		t.Errorf("last env = %q, want job env to follow image env", last)
	}

	cfg, err = GuestConfig(Request{Manifest: m, Command: []string{"/bin/other"}})
	if err != nil {
		t.Fatalf("GuestConfig: %v", err)
	}
	if cfg.Command[0] != "/bin/other" {
		t.Errorf("Command = %q, want override", cfg.Command)
	}

	if _, err := GuestConfig(Request{Manifest: &imagestore.Manifest{}}); !IsKind(err, KindConfig) {
		t.Errorf("GuestConfig(no command) error = %v, want %s", err, KindConfig)
	}
}

func TestInstallWritesInitAndConfig(t *testing.T) {
	t.Parallel()

	b, _ := newTestBuilder(t, storetest.NewBackend(), t.TempDir())
	tree := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(tree, "etc")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	cfg := &guest.Config{Command: []string{"/bin/run"}}
	if err := b.install(tree, cfg); err != nil {
		t.Fatalf("install: %v", err)
	}

	if _, err := os.Lstat(filepath.Join(outside, "benchjail")); err == nil {
		t.Fatal("config was written through the etc symlink out of the tree")
	}
	info, err := os.Stat(filepath.Join(tree, "init"))
	if err != nil {
		t.Fatalf("stat init: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("init mode = %v, want 0755", info.Mode().Perm())
	}
	for _, dir := range mountpoints {
		if info, err := os.Stat(filepath.Join(tree, dir)); err != nil || !info.IsDir() {
			t.Errorf("mountpoint /%s missing", dir)
		}
	}
}
