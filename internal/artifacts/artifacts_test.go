package artifacts

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/benchjail/internal/logging"
)

func TestRegistryTeardownRemovesEverything(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	r := NewRegistry(logging.Discard())
	jobDir := filepath.Join(base, "job-1")
	if err := r.Mkdir(KindJobDir, jobDir, 0o711); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(jobDir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o711 {
		t.Errorf("job dir mode = %v, want 0711", info.Mode().Perm())
	}
	rootfs := filepath.Join(jobDir, "rootfs.squashfs")
	if err := os.WriteFile(rootfs, []byte("hsqs"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Track(KindRootfs, rootfs); err != nil {
		t.Fatal(err)
	}
	if err := r.Track(KindSocket, filepath.Join(jobDir, "never-created.sock")); err != nil {
		t.Fatal(err)
	}
	if got := len(r.Paths()); got != 3 {
		t.Fatalf("Paths() has %d entries, want 3", got)
	}

	if err := r.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := os.Stat(jobDir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("job dir survived teardown: %v", err)
	}
	if err := r.Teardown(); err != nil {
		t.Errorf("second Teardown: %v", err)
	}
	if err := r.Track(KindRootfs, rootfs); err == nil {
		t.Error("Track() after Teardown() succeeded")
	}
}

func TestRegistryRejectsRelativePaths(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if err := r.Track(KindRootfs, "rootfs.squashfs"); err == nil {
		t.Fatal("Track() accepted a relative path")
	}
}

func TestLocalStoreRetainAndRemove(t *testing.T) {
	t.Parallel()

	store := &LocalStore{BaseDir: filepath.Join(t.TempDir(), "retained")}
	data := []byte("---BENCHJAIL_DONE---\n")
	artifact, err := store.Retain("console.log", KindConsole, data, map[string]any{"job_id": "job-1"})
	if err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if artifact.Digest != digest.FromBytes(data) || artifact.Size != int64(len(data)) {
		t.Errorf("artifact digest, size = %s, %d", artifact.Digest, artifact.Size)
	}
	if artifact.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want %q", artifact.ContentType, "text/plain")
	}
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := os.ReadFile(path); err != nil || string(got) != string(data) {
		t.Fatalf("retained content = %q, %v", got, err)
	}

	loaded, err := store.Load(artifact.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Kind != KindConsole || loaded.Metadata["job_id"] != "job-1" || loaded.Metadata["name"] != "console.log" {
		t.Errorf("Load() = %+v", loaded)
	}

	if err := store.Remove(artifact); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Load(artifact.ID); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load() after Remove() = %v, want not exist", err)
	}
}

func TestPathFromURI(t *testing.T) {
	t.Parallel()

	if got, err := PathFromURI("file:///var/lib/x.log"); err != nil || got != "/var/lib/x.log" {
		t.Errorf("PathFromURI() = %q, %v", got, err)
	}
	if _, err := PathFromURI("s3://bucket/x.log"); err == nil {
		t.Error("PathFromURI() accepted an s3 uri")
	}
}
