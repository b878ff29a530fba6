package imagestore_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/benchjail/arch"
	"github.com/cochaviz/benchjail/internal/imagestore"
	"github.com/cochaviz/benchjail/internal/imagestore/storetest"
	"github.com/cochaviz/benchjail/internal/logging"
)

func newClient(t *testing.T, backend imagestore.Backend) *imagestore.Client {
	t.Helper()
	c, err := imagestore.NewClient(backend, imagestore.ClientOptions{
		CacheDir: t.TempDir(),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	return c
}

func mustRef(t *testing.T, s string) imagestore.Reference {
	t.Helper()
	ref, err := imagestore.ParseReference(s)
	require.NoError(t, err)
	return ref
}

func TestParseReference(t *testing.T) {
	t.Parallel()

	d := digest.FromString("x")
	tests := []struct {
		in      string
		want    imagestore.Reference
		wantErr bool
	}{
		{in: "bench/app", want: imagestore.Reference{Repository: "bench/app", Tag: "latest"}},
		{in: "bench/app:v1", want: imagestore.Reference{Repository: "bench/app", Tag: "v1"}},
		{in: "bench/app@" + d.String(), want: imagestore.Reference{Repository: "bench/app", Digest: d}},
		{in: "Bad Ref", wantErr: true},
	}
	for _, tt := range tests {
		got, err := imagestore.ParseReference(tt.in)
		if tt.wantErr {
			assert.True(t, imagestore.IsKind(err, imagestore.KindInvalidReference), "ParseReference(%q) error = %v", tt.in, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "ParseReference(%q)", tt.in)
	}
}

func TestFetchManifestByTag(t *testing.T) {
	t.Parallel()

	backend := storetest.NewBackend()
	layer := storetest.TarLayer(t, storetest.Entry{Name: "bin/run", Body: "#!/bin/sh\n", Mode: 0o755})
	md := backend.PushImage(t, "bench/app", "v1", v1.Config{
		Entrypoint: []string{"/bin/run"},
		Cmd:        []string{"--fast"},
		Env:        []string{"A=1"},
		WorkingDir: "/work",
	}, layer)

	c := newClient(t, backend)
	m, err := c.FetchManifest(context.Background(), mustRef(t, "bench/app:v1"))
	require.NoError(t, err)

	assert.Equal(t, md, m.Digest)
	require.Len(t, m.Layers, 1)
	assert.Equal(t, layer.Digest(), m.Layers[0].Digest)
	assert.Equal(t, []string{"/bin/run", "--fast"}, m.Config.Command())
	assert.Equal(t, "/work", m.Config.WorkingDir)
	assert.Equal(t, arch.Host(), m.Config.Architecture)
}

func TestFetchManifestSelectsPlatformFromIndex(t *testing.T) {
	t.Parallel()

	backend := storetest.NewBackend()
	md := backend.PushImage(t, "bench/multi", "", v1.Config{Cmd: []string{"true"}})
	backend.PushIndex(t, "bench/multi", "latest", map[string]digest.Digest{
		arch.Host().OCI(): md,
		"s390x":           digest.FromString("other"),
	})

	m, err := newClient(t, backend).FetchManifest(context.Background(), mustRef(t, "bench/multi"))
	require.NoError(t, err)
	assert.Equal(t, md, m.Digest)
}

func TestFetchManifestMissing(t *testing.T) {
	t.Parallel()

	_, err := newClient(t, storetest.NewBackend()).FetchManifest(context.Background(), mustRef(t, "bench/none:v1"))
	require.Error(t, err)
	assert.True(t, imagestore.IsKind(err, imagestore.KindMissingManifest), "error = %v", err)
	assert.True(t, errors.Is(err, imagestore.ErrNotFound))
}

func TestFetchBlobVerifiesDigest(t *testing.T) {
	t.Parallel()

	backend := storetest.NewBackend()
	want := digest.FromString("expected content")
	backend.Put(storetest.BlobKey("bench/app", want), []byte("tampered content"))

	cacheDir := t.TempDir()
	c, err := imagestore.NewClient(backend, imagestore.ClientOptions{CacheDir: cacheDir, Logger: logging.Discard()})
	require.NoError(t, err)

	_, err = c.FetchBlob(context.Background(), "bench/app", want)
	var mismatch *imagestore.DigestMismatchError
	require.True(t, errors.As(err, &mismatch), "error = %v", err)
	assert.Equal(t, want, mismatch.Expected)
	assert.Equal(t, digest.FromString("tampered content"), mismatch.Actual)

	_, statErr := os.Stat(filepath.Join(cacheDir, "blobs", "sha256", want.Encoded()))
	assert.True(t, os.IsNotExist(statErr), "tampered blob was cached under its claimed name")
	tmp, err := os.ReadDir(filepath.Join(cacheDir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp, "staging file left behind")
}

func TestFetchBlobMissing(t *testing.T) {
	t.Parallel()

	_, err := newClient(t, storetest.NewBackend()).FetchBlob(context.Background(), "bench/app", digest.FromString("nope"))
	assert.True(t, imagestore.IsKind(err, imagestore.KindMissingBlob), "error = %v", err)
}

func TestFetchBlobCachesAndRecoversFromCorruption(t *testing.T) {
	t.Parallel()

	backend := storetest.NewBackend()
	content := []byte("layer bytes")
	d := digest.FromBytes(content)
	key := storetest.BlobKey("bench/app", d)
	backend.Put(key, content)

	cacheDir := t.TempDir()
	c, err := imagestore.NewClient(backend, imagestore.ClientOptions{CacheDir: cacheDir, Logger: logging.Discard()})
	require.NoError(t, err)

	read := func() []byte {
		rc, err := c.FetchBlob(context.Background(), "bench/app", d)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, content, read())
	assert.Equal(t, content, read())
	assert.Equal(t, 1, backend.Gets(key), "second fetch should be served from cache")

	cached := filepath.Join(cacheDir, "blobs", "sha256", d.Encoded())
	require.NoError(t, os.WriteFile(cached, []byte("bit rot"), 0o644))
	assert.Equal(t, content, read())
	assert.Equal(t, 2, backend.Gets(key))
}

func TestFetchBlobConcurrent(t *testing.T) {
	t.Parallel()

	backend := storetest.NewBackend()
	content := []byte("shared layer")
	d := digest.FromBytes(content)
	backend.Put(storetest.BlobKey("bench/app", d), content)
	c := newClient(t, backend)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, err := c.FetchBlob(context.Background(), "bench/app", d)
			if err != nil {
				errs <- err
				return
			}
			rc.Close()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("FetchBlob() error = %v", err)
	}
}

// gatedBackend holds every Get until release is closed.
type gatedBackend struct {
	*storetest.Backend
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *gatedBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.Backend.Get(ctx, key)
}

func TestFetchBlobSurvivesCancelledSharer(t *testing.T) {
	t.Parallel()

	backend := &gatedBackend{
		Backend: storetest.NewBackend(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	content := []byte("shared layer")
	d := digest.FromBytes(content)
	key := storetest.BlobKey("bench/app", d)
	backend.Put(key, content)
	c := newClient(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.BlobPath(ctx, "bench/app", d)
		first <- err
	}()
	<-backend.started

	second := make(chan error, 1)
	go func() {
		rc, err := c.FetchBlob(context.Background(), "bench/app", d)
		if err == nil {
			rc.Close()
		}
		second <- err
	}()
	// Let the second fetch join the download in flight.
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(backend.release)
	require.NoError(t, <-second)
	assert.Equal(t, 1, backend.Gets(key))
}

func TestTags(t *testing.T) {
	t.Parallel()

	backend := storetest.NewBackend()
	backend.PushImage(t, "bench/app", "v2", v1.Config{})
	backend.PushImage(t, "bench/app", "v1", v1.Config{Cmd: []string{"x"}})

	tags, err := newClient(t, backend).Tags(context.Background(), "bench/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, tags)
}

func TestLocalBackend(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bench", "app", "tags"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bench", "app", "tags", "v1"), []byte("x"), 0o644))

	b, err := imagestore.NewLocalBackend(root)
	require.NoError(t, err)

	rc, err := b.Get(context.Background(), "bench/app/tags/v1")
	require.NoError(t, err)
	rc.Close()

	_, err = b.Get(context.Background(), "bench/app/tags/v2")
	assert.True(t, errors.Is(err, imagestore.ErrNotFound), "error = %v", err)

	_, err = b.Get(context.Background(), "../etc/passwd")
	assert.Error(t, err)

	keys, err := b.List(context.Background(), "bench/app/tags/")
	require.NoError(t, err)
	assert.Equal(t, []string{"bench/app/tags/v1"}, keys)
}
