// Package storetest provides an in-memory image store backend and helpers
// that publish small OCI images into it.
package storetest

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/benchjail/arch"
	"github.com/cochaviz/benchjail/internal/imagestore"
)

// Backend is an imagestore.Backend backed by a map.
type Backend struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    map[string]int
}

func NewBackend() *Backend {
	return &Backend{objects: make(map[string][]byte), gets: make(map[string]int)}
}

func (b *Backend) Put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
}

func (b *Backend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets[key]++
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, imagestore.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Gets reports how often key was read.
func (b *Backend) Gets(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets[key]
}

// Entry is one tar entry of a test layer.
type Entry struct {
	Name     string
	Body     string
	Mode     int64
	Type     byte
	Linkname string
}

// Layer is an encoded layer blob.
type Layer struct {
	Data      []byte
	MediaType types.MediaType
}

func (l Layer) Digest() digest.Digest {
	return digest.FromBytes(l.Data)
}

// TarLayer encodes entries as a gzip compressed tar layer.
func TarLayer(t testing.TB, entries ...Entry) Layer {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for _, e := range entries {
		typ := e.Type
		if typ == 0 {
			typ = tar.TypeReg
			if strings.HasSuffix(e.Name, "/") {
				typ = tar.TypeDir
			}
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
			if typ == tar.TypeDir {
				mode = 0o755
			}
		}
		hdr := &tar.Header{Name: e.Name, Mode: mode, Typeflag: typ, Linkname: e.Linkname, Format: tar.FormatPAX}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", e.Name, err)
		}
		if typ == tar.TypeReg {
			if _, err := io.WriteString(tw, e.Body); err != nil {
				t.Fatalf("write tar body %s: %v", e.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		t.Fatalf("gzip layer: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip layer: %v", err)
	}
	return Layer{Data: gz.Bytes(), MediaType: types.OCILayer}
}

func hashOf(d digest.Digest) v1.Hash {
	return v1.Hash{Algorithm: d.Algorithm().String(), Hex: d.Encoded()}
}

func blobKey(repo string, d digest.Digest) string {
	return path.Join(repo, "blobs", d.Algorithm().String(), d.Encoded())
}

// BlobKey returns the backend key of a blob in repo.
func BlobKey(repo string, d digest.Digest) string {
	return blobKey(repo, d)
}

// PushImage stores layers, a config and a manifest for repo:tag and returns
// the manifest digest.
func (b *Backend) PushImage(t testing.TB, repo, tag string, cfg v1.Config, layers ...Layer) digest.Digest {
	t.Helper()

	cf := v1.ConfigFile{
		Architecture: arch.Host().OCI(),
		OS:           "linux",
		Config:       cfg,
		RootFS:       v1.RootFS{Type: "layers"},
	}
	cfgBytes, err := json.Marshal(cf)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	cfgDigest := digest.FromBytes(cfgBytes)
	b.Put(blobKey(repo, cfgDigest), cfgBytes)

	m := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     types.OCIManifestSchema1,
		Config: v1.Descriptor{
			MediaType: types.OCIConfigJSON,
			Size:      int64(len(cfgBytes)),
			Digest:    hashOf(cfgDigest),
		},
	}
	for _, l := range layers {
		b.Put(blobKey(repo, l.Digest()), l.Data)
		m.Layers = append(m.Layers, v1.Descriptor{
			MediaType: l.MediaType,
			Size:      int64(len(l.Data)),
			Digest:    hashOf(l.Digest()),
		})
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	md := digest.FromBytes(raw)
	b.Put(path.Join(repo, "manifests", md.Algorithm().String(), md.Encoded()), raw)
	if tag != "" {
		b.Put(path.Join(repo, "tags", tag), []byte(md.String()+"\n"))
	}
	return md
}

// PushIndex stores an index pointing at per-platform manifests and tags it.
func (b *Backend) PushIndex(t testing.TB, repo, tag string, platforms map[string]digest.Digest) digest.Digest {
	t.Helper()

	idx := v1.IndexManifest{SchemaVersion: 2, MediaType: types.OCIImageIndex}
	keys := make([]string, 0, len(platforms))
	for k := range platforms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, archName := range keys {
		d := platforms[archName]
		idx.Manifests = append(idx.Manifests, v1.Descriptor{
			MediaType: types.OCIManifestSchema1,
			Digest:    hashOf(d),
			Platform:  &v1.Platform{OS: "linux", Architecture: archName},
		})
	}
	raw, err := json.Marshal(idx)
	if err != nil {
		t.Fatalf("marshal index: %v", err)
	}
	d := digest.FromBytes(raw)
	b.Put(path.Join(repo, "manifests", d.Algorithm().String(), d.Encoded()), raw)
	b.Put(path.Join(repo, "tags", tag), []byte(d.String()))
	return d
}
