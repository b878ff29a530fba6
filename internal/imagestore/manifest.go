package imagestore

import (
	"bytes"
	"encoding/json"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/benchjail/arch"
)

// Layer describes one filesystem layer in application order.
type Layer struct {
	Digest    digest.Digest
	MediaType string
	Size      int64
}

// ImageConfig is the runtime part of an image config.
type ImageConfig struct {
	Entrypoint   []string
	Cmd          []string
	Env          []string
	WorkingDir   string
	Architecture arch.Architecture
	OS           string
}

// Command is the entrypoint followed by the default arguments.
func (c ImageConfig) Command() []string {
	out := make([]string, 0, len(c.Entrypoint)+len(c.Cmd))
	out = append(out, c.Entrypoint...)
	return append(out, c.Cmd...)
}

// Manifest is a resolved single-platform image.
type Manifest struct {
	Reference Reference
	Digest    digest.Digest
	Layers    []Layer
	Config    ImageConfig
}

// mediaTypeProbe reads only what is needed to tell an index from an image
// manifest. OCI allows mediaType to be omitted.
type mediaTypeProbe struct {
	MediaType types.MediaType `json:"mediaType"`
	Manifests json.RawMessage `json:"manifests"`
}

func isIndex(raw []byte) (bool, error) {
	var probe mediaTypeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false, err
	}
	if probe.MediaType != "" {
		return probe.MediaType.IsIndex(), nil
	}
	return len(probe.Manifests) > 0, nil
}

func toDigest(h v1.Hash) (digest.Digest, error) {
	d := digest.Digest(h.String())
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// selectPlatform picks the linux manifest for want from an index.
func selectPlatform(raw []byte, want arch.Architecture) (digest.Digest, error) {
	index, err := v1.ParseIndexManifest(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	for _, desc := range index.Manifests {
		if desc.Platform == nil {
			continue
		}
		if desc.Platform.OS != "linux" || arch.Normalize(desc.Platform.Architecture) != want {
			continue
		}
		return toDigest(desc.Digest)
	}
	return "", fmt.Errorf("index has no linux/%s manifest", want.OCI())
}

func parseImageManifest(raw []byte) (*v1.Manifest, []Layer, error) {
	m, err := v1.ParseManifest(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	layers := make([]Layer, 0, len(m.Layers))
	for i, desc := range m.Layers {
		d, err := toDigest(desc.Digest)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers = append(layers, Layer{Digest: d, MediaType: string(desc.MediaType), Size: desc.Size})
	}
	return m, layers, nil
}

func imageConfigFrom(cf *v1.ConfigFile) ImageConfig {
	return ImageConfig{
		Entrypoint:   append([]string(nil), cf.Config.Entrypoint...),
		Cmd:          append([]string(nil), cf.Config.Cmd...),
		Env:          append([]string(nil), cf.Config.Env...),
		WorkingDir:   cf.Config.WorkingDir,
		Architecture: arch.Normalize(cf.Architecture),
		OS:           cf.OS,
	}
}
