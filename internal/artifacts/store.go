package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// LocalStore keeps artifacts under BaseDir, each next to a JSON metadata
// document.
type LocalStore struct {
	BaseDir string
}

// Retain writes data as a new artifact named after a fresh ID with the
// extension of name.
func (s *LocalStore) Retain(name string, kind Kind, data []byte, metadata map[string]any) (Artifact, error) {
	if s.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if err := os.MkdirAll(s.BaseDir, 0o750); err != nil {
		return Artifact{}, err
	}

	id := uuid.NewString()
	dest := filepath.Join(s.BaseDir, id+filepath.Ext(name))
	if err := os.WriteFile(dest, data, 0o640); err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}
	artifact := Artifact{
		ID:          id,
		Kind:        kind,
		URI:         fileURI(dest),
		Digest:      digest.FromBytes(data),
		Size:        int64(len(data)),
		ContentType: detectContentType(name),
		Metadata:    cloneMetadata(metadata),
	}
	if name != "" {
		if artifact.Metadata == nil {
			artifact.Metadata = map[string]any{}
		}
		artifact.Metadata["name"] = name
	}
	if err := s.writeMetadata(dest, artifact); err != nil {
		os.Remove(dest)
		return Artifact{}, err
	}
	return artifact, nil
}

// Load reads back the metadata of an artifact retained earlier.
func (s *LocalStore) Load(id string) (Artifact, error) {
	matches, err := filepath.Glob(filepath.Join(s.BaseDir, id+"*.json"))
	if err != nil {
		return Artifact{}, err
	}
	if len(matches) == 0 {
		return Artifact{}, fmt.Errorf("artifact %s: %w", id, fs.ErrNotExist)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return Artifact{}, err
	}
	var artifact Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact metadata: %w", err)
	}
	return artifact, nil
}

// Remove deletes the artifact file and its metadata document.
func (s *LocalStore) Remove(artifact Artifact) error {
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metadataPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalStore) writeMetadata(path string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(path), payload, 0o640)
}

func metadataPath(path string) string {
	return path + ".json"
}

func fileURI(path string) string {
	return "file://" + path
}

// PathFromURI returns the local path of a file:// URI.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", fmt.Errorf("unsupported artifact uri %q", uri)
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

func detectContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".log", ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".squashfs":
		return "application/vnd.squashfs"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
