package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/benchjail/internal/artifacts"
	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/imagestore"
	"github.com/cochaviz/benchjail/internal/runner"
	"github.com/cochaviz/benchjail/internal/vmm"
)

type outputFileView struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type resultView struct {
	JobID       string               `json:"job_id"`
	Status      runner.Status        `json:"status"`
	Stage       runner.Stage         `json:"failed_stage,omitempty"`
	Error       string               `json:"error,omitempty"`
	Source      vmm.ResultSource     `json:"source,omitempty"`
	ExitCode    *int                 `json:"exit_code,omitempty"`
	Metrics     []guest.Metric       `json:"metrics,omitempty"`
	Stdout      string               `json:"stdout"`
	Stderr      string               `json:"stderr"`
	OutputFiles []outputFileView     `json:"output_files,omitempty"`
	Image       digest.Digest        `json:"image,omitempty"`
	Rootfs      digest.Digest        `json:"rootfs,omitempty"`
	Duration    string               `json:"duration"`
	GuestTime   string               `json:"guest_duration,omitempty"`
	Retained    []artifacts.Artifact `json:"retained,omitempty"`
}

// newResultView flattens a job result. Output of jobs that did not
// complete comes from what was collected before they stopped.
func newResultView(res *runner.JobResult, err error) resultView {
	v := resultView{
		JobID:    res.JobID,
		Status:   res.Status,
		Source:   res.Source,
		Image:    res.Image,
		Rootfs:   res.Rootfs,
		Duration: res.Duration().Round(time.Millisecond).String(),
		Retained: res.Retained,
	}
	if err != nil {
		v.Error = err.Error()
		v.Stage, _ = runner.StageOf(err)
	}
	switch r := res.Results; {
	case r != nil:
		code := r.ExitCode
		v.ExitCode = &code
		v.Metrics = r.Metrics
		v.Stdout, v.Stderr = string(r.Stdout), string(r.Stderr)
		for _, f := range r.OutputFiles {
			v.OutputFiles = append(v.OutputFiles, outputFileView{Path: f.Path, Content: string(f.Content)})
		}
		if r.DurationNS > 0 {
			v.GuestTime = time.Duration(r.DurationNS).String()
		}
	case res.Partial != nil:
		v.Stdout, v.Stderr = string(res.Partial.Stdout), string(res.Partial.Stderr)
	}
	return v
}

type layerView struct {
	Digest    digest.Digest `json:"digest"`
	MediaType string        `json:"media_type"`
	Size      int64         `json:"size"`
}

type manifestView struct {
	Reference  string        `json:"reference"`
	Digest     digest.Digest `json:"digest"`
	Arch       string        `json:"architecture"`
	OS         string        `json:"os"`
	Command    []string      `json:"command"`
	Env        []string      `json:"env,omitempty"`
	WorkingDir string        `json:"working_dir,omitempty"`
	Layers     []layerView   `json:"layers"`
}

func newManifestView(m *imagestore.Manifest) manifestView {
	v := manifestView{
		Reference:  m.Reference.String(),
		Digest:     m.Digest,
		Arch:       m.Config.Architecture.String(),
		OS:         m.Config.OS,
		Command:    m.Config.Command(),
		Env:        m.Config.Env,
		WorkingDir: m.Config.WorkingDir,
		Layers:     make([]layerView, 0, len(m.Layers)),
	}
	for _, l := range m.Layers {
		v.Layers = append(v.Layers, layerView{Digest: l.Digest, MediaType: l.MediaType, Size: l.Size})
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
