package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/benchjail/internal/jailer"
	"github.com/cochaviz/benchjail/internal/runner"
)

// Job is a job file as written by a user.
type Job struct {
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	WorkDir     string            `yaml:"workdir,omitempty"`
	OutputFiles []string          `yaml:"output_files,omitempty"`
	Priority    int               `yaml:"priority,omitempty"`
	TimeoutSecs uint64            `yaml:"timeout_secs,omitempty"`
	VCPUs       int               `yaml:"vcpus,omitempty"`
	Memory      string            `yaml:"memory,omitempty"`
	MaxOutput   string            `yaml:"max_output_size,omitempty"`
	Limits      JobLimits         `yaml:"limits,omitempty"`
}

type JobLimits struct {
	MaxFDs      uint64 `yaml:"max_fds,omitempty"`
	MaxProcs    uint64 `yaml:"max_procs,omitempty"`
	MaxFileSize string `yaml:"max_file_size,omitempty"`
	Memory      string `yaml:"memory_max,omitempty"`
	CPUQuotaUS  uint64 `yaml:"cpu_quota_us,omitempty"`
	PIDs        uint64 `yaml:"pids_max,omitempty"`
	IOWeight    uint64 `yaml:"io_weight,omitempty"`
}

// LoadJob reads a job file. Unknown keys are rejected so a typo does not
// silently drop a limit.
func LoadJob(path string) (*Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", path, err)
	}
	job, err := ParseJob(raw)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", path, err)
	}
	return job, nil
}

func ParseJob(raw []byte) (*Job, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var job Job
	if err := dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.Image == "" {
		return nil, errors.New("image is required")
	}
	return &job, nil
}

// Spec converts the file into a runner job spec. Fields left out fall back
// to the runner defaults.
func (j *Job) Spec() (runner.JobSpec, error) {
	spec := runner.JobSpec{
		Image:       j.Image,
		Command:     j.Command,
		Args:        j.Args,
		Env:         envList(j.Env),
		WorkDir:     j.WorkDir,
		OutputFiles: j.OutputFiles,
		Priority:    j.Priority,
		Timeout:     time.Duration(j.TimeoutSecs) * time.Second,
		VCPUs:       j.VCPUs,
	}
	if j.Memory != "" {
		mib, err := ParseMemoryMiB(j.Memory)
		if err != nil {
			return runner.JobSpec{}, err
		}
		spec.MemoryMiB = mib
	}
	maxOutput, err := parseSize("max_output_size", j.MaxOutput)
	if err != nil {
		return runner.JobSpec{}, err
	}
	spec.MaxOutputSize = maxOutput

	fileSize, err := parseSize("limits.max_file_size", j.Limits.MaxFileSize)
	if err != nil {
		return runner.JobSpec{}, err
	}
	memory, err := parseSize("limits.memory_max", j.Limits.Memory)
	if err != nil {
		return runner.JobSpec{}, err
	}
	spec.Limits = jailer.Limits{
		MaxFDs:      j.Limits.MaxFDs,
		MaxProcs:    j.Limits.MaxProcs,
		MaxFileSize: uint64(fileSize),
		MemoryBytes: uint64(memory),
		CPUQuotaUS:  j.Limits.CPUQuotaUS,
		PIDs:        j.Limits.PIDs,
		IOWeight:    j.Limits.IOWeight,
	}
	return spec, nil
}

// envList renders env as KEY=VALUE pairs in key order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
