// Package simple wires the host configuration into a runnable stack: the
// image store, the rootfs builder, the VMM backend and the runner.
package simple

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/benchjail/internal/artifacts"
	"github.com/cochaviz/benchjail/internal/config"
	"github.com/cochaviz/benchjail/internal/imagestore"
	"github.com/cochaviz/benchjail/internal/jailer"
	"github.com/cochaviz/benchjail/internal/logging"
	"github.com/cochaviz/benchjail/internal/rootfs"
	"github.com/cochaviz/benchjail/internal/runner"
	"github.com/cochaviz/benchjail/internal/setup"
	"github.com/cochaviz/benchjail/internal/tuning"
	"github.com/cochaviz/benchjail/internal/vmm"
)

// Stack is everything one host configuration builds.
type Stack struct {
	Host    *config.Host
	Images  *imagestore.Client
	Builder *rootfs.Builder
	Runner  *runner.Runner

	hub    *vmm.VsockHub
	logger *slog.Logger
}

// New builds the stack for host. Close releases it.
func New(ctx context.Context, host *config.Host, logger *slog.Logger) (*Stack, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")
	if host == nil {
		return nil, errors.New("host configuration is required")
	}

	images, err := NewImageClient(ctx, host, logger)
	if err != nil {
		return nil, err
	}
	builder, err := NewBuilder(host, images, logger)
	if err != nil {
		return nil, err
	}
	factory, hub, err := NewFactory(host, logger)
	if err != nil {
		return nil, err
	}
	s := &Stack{Host: host, Images: images, Builder: builder, hub: hub, logger: logger}

	opts, err := runnerOptions(host, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	opts.Images = images
	opts.Builder = builder
	opts.Factory = factory
	if s.Runner, err = runner.New(opts); err != nil {
		s.Close()
		return nil, err
	}
	logger.Debug("stack ready", "backend", host.Backend, "store", host.Store.Backend, "concurrency", host.Concurrency)
	return s, nil
}

func (s *Stack) Close() error {
	if s.hub != nil {
		return s.hub.Close()
	}
	return nil
}

// NewImageClient opens the configured image store backend.
func NewImageClient(ctx context.Context, host *config.Host, logger *slog.Logger) (*imagestore.Client, error) {
	var (
		backend imagestore.Backend
		err     error
	)
	switch host.Store.Backend {
	case config.StoreLocal:
		backend, err = imagestore.NewLocalBackend(host.Store.LocalRoot)
	case config.StoreS3:
		s3 := host.Store.S3
		backend, err = imagestore.NewS3Backend(ctx, imagestore.S3Config{
			Bucket:          s3.Bucket,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			Prefix:          s3.Prefix,
			Profile:         s3.Profile,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			ForcePathStyle:  s3.ForcePathStyle,
		}, logger)
	default:
		err = fmt.Errorf("unknown store backend %q", host.Store.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open image store: %w", err)
	}
	return imagestore.NewClient(backend, imagestore.ClientOptions{CacheDir: host.CacheDir, Logger: logger})
}

func NewBuilder(host *config.Host, layers rootfs.LayerSource, logger *slog.Logger) (*rootfs.Builder, error) {
	return rootfs.NewBuilder(layers, rootfs.Options{
		InitBinary:  host.InitBinary,
		Compression: host.Rootfs.Compression,
		Mksquashfs:  host.Rootfs.Mksquashfs,
		Logger:      logger,
	})
}

// NewFactory returns the VMM backend. The hub is non-nil for libvirt and
// must be closed with the stack.
func NewFactory(host *config.Host, logger *slog.Logger) (vmm.Factory, *vmm.VsockHub, error) {
	switch host.Backend {
	case config.BackendFirecracker:
		j := jailer.New(jailer.Options{
			CgroupRoot: host.Jail.CgroupRoot,
			CgroupBase: host.Jail.CgroupBase,
			Logger:     logger,
		})
		return vmm.FirecrackerFactory(vmm.FirecrackerOptions{
			Binary:     host.Firecracker.Binary,
			Jailer:     j,
			UID:        host.Jail.UID,
			GID:        host.Jail.GID,
			Namespaces: host.Namespaces(),
			Logger:     logger,
		}), nil, nil
	case config.BackendLibvirt:
		hub := vmm.NewVsockHub(logger)
		return vmm.LibvirtFactory(vmm.LibvirtOptions{
			ConnectionURI: host.Libvirt.URI,
			Hub:           hub,
			Logger:        logger,
		}), hub, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", host.Backend)
	}
}

func runnerOptions(host *config.Host, logger *slog.Logger) (runner.Options, error) {
	memory, err := host.MemoryMiB()
	if err != nil {
		return runner.Options{}, err
	}
	maxOutput, err := host.MaxOutputSize()
	if err != nil {
		return runner.Options{}, err
	}
	limits, err := host.Limits()
	if err != nil {
		return runner.Options{}, err
	}
	opts := runner.Options{
		Probe:    func() error { return vmm.ProbeKVM(host.KVMDevice) },
		JailBase: host.JailBase,
		Kernel:   host.Kernel,
		Cmdline:  host.Cmdline,
		Defaults: runner.Defaults{
			VCPUs:         host.VM.VCPUs,
			MemoryMiB:     memory,
			Timeout:       host.VM.Timeout,
			BootTimeout:   host.VM.BootTimeout,
			CollectGrace:  host.VM.CollectGrace,
			MaxOutputSize: maxOutput,
		},
		Limits:               limits,
		Concurrency:          host.Concurrency,
		RequireAuthenticated: host.RequireAuthenticated,
		Logger:               logger,
	}
	if host.Tuning.IsolateCPUs {
		if layout := tuning.DetectLayout("/"); layout.HasIsolation() {
			opts.CPUSet = layout.BenchmarkCPUSet()
		}
	}
	if host.RetainDir != "" {
		opts.Retain = &artifacts.LocalStore{BaseDir: host.RetainDir}
	}
	return opts, nil
}

// Prober checks the prerequisites host needs.
func Prober(host *config.Host) setup.Prober {
	return setup.Prober{
		KVMDevice:     host.KVMDevice,
		CgroupRoot:    host.Jail.CgroupRoot,
		Firecracker:   host.Firecracker.Binary,
		Mksquashfs:    host.Rootfs.Mksquashfs,
		UserNamespace: host.Jail.UserNamespace,
		Libvirt:       host.Backend == config.BackendLibvirt,
	}
}

// Tune applies the host tuning when it is enabled. The returned function
// restores the previous values and is never nil.
func (s *Stack) Tune() func() error {
	if !s.Host.Tuning.Enabled {
		return func() error { return nil }
	}
	guard := tuning.Tuner{Root: "/", Logger: s.logger}.Apply(s.Host.TuningConfig())
	s.logger.Info("host tuning applied", "changed", guard.Changed())
	return guard.Restore
}

// InspectImage resolves ref to its manifest without fetching layers.
func (s *Stack) InspectImage(ctx context.Context, ref string) (*imagestore.Manifest, error) {
	r, err := imagestore.ParseReference(ref)
	if err != nil {
		return nil, err
	}
	return s.Images.FetchManifest(ctx, r)
}

// BuildImage packs ref into a squashfs image at output, the same image a
// job running ref would boot.
func (s *Stack) BuildImage(ctx context.Context, ref, output string) (*rootfs.Image, error) {
	manifest, err := s.InspectImage(ctx, ref)
	if err != nil {
		return nil, err
	}
	output, err = filepath.Abs(output)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, err
	}
	maxOutput, err := s.Host.MaxOutputSize()
	if err != nil {
		return nil, err
	}
	return s.Builder.Build(ctx, rootfs.Request{Manifest: manifest, MaxOutputSize: maxOutput, Output: output})
}
