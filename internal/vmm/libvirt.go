package vmm

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"libvirt.org/go/libvirt"

	"github.com/cochaviz/benchjail/arch"
	"github.com/cochaviz/benchjail/internal/logging"
)

const (
	DefaultLibvirtURI   = "qemu:///system"
	domainPollInterval  = 100 * time.Millisecond
	consoleFileName     = "console.log"
	domainFileName      = "domain.xml"
	libvirtRootCmdline  = "root=/dev/vda ro rootfstype=squashfs"
	libvirtDomainPrefix = "benchjail-"
)

//go:embed domain.xml.tmpl
var domainTemplate string

type LibvirtOptions struct {
	ConnectionURI string
	// Hub routes guest vsock connections. It is shared by every VM on the
	// host.
	Hub    *VsockHub
	Logger *slog.Logger
}

// LibvirtFactory returns a Factory that boots each VM as a transient
// libvirt domain.
func LibvirtFactory(opts LibvirtOptions) Factory {
	if opts.ConnectionURI == "" {
		opts.ConnectionURI = DefaultLibvirtURI
	}
	return func(cfg *Config) (Hypervisor, error) {
		if opts.Hub == nil {
			return nil, newError(KindConfig, "new libvirt vm", errors.New("no vsock hub"))
		}
		return &Libvirt{
			cfg:    cfg,
			opts:   opts,
			logger: logging.Ensure(opts.Logger).With("component", "libvirt", "vm_id", cfg.ID),
			exited: make(chan struct{}),
			stop:   make(chan struct{}),
		}, nil
	}
}

// libvirtDomain is the part of *libvirt.Domain the backend uses.
type libvirtDomain interface {
	GetState() (libvirt.DomainState, int, error)
	Destroy() error
	Free() error
}

var (
	connectLibvirt = func(uri string) (*libvirt.Connect, error) {
		return libvirt.NewConnect(uri)
	}
	createDomain = func(conn *libvirt.Connect, domainXML string) (libvirtDomain, error) {
		dom, err := conn.DomainCreateXML(domainXML, libvirt.DOMAIN_START_AUTODESTROY)
		if err != nil {
			return nil, err
		}
		return dom, nil
	}
	closeLibvirt = func(conn *libvirt.Connect) error {
		if conn == nil {
			return nil
		}
		_, err := conn.Close()
		return err
	}
)

type domainTemplateData struct {
	Name        string
	MemoryMiB   int
	VCPUs       int
	CPUSet      string
	Arch        string
	Machine     string
	Kernel      string
	Cmdline     string
	Rootfs      string
	ConsolePath string
	CID         uint32
}

// Libvirt is one transient libvirt domain. libvirt runs and confines QEMU
// itself, so this backend does not use the jailer.
type Libvirt struct {
	cfg    *Config
	opts   LibvirtOptions
	logger *slog.Logger

	data domainTemplateData
	conn *libvirt.Connect
	dom  libvirtDomain
	cid  uint32

	exited    chan struct{}
	exitOnce  sync.Once
	exitErr   error
	stop      chan struct{}
	stopOnce  sync.Once
	watchDone chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

func (l *Libvirt) CreateVM(_ context.Context, vcpus, memoryMiB int) error {
	conn, err := connectLibvirt(l.opts.ConnectionURI)
	if err != nil {
		return newError(KindKvm, "connect to libvirt", err)
	}
	l.conn = conn
	l.cid = l.opts.Hub.AllocateCID()
	l.data = domainTemplateData{
		Name:        libvirtDomainPrefix + l.cfg.ID,
		MemoryMiB:   memoryMiB,
		VCPUs:       vcpus,
		CPUSet:      l.cfg.CPUSet,
		Arch:        l.cfg.arch().String(),
		Machine:     machineType(l.cfg.arch()),
		ConsolePath: filepath.Join(l.cfg.JailRoot, consoleFileName),
		CID:         l.cid,
	}
	l.logger.Debug("libvirt vm prepared", "uri", l.opts.ConnectionURI, "cid", l.cid)
	return nil
}

func machineType(a arch.Architecture) string {
	if a == arch.AArch64 {
		return "virt"
	}
	return "q35"
}

func (l *Libvirt) LoadKernel(_ context.Context, path, cmdline string) error {
	l.data.Kernel = path
	l.data.Cmdline = libvirtCmdline(cmdline)
	return nil
}

// libvirtCmdline adapts a Firecracker style command line to a QEMU guest:
// the root disk sits on PCI and has to be named.
func libvirtCmdline(cmdline string) string {
	var fields []string
	hasRoot := false
	for _, f := range strings.Fields(cmdline) {
		if f == "pci=off" {
			continue
		}
		if strings.HasPrefix(f, "root=") {
			hasRoot = true
		}
		fields = append(fields, f)
	}
	if !hasRoot {
		fields = append(fields, libvirtRootCmdline)
	}
	return strings.Join(fields, " ")
}

func (l *Libvirt) AttachRootfs(_ context.Context, path string) error {
	l.data.Rootfs = path
	return nil
}

func (l *Libvirt) Listen(port uint32) (net.Listener, error) {
	return l.opts.Hub.Listen(l.cid, port)
}

func renderDomainXML(templateSrc string, data domainTemplateData) ([]byte, error) {
	if templateSrc == "" {
		return nil, errors.New("domain template source is empty")
	}
	tmpl, err := template.New("domain").Funcs(template.FuncMap{"xml": xmlEscape}).Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

func xmlEscape(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (l *Libvirt) Boot(ctx context.Context) error {
	if l.data.Kernel == "" || l.data.Rootfs == "" {
		return newError(KindDevice, "boot", errors.New("kernel and rootfs are required"))
	}
	domainXML, err := renderDomainXML(domainTemplate, l.data)
	if err != nil {
		return newError(KindConfig, "render domain", err)
	}
	if err := os.WriteFile(filepath.Join(l.cfg.JailRoot, domainFileName), domainXML, 0o644); err != nil {
		return newError(KindConfig, "write domain definition", err)
	}

	start := time.Now()
	dom, err := createDomain(l.conn, string(domainXML))
	if err != nil {
		return newError(KindKvm, "create domain", err)
	}
	l.dom = dom
	if err := l.waitRunning(ctx, start); err != nil {
		return err
	}
	l.watchDone = make(chan struct{})
	go l.watch()
	l.logger.Info("domain started", "domain", l.data.Name, "cid", l.cid)
	return nil
}

func (l *Libvirt) waitRunning(ctx context.Context, start time.Time) error {
	ticker := time.NewTicker(domainPollInterval)
	defer ticker.Stop()
	for {
		state, _, err := l.dom.GetState()
		if err == nil && state == libvirt.DOMAIN_RUNNING {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if err == nil {
				err = fmt.Errorf("domain state %d", state)
			}
			return &Error{Kind: KindSocketNotReady, Op: "wait for domain", Waited: time.Since(start), Err: errors.Join(ctx.Err(), err)}
		}
	}
}

// watch closes exited once the domain stops running.
func (l *Libvirt) watch() {
	defer close(l.watchDone)
	ticker := time.NewTicker(domainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			l.markExited(nil)
			return
		case <-ticker.C:
		}
		state, _, err := l.dom.GetState()
		switch {
		case err != nil:
			var lerr libvirt.Error
			if errors.As(err, &lerr) && lerr.Code == libvirt.ERR_NO_DOMAIN {
				l.markExited(nil)
			} else {
				l.markExited(err)
			}
			return
		case state == libvirt.DOMAIN_CRASHED:
			l.markExited(errors.New("guest crashed"))
			return
		case state == libvirt.DOMAIN_SHUTOFF:
			l.markExited(nil)
			return
		}
	}
}

func (l *Libvirt) markExited(err error) {
	l.exitOnce.Do(func() {
		l.exitErr = err
		close(l.exited)
	})
}

func (l *Libvirt) Exited() <-chan struct{} {
	return l.exited
}

func (l *Libvirt) ExitErr() error {
	select {
	case <-l.exited:
		return l.exitErr
	default:
		return nil
	}
}

func (l *Libvirt) Console() []byte {
	f, err := os.Open(l.data.ConsolePath)
	if err != nil {
		return nil
	}
	defer f.Close()
	data, _ := io.ReadAll(io.LimitReader(f, l.cfg.outputLimit()))
	return data
}

func (l *Libvirt) Halt(context.Context) error {
	if l.dom == nil {
		return nil
	}
	if err := l.dom.Destroy(); err != nil {
		var lerr libvirt.Error
		if errors.As(err, &lerr) && (lerr.Code == libvirt.ERR_NO_DOMAIN || lerr.Code == libvirt.ERR_OPERATION_INVALID) {
			return nil
		}
		return newError(KindKvm, "destroy domain", err)
	}
	return nil
}

// Shutdown destroys the domain if needed, closes the connection and
// returns the context ID.
func (l *Libvirt) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.stopOnce.Do(func() { close(l.stop) })
		if l.watchDone != nil {
			<-l.watchDone
		}
		var errs []error
		if l.dom != nil {
			if err := l.Halt(ctx); err != nil {
				errs = append(errs, err)
			}
			if err := l.dom.Free(); err != nil {
				errs = append(errs, fmt.Errorf("free domain: %w", err))
			}
		}
		l.markExited(nil)
		if err := closeLibvirt(l.conn); err != nil {
			errs = append(errs, fmt.Errorf("close libvirt connection: %w", err))
		}
		if l.cid != 0 {
			l.opts.Hub.ReleaseCID(l.cid)
		}
		if l.data.ConsolePath != "" {
			if err := os.Remove(l.data.ConsolePath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		l.shutdownErr = errors.Join(errs...)
	})
	return l.shutdownErr
}
