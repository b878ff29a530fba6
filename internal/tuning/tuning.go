package tuning

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cochaviz/benchjail/internal/logging"
)

const (
	randomizeVASpace  = "proc/sys/kernel/randomize_va_space"
	nmiWatchdog       = "proc/sys/kernel/nmi_watchdog"
	swappinessPath    = "proc/sys/vm/swappiness"
	perfEventParanoid = "proc/sys/kernel/perf_event_paranoid"
	cpuDir            = "sys/devices/system/cpu"
	smtControl        = "sys/devices/system/cpu/smt/control"
	intelNoTurbo      = "sys/devices/system/cpu/intel_pstate/no_turbo"
	cpufreqBoost      = "sys/devices/system/cpu/cpufreq/boost"
)

const (
	DefaultSwappiness        = 10
	DefaultPerfEventParanoid = -1
	DefaultGovernor          = "performance"
)

// Config selects the host knobs to change for the duration of a run.
type Config struct {
	DisableASLR        bool
	DisableNMIWatchdog bool
	Swappiness         *int
	PerfEventParanoid  *int
	Governor           string
	DisableSMT         bool
	DisableTurbo       bool
}

// Default turns every knob.
func Default() Config {
	swap, paranoid := DefaultSwappiness, DefaultPerfEventParanoid
	return Config{
		DisableASLR:        true,
		DisableNMIWatchdog: true,
		Swappiness:         &swap,
		PerfEventParanoid:  &paranoid,
		Governor:           DefaultGovernor,
		DisableSMT:         true,
		DisableTurbo:       true,
	}
}

func (c Config) Validate() error {
	if c.Swappiness != nil && (*c.Swappiness < 0 || *c.Swappiness > 200) {
		return fmt.Errorf("swappiness %d outside 0..200", *c.Swappiness)
	}
	if c.PerfEventParanoid != nil && (*c.PerfEventParanoid < -1 || *c.PerfEventParanoid > 4) {
		return fmt.Errorf("perf_event_paranoid %d outside -1..4", *c.PerfEventParanoid)
	}
	return nil
}

// Tuner writes knobs below Root, "/" on a real host.
type Tuner struct {
	Root   string
	Logger *slog.Logger
}

type saved struct {
	path  string
	value string
	label string
}

// Guard restores what Apply changed.
type Guard struct {
	logger *slog.Logger
	mu     sync.Mutex
	saved  []saved
}

// Apply changes the configured knobs and records their previous values.
// Knobs that are missing, unreadable or unwritable are skipped with a log
// line; tuning never fails a run.
func (t Tuner) Apply(cfg Config) *Guard {
	root := t.Root
	if root == "" {
		root = "/"
	}
	g := &Guard{logger: logging.Ensure(t.Logger).With("component", "tuning")}
	set := func(rel, value, label string) {
		g.write(filepath.Join(root, rel), value, label)
	}

	if cfg.DisableASLR {
		set(randomizeVASpace, "0", "aslr")
	}
	if cfg.DisableNMIWatchdog {
		set(nmiWatchdog, "0", "nmi watchdog")
	}
	if cfg.Swappiness != nil {
		set(swappinessPath, strconv.Itoa(*cfg.Swappiness), "swappiness")
	}
	if cfg.PerfEventParanoid != nil {
		set(perfEventParanoid, strconv.Itoa(*cfg.PerfEventParanoid), "perf_event_paranoid")
	}
	if cfg.Governor != "" {
		g.governors(filepath.Join(root, cpuDir), cfg.Governor)
	}
	if cfg.DisableSMT {
		g.smt(filepath.Join(root, smtControl))
	}
	if cfg.DisableTurbo {
		switch {
		case exists(filepath.Join(root, intelNoTurbo)):
			set(intelNoTurbo, "1", "turbo (intel)")
		case exists(filepath.Join(root, cpufreqBoost)):
			set(cpufreqBoost, "0", "turbo")
		default:
			g.logger.Debug("tuning skipped", "knob", "turbo", "reason", "not available")
		}
	}
	return g
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (g *Guard) write(path, value, label string) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		g.logger.Debug("tuning skipped", "knob", label, "reason", "not available")
		return
	}
	if err != nil {
		g.logger.Warn("tuning skipped", "knob", label, "error", err)
		return
	}
	current := strings.TrimSpace(string(data))
	if current == value {
		return
	}
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		g.logger.Warn("tuning skipped", "knob", label, "error", err)
		return
	}
	g.logger.Info("tuned", "knob", label, "value", value, "was", current)
	g.mu.Lock()
	g.saved = append(g.saved, saved{path: path, value: current, label: label})
	g.mu.Unlock()
}

func (g *Guard) governors(dir, target string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		g.logger.Debug("tuning skipped", "knob", "governor", "error", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(name, "cpu")); err != nil {
			continue
		}
		p := filepath.Join(dir, name, "cpufreq", "scaling_governor")
		if !exists(p) {
			continue
		}
		g.write(p, target, "governor "+name)
	}
}

func (g *Guard) smt(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		g.logger.Debug("tuning skipped", "knob", "smt", "reason", "not available")
		return
	}
	switch strings.TrimSpace(string(data)) {
	case "off", "forceoff", "notsupported", "notimplemented":
		return
	}
	g.write(path, "off", "smt")
}

// Restore writes back the saved values in reverse order. It is idempotent;
// the first restore empties the guard.
func (g *Guard) Restore() error {
	g.mu.Lock()
	pending := g.saved
	g.saved = nil
	g.mu.Unlock()

	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		s := pending[i]
		if err := os.WriteFile(s.path, []byte(s.value), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", s.label, err))
			continue
		}
		g.logger.Info("restored", "knob", s.label, "value", s.value)
	}
	return errors.Join(errs...)
}

// Changed reports how many knobs the guard will restore.
func (g *Guard) Changed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.saved)
}
