//go:build linux

package initd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/logging"
)

const (
	defaultPath      = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	sendTimeout      = 10 * time.Second
	exitStartFailure = 127
)

// Init runs one benchmark and reports it. It does not mount or power off;
// Main does that around Run.
type Init struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Init {
	opts.setDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewCLI(opts.Console, slog.LevelInfo)
	}
	return &Init{opts: opts, logger: logger}
}

// Main is the entry point of the init binary. It always ends in a power off
// when running as PID 1, whatever happened before.
func Main() int {
	sys := NewSystem()
	mountErr := sys.MountEssential()

	console := io.Writer(os.Stderr)
	if f, err := sys.Console(); err == nil {
		defer f.Close()
		console = f
	}
	logger := logging.NewCLI(console, slog.LevelInfo).With("component", "benchjail-init")
	pid1 := IsPID1()
	if !pid1 {
		logger.Warn("not running as PID 1, will not power off")
	}

	in := New(Options{Console: console, Logger: logger})
	var err error
	if mountErr != nil {
		err = in.abort(mountErr)
	} else {
		err = in.Run(context.Background())
	}
	if err != nil {
		logger.Error("benchmark run failed", "error", err)
	}

	if !pid1 {
		if err != nil {
			return 1
		}
		return 0
	}
	if err := sys.Teardown(); err != nil {
		logger.Warn("teardown incomplete", "error", err)
	}
	if err := sys.PowerOff(); err != nil {
		logger.Error("power off failed", "error", err)
	}
	return 1
}

// Run loads the guest config, waits for the host, runs the command and
// delivers the results. A missing host channel is not fatal: the results
// then go to the serial console.
func (in *Init) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, unix.SIGTERM, unix.SIGINT)
	defer stop()

	cfg, err := guest.LoadConfig(in.opts.ConfigPath)
	if err != nil {
		return in.abort(err)
	}

	ctrl, params := in.connectControl(ctx, cfg)
	if ctrl != nil {
		defer ctrl.Close()
	}

	budget := newOutputBudget(cfg.OutputLimit())
	stdout, stderr := newCapture(budget), newCapture(budget)
	defer stdout.close()
	defer stderr.close()
	if ctrl != nil {
		in.attachStream(ctx, stdout, guest.PortStdout)
		in.attachStream(ctx, stderr, guest.PortStderr)
	}

	results := in.execute(ctx, cfg, params, stdout, stderr, budget)
	stdout.close()
	stderr.close()

	in.logger.Info("benchmark finished",
		"exit_code", results.ExitCode,
		"stdout_bytes", len(results.Stdout),
		"stderr_bytes", len(results.Stderr),
		"metrics", len(results.Metrics),
		"duration", time.Duration(results.DurationNS),
	)
	return in.report(ctrl, results)
}

func (in *Init) connectTimeout(cfg *guest.Config) time.Duration {
	if in.opts.ConnectTimeout > 0 {
		return in.opts.ConnectTimeout
	}
	if cfg.ConnectTimeoutMS > 0 {
		return time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	}
	return DefaultConnectTimeout
}

func (in *Init) connectControl(ctx context.Context, cfg *guest.Config) (*guest.Conn, guest.Params) {
	timeout := in.connectTimeout(cfg)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := guest.Connect(cctx, in.opts.Dial, guest.PortControl, cfg.OutputLimit())
	if err != nil {
		in.logger.Warn("host control channel unavailable", "error", err)
		return nil, guest.Params{}
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	params, err := conn.ReceiveParams()
	if err != nil {
		in.logger.Warn("receive params", "error", err)
		conn.Close()
		return nil, guest.Params{}
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, params
}

func (in *Init) attachStream(ctx context.Context, c *capture, port uint32) {
	sctx, cancel := context.WithTimeout(ctx, in.opts.StreamTimeout)
	defer cancel()
	conn, err := in.opts.Dial(sctx, port)
	if err != nil {
		in.logger.Debug("output stream unavailable", "port", port, "error", err)
		return
	}
	c.attach(conn)
}

func (in *Init) execute(ctx context.Context, cfg *guest.Config, params guest.Params, stdout, stderr *capture, budget *outputBudget) *guest.Results {
	args := cfg.Command
	if len(params.Args) > 0 {
		args = params.Args
	}
	env := []string{defaultPath}
	env = append(env, cfg.Env...)
	env = append(env, params.Env...)
	env = append(env, guest.MetricsFileEnv+"="+in.opts.MetricsPath)
	dir := cfg.WorkDir
	if dir == "" {
		dir = "/"
	}
	_ = os.Remove(in.opts.MetricsPath)

	r := newReaper()
	defer func() {
		r.stop()
		if n := r.reaped(); n > 0 {
			in.logger.Debug("reaped orphans", "count", n)
		}
	}()

	in.logger.Info("running benchmark", "command", args, "workdir", dir)
	results := &guest.Results{RunID: params.RunID}
	out, err := supervise(ctx, r, command{Args: args, Env: env, Dir: dir, Stdout: stdout, Stderr: stderr}, in.opts.KillGrace)
	switch {
	case err != nil:
		results.ExitCode = exitStartFailure
		results.Error = err.Error()
	case ctx.Err() != nil:
		results.ExitCode = out.ExitCode
		results.Error = "terminated by signal"
	default:
		results.ExitCode = out.ExitCode
		results.Success = out.ExitCode == 0
	}
	results.DurationNS = uint64(out.Duration)
	results.Stdout = stdout.Bytes()
	results.Stderr = stderr.Bytes()
	if stdout.Truncated() || stderr.Truncated() {
		in.logger.Warn("output truncated", "limit", cfg.OutputLimit())
	}

	results.OutputFiles = in.collectFiles(cfg.OutputFiles, budget)
	results.Metrics = in.collectMetrics()
	return results
}

func (in *Init) collectFiles(paths []string, budget *outputBudget) []guest.OutputFile {
	var files []guest.OutputFile
	for _, path := range paths {
		if len(files) == guest.MaxOutputFiles {
			in.logger.Warn("too many output files", "limit", guest.MaxOutputFiles)
			break
		}
		content, err := readBounded(path, budget)
		if err != nil {
			in.logger.Warn("skipping output file", "path", path, "error", err)
			continue
		}
		files = append(files, guest.OutputFile{Path: path, Content: content})
	}
	return files
}

func readBounded(path string, budget *outputBudget) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file")
	}
	size := info.Size()
	if granted := budget.take(size); granted < size {
		budget.give(granted)
		return nil, fmt.Errorf("%d bytes exceeds the remaining output allowance", size)
	}
	content := make([]byte, size)
	if _, err := io.ReadFull(f, content); err != nil {
		budget.give(size)
		return nil, err
	}
	return content, nil
}

func (in *Init) collectMetrics() []guest.Metric {
	f, err := os.Open(in.opts.MetricsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			in.logger.Warn("open metrics file", "error", err)
		}
		return nil
	}
	defer f.Close()
	metrics, skipped, err := guest.ReadMetrics(f, metricsReadLimit)
	if err != nil {
		in.logger.Warn("read metrics file", "error", err)
	}
	if skipped > 0 {
		in.logger.Warn("skipped malformed metrics", "count", skipped)
	}
	return metrics
}

func (in *Init) report(ctrl *guest.Conn, results *guest.Results) error {
	if ctrl != nil {
		_ = ctrl.SetDeadline(time.Now().Add(sendTimeout))
		err := ctrl.SendResults(results)
		if err == nil {
			return nil
		}
		in.logger.Warn("send results over vsock failed, using serial console", "error", err)
	}
	return guest.WriteSerialReport(in.opts.Console, results.Stdout, results.Stderr, results.ExitCode)
}

// abort reports a failure that happened before the command could run.
func (in *Init) abort(cause error) error {
	in.logger.Error("init failed", "error", cause)
	if err := guest.WriteSerialReport(in.opts.Console, nil, []byte("init error: "+cause.Error()+"\n"), 1); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
