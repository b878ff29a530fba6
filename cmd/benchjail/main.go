// Command benchjail runs benchmark jobs in jailed microVMs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	simple "github.com/cochaviz/benchjail/config"
	"github.com/cochaviz/benchjail/internal/config"
	"github.com/cochaviz/benchjail/internal/jailer"
	"github.com/cochaviz/benchjail/internal/logging"
	"github.com/cochaviz/benchjail/internal/runner"
	"github.com/cochaviz/benchjail/internal/setup"
)

const defaultLogLevel = "info"

// errReported is returned once a failure has been printed; main only sets
// the exit code.
var errReported = errors.New("failure reported")

type app struct {
	levelVar slog.LevelVar
	logger   *slog.Logger

	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	// The jailer re-executes this binary; the child must not touch flags
	// or the log output before it execs the VMM.
	if len(os.Args) > 1 && os.Args[1] == jailer.HelperCommand {
		os.Exit(jailer.ChildMain())
	}

	a := &app{}
	a.levelVar.Set(slog.LevelInfo)
	a.logger = logging.NewCLI(os.Stderr, &a.levelVar)
	slog.SetDefault(a.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		case errors.Is(err, errReported):
			os.Exit(1)
		}
		a.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "benchjail",
		Short:         "Run benchmarks from OCI images in jailed microVMs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "cli", "Log output format (cli, json)")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Host configuration file (default "+config.DefaultPath+")")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(a.logFormat)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)
		a.logger = logging.New(mode, cmd.ErrOrStderr(), &a.levelVar)
		slog.SetDefault(a.logger)
		setup.SetLogger(a.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newRunCommand(a),
		newImageCommand(a),
		newProbeCommand(a),
	)
	return root
}

// stack loads the host configuration and builds the components from it.
func (a *app) stack(ctx context.Context) (*simple.Stack, error) {
	host, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	return simple.New(ctx, host, a.logger)
}

func newRunCommand(a *app) *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "run -f <job.yaml>",
		Args:  cobra.NoArgs,
		Short: "Run one benchmark job and print its result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := config.LoadJob(jobFile)
			if err != nil {
				return err
			}
			spec, err := job.Spec()
			if err != nil {
				return fmt.Errorf("job %s: %w", jobFile, err)
			}
			cmdLogger := a.logger.With("command", "run", "image", spec.Image)

			s, err := a.stack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			restore := s.Tune()
			res, runErr := s.Runner.Execute(cmd.Context(), spec)
			if err := restore(); err != nil {
				cmdLogger.Warn("restoring host tuning failed", "error", err)
			}
			if res == nil {
				return runErr
			}
			if err := writeJSON(cmd.OutOrStdout(), newResultView(res, runErr)); err != nil {
				return err
			}
			switch {
			case res.Status == runner.StatusCancelled:
				return context.Canceled
			case runErr != nil:
				cmdLogger.Error("job failed", "job_id", res.JobID, "state", res.Status, "error", runErr)
				return errReported
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "Job file (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newImageCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Inspect and pack images from the image store",
	}
	cmd.AddCommand(newImageInspectCommand(a), newImageBuildCommand(a))
	return cmd
}

func newImageInspectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <ref>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the resolved manifest of an image",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.stack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			m, err := s.InspectImage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), newManifestView(m))
		},
	}
}

func newImageBuildCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "build <ref> -o <out.squashfs>",
		Args:  cobra.ExactArgs(1),
		Short: "Pack an image into the squashfs root filesystem a job would boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "image.build", "image", args[0])
			s, err := a.stack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			img, err := s.BuildImage(cmd.Context(), args[0], output)
			if err != nil {
				return err
			}
			cmdLogger.Info("image built", "path", img.Path, "digest", img.Digest, "size", img.Size)
			fmt.Fprintln(cmd.OutOrStdout(), img.Path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Path of the squashfs image")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newProbeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Args:  cobra.NoArgs,
		Short: "Report whether this host can run jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			report := simple.Prober(host).Run()
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				a.logger.Error("host is not ready", "failed", len(failed))
				return errReported
			}
			a.logger.Info("host is ready")
			return nil
		},
	}
}
