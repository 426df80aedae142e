// Package cli provides the dcompassd command-line entry point: load a
// configuration file and either run the server or, with -v, validate
// it and exit (§6). Grounded on the teacher's cobra-based root
// command (NewRootCmd/Execute, flag registration, stderr+exit-code
// error reporting).
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dcompassd/dcompass/internal/app"
	"github.com/dcompassd/dcompass/internal/config"
)

const (
	// ExitSuccess is returned for a normal run or a successful validate.
	ExitSuccess = 0
	// ExitConfigError is returned for a bad configuration file, in -v
	// or normal mode (§6).
	ExitConfigError = 1
	// ExitRuntimeFatal is returned when a running server fails outside
	// of configuration (e.g. listener bind failure). Script init
	// failures surface from app.New and exit with ExitConfigError.
	ExitRuntimeFatal = 2
)

var (
	configPath string
	validate   bool
)

// NewRootCmd creates the dcompassd root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dcompassd",
		Short:   "Programmable recursive DNS front-end",
		Long:    `dcompassd routes DNS queries through a user-supplied script that decides, per query, which upstream to use, whether to cache, and how to rewrite the response.`,
		Version: "0.1.0",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML or JSON)")
	cmd.Flags().BoolVarP(&validate, "validate", "v", false, "Validate the config and exit")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		cmd.PrintErrln(err)
		os.Exit(ExitConfigError)
		return nil
	}

	setUpLogging(cfg.Verbosity)

	// -v builds every startup-time component (script init, upstream
	// registry cycle check) without binding the UDP socket, then exits
	// — app.New does exactly that work and nothing more.
	a, err := app.New(cfg)
	if err != nil {
		cmd.PrintErrln(err)
		os.Exit(ExitConfigError)
		return nil
	}

	if validate {
		cmd.Println("config OK")
		os.Exit(ExitSuccess)
		return nil
	}

	// SIGINT/SIGTERM cancels ctx so a.Run's graceful-shutdown path
	// (listener Shutdown, sweeper stop, registry Close) actually runs
	// (§5), mirroring the teacher's signal.Notify-driven stop channel.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(ExitRuntimeFatal)
		return nil
	}
	return nil
}

func setUpLogging(v config.Verbosity) {
	level := slog.LevelInfo
	switch v {
	case config.VerbosityTrace:
		level = slog.LevelDebug - 4
	case config.VerbosityDebug:
		level = slog.LevelDebug
	case config.VerbosityWarn:
		level = slog.LevelWarn
	case config.VerbosityError:
		level = slog.LevelError
	case config.VerbosityOff:
		level = slog.LevelError + 4
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute runs the CLI, exiting nonzero on a cobra-level error (flag
// parsing, unknown command).
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitConfigError)
	}
}
