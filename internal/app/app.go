// Package app wires configuration, the controller client and the sync
// orchestrator behind the prefixsync command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"prefixsync/internal/app/version"
	"prefixsync/internal/config"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// Run executes the command line and returns the error that decides the exit
// code.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(buildDeps)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type cli struct {
	build  depsBuilder
	cfg    config.Config
	logger *log.Logger
}

func NewRootCommand(build depsBuilder) *cobra.Command {
	c := &cli{build: build}

	root := &cobra.Command{
		Use:           "prefixsync",
		Short:         "Sync a published prefix feed into controller data-prefix lists",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `prefixsync downloads a provider's published address feed, splits it into
size-capped data-prefix lists on the SD-WAN controller and applies only the
minimal set of list changes. Every mutation is preceded by a snapshot, and a
safety brake refuses runs that would remove too much at once.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			if envFile != "" {
				config.LoadDotEnv(envFile)
			} else {
				config.LoadDotEnv()
			}

			cfg, err := config.Load()
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}
			c.cfg = cfg

			log.SetLevel(cfg.Level())
			c.logger = log.Default()
			return nil
		},
	}
	root.PersistentFlags().String("env-file", "", "load settings from this file instead of ./.env")

	root.AddCommand(c.runCmd())
	root.AddCommand(c.daemonCmd())
	root.AddCommand(c.snapshotCmd())
	root.AddCommand(c.restoreCmd())
	root.AddCommand(c.historyCmd())
	return root
}
