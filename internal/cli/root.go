// Package cli implements the analyst command.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/internal/config"
	"github.com/malbeclabs/analyst/pkg/logger"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// rootOptions is shared by every subcommand. cfg is loaded and validated in
// the root's PersistentPreRunE.
type rootOptions struct {
	verbose bool
	cfg     config.Config
	build   BuildInfo
}

func (o *rootOptions) logger() *slog.Logger {
	return logger.New(o.verbose)
}

func Run(build BuildInfo) ExitCode {
	if err := newRootCmd(build).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeError
	}
	return exitCodeSuccess
}

func newRootCmd(build BuildInfo) *cobra.Command {
	opts := &rootOptions{build: build}

	cmd := &cobra.Command{
		Use:           "analyst",
		Short:         "Governed natural-language analytics over a policy-scoped dataset.",
		Version:       build.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if it exists
			_ = godotenv.Load()
			if err := opts.cfg.ApplyEnv(cmd.Root().PersistentFlags(), os.LookupEnv); err != nil {
				return err
			}
			if err := opts.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "set debug logging level")
	opts.cfg.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		NewAskCmd(opts).Command(),
		NewPlanCmd(opts).Command(),
		NewGuardCmd(opts).Command(),
		NewLevelsCmd().Command(),
		NewServeCmd(opts).Command(),
	)
	return cmd
}
