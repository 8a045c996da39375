package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nikunj-TUM/tyke/internal/config"
	"github.com/Nikunj-TUM/tyke/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// globalFlags are shared by every command that reads configuration.
type globalFlags struct {
	envFiles []string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "tyke",
		Short:         "WhatsApp messaging gateway",
		Long:          "Tyke supervises WhatsApp sessions and delivers queued messages through them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", config.DefaultEnvFiles,
		"env files to read, earlier files take priority (missing files are skipped)")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newSendCmd(flags))
	cmd.AddCommand(newStatusListenCmd(flags))
	cmd.AddCommand(newResetCountersCmd(flags))
	cmd.AddCommand(newTokenCmd(flags))
	cmd.AddCommand(newHashPasswordCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tyke %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// load reads configuration and builds the process logger.
func (f *globalFlags) load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadFrom(f.envFiles...)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
