// Package cli provides the command-line interface for chanrelay.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	configPath string
	runOnce    bool
)

var rootCmd = &cobra.Command{
	Use:   "chanrelay",
	Short: "Forward new channel messages to webhooks",
	Long: "chanrelay polls a Discord channel on a fixed wall-clock grid and posts every message " +
		"it has not delivered before to one or more webhooks, oldest first.",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          relayAction,
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s)", Version, Commit)
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CHANRELAY_CONFIG"), "path to YAML config file (optional)")
	rootCmd.Flags().BoolVar(&runOnce, "once", false, "run a single poll iteration immediately and exit")
}

// Execute runs the root command until it finishes or the process receives
// SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chanrelay: %v\n", err)
	}
	return err
}
