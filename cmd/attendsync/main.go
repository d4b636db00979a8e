package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
	BaseURL    string
	Token      string
	Timeout    time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "attendsync: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "attendsync",
		Short: "Offline-first attendance sync",
		Long: `attendsync keeps an attendance roster on local durable storage and
synchronizes it with a remote record service in the background.

"attendsync serve" runs the sync daemon and its local API. The remaining
commands talk to a running daemon over that API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", envOrDefault("ATTENDSYNC_CONFIG", ""), "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", envOrDefault("ATTENDSYNC_BASE_URL", "http://127.0.0.1:8787"), "local API base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", strings.TrimSpace(os.Getenv("ATTENDSYNC_TOKEN")), "local API bearer token")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", durationEnv("ATTENDSYNC_CLIENT_TIMEOUT", 15*time.Second), "per-request timeout for API calls")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMarkCommand(opts))
	cmd.AddCommand(newStatusUpdateCommand(opts))
	cmd.AddCommand(newRemoveCommand(opts))
	cmd.AddCommand(newClearCommand(opts))
	cmd.AddCommand(newRecordsCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newEndpointCommand(opts))
	cmd.AddCommand(newFlushCommand(opts))

	return cmd
}
