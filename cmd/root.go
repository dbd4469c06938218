// Package cmd is the clawgate CLI: the bare command runs the gateway,
// subcommands drive a running gateway over the operator protocol.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Version is set at build time via
// -ldflags "-X github.com/nextlevelbuilder/clawgate/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool

	gatewayURL string
)

var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "ClawGate — multi-channel conversational gateway",
	Long: "ClawGate routes chat-platform messages to a long-running agent and " +
		"delivers replies with threading, dedupe, and approval-gated exec. " +
		"Run without arguments to start the gateway.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: config.json5 or $CLAWGATE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", "ws://127.0.0.1:18789/ws",
		"gateway WebSocket endpoint for operator subcommands")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(configCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawgate %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CLAWGATE_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// usageError marks CLI misuse so main can exit 2 instead of 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit code: 0 on
// success, 2 on CLI misuse, 1 on any runtime failure.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}
