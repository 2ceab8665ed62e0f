// Package cmd implements the CLI surface (§6): start, stop, status, open,
// config, deploy, module.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"
)

// Version is set at build time via -ldflags "-X .../cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgDataDir string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "goclawd",
	Short: "goclawd — local agent bridge daemon",
	Long:  "goclawd bridges a remote AI conversational agent to local HTTP/WebSocket clients, a browser-extension control plane, and pluggable external messaging channels.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDataDir, "data-dir", "", "data directory (default: $GOCLAWD_DATA_DIR or ~/.goclawd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(deployCmd())
	rootCmd.AddCommand(moduleCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("goclawd %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// Execute runs the root cobra command and maps errors to the exit codes in
// pkg/protocol (§6 Exit codes).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ec int
		if coded, ok := err.(interface{ ExitCode() int }); ok {
			ec = coded.ExitCode()
		} else {
			ec = protocol.ExitGenericError
		}
		os.Exit(ec)
	}
}

// exitError pairs an error with an explicit exit code so command RunE
// functions can signal invalid-args (2) or unreachable-service (3) instead
// of the generic failure code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

func invalidArgs(format string, args ...any) error {
	return &exitError{code: protocol.ExitInvalidArgs, err: fmt.Errorf(format, args...)}
}

func unreachable(format string, args ...any) error {
	return &exitError{code: protocol.ExitUnreachable, err: fmt.Errorf(format, args...)}
}
