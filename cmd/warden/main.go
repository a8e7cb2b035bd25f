// Package main is the CLI entry point for warden, a privacy-first
// personal-agent runtime with a mandatory information-flow-control
// kernel.
//
// Basic usage:
//
//	warden init --config warden.yaml
//	warden start --config warden.yaml
//	warden status
//	warden backup list
//
// Exit codes: 0 success, 2 configuration error, 3 runtime error.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK      = 0
	exitConfig  = 2
	exitRuntime = 3
)

// configError wraps errors that should exit with the configuration code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	root := &cobra.Command{
		Use:           "warden",
		Short:         "Privacy-first personal agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "warden.yaml", "path to the configuration file")

	root.AddCommand(
		newInitCommand(),
		newStartCommand(),
		newStatusCommand(),
		newResetCommand(),
		newBackupCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}
