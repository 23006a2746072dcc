// Package cli implements the fieldtest command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // optional config file path
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fieldtest CLI.
// The backend supplies device control and UI drivers; nil is accepted
// and rejected lazily by the commands that need one, so cache and rule
// management work without any device tooling installed.
func NewRootCommand(backend *Backend) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldtest",
		Short: "fieldtest - mobile UI acceptance-test orchestrator",
		Long: `Runs UI acceptance suites against a pool of devices, with
content-addressed result caching, automatic retry of flaky failures,
and background dismissal of OS interruptions.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "config file path")

	cmd.AddCommand(NewRunCommand(opts, backend))
	cmd.AddCommand(NewDevicesCommand(opts, backend))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
