package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/internal/sched"
)

// NewDevicesCommand creates the devices command.
func NewDevicesCommand(rootOpts *RootOptions, backend *Backend) *cobra.Command {
	var suiteSize int

	cmd := &cobra.Command{
		Use:           "devices",
		Short:         "List connected devices",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !backend.valid() {
				return NewExitError(ExitCommandError, "no device backend configured in this build")
			}

			devices, err := backend.Control.ListDevices(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list devices", err)
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), Verbose: rootOpts.Verbose}
			if rootOpts.Format == "json" {
				return f.Success(devices)
			}

			if len(devices) == 0 {
				return f.Success("no devices connected")
			}

			var b strings.Builder
			tw := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPLATFORM\tAPI")
			for _, d := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", d.ID, d.Name, d.Platform, d.APILevel)
			}
			tw.Flush()
			if suiteSize > 0 {
				fmt.Fprintf(&b, "suggested devices for %d tests: %d\n",
					suiteSize, sched.OptimalDeviceCount(suiteSize, 0))
			}
			return f.Success(strings.TrimRight(b.String(), "\n"))
		},
	}

	cmd.Flags().IntVar(&suiteSize, "suite-size", 0, "suggest a device count for this many tests")
	return cmd
}
