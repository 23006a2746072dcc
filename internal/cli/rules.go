package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/internal/interrupt"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate interruption rules",
	}
	cmd.AddCommand(newRulesValidateCommand(rootOpts))
	cmd.AddCommand(newRulesShowCommand(rootOpts))
	return cmd
}

func newRulesValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules-dir>",
		Short: "Compile a directory of CUE rule files",
		Long: `Compile a directory of CUE interruption-rule files and report the
first malformed rule. Valid directories print the effective table as
it would layer on top of the built-in rules.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			userRules, err := interrupt.LoadRules(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "invalid rules", err)
			}
			merged := interrupt.MergeRules(interrupt.DefaultRules(), userRules)
			return printRules(rootOpts, cmd, merged)
		},
	}
}

func newRulesShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the built-in rule table",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRules(rootOpts, cmd, interrupt.DefaultRules())
		},
	}
}

func printRules(rootOpts *RootOptions, cmd *cobra.Command, rules []interrupt.Rule) error {
	f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), Verbose: rootOpts.Verbose}
	if rootOpts.Format == "json" {
		return f.Success(rules)
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tID\tKIND\tEVERY\tLABELS")
	for _, r := range rules {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n",
			r.Priority, r.ID, r.Kind, r.Every, strings.Join(r.Labels, ", "))
	}
	tw.Flush()
	return f.Success(strings.TrimRight(b.String(), "\n"))
}
