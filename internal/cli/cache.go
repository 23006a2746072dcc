package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/internal/orch"
	"github.com/fieldtest/fieldtest/internal/resultstore"
)

// CacheOptions holds flags shared by the cache subcommands.
type CacheOptions struct {
	*RootOptions
	Database string
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the result cache",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "result cache database path (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(newCachePruneCommand(opts))
	cmd.AddCommand(newCacheInvalidateCommand(opts))
	cmd.AddCommand(newCacheShowCommand(opts))
	return cmd
}

func newCachePruneCommand(opts *CacheOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete cached results older than a retention window",
		Long: `Delete cached outcomes and payloads older than the retention window
and compact the database.

Example:
  fieldtest cache --db .fieldtest/cache.db prune --older-than 168h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache(opts.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.PruneOlderThan(cmd.Context(), olderThan)
			if err != nil {
				return WrapExitError(ExitCommandError, "prune failed", err)
			}

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			if opts.Format == "json" {
				return f.Success(map[string]int64{"removed": removed})
			}
			return f.Success(fmt.Sprintf("removed %d rows", removed))
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "retention window")
	return cmd
}

func newCacheInvalidateCommand(opts *CacheOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate [namespace]",
		Short: "Drop cached results for a namespace",
		Long: `Drop cached results. With no namespace the whole cache is cleared;
the "` + resultstore.NamespaceOutcomes + `" namespace clears test outcomes only.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache(opts.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			namespace := ""
			if len(args) == 1 {
				namespace = args[0]
			}
			if err := store.InvalidateNamespace(cmd.Context(), namespace); err != nil {
				return WrapExitError(ExitCommandError, "invalidate failed", err)
			}

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			if namespace == "" {
				return f.Success("cache cleared")
			}
			return f.Success(fmt.Sprintf("namespace %q cleared", namespace))
		},
	}
	return cmd
}

func newCacheShowCommand(opts *CacheOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <test-path>",
		Short: "Show the cached outcome for a test's current content",
		Long: `Hash the test's current source and look up its cached outcome.
A miss means the test would execute on the next run.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			testPath := args[0]
			data, err := os.ReadFile(testPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read test source", err)
			}
			hash := orch.HashContent(data)

			store, err := openCache(opts.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			o, err := store.GetOutcome(cmd.Context(), testPath, hash)
			if errors.Is(err, resultstore.ErrNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("no cached outcome for %s at its current content", testPath))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "cache lookup failed", err)
			}

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
			if opts.Format == "json" {
				return f.Success(o)
			}
			verdict := "FAIL"
			if o.Passed {
				verdict = "PASS"
			}
			return f.Success(fmt.Sprintf("%s %s device=%s recorded=%s duration=%s",
				verdict, o.TestPath, o.DeviceID,
				o.RecordedAt.UTC().Format(time.RFC3339), o.Duration))
		},
	}
	return cmd
}

// openCache opens the store, mapping failures to command errors.
// Unlike the run command, cache maintenance has no miss to degrade to.
func openCache(path string) (*resultstore.Store, error) {
	store, err := resultstore.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open result cache", err)
	}
	return store, nil
}
