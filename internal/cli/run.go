package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/internal/config"
	"github.com/fieldtest/fieldtest/internal/interrupt"
	"github.com/fieldtest/fieldtest/internal/orch"
	"github.com/fieldtest/fieldtest/internal/resultstore"
	"github.com/fieldtest/fieldtest/internal/retry"
	"github.com/fieldtest/fieldtest/internal/sched"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Manifest    string
	Suite       string
	CacheDB     string
	RulesDir    string
	AppID       string
	Grants      []string
	MaxDevices  int
	Concurrency int
	NoCache     bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions, backend *Backend) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [test-paths...]",
		Short: "Run acceptance tests against the device pool",
		Long: `Run acceptance tests against connected devices.

Tests come from explicit paths or a suite manifest. Results are cached
by source content hash: an unchanged test with a cached outcome is
reported without executing. Flaky failures retry with backoff, and OS
interruptions (permission prompts, system dialogs) are dismissed in
the background while tests run.

Example:
  fieldtest run flows/login.yaml flows/cart.yaml
  fieldtest run --manifest suites/smoke.yaml --concurrency 4`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuite(opts, backend, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Manifest, "manifest", "", "suite manifest (YAML)")
	cmd.Flags().StringVar(&opts.Suite, "suite", "", "suite name for the report")
	cmd.Flags().StringVar(&opts.CacheDB, "db", "", "result cache database path")
	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "directory of CUE interruption rules")
	cmd.Flags().StringVar(&opts.AppID, "app", "", "application under test")
	cmd.Flags().StringSliceVar(&opts.Grants, "grant", nil, "capabilities to pre-grant to the app")
	cmd.Flags().IntVar(&opts.MaxDevices, "max-devices", 0, "device cap (0 = auto)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "max parallel test executions")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "execute every test, ignoring cached results")

	return cmd
}

func runSuite(opts *RunOptions, backend *Backend, args []string, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	if !backend.valid() {
		return NewExitError(ExitCommandError, "no device backend configured in this build")
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	applyRunFlags(cfg, opts, cmd)

	manifest := opts.Manifest
	if manifest == "" && len(args) == 0 {
		manifest = cfg.Manifest
	}
	tests := args
	if manifest != "" {
		manifestTests, err := orch.LoadManifest(manifest)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load manifest", err)
		}
		tests = append(manifestTests, tests...)
	}
	if len(tests) == 0 {
		return NewExitError(ExitCommandError, "no tests given: pass test paths or --manifest")
	}

	rules := interrupt.DefaultRules()
	if cfg.RulesDir != "" {
		userRules, err := interrupt.LoadRules(cfg.RulesDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load interruption rules", err)
		}
		rules = interrupt.MergeRules(rules, userRules)
	}

	var store *resultstore.Store
	if !opts.NoCache && cfg.CacheDB != "" {
		store, err = resultstore.Open(cfg.CacheDB)
		if err != nil {
			// A broken cache slows the run down, it never blocks it.
			logger.Warn("result cache unavailable, running without it", "path", cfg.CacheDB, "error", err)
			store = nil
		} else {
			defer func() {
				if closeErr := store.Close(); closeErr != nil {
					logger.Error("error closing result cache", "error", closeErr)
				}
			}()
		}
	}

	runner, err := orch.NewRunner(orch.Options{
		Store:          store,
		Devices:        backend.Control,
		NewDriver:      backend.NewDriver,
		Rules:          rules,
		TickPeriod:     cfg.TickPeriod,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxDevices:     cfg.MaxDevices,
		Suite:          opts.Suite,
		AppID:          cfg.AppID,
		Capabilities:   cfg.Capabilities,
		Logger:         logger,
		Retry: retry.Options{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			Multiplier:   cfg.Retry.Multiplier,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build runner", err)
	}

	ctx, stop := runContext(cmd, logger)
	defer stop()

	report, runErr := runner.Run(ctx, tests)
	if runErr != nil {
		if sched.IsDeviceUnavailable(runErr) {
			return WrapExitError(ExitCommandError, "no usable device", runErr)
		}
		if report == nil {
			return WrapExitError(ExitCommandError, "run failed", runErr)
		}
		// Partial report (run interrupted): render what we have, then fail.
		logger.Warn("run ended early", "error", runErr)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		report.Sort()
		f := &OutputFormatter{Format: "json", Writer: out, Verbose: opts.Verbose}
		if err := f.Success(report); err != nil {
			return WrapExitError(ExitCommandError, "failed to encode report", err)
		}
	} else {
		if err := report.Render(out); err != nil {
			return WrapExitError(ExitCommandError, "failed to render report", err)
		}
		passed, failed, _ := report.Counts()
		verdictLine(out, report.Passed(), fmt.Sprintf("(%d passed, %d failed)", passed, failed))
	}

	// An interrupted run is a failed run no matter what its partial
	// rows say: tests never reached are not passing tests.
	if runErr != nil {
		return WrapExitError(ExitFailure, "run incomplete", runErr)
	}
	if !report.Passed() {
		return NewExitError(ExitFailure, "test failures")
	}
	return nil
}

// applyRunFlags lets explicit flags win over file and environment
// configuration.
func applyRunFlags(cfg *config.Config, opts *RunOptions, cmd *cobra.Command) {
	if cmd.Flags().Changed("db") {
		cfg.CacheDB = opts.CacheDB
	}
	if cmd.Flags().Changed("rules") {
		cfg.RulesDir = opts.RulesDir
	}
	if cmd.Flags().Changed("app") {
		cfg.AppID = opts.AppID
	}
	if cmd.Flags().Changed("grant") {
		cfg.Capabilities = opts.Grants
	}
	if cmd.Flags().Changed("max-devices") {
		cfg.MaxDevices = opts.MaxDevices
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.MaxConcurrency = opts.Concurrency
	}
}

// setupLogging installs the process-wide slog handler and returns it.
func setupLogging(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// runContext derives a context cancelled by SIGINT/SIGTERM so a run in
// flight tears its watchers down before exiting.
func runContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, func()) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
