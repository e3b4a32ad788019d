// Package commands wires the copter CLI: flag parsing, configuration
// binding, and the top-level run that plans the matrix, executes it, and
// renders the report.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/imazen/copter/internal/download"
	"github.com/imazen/copter/internal/faillog"
	"github.com/imazen/copter/internal/fileutil"
	"github.com/imazen/copter/internal/logger"
	"github.com/imazen/copter/internal/matrix"
	"github.com/imazen/copter/internal/pipeline"
	"github.com/imazen/copter/internal/registry"
	"github.com/imazen/copter/internal/report"
	"github.com/imazen/copter/internal/runner"
)

var (
	Version   = "dev"     // Version will be set at build time
	GitCommit = "unknown" // Git commit hash
	BuildDate = "unknown" // Build date
)

// exitCodeRegressed is returned when any dependent regressed (254 is the
// platform's view of -2)
const exitCodeRegressed = 254

// RunOptions holds the options for a matrix run
type RunOptions struct {
	CratePath         string
	CrateName         string
	Top               int
	Dependents        []string
	DependentPaths    []string
	TestVersions      []string
	ForceVersions     []string
	SkipNormalTesting bool
	SkipCheck         bool
	SkipTest          bool
	StagingDir        string
	Clean             bool
	ErrorLines        int
	Output            string
	LogLevel          string
	Verbose           bool
	Quiet             bool
}

// AppConfig holds the application-wide configuration
var AppConfig = viper.New()

func init() {
	AppConfig.SetEnvPrefix("COPTER")
	AppConfig.AutomaticEnv()
	AppConfig.SetDefault("log.level", "info")
}

// NewRootCommand creates the copter root command
func NewRootCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "copter",
		Short: "Test downstream crates against an in-progress library change",
		Long: `Copter re-runs each dependent crate's build and test suite under chosen
versions of a base crate, compares outcomes against a baseline, and reports
regressions, pre-existing breakage, and version-resolution conflicts.`,
		Example: `  # Test the crate in the current directory against its top 10 dependents
  copter

  # Test specific dependents against published versions
  copter --crate rgb --dependents image --test-versions 0.8.50 --test-versions latest

  # Force an incompatible version past semver ranges
  copter --path ./rgb --force-versions this`,
		Version:       fmt.Sprintf("%s (commit %s, built %s, %s)", Version, GitCommit, BuildDate, runtime.Version()),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Configure(AppConfig.GetString("log.level"), opts.Verbose, opts.Quiet)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatrix(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.CratePath, "path", "p", "", "Path to the base crate's directory or Cargo.toml")
	cmd.Flags().StringVarP(&opts.CrateName, "crate", "c", "", "Published base crate name")
	cmd.Flags().IntVarP(&opts.Top, "top", "t", 10, "Test the top-N most-downloaded dependents")
	cmd.Flags().StringSliceVarP(&opts.Dependents, "dependents", "d", nil, "Explicit dependents (name[:version])")
	cmd.Flags().StringSliceVar(&opts.DependentPaths, "dependent-paths", nil, "Local dependent crate directories")
	cmd.Flags().StringSliceVar(&opts.TestVersions, "test-versions", nil, "Base versions to try as patch (latest, latest-preview, this, or semver)")
	cmd.Flags().StringSliceVar(&opts.ForceVersions, "force-versions", nil, "Base versions to force past semver ranges")
	cmd.Flags().BoolVar(&opts.SkipNormalTesting, "skip-normal-testing", false, "Do not auto-insert a patch variant for each forced version")
	cmd.Flags().BoolVar(&opts.SkipCheck, "skip-check", false, "Stop the pipeline after fetch")
	cmd.Flags().BoolVar(&opts.SkipTest, "skip-test", false, "Stop the pipeline after check")
	cmd.Flags().StringVar(&opts.StagingDir, "staging-dir", "", "Persistent cache root for unpacked crates (default ~/.copter/staging)")
	cmd.Flags().BoolVar(&opts.Clean, "clean", false, "Purge the staging directory before running")
	cmd.Flags().IntVar(&opts.ErrorLines, "error-lines", 30, "Maximum error lines per failure in reports (0 = unlimited)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "table", "Output format (table, json, markdown)")

	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Only log errors")

	AppConfig.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.MarkFlagsMutuallyExclusive("dependents", "dependent-paths")

	return cmd
}

// registryResolver adapts the crates.io client to the planner interface.
type registryResolver struct {
	client *registry.Client
}

func (r registryResolver) LatestVersion(crateName string, includePrerelease bool) (string, error) {
	return r.client.LatestVersion(crateName, includePrerelease)
}

func (r registryResolver) TopDependents(crateName string, n int) ([]string, error) {
	deps, err := r.client.TopDependents(crateName, n)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(deps))
	for _, d := range deps {
		names = append(names, d.Name)
	}
	return names, nil
}

// runMatrix plans, executes, and reports a full run.
func runMatrix(opts *RunOptions) error {
	stagingDir := opts.StagingDir
	if stagingDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to determine home directory: %w", err)
		}
		stagingDir = filepath.Join(home, ".copter", "staging")
	}

	if opts.Clean {
		logger.Info("purging staging directory", "path", stagingDir)
		if err := os.RemoveAll(stagingDir); err != nil {
			return fmt.Errorf("failed to clean staging directory: %w", err)
		}
	}
	if err := fileutil.EnsureDir(stagingDir); err != nil {
		return err
	}

	client := registry.Default()
	resolver := registryResolver{client: client}

	m, err := matrix.BuildMatrix(matrix.PlanConfig{
		CrateName:         opts.CrateName,
		CratePath:         opts.CratePath,
		TopDependents:     opts.Top,
		Dependents:        opts.Dependents,
		DependentPaths:    opts.DependentPaths,
		TestVersions:      opts.TestVersions,
		ForceVersions:     opts.ForceVersions,
		SkipNormalTesting: opts.SkipNormalTesting,
		SkipCheck:         opts.SkipCheck,
		SkipTest:          opts.SkipTest,
		StagingDir:        stagingDir,
		ErrorLines:        opts.ErrorLines,
	}, resolver)
	if err != nil {
		return err
	}

	failLog := faillog.New(filepath.Join(stagingDir, "failures.log"))
	pipe := pipeline.New(nil, failLog)

	exec := &runner.Executor{
		Matrix:   m,
		Cache:    download.NewCache(stagingDir, client),
		Resolver: resolver,
		RunCell:  pipe.Execute,
	}

	results, err := exec.Run(func(res matrix.TestResult) {
		label := "baseline"
		if res.Baseline != nil {
			label = res.BaseVersion.Version.Display()
		}
		logger.Info("cell finished",
			"dependent", res.Dependent.Display(),
			"base", label,
			"marks", res.Execution.ICTMarks())
	})
	if err != nil {
		return err
	}

	var rows []report.Row
	for _, res := range results {
		row, err := report.NewRow(res)
		if err != nil {
			logger.Error("dropping inconsistent result row", "error", err)
			continue
		}
		rows = append(rows, row)
	}

	summary := report.Summarize(rows)

	switch opts.Output {
	case "json":
		data, err := report.ExportJSON(m.BaseCrate, rows)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "markdown":
		fmt.Print(report.ExportMarkdown(m.BaseCrate, rows, opts.ErrorLines))
	default:
		fmt.Println(report.RenderTable(rows, opts.ErrorLines))
		fmt.Println()
		fmt.Println(report.RenderSummary(summary))
	}

	if summary.Regressed > 0 {
		logger.Error("regressions detected", "count", summary.Regressed, "failureLog", failLog.Path())
		os.Exit(exitCodeRegressed)
	}

	return nil
}
