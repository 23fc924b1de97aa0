// Command fleetstats reports line statistics for a set of source files.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fidde/agent_observability/internal/report"
)

type options struct {
	files    []string
	format   string
	coverage string
	exports  []string
	baseline string
	verbose  string
	outDir   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := runCLI(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// multiValueFlags take every following non-flag token as another value,
// so "--export json csv" means "--export json --export csv".
var multiValueFlags = map[string]bool{"--files": true, "--export": true}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer) error {
	cmd := newRootCmd(errOut)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(expandMultiValue(args))
	return cmd.ExecuteContext(ctx)
}

// expandMultiValue repeats a multi-value flag before each of its values.
func expandMultiValue(args []string) []string {
	out := make([]string, 0, len(args))
	current := ""
	for i, a := range args {
		switch {
		case a == "--":
			return append(out, args[i:]...)
		case multiValueFlags[a]:
			current = a
		case strings.HasPrefix(a, "-"):
			current = ""
			out = append(out, a)
		case current != "":
			out = append(out, current, a)
		default:
			out = append(out, a)
		}
	}
	return out
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "fleetstats --files FILE... [flags]",
		Short: "Report line statistics for source files",
		Long: `fleetstats counts lines, comments and blank lines of the given files,
optionally compares them to a baseline report and exports the result.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.files = append(opts.files, args...)
			return run(cmd.Context(), cmd.OutOrStdout(), logOut, opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.files, "files", nil, "files to analyze (required)")
	f.StringVar(&opts.format, "format", "text", "output format: text, json or csv")
	f.StringVar(&opts.coverage, "coverage", "", `coverage JSON file with {"coverage_pct": n}`)
	f.StringSliceVar(&opts.exports, "export", nil, "export formats: json, csv, html, sqlite")
	f.StringVar(&opts.baseline, "baseline", "", "previous JSON report to diff against")
	f.StringVar(&opts.verbose, "verbose", "normal", "verbosity: quiet, minimal, normal or elaborate")
	f.StringVar(&opts.outDir, "out-dir", ".", "directory for exported reports")
	_ = cmd.MarkFlagRequired("files")

	return cmd
}

func run(ctx context.Context, out, logOut io.Writer, opts *options) error {
	level, err := verbosity(opts.verbose)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	format, err := report.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	agent, err := report.NewStatsAgent(opts.files, nil, logger)
	if err != nil {
		logger.Error("nothing to analyze", "error", err)
		return err
	}

	r, err := agent.Analyze()
	if err != nil {
		logger.Error("analysis failed", "error", err)
		return err
	}

	if opts.coverage != "" {
		pct, err := report.LoadCoverage(opts.coverage)
		if err != nil {
			logger.Error("reading coverage", "error", err)
			return err
		}
		r.CoveragePct = &pct
	}
	if opts.baseline != "" {
		base, err := report.LoadBaseline(opts.baseline)
		if err != nil {
			logger.Error("reading baseline", "error", err)
			return err
		}
		diff := r.Totals.Sub(base)
		r.BaselineDiff = &diff
	}

	if err := report.Render(out, r, format); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}

	if len(opts.exports) > 0 {
		paths, err := report.Export(ctx, r, opts.exports, opts.outDir)
		for _, p := range paths {
			logger.Info("exported report", "path", p)
		}
		if err != nil {
			logger.Error("export failed", "error", err)
			return err
		}
	}
	return nil
}

// verbosity maps --verbose onto a log level.
func verbosity(v string) (slog.Level, error) {
	switch v {
	case "quiet":
		return slog.LevelError, nil
	case "minimal":
		return slog.LevelWarn, nil
	case "normal", "":
		return slog.LevelInfo, nil
	case "elaborate":
		return slog.LevelDebug, nil
	}
	return 0, fmt.Errorf("unknown verbosity %q (quiet, minimal, normal, elaborate)", v)
}
