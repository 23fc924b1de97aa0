// Package report computes line statistics for a set of source files and
// renders them in the formats the fleetstats CLI offers.
package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/fidde/agent_observability/pkg/models"
)

// FileStats counts one file.
type FileStats struct {
	Path         string `json:"path"`
	Lines        int    `json:"lines"`
	BlankLines   int    `json:"blank_lines"`
	CommentLines int    `json:"comment_lines"`
	CodeLines    int    `json:"code_lines"`
	Bytes        int64  `json:"bytes"`
}

// Totals sums FileStats over all files.
type Totals struct {
	Files        int   `json:"files"`
	Lines        int   `json:"lines"`
	BlankLines   int   `json:"blank_lines"`
	CommentLines int   `json:"comment_lines"`
	CodeLines    int   `json:"code_lines"`
	Bytes        int64 `json:"bytes"`
}

// Sub returns t - other field by field.
func (t Totals) Sub(other Totals) Totals {
	return Totals{
		Files:        t.Files - other.Files,
		Lines:        t.Lines - other.Lines,
		BlankLines:   t.BlankLines - other.BlankLines,
		CommentLines: t.CommentLines - other.CommentLines,
		CodeLines:    t.CodeLines - other.CodeLines,
		Bytes:        t.Bytes - other.Bytes,
	}
}

// Report is the result of one analysis run.
type Report struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Files       []FileStats `json:"files"`
	Totals      Totals      `json:"totals"`

	// CoveragePct is read from a coverage file when one is given
	CoveragePct *float64 `json:"coverage_pct,omitempty"`

	// BaselineDiff is Totals minus the baseline totals
	BaselineDiff *Totals `json:"baseline_diff,omitempty"`
}

// StatsAgent analyzes a fixed set of files.
type StatsAgent struct {
	files  []string
	clock  clock.Clock
	logger *slog.Logger
}

// NewStatsAgent keeps the files that exist and are regular files. Missing
// files are skipped with a warning; if none remain it returns
// models.ErrNoValidFiles.
func NewStatsAgent(files []string, clk clock.Clock, logger *slog.Logger) (*StatsAgent, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var valid []string
	for _, f := range lo.Uniq(files) {
		info, err := os.Stat(f)
		if err != nil || !info.Mode().IsRegular() {
			logger.Warn("skipping file", "path", f, "error", err)
			continue
		}
		valid = append(valid, f)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("%d files given: %w", len(files), models.ErrNoValidFiles)
	}
	return &StatsAgent{files: valid, clock: clk, logger: logger}, nil
}

// Files returns the files that will be analyzed.
func (a *StatsAgent) Files() []string {
	return append([]string(nil), a.files...)
}

// Analyze counts every file.
func (a *StatsAgent) Analyze() (Report, error) {
	r := Report{GeneratedAt: a.clock.Now()}
	for _, path := range a.files {
		fs, err := CountFile(path)
		if err != nil {
			return Report{}, err
		}
		a.logger.Debug("analyzed file", "path", path, "lines", fs.Lines)
		r.Files = append(r.Files, fs)
	}
	r.Totals = Sum(r.Files)
	return r, nil
}

// Sum totals a set of file stats.
func Sum(files []FileStats) Totals {
	return Totals{
		Files:        len(files),
		Lines:        lo.SumBy(files, func(f FileStats) int { return f.Lines }),
		BlankLines:   lo.SumBy(files, func(f FileStats) int { return f.BlankLines }),
		CommentLines: lo.SumBy(files, func(f FileStats) int { return f.CommentLines }),
		CodeLines:    lo.SumBy(files, func(f FileStats) int { return f.CodeLines }),
		Bytes:        lo.SumBy(files, func(f FileStats) int64 { return f.Bytes }),
	}
}

// CountFile counts lines of one file. Lines starting with "#" or "//"
// after trimming are comments.
func CountFile(path string) (FileStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileStats{}, fmt.Errorf("reading %s: %w", path, err)
	}
	fs := FileStats{Path: path, Bytes: int64(len(data))}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		fs.Lines++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			fs.BlankLines++
		case strings.HasPrefix(line, "#"), strings.HasPrefix(line, "//"):
			fs.CommentLines++
		default:
			fs.CodeLines++
		}
	}
	if err := sc.Err(); err != nil {
		return FileStats{}, fmt.Errorf("scanning %s: %w", path, err)
	}
	return fs, nil
}

// LoadCoverage reads {"coverage_pct": n} from path.
func LoadCoverage(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading coverage file: %w", err)
	}
	var cov struct {
		CoveragePct *float64 `json:"coverage_pct"`
	}
	if err := json.Unmarshal(data, &cov); err != nil {
		return 0, fmt.Errorf("parsing coverage file: %w", err)
	}
	if cov.CoveragePct == nil {
		return 0, fmt.Errorf("coverage file has no coverage_pct: %w", models.ErrInvalidInput)
	}
	return *cov.CoveragePct, nil
}

// LoadBaseline reads the totals of a previous JSON report.
func LoadBaseline(path string) (Totals, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Totals{}, fmt.Errorf("reading baseline: %w", err)
	}
	var prev Report
	if err := json.Unmarshal(data, &prev); err != nil {
		return Totals{}, fmt.Errorf("parsing baseline: %w", err)
	}
	return prev.Totals, nil
}
