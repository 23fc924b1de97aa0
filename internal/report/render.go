package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
)

// Format is an output format for Render.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatText, FormatJSON, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (text, json, csv)", s)
}

// Render writes r to w in the given format.
func Render(w io.Writer, r Report, f Format) error {
	switch f {
	case FormatText:
		return renderText(w, r)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatCSV:
		return renderCSV(w, r)
	}
	return fmt.Errorf("unknown format %q", f)
}

func renderText(w io.Writer, r Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "FILE\tLINES\tCODE\tCOMMENT\tBLANK\tBYTES\t")
	for _, f := range r.Files {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t\n", f.Path, f.Lines, f.CodeLines, f.CommentLines, f.BlankLines, f.Bytes)
	}
	t := r.Totals
	fmt.Fprintf(tw, "TOTAL (%d files)\t%d\t%d\t%d\t%d\t%d\t\n", t.Files, t.Lines, t.CodeLines, t.CommentLines, t.BlankLines, t.Bytes)
	if err := tw.Flush(); err != nil {
		return err
	}

	if r.CoveragePct != nil {
		fmt.Fprintf(w, "\nCoverage: %.1f%%\n", *r.CoveragePct)
	}
	if d := r.BaselineDiff; d != nil {
		fmt.Fprintf(w, "\nVs baseline: files %+d, lines %+d, code %+d, comments %+d\n",
			d.Files, d.Lines, d.CodeLines, d.CommentLines)
	}
	return nil
}

func csvHeader() []string {
	return []string{"path", "lines", "code_lines", "comment_lines", "blank_lines", "bytes"}
}

func csvRecord(f FileStats) []string {
	return []string{
		f.Path,
		strconv.Itoa(f.Lines),
		strconv.Itoa(f.CodeLines),
		strconv.Itoa(f.CommentLines),
		strconv.Itoa(f.BlankLines),
		strconv.FormatInt(f.Bytes, 10),
	}
}

func renderCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader()); err != nil {
		return err
	}
	for _, f := range r.Files {
		if err := cw.Write(csvRecord(f)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
