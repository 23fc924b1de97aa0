package report

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	_ "modernc.org/sqlite"

	"github.com/fidde/agent_observability/internal/storage/file"
)

// ExportBaseName is the file name, without extension, of exported reports.
const ExportBaseName = "stats_report"

// ExportFormats are the names accepted by Export.
var ExportFormats = []string{"json", "csv", "html", "sqlite"}

// Export writes r in every requested format into dir and returns the
// written paths. Every format is attempted; failures are combined.
func Export(ctx context.Context, r Report, formats []string, dir string) ([]string, error) {
	var (
		paths  []string
		result *multierror.Error
	)
	for _, f := range formats {
		path, err := exportOne(ctx, r, f, dir)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("export %s: %w", f, err))
			continue
		}
		paths = append(paths, path)
	}
	return paths, result.ErrorOrNil()
}

func exportOne(ctx context.Context, r Report, format, dir string) (string, error) {
	var (
		buf bytes.Buffer
		ext = format
	)
	switch format {
	case "json":
		if err := Render(&buf, r, FormatJSON); err != nil {
			return "", err
		}
	case "csv":
		if err := Render(&buf, r, FormatCSV); err != nil {
			return "", err
		}
	case "html":
		if err := htmlReport.Execute(&buf, r); err != nil {
			return "", err
		}
	case "sqlite":
		path := filepath.Join(dir, ExportBaseName+".db")
		return path, exportSQLite(ctx, r, path)
	default:
		return "", fmt.Errorf("unknown export format %q", format)
	}

	path := filepath.Join(dir, ExportBaseName+"."+ext)
	return path, file.WriteAtomic(path, buf.Bytes())
}

func exportSQLite(ctx context.Context, r Report, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing old database: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE file_stats (
			path          TEXT PRIMARY KEY,
			lines         INTEGER NOT NULL,
			code_lines    INTEGER NOT NULL,
			comment_lines INTEGER NOT NULL,
			blank_lines   INTEGER NOT NULL,
			bytes         INTEGER NOT NULL,
			generated_at  TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO file_stats
		(path, lines, code_lines, comment_lines, blank_lines, bytes, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	generated := r.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	for _, f := range r.Files {
		if _, err := stmt.ExecContext(ctx, f.Path, f.Lines, f.CodeLines, f.CommentLines, f.BlankLines, f.Bytes, generated); err != nil {
			return fmt.Errorf("inserting %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

var htmlReport = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>File statistics</title></head>
<body>
<h1>File statistics</h1>
<p>Generated {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}</p>
<table border="1">
<tr><th>File</th><th>Lines</th><th>Code</th><th>Comments</th><th>Blank</th><th>Bytes</th></tr>
{{- range .Files}}
<tr><td>{{.Path}}</td><td>{{.Lines}}</td><td>{{.CodeLines}}</td><td>{{.CommentLines}}</td><td>{{.BlankLines}}</td><td>{{.Bytes}}</td></tr>
{{- end}}
<tr><th>Total ({{.Totals.Files}} files)</th><th>{{.Totals.Lines}}</th><th>{{.Totals.CodeLines}}</th><th>{{.Totals.CommentLines}}</th><th>{{.Totals.BlankLines}}</th><th>{{.Totals.Bytes}}</th></tr>
</table>
{{- with .CoveragePct}}
<p>Coverage: {{printf "%.1f" .}}%</p>
{{- end}}
</body>
</html>
`))
