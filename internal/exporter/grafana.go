package exporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fidde/agent_observability/internal/storage/file"
)

// GrafanaSchemaVersion is the dashboard schema version written.
const GrafanaSchemaVersion = 36

// Dashboard is the subset of the Grafana dashboard model we generate.
type Dashboard struct {
	UID           string   `json:"uid"`
	Title         string   `json:"title"`
	Tags          []string `json:"tags"`
	Timezone      string   `json:"timezone"`
	SchemaVersion int      `json:"schemaVersion"`
	Refresh       string   `json:"refresh"`
	Time          TimeSpan `json:"time"`
	Panels        []Panel  `json:"panels"`
}

// TimeSpan is the default dashboard time range.
type TimeSpan struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Panel is one dashboard panel.
type Panel struct {
	ID      int      `json:"id"`
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	GridPos GridPos  `json:"gridPos"`
	Targets []Target `json:"targets"`
}

// GridPos positions a panel on the 24 column grid.
type GridPos struct {
	H int `json:"h"`
	W int `json:"w"`
	X int `json:"x"`
	Y int `json:"y"`
}

// Target is a Prometheus query.
type Target struct {
	Expr  string `json:"expr"`
	RefID string `json:"refId"`
}

// GrafanaGenerator writes dashboards into Dir.
type GrafanaGenerator struct {
	Dir string
}

// GenerateFleetSummary writes fleet_summary.json and returns its path.
func (g GrafanaGenerator) GenerateFleetSummary() (string, error) {
	d := Dashboard{
		UID:   "fleet-summary",
		Title: "Agent Fleet Summary",
		Tags:  []string{"agents", "fleet"},
		Panels: []Panel{
			panel(1, "stat", "Total Calls", 0, 0, `sum(pyagent_agent_calls_total)`),
			panel(2, "timeseries", "Latency (ms)", 6, 0, `pyagent_agent_latency_ms`),
			panel(3, "gauge", "Success Rate", 18, 0, `avg(pyagent_agent_success_rate)`),
			panel(4, "timeseries", "Token Cost (USD)", 0, 8, `sum(pyagent_agent_cost_usd)`),
		},
	}
	return g.write("fleet_summary.json", d)
}

// GenerateShardObs writes shard_<name>.json for one shard and returns its path.
func (g GrafanaGenerator) GenerateShardObs(shard string) (string, error) {
	if strings.TrimSpace(shard) == "" {
		return "", fmt.Errorf("empty shard name")
	}
	sel := fmt.Sprintf(`{shard=%q}`, shard)
	d := Dashboard{
		UID:   "shard-" + fileSafe(shard),
		Title: "Shard " + shard,
		Tags:  []string{"agents", "shard"},
		Panels: []Panel{
			panel(1, "stat", "Calls", 0, 0, `sum(pyagent_agent_calls_total`+sel+`)`),
			panel(2, "timeseries", "Latency (ms)", 6, 0, `pyagent_agent_latency_ms`+sel),
			panel(3, "gauge", "Stability", 18, 0, `pyagent_stability_score`+sel),
		},
	}
	return g.write("shard_"+fileSafe(shard)+".json", d)
}

func (g GrafanaGenerator) write(name string, d Dashboard) (string, error) {
	d.SchemaVersion = GrafanaSchemaVersion
	d.Timezone = "browser"
	d.Refresh = "30s"
	d.Time = TimeSpan{From: "now-6h", To: "now"}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling dashboard %s: %w", name, err)
	}

	dir := g.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating dashboard dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := file.WriteAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func panel(id int, typ, title string, x, y int, expr string) Panel {
	w := 6
	if typ == "timeseries" {
		w = 12
	}
	return Panel{
		ID:      id,
		Type:    typ,
		Title:   title,
		GridPos: GridPos{H: 8, W: w, X: x, Y: y},
		Targets: []Target{{Expr: expr, RefID: "A"}},
	}
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
