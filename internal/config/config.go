// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/fidde/agent_observability/internal/cost"
	"github.com/fidde/agent_observability/internal/exporter"
	"github.com/fidde/agent_observability/internal/federation"
	"github.com/fidde/agent_observability/internal/formula"
	"github.com/fidde/agent_observability/internal/rollup"
	"github.com/fidde/agent_observability/internal/storage"
	"github.com/fidde/agent_observability/pkg/models"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Logging    LoggingConfig            `yaml:"logging"`
	Storage    storage.Config           `yaml:"storage"`
	Engine     EngineConfig             `yaml:"engine"`
	Thresholds []models.Threshold       `yaml:"thresholds"`
	Retention  []models.RetentionPolicy `yaml:"retention"`
	Derived    []models.DerivedMetric   `yaml:"derived"`
	Federation FederationConfig         `yaml:"federation"`
	Pricing    map[string]cost.Price    `yaml:"pricing"`
	Schedule   ScheduleConfig           `yaml:"schedule"`
	Exporters  ExportersConfig          `yaml:"exporters"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Format is "text" or "json"
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// EngineConfig bounds the in-memory telemetry history.
type EngineConfig struct {
	MaxHistory          int    `yaml:"max_history"`
	KeepHistory         int    `yaml:"keep_history"`
	MaxStabilitySamples int    `yaml:"max_stability_samples"`
	ServiceName         string `yaml:"service_name"`

	// Percentiles is "exact" or "sketch" (DDSketch, approximate)
	Percentiles    string  `yaml:"percentiles"`
	SketchAccuracy float64 `yaml:"sketch_accuracy"`
}

// FederationConfig holds polling settings and the static source list.
type FederationConfig struct {
	federation.Config `yaml:",inline"`
	Sources           []SourceConfig `yaml:"sources"`
}

// SourceConfig is a federated source as written in the config file.
// Enabled defaults to true.
type SourceConfig struct {
	Name         string             `yaml:"name"`
	Endpoint     string             `yaml:"endpoint"`
	AuthToken    string             `yaml:"auth_token"`
	PollInterval time.Duration      `yaml:"poll_interval"`
	Enabled      *bool              `yaml:"enabled"`
	Metrics      map[string]float64 `yaml:"metrics"`
}

// Source converts the entry to the model.
func (s SourceConfig) Source() models.FederatedSource {
	enabled := s.Enabled == nil || *s.Enabled
	return models.FederatedSource{
		Name:         s.Name,
		Endpoint:     s.Endpoint,
		AuthToken:    s.AuthToken,
		PollInterval: s.PollInterval,
		Enabled:      enabled,
		Healthy:      true,
		Metrics:      s.Metrics,
	}
}

// ScheduleConfig holds cron specs. An empty spec disables the job.
type ScheduleConfig struct {
	Retention      string `yaml:"retention"`
	FederationSync string `yaml:"federation_sync"`
	Flush          string `yaml:"flush"`
}

// ExportersConfig configures the outbound exporters.
type ExportersConfig struct {
	// CloudDestination is "datadog", "prometheus" or "generic"
	CloudDestination string `yaml:"cloud_destination"`
	CloudHost        string `yaml:"cloud_host"`
	GrafanaDir       string `yaml:"grafana_dir"`

	// OTelTraces selects the span exporter: "stdout" or "none"
	OTelTraces string `yaml:"otel_traces"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server:  ServerConfig{Addr: "0.0.0.0:8080", ShutdownTimeout: 10 * time.Second},
		Logging: LoggingConfig{Format: "text", Level: "info"},
		Storage: storage.DefaultConfig(),
		Engine: EngineConfig{
			MaxHistory:          1000,
			KeepHistory:         500,
			MaxStabilitySamples: 100,
			ServiceName:         "agent-observability",
			Percentiles:         "exact",
			SketchAccuracy:      0.01,
		},
		Federation: FederationConfig{Config: federation.DefaultConfig()},
		Schedule: ScheduleConfig{
			Retention:      "@every 1h",
			FederationSync: "@every 5m",
			Flush:          "@every 1m",
		},
		Exporters: ExportersConfig{
			CloudDestination: "generic",
			GrafanaDir:       "dashboards",
			OTelTraces:       "none",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("API_ADDR", &c.Server.Addr)
	set("TELEMETRY_FILE", &c.Storage.TelemetryFile)
	set("STORAGE_BACKEND", &c.Storage.Backend)
	set("SQLITE_PATH", &c.Storage.SQLitePath)
	set("GRAFANA_DIR", &c.Exporters.GrafanaDir)
	set("OTEL_TRACES_EXPORTER", &c.Exporters.OTelTraces)
	set("LOG_FORMAT", &c.Logging.Format)
	set("LOG_LEVEL", &c.Logging.Level)

	if v := getenv("FEDERATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FEDERATION_TIMEOUT: %w", err)
		}
		c.Federation.Timeout = d
	}
	return nil
}

// Validate checks enum names, cron specs, formulas and thresholds.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "memory", "sqlite", "dual":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: must be memory, sqlite or dual", c.Storage.Backend))
	}
	switch c.Storage.HistoryBackend {
	case "file", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.history_backend %q: must be file, sqlite or memory", c.Storage.HistoryBackend))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: must be text or json", c.Logging.Format))
	}
	if _, err := exporter.ParseDestination(c.Exporters.CloudDestination); err != nil {
		errs = append(errs, fmt.Errorf("exporters.cloud_destination: %w", err))
	}
	switch c.Engine.Percentiles {
	case "", "exact", "sketch":
	default:
		errs = append(errs, fmt.Errorf("engine.percentiles %q: must be exact or sketch", c.Engine.Percentiles))
	}
	switch c.Exporters.OTelTraces {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("exporters.otel_traces %q: must be stdout or none", c.Exporters.OTelTraces))
	}

	for name, spec := range map[string]string{
		"schedule.retention":       c.Schedule.Retention,
		"schedule.federation_sync": c.Schedule.FederationSync,
		"schedule.flush":           c.Schedule.Flush,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, spec, err))
		}
	}

	formulas := formula.New(nil)
	for _, d := range c.Derived {
		if res := formulas.Validate(d.Formula); !res.IsValid {
			errs = append(errs, fmt.Errorf("derived metric %s: %s", d.Name, res.Error))
		}
	}
	for _, th := range c.Thresholds {
		if th.MetricName == "" {
			errs = append(errs, fmt.Errorf("threshold without metric_name: %w", models.ErrInvalidInput))
		}
		if _, err := models.ParseOperator(string(th.Operator)); err != nil {
			errs = append(errs, fmt.Errorf("threshold %s: %w", th.MetricName, err))
		}
	}
	for _, s := range c.Federation.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("federation source without name: %w", models.ErrInvalidInput))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level %q: unknown level", s)
}

// NewLogger builds the slog logger described by the logging section.
func (c LoggingConfig) NewLogger(w *os.File) *slog.Logger {
	level, _ := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// PercentileBackend returns the rollup backend selected by the engine
// section.
func (c EngineConfig) PercentileBackend(logger *slog.Logger) rollup.Backend {
	if c.Percentiles == "sketch" {
		return rollup.SketchBackend{RelativeAccuracy: c.SketchAccuracy, Logger: logger}
	}
	return rollup.ExactBackend{}
}
