package models

import "time"

// FederatedSource is an external metrics source pulled by the federation engine.
type FederatedSource struct {
	// Name identifies the source (often a repository URL)
	Name string `json:"name" yaml:"name"`

	// Endpoint is polled with HTTP GET when it is an http(s) URL
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint"`

	AuthToken string `json:"-" yaml:"auth_token"`

	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Enabled=false excludes the source from sync and aggregation
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Healthy is false after a failed sync until the next successful one
	Healthy bool `json:"healthy"`

	// Metrics is the locally cached metric values
	Metrics map[string]float64 `json:"metrics" yaml:"metrics"`

	LastSync  time.Time `json:"last_sync,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// AggregationResult is the outcome of aggregating one metric across sources.
type AggregationResult struct {
	MetricName  string      `json:"metric_name"`
	Aggregation Aggregation `json:"aggregation"`

	// Value is the aggregated result
	Value float64 `json:"value"`

	// Total is the plain sum of the collected values
	Total float64 `json:"total"`

	// SourceCount is the number of values that contributed
	SourceCount int `json:"source_count"`

	// FailedSources counts sources that were disabled or lacked the metric
	FailedSources int `json:"failed_sources"`
}
