package models

// RetentionPolicy bounds how long and how many points are kept for the
// metric or namespace keys matching Pattern.
type RetentionPolicy struct {
	// Pattern is a metric name, namespace or glob ("agent.*")
	Pattern string `json:"pattern" yaml:"pattern"`

	// RetentionDays drops points older than now - RetentionDays; 0 disables
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// MaxPoints trims the oldest excess points after the age cut; 0 disables
	MaxPoints int `json:"max_points,omitempty" yaml:"max_points"`

	// Resolution is the rollup interval used for downsampled storage (e.g. "1h")
	Resolution string `json:"resolution,omitempty" yaml:"resolution"`

	// CompressionAfterDays marks points older than this as eligible for compression
	CompressionAfterDays int `json:"compression_after_days,omitempty" yaml:"compression_after_days"`
}

// SeriesKey identifies a pruneable series and the namespace it belongs to.
type SeriesKey struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}
