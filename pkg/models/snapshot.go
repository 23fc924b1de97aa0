package models

import "time"

// Snapshot captures the latest value of every metric at a point in time.
type Snapshot struct {
	Name      string             `json:"name"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Subscription receives every metric whose name matches Pattern.
type Subscription struct {
	ID       string       `json:"id"`
	Pattern  string       `json:"pattern"`
	Callback func(Metric) `json:"-"`
}

// Namespace groups metrics; namespaces may be nested via Parent.
type Namespace struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Parent      string    `json:"parent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
