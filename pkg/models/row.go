package models

import "time"

// Row is a single inserted point as seen by the query engine.
type Row struct {
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Within reports whether the row's timestamp falls inside the optional
// inclusive bounds. A nil bound is open.
func (r Row) Within(start, end *time.Time) bool {
	if start != nil && r.Timestamp.Before(*start) {
		return false
	}
	if end != nil && r.Timestamp.After(*end) {
		return false
	}
	return true
}
