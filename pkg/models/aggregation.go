package models

import (
	"fmt"
	"strings"
)

// Aggregation selects how a set of values is reduced to one.
type Aggregation int

const (
	AggSum Aggregation = iota
	AggAvg
	AggMin
	AggMax
	AggCount
	AggP50
	AggP95
	AggP99
)

// String returns the upper-case aggregation name.
func (a Aggregation) String() string {
	switch a {
	case AggSum:
		return "SUM"
	case AggAvg:
		return "AVG"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	case AggCount:
		return "COUNT"
	case AggP50:
		return "P50"
	case AggP95:
		return "P95"
	case AggP99:
		return "P99"
	}
	return fmt.Sprintf("Aggregation(%d)", int(a))
}

// IsPercentile reports whether the aggregation is a percentile.
func (a Aggregation) IsPercentile() bool {
	return a == AggP50 || a == AggP95 || a == AggP99
}

// ParseAggregation parses an aggregation name case-insensitively.
// "mean" and "average" are accepted for AVG.
func ParseAggregation(s string) (Aggregation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUM":
		return AggSum, nil
	case "AVG", "MEAN", "AVERAGE":
		return AggAvg, nil
	case "MIN":
		return AggMin, nil
	case "MAX":
		return AggMax, nil
	case "COUNT":
		return AggCount, nil
	case "P50", "MEDIAN":
		return AggP50, nil
	case "P95":
		return AggP95, nil
	case "P99":
		return AggP99, nil
	}
	return AggSum, fmt.Errorf("%q: %w", s, ErrUnknownAggregation)
}

// MarshalText implements encoding.TextMarshaler.
func (a Aggregation) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Aggregation) UnmarshalText(b []byte) error {
	parsed, err := ParseAggregation(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
