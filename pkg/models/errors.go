package models

import "errors"

// Shared sentinel errors. Wrap them with fmt.Errorf("...: %w", err) and
// test with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNoValidFiles       = errors.New("no valid files to analyze")
	ErrUnknownAggregation = errors.New("unknown aggregation")
)
