package models

import "time"

// Status is the outcome of a traced agent operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusOther   Status = "other"
)

// NormalizeStatus maps free-form status strings onto the known values.
func NormalizeStatus(s string) Status {
	switch Status(s) {
	case StatusSuccess, StatusFailure:
		return Status(s)
	case "ok", "OK", "completed":
		return StatusSuccess
	case "error", "failed", "ERROR":
		return StatusFailure
	}
	return StatusOther
}

// AgentMetric is the telemetry event stored when a traced operation ends.
// It is serialized as a flat JSON object in the telemetry file.
type AgentMetric struct {
	// AgentName identifies the agent that performed the operation
	AgentName string `json:"agent_name"`

	// Operation is the logical operation name
	Operation string `json:"operation"`

	// DurationMs is the elapsed wall time between start and end of the trace
	DurationMs float64 `json:"duration_ms"`

	// Timestamp is when the trace ended
	Timestamp time.Time `json:"timestamp"`

	// Status is the operation outcome
	Status Status `json:"status"`

	// TokenCount is InputTokens + OutputTokens
	TokenCount int `json:"token_count"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// EstimatedCost is the USD cost computed from the pricing table
	EstimatedCost float64 `json:"estimated_cost"`

	// Model is the LLM model used, if any
	Model string `json:"model,omitempty"`

	// Metadata carries caller-supplied attributes
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Succeeded reports whether the operation finished successfully.
func (m AgentMetric) Succeeded() bool {
	return m.Status == StatusSuccess
}
