package stats

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/fidde/agent_observability/pkg/models"
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// CompressMetrics encodes metrics as zstd-compressed JSON.
func CompressMetrics(metrics []models.Metric) ([]byte, error) {
	if metrics == nil {
		metrics = []models.Metric{}
	}
	data, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("marshaling metrics: %w", err)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// DecompressMetrics reverses CompressMetrics.
func DecompressMetrics(b []byte) ([]models.Metric, error) {
	data, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing metrics: %w", err)
	}
	var metrics []models.Metric
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, fmt.Errorf("unmarshaling metrics: %w", err)
	}
	return metrics, nil
}
