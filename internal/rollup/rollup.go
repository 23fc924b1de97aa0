package rollup

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/fidde/agent_observability/pkg/models"
)

// defaultBucketSeconds is used when the interval unit is not recognised.
const defaultBucketSeconds = 3600

// ParseInterval converts "15m", "1h", "1d" (or "30s") into seconds. A
// missing or unparseable multiplier counts as 1.
func ParseInterval(interval string) int64 {
	interval = strings.TrimSpace(strings.ToLower(interval))
	if interval == "" {
		return defaultBucketSeconds
	}

	var unit int64
	switch interval[len(interval)-1] {
	case 's':
		unit = 1
	case 'm':
		unit = 60
	case 'h':
		unit = 3600
	case 'd':
		unit = 86400
	default:
		return defaultBucketSeconds
	}

	mult, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil || mult <= 0 {
		mult = 1
	}
	return mult * unit
}

// Buckets groups points by floor(unix_seconds / width) and reduces each
// bucket with agg. Results are in ascending bucket order.
func Buckets(points []models.Point, width int64, agg models.Aggregation, backend Backend) []float64 {
	if len(points) == 0 {
		return []float64{}
	}
	if width <= 0 {
		width = defaultBucketSeconds
	}
	if backend == nil {
		backend = ExactBackend{}
	}

	groups := make(map[int64][]float64)
	for _, p := range points {
		secs := float64(p.Timestamp.UnixNano()) / 1e9
		b := int64(math.Floor(secs / float64(width)))
		groups[b] = append(groups[b], p.Value)
	}

	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]float64, len(keys))
	for i, k := range keys {
		out[i] = backend.Aggregate(groups[k], agg)
	}
	return out
}
