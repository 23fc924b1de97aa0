package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fidde/agent_observability/pkg/models"
)

// BenchmarkInsert measures single-row write throughput through the batch writer
func BenchmarkInsert(b *testing.B) {
	store, err := New(DefaultConfig(filepath.Join(b.TempDir(), "bench.db")))
	if err != nil {
		b.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		row := models.Row{
			Metric:    fmt.Sprintf("metric_%d", i%100),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Value:     float64(i),
		}
		if err := store.Insert(ctx, row); err != nil {
			b.Fatalf("Insert failed: %v", err)
		}
	}
}

// BenchmarkConcurrentInsert lets the batch writer group writes from many goroutines
func BenchmarkConcurrentInsert(b *testing.B) {
	store, err := New(DefaultConfig(filepath.Join(b.TempDir(), "bench.db")))
	if err != nil {
		b.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	const workers = 8

	b.ResetTimer()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < b.N; i += workers {
				row := models.Row{Metric: fmt.Sprintf("metric_%d", w), Timestamp: time.Unix(int64(i), 0), Value: 1}
				if err := store.Insert(ctx, row); err != nil {
					b.Errorf("Insert failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}

// BenchmarkRange measures indexed range reads
func BenchmarkRange(b *testing.B) {
	store, err := New(DefaultConfig(filepath.Join(b.TempDir(), "bench.db")))
	if err != nil {
		b.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	rows := make([]models.Row, 10000)
	for i := range rows {
		rows[i] = models.Row{Metric: fmt.Sprintf("metric_%d", i%10), Timestamp: time.Unix(int64(i), 0), Value: float64(i)}
	}
	if err := store.Insert(ctx, rows...); err != nil {
		b.Fatalf("Insert failed: %v", err)
	}

	start, end := time.Unix(2000, 0), time.Unix(4000, 0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Range(ctx, "metric_3", &start, &end); err != nil {
			b.Fatalf("Range failed: %v", err)
		}
	}
}
