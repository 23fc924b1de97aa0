// Package federation pulls metrics from independently reporting sources
// and aggregates them into one view.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fidde/agent_observability/internal/rollup"
	"github.com/fidde/agent_observability/pkg/models"
)

// maxBodyBytes caps how much of a source response is read.
const maxBodyBytes = 4 << 20

// Config controls how sources are polled.
type Config struct {
	// Timeout bounds a single sync including retries
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of retries after the first failed attempt
	MaxRetries uint64 `yaml:"max_retries"`

	// RetryInterval is the first backoff delay; later delays grow exponentially
	RetryInterval time.Duration `yaml:"retry_interval"`

	// Concurrency limits parallel syncs in SyncAll
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		MaxRetries:    2,
		RetryInterval: 500 * time.Millisecond,
		Concurrency:   4,
	}
}

// Engine owns the registered sources and their cached metrics.
type Engine struct {
	mu      sync.RWMutex
	sources map[string]*models.FederatedSource
	local   map[string][]float64

	cfg     Config
	client  *http.Client
	clock   clock.Clock
	logger  *slog.Logger
	failLog rate.Sometimes
}

// New creates an engine. A nil client gets one with cfg.Timeout; a nil
// clock uses wall time.
func New(cfg Config, client *http.Client, clk clock.Clock, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sources: make(map[string]*models.FederatedSource),
		local:   make(map[string][]float64),
		cfg:     cfg,
		client:  client,
		clock:   clk,
		logger:  logger,
		failLog: rate.Sometimes{Interval: time.Minute},
	}
}

// AddSource registers an enabled source. data pre-seeds its metric cache
// and endpoint, when it is an http(s) URL, is polled by SyncSource.
func (e *Engine) AddSource(name, endpoint string, data map[string]float64, healthy bool) error {
	return e.RegisterSource(models.FederatedSource{
		Name:     name,
		Endpoint: endpoint,
		Enabled:  true,
		Healthy:  healthy,
		Metrics:  data,
	})
}

// RegisterSource registers src as given, replacing a source of the same name.
func (e *Engine) RegisterSource(src models.FederatedSource) error {
	if src.Name == "" {
		return fmt.Errorf("source without name: %w", models.ErrInvalidInput)
	}
	src.Metrics = lo.Assign(src.Metrics)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[src.Name] = &src
	return nil
}

// SetEnabled toggles a source. It returns false for an unknown source.
func (e *Engine) SetEnabled(name string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.sources[name]
	if ok {
		src.Enabled = enabled
	}
	return ok
}

// Source returns a copy of the named source.
func (e *Engine) Source(name string) (models.FederatedSource, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	src, ok := e.sources[name]
	if !ok {
		return models.FederatedSource{}, false
	}
	return copySource(src), true
}

// Sources lists all sources ordered by name.
func (e *Engine) Sources() []models.FederatedSource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := lo.Keys(e.sources)
	sort.Strings(names)
	return lo.Map(names, func(n string, _ int) models.FederatedSource {
		return copySource(e.sources[n])
	})
}

// AddLocalValue records a locally pre-aggregated value that Aggregate
// includes alongside the sources.
func (e *Engine) AddLocalValue(metric string, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.local[metric] = append(e.local[metric], value)
}

// SyncSource pulls the source's endpoint and merges the numeric entries
// into its cache. Disabled sources and sources without an http(s)
// endpoint return an empty map. Failures are logged, mark the source
// unhealthy and also return an empty map.
func (e *Engine) SyncSource(ctx context.Context, name string) map[string]float64 {
	metrics, err := e.syncSource(ctx, name)
	if err != nil {
		e.logger.Debug("federation sync failed", "source", name, "error", err)
		e.failLog.Do(func() {
			e.logger.Warn("federation sync failed", "source", name, "error", err)
		})
		return map[string]float64{}
	}
	return metrics
}

// SyncAll syncs every enabled source in parallel. The returned error
// combines the individual failures; results hold the successful pulls.
func (e *Engine) SyncAll(ctx context.Context) (map[string]map[string]float64, error) {
	e.mu.RLock()
	var names []string
	for name, src := range e.sources {
		if src.Enabled && isHTTP(src.Endpoint) {
			names = append(names, name)
		}
	}
	e.mu.RUnlock()
	sort.Strings(names)

	var (
		mu      sync.Mutex
		results = make(map[string]map[string]float64, len(names))
		errs    *multierror.Error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, name := range names {
		g.Go(func() error {
			metrics, err := e.syncSource(gctx, name)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("source %s: %w", name, err))
				return nil
			}
			results[name] = metrics
			return nil
		})
	}
	g.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		e.failLog.Do(func() {
			e.logger.Warn("federation sync had failures", "failed", len(errs.Errors), "sources", len(names))
		})
		return results, err
	}
	return results, nil
}

func (e *Engine) syncSource(ctx context.Context, name string) (map[string]float64, error) {
	e.mu.RLock()
	src, ok := e.sources[name]
	var endpoint, token string
	var enabled bool
	if ok {
		endpoint, token, enabled = src.Endpoint, src.AuthToken, src.Enabled
	}
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("source %s: %w", name, models.ErrNotFound)
	}
	if !enabled || !isHTTP(endpoint) {
		return map[string]float64{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var pulled map[string]float64
	op := func() error {
		m, err := e.fetch(ctx, endpoint, token)
		if err != nil {
			return err
		}
		pulled = m
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, e.cfg.MaxRetries), ctx)
	err := backoff.Retry(op, policy)

	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok = e.sources[name]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", name, models.ErrNotFound)
	}
	if err != nil {
		src.Healthy = false
		src.LastError = err.Error()
		return nil, err
	}
	if src.Metrics == nil {
		src.Metrics = make(map[string]float64)
	}
	for k, v := range pulled {
		src.Metrics[k] = v
	}
	src.Healthy = true
	src.LastError = ""
	src.LastSync = e.clock.Now()
	return pulled, nil
}

// fetch performs one GET. Client errors are permanent; transport errors
// and 5xx responses are retried.
func (e *Engine) fetch(ctx context.Context, endpoint, token string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
		if resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	metrics, err := parseMetrics(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return metrics, nil
}

// parseMetrics decodes a flat JSON object and keeps its numeric entries.
func parseMetrics(body []byte) (map[string]float64, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding metrics: %w", err)
	}
	if raw == nil {
		return nil, errors.New("decoding metrics: not a JSON object")
	}

	metrics := make(map[string]float64, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			metrics[k] = f
		}
	}
	return metrics, nil
}

// Aggregate combines metric across every enabled, healthy source that has
// it plus any local values. Sources that are disabled, unhealthy or lack
// the metric count as failed.
func (e *Engine) Aggregate(metric string, agg models.Aggregation) models.AggregationResult {
	e.mu.RLock()
	var values []float64
	failed := 0
	for _, src := range e.sources {
		v, ok := src.Metrics[metric]
		if !src.Enabled || !src.Healthy || !ok {
			failed++
			continue
		}
		values = append(values, v)
	}
	values = append(values, e.local[metric]...)
	e.mu.RUnlock()

	return models.AggregationResult{
		MetricName:    metric,
		Aggregation:   agg,
		Value:         rollup.CalculateRollup(values, agg),
		Total:         lo.Sum(values),
		SourceCount:   len(values),
		FailedSources: failed,
	}
}

func isHTTP(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}

func copySource(src *models.FederatedSource) models.FederatedSource {
	out := *src
	out.Metrics = lo.Assign(src.Metrics)
	return out
}
