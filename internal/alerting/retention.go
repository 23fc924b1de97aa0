package alerting

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/glob"

	"github.com/fidde/agent_observability/pkg/models"
)

// Target is a point store the retention enforcer can prune.
type Target interface {
	// Series lists the pruneable series with their namespaces.
	Series() []models.SeriesKey

	// PruneBefore drops the series' points older than cutoff.
	PruneBefore(name string, cutoff time.Time) int

	// TrimTo keeps only the newest maxPoints points of the series.
	TrimTo(name string, maxPoints int) int
}

type compiledPolicy struct {
	policy  models.RetentionPolicy
	matcher glob.Glob // nil means substring matching
}

func (c compiledPolicy) matches(key models.SeriesKey) bool {
	for _, s := range []string{key.Name, key.Namespace} {
		if s == "" {
			continue
		}
		if c.matcher != nil {
			if c.matcher.Match(s) {
				return true
			}
			continue
		}
		if strings.Contains(s, c.policy.Pattern) {
			return true
		}
	}
	return false
}

// RetentionEnforcer applies retention policies to its targets on demand.
type RetentionEnforcer struct {
	mu       sync.RWMutex
	policies []compiledPolicy
	targets  []Target

	clock  clock.Clock
	logger *slog.Logger
}

// NewRetentionEnforcer creates an enforcer over targets. A nil clock uses
// wall time.
func NewRetentionEnforcer(clk clock.Clock, logger *slog.Logger, targets ...Target) *RetentionEnforcer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionEnforcer{
		targets: targets,
		clock:   clk,
		logger:  logger,
	}
}

// AddTarget registers another store to prune.
func (e *RetentionEnforcer) AddTarget(t Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = append(e.targets, t)
}

// AddPolicy registers a policy. A policy with the same pattern replaces the
// earlier one. Patterns containing "*" are matched as globs; a pattern that
// does not compile, or has no wildcard, is matched as a substring.
func (e *RetentionEnforcer) AddPolicy(p models.RetentionPolicy) error {
	if p.Pattern == "" {
		return fmt.Errorf("retention policy without pattern: %w", models.ErrInvalidInput)
	}
	if p.RetentionDays < 0 || p.MaxPoints < 0 {
		return fmt.Errorf("retention policy %q has negative bounds: %w", p.Pattern, models.ErrInvalidInput)
	}

	cp := compiledPolicy{policy: p}
	if strings.Contains(p.Pattern, "*") {
		g, err := glob.Compile(p.Pattern)
		if err != nil {
			e.logger.Warn("retention pattern is not a valid glob, matching as substring",
				"pattern", p.Pattern,
				"error", err,
			)
		} else {
			cp.matcher = g
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.policies {
		if e.policies[i].policy.Pattern == p.Pattern {
			e.policies[i] = cp
			return nil
		}
	}
	e.policies = append(e.policies, cp)
	return nil
}

// Policies returns the registered policies in registration order.
func (e *RetentionEnforcer) Policies() []models.RetentionPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.RetentionPolicy, len(e.policies))
	for i, cp := range e.policies {
		out[i] = cp.policy
	}
	return out
}

// Enforce applies every policy to every matching series: points older than
// now - RetentionDays are dropped, then the oldest points beyond MaxPoints.
// It returns the total number of points removed.
func (e *RetentionEnforcer) Enforce() int {
	now := e.clock.Now()

	e.mu.RLock()
	policies := append([]compiledPolicy(nil), e.policies...)
	targets := append([]Target(nil), e.targets...)
	e.mu.RUnlock()

	removed := 0
	for _, cp := range policies {
		for _, target := range targets {
			for _, key := range target.Series() {
				if !cp.matches(key) {
					continue
				}
				if days := cp.policy.RetentionDays; days > 0 {
					cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
					removed += target.PruneBefore(key.Name, cutoff)
				}
				if cp.policy.MaxPoints > 0 {
					removed += target.TrimTo(key.Name, cp.policy.MaxPoints)
				}
			}
		}
	}

	if removed > 0 {
		e.logger.Info("retention enforced", "removed_points", removed)
	}
	return removed
}
