// Package stats provides a minimal scoped metrics receiver backed by
// go-metrics. Instruments are registered lazily under a '/'-separated
// hierarchical name so a receiver can be passed down a call tree and
// scoped at each level.
package stats

import (
	"strings"

	"github.com/rcrowley/go-metrics"
)

type StatsReceiver interface {
	// Scope returns a receiver that prefixes all instrument names.
	Scope(scope ...string) StatsReceiver

	Counter(name ...string) metrics.Counter
	Gauge(name ...string) metrics.Gauge
}

// DefaultStatsReceiver returns a receiver backed by its own registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

// NilStatsReceiver returns a receiver that records into a throwaway
// registry, so callers never have to nil-check.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry(), scope: scope}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, scope: append(append([]string{}, s.scope...), scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) metrics.Counter {
	return s.registry.GetOrRegister(s.scopedName(name), metrics.NewCounter).(metrics.Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) metrics.Gauge {
	return s.registry.GetOrRegister(s.scopedName(name), metrics.NewGauge).(metrics.Gauge)
}

func (s *defaultStatsReceiver) scopedName(name []string) string {
	elems := append(append([]string{}, s.scope...), name...)
	for i, e := range elems {
		// Dynamic name elements must not introduce path separators.
		elems[i] = strings.Replace(e, "/", "_SLASH_", -1)
	}
	return strings.Join(elems, "/")
}
