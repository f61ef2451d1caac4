// Package metrics provides the prometheus instrumentation shared by
// the store and the router: a small Scope that records named stats
// under a dotted prefix, registering each collector lazily the first
// time its name is used.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope records named stats relative to a dotted prefix. Callers
// never declare metrics up front; the backing collector springs into
// existence on first use.
type Scope interface {
	// NewScope returns a child scope nested under the given name
	// segments.
	NewScope(scopes ...string) Scope

	// Inc adds value to the named counter.
	Inc(stat string, value int64)
	// Gauge sets the named gauge.
	Gauge(stat string, value int64)
	// TimingDuration records d on the named latency summary.
	TimingDuration(stat string, d time.Duration)
}

// promScope implements Scope on a prometheus registerer. Every scope
// descended from one NewPromScope call shares a single collector
// table, so the same dotted name always resolves to the same
// collector no matter which child records it.
type promScope struct {
	prefix     string
	collectors *collectorTable
}

var _ Scope = promScope{}

// NewPromScope builds the root Scope for a process, registering
// collectors on registerer as stats are first recorded.
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return promScope{
		prefix:     strings.Join(scopes, ".") + ".",
		collectors: newCollectorTable(registerer),
	}
}

func (s promScope) NewScope(scopes ...string) Scope {
	return promScope{
		prefix:     s.prefix + strings.Join(scopes, ".") + ".",
		collectors: s.collectors,
	}
}

func (s promScope) Inc(stat string, value int64) {
	s.collectors.counter(s.prefix + stat).Add(float64(value))
}

func (s promScope) Gauge(stat string, value int64) {
	s.collectors.gauge(s.prefix + stat).Set(float64(value))
}

func (s promScope) TimingDuration(stat string, d time.Duration) {
	s.collectors.summary(s.prefix + stat + ".seconds").Observe(d.Seconds())
}

// collectorTable lazily creates and registers one collector per
// distinct stat name, then hands back the same instance on every
// later use.
type collectorTable struct {
	registerer prometheus.Registerer

	mu        sync.Mutex
	counters  map[string]prometheus.Counter
	gauges    map[string]prometheus.Gauge
	summaries map[string]prometheus.Summary
}

func newCollectorTable(registerer prometheus.Registerer) *collectorTable {
	return &collectorTable{
		registerer: registerer,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		summaries:  make(map[string]prometheus.Summary),
	}
}

func (t *collectorTable) counter(name string) prometheus.Counter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: metricName(name), Help: name})
	t.registerer.MustRegister(c)
	t.counters[name] = c
	return c
}

func (t *collectorTable) gauge(name string) prometheus.Gauge {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: metricName(name), Help: name})
	t.registerer.MustRegister(g)
	t.gauges[name] = g
	return g
}

func (t *collectorTable) summary(name string) prometheus.Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.summaries[name]; ok {
		return s
	}
	s := prometheus.NewSummary(prometheus.SummaryOpts{Name: metricName(name), Help: name})
	t.registerer.MustRegister(s)
	t.summaries[name] = s
	return s
}

// metricName flattens a dotted stat name into a legal prometheus
// identifier.
func metricName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// noopScope drops every stat; tests use it so they never touch the
// default registry.
type noopScope struct{}

// NewNoopScope returns a Scope that records nothing.
func NewNoopScope() Scope {
	return noopScope{}
}

func (noopScope) NewScope(scopes ...string) Scope        { return noopScope{} }
func (noopScope) Inc(stat string, value int64)           {}
func (noopScope) Gauge(stat string, value int64)         {}
func (noopScope) TimingDuration(_ string, _ time.Duration) {}
