// Prometheus text-format metrics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	default:
		return "unknown"
	}
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// key identifies a label set inside one metric.
func (l Labels) key() string {
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String returns labels in Prometheus format
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%q", k, l[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

type sample struct {
	labels Labels
	bits   atomic.Uint64
}

// family holds the labelled samples of one metric.
type family struct {
	name    string
	help    string
	samples sync.Map // Labels.key() -> *sample
}

func (f *family) sample(labels Labels) *sample {
	key := labels.key()
	if v, ok := f.samples.Load(key); ok {
		return v.(*sample)
	}
	v, _ := f.samples.LoadOrStore(key, &sample{labels: labels.clone()})
	return v.(*sample)
}

func (f *family) write(sb *strings.Builder, typ MetricType, format func(uint64) string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, typ)

	var rows []string
	f.samples.Range(func(_, v any) bool {
		s := v.(*sample)
		rows = append(rows, f.name+s.labels.String()+" "+format(s.bits.Load()))
		return true
	})
	sort.Strings(rows)
	for _, row := range rows {
		sb.WriteString(row)
		sb.WriteByte('\n')
	}
}

// Counter is a monotonically increasing metric
type Counter struct {
	family
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	return &Counter{family{name: name, help: help}}
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return TypeCounter }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) {
	c.sample(labels).bits.Add(1)
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	v, ok := c.samples.Load(labels.key())
	if !ok {
		return 0
	}
	return v.(*sample).bits.Load()
}

func (c *Counter) Write(sb *strings.Builder) {
	c.write(sb, TypeCounter, func(v uint64) string {
		return strconv.FormatUint(v, 10)
	})
}

// Gauge is a metric that can go up and down
type Gauge struct {
	family
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	return &Gauge{family{name: name, help: help}}
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return TypeGauge }

// Set sets the gauge to the given value
func (g *Gauge) Set(labels Labels, value float64) {
	g.sample(labels).bits.Store(math.Float64bits(value))
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	v, ok := g.samples.Load(labels.key())
	if !ok {
		return 0
	}
	return math.Float64frombits(v.(*sample).bits.Load())
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.write(sb, TypeGauge, func(v uint64) string {
		return strconv.FormatFloat(math.Float64frombits(v), 'g', -1, 64)
	})
}

// Registry holds all registered metrics
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(metric Metric) {
	if err := r.Register(metric); err != nil {
		panic(err)
	}
}

// Gather renders all metrics in registration order
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
