// Package metrics exports adapter activity in the Prometheus text format:
// events and requests per type, cache sizes and evictions, socket clients
// and processing latency.
package metrics

import (
	"fmt"
	"maps"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry served on the metrics endpoint.
var Collector = NewRegistry()

// Registry groups series into families. Series of one family share a name,
// help text and type, and differ only by labels.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	started  time.Time
}

type family struct {
	name   string
	help   string
	typ    string
	series map[string]series // keyed by label set
}

type series interface {
	write(sb *strings.Builder, name, labels string)
}

// NewRegistry returns an empty registry whose uptime starts now.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family), started: time.Now()}
}

// Counter only moves up.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }

// AdvanceTo raises the counter to total when total is higher. It mirrors a
// monotonic count kept elsewhere, such as a cache's eviction tally.
func (c *Counter) AdvanceTo(total int64) {
	for {
		cur := c.value.Load()
		if total <= cur || c.value.CompareAndSwap(cur, total) {
			return
		}
	}
}

func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) write(sb *strings.Builder, name, labels string) {
	writeSample(sb, name, labels, c.Value())
}

// Gauge holds a value that can go down.
type Gauge struct {
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(sb *strings.Builder, name, labels string) {
	writeSample(sb, name, labels, g.Value())
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

func (h *Histogram) write(sb *strings.Builder, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := name + "_bucket{"
	if labels != "" {
		prefix += labels + ","
	}
	for i, le := range h.bounds {
		bound := fmt.Sprintf("%g", le)
		if math.IsInf(le, 1) {
			bound = "+Inf"
		}
		fmt.Fprintf(sb, "%sle=%q} %d\n", prefix, bound, h.counts[i])
	}
	writeSample(sb, name+"_count", labels, h.count)
	if labels != "" {
		fmt.Fprintf(sb, "%s_sum{%s} %f\n", name, labels, h.sum)
	} else {
		fmt.Fprintf(sb, "%s_sum %f\n", name, h.sum)
	}
}

// Counter returns the counter for name and labels, registering it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return r.lookup(name, help, "counter", labels, func() series { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge for name and labels, registering it on first use.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return r.lookup(name, help, "gauge", labels, func() series { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name and labels. Bounds only apply
// when the series is first registered.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	return r.lookup(name, help, "histogram", labels, func() series {
		sorted := slices.Sorted(slices.Values(bounds))
		return &Histogram{bounds: sorted, counts: make([]int64, len(sorted))}
	}).(*Histogram)
}

func (r *Registry) lookup(name, help, typ, labels string, create func() series) series {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, typ: typ, series: make(map[string]series)}
		r.families[name] = f
	}
	if f.typ != typ {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.typ, typ))
	}
	s, ok := f.series[labels]
	if !ok {
		s = create()
		f.series[labels] = s
	}
	return s
}

// Handler serves Render over HTTP.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

// Render writes every family sorted by name, each with its series sorted by labels.
func (r *Registry) Render() string {
	var sb strings.Builder
	sb.WriteString("# HELP connectome_uptime_seconds Time since start in seconds\n")
	sb.WriteString("# TYPE connectome_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "connectome_uptime_seconds %d\n\n", int64(time.Since(r.started).Seconds()))

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(r.families)) {
		f := r.families[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", f.name, f.typ)
		for _, labels := range slices.Sorted(maps.Keys(f.series)) {
			f.series[labels].write(&sb, f.name, labels)
		}
	}
	return sb.String()
}

func writeSample(sb *strings.Builder, name, labels string, v int64) {
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %d\n", name, labels, v)
	} else {
		fmt.Fprintf(sb, "%s %d\n", name, v)
	}
}

// EventCounter counts normalized events emitted, per event type.
func EventCounter(eventType string) *Counter {
	return Collector.Counter("connectome_events_total", "Normalized events emitted by type",
		fmt.Sprintf("type=%q", eventType))
}

// RequestCounter counts client requests per type and outcome.
func RequestCounter(requestType string, success bool) *Counter {
	return Collector.Counter("connectome_requests_total", "Client requests handled by type and outcome",
		fmt.Sprintf("type=%q,success=\"%t\"", requestType, success))
}

// Evictions counts entries dropped by the message or attachment cache.
func Evictions(cache string) *Counter {
	return Collector.Counter("connectome_evictions_total", "Cache entries evicted by size bounds or age",
		fmt.Sprintf("cache=%q", cache))
}

var (
	DeltasTotal      = Collector.Counter("connectome_deltas_total", "Conversation deltas produced", "")
	EmptyDeltasTotal = Collector.Counter("connectome_empty_deltas_total", "Platform events that produced nothing to emit", "")
	DownloadFailures = Collector.Counter("connectome_download_failures_total", "Attachment downloads that failed", "")
	Conversations    = Collector.Gauge("connectome_conversations", "Conversations tracked", "")
	CachedMessages   = Collector.Gauge("connectome_cached_messages", "Messages in the message cache", "")
	CachedAttachs    = Collector.Gauge("connectome_cached_attachments", "Attachments in the attachment cache", "")
	SocketClients    = Collector.Gauge("connectome_socket_clients", "Connected socket clients", "")

	DeltaLatency = Collector.Histogram("connectome_delta_latency_seconds", "Time to turn a platform event into events", "",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5})
	DownloadLatency = Collector.Histogram("connectome_download_latency_seconds", "Attachment download latency in seconds", "",
		[]float64{0.1, 0.5, 1, 5, 10, 30, 60})
)
