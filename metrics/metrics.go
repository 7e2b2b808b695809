// Package metrics reports bridge, arena and VFS activity.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observer receives activity events. Implementations must be safe for
// concurrent use.
type Observer interface {
	// Suspended is called each time a top-level call unwinds on an import.
	Suspended(importName string)
	// Replayed is called for every replay pass after a suspension.
	Replayed()
	// Allocated and Freed track arena scratch blocks.
	Allocated(size uint32)
	Freed()
	// VFSOp is called once per completed VFS import with its result code.
	VFSOp(op string, code int32)
	// HandleAcquired and HandleReleased track live host object handles.
	HandleAcquired()
	HandleReleased()
}

// Nop discards all events.
type Nop struct{}

func (Nop) Suspended(string)    {}
func (Nop) Replayed()           {}
func (Nop) Allocated(uint32)    {}
func (Nop) Freed()              {}
func (Nop) VFSOp(string, int32) {}
func (Nop) HandleAcquired()     {}
func (Nop) HandleReleased()     {}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}

// Prometheus exports events as prometheus metrics.
type Prometheus struct {
	suspends   *prometheus.CounterVec
	replays    prometheus.Counter
	allocs     prometheus.Counter
	allocBytes prometheus.Counter
	frees      prometheus.Counter
	vfsOps     *prometheus.CounterVec
	handles    prometheus.Gauge
	registry   *prometheus.Registry
}

// NewPrometheus creates an observer registered on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		suspends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wasmvfs",
			Subsystem: "bridge",
			Name:      "suspends_total",
			Help:      "Top-level calls unwound on an import, by import.",
		}, []string{"import"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasmvfs",
			Subsystem: "bridge",
			Name:      "resumes_total",
			Help:      "Re-entries of a suspended top-level call.",
		}),
		allocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasmvfs",
			Subsystem: "arena",
			Name:      "allocs_total",
			Help:      "Scratch blocks allocated in linear memory.",
		}),
		allocBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasmvfs",
			Subsystem: "arena",
			Name:      "alloc_bytes_total",
			Help:      "Bytes of scratch allocated in linear memory.",
		}),
		frees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wasmvfs",
			Subsystem: "arena",
			Name:      "frees_total",
			Help:      "Scratch blocks released.",
		}),
		vfsOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wasmvfs",
			Subsystem: "vfs",
			Name:      "ops_total",
			Help:      "VFS imports served, by operation and result code.",
		}, []string{"op", "code"}),
		handles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wasmvfs",
			Subsystem: "resource",
			Name:      "handles",
			Help:      "Live host object handles held by engines.",
		}),
		registry: prometheus.NewRegistry(),
	}
	p.registry.MustRegister(p.suspends, p.replays, p.allocs, p.allocBytes, p.frees, p.vfsOps, p.handles)
	return p
}

func (p *Prometheus) Suspended(importName string) {
	p.suspends.WithLabelValues(importName).Inc()
}

func (p *Prometheus) Replayed() {
	p.replays.Inc()
}

func (p *Prometheus) Allocated(size uint32) {
	p.allocs.Inc()
	p.allocBytes.Add(float64(size))
}

func (p *Prometheus) Freed() {
	p.frees.Inc()
}

func (p *Prometheus) VFSOp(op string, code int32) {
	p.vfsOps.WithLabelValues(op, strconv.Itoa(int(code))).Inc()
}

func (p *Prometheus) HandleAcquired() {
	p.handles.Inc()
}

func (p *Prometheus) HandleReleased() {
	p.handles.Dec()
}

// Registry returns the registry holding the metrics.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the metrics in the prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
