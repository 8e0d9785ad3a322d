// Package metrics exposes engine activity as Prometheus collectors.
//
// The collectors are package-level and always updated. Nothing is
// registered until Register is called, so embedding applications decide
// whether and where the numbers are exported.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wippyai/wasm-engine/trap"
)

const namespace = "wasm_engine"

var (
	// Compilations counts compile attempts by compiler, engine kind and result.
	Compilations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compilations_total",
		Help:      "The number of module compilations",
	}, []string{"compiler", "engine", "result"})

	// CompileDuration observes compile latency.
	CompileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "compile_duration_seconds",
		Help:      "The number of seconds it takes to compile a module",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"compiler", "engine"})

	// Deserializations counts artifact loads by result.
	Deserializations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deserializations_total",
		Help:      "The number of serialized artifacts loaded",
	}, []string{"result"})

	// CacheLookups counts artifact cache lookups by outcome.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "The number of artifact cache lookups",
	}, []string{"result"})

	// Traps counts runtime traps by kind.
	Traps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "traps_total",
		Help:      "The number of traps raised by guest code",
	}, []string{"kind"})

	// Instances tracks instances that are not terminated.
	Instances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instances",
		Help:      "The number of live module instances",
	})

	// MemoryBytes tracks committed linear memory.
	MemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_committed_bytes",
		Help:      "The number of bytes committed to linear memories",
	})
)

// Collectors returns every collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Compilations,
		CompileDuration,
		Deserializations,
		CacheLookups,
		Traps,
		Instances,
		MemoryBytes,
	}
}

// Register adds the collectors to reg. Registering twice with the same
// registry is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCompile records one compilation.
func ObserveCompile(compiler, engine string, d time.Duration, err error) {
	Compilations.WithLabelValues(compiler, engine, result(err)).Inc()
	if err == nil {
		CompileDuration.WithLabelValues(compiler, engine).Observe(d.Seconds())
	}
}

// ObserveDeserialize records one artifact load.
func ObserveDeserialize(err error) {
	Deserializations.WithLabelValues(result(err)).Inc()
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if hit {
		CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	CacheLookups.WithLabelValues("miss").Inc()
}

// ObserveTrap records one trap.
func ObserveTrap(k trap.Kind) {
	Traps.WithLabelValues(k.Label()).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
