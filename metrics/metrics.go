// Package metrics defines the instrumentation sink the engine reports to.
// The core has no hard dependency on any metrics backend; the prommetrics
// subpackage provides a Prometheus-backed implementation.
package metrics

// Sink receives counters and histogram observations from the engine.
// Implementations must be safe for concurrent use.
type Sink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string)                {}
func (Nop) ObserveHistogram(string, float64, map[string]string) {}
