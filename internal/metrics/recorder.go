// Package metrics defines the observability hooks used by the cache, resolver,
// PCH engine and executor registry.
//
// Components hold a Recorder and default to NoopRecorder, so metrics never need
// nil checks. The composition root swaps in a PrometheusRecorder when metrics
// output is configured.
package metrics

import "time"

// Existence cache lookup outcomes.
const (
	LookupHit   = "hit"
	LookupProbe = "probe"
)

// Recorder defines observability hooks. Implementations must be safe for concurrent use.
type Recorder interface {
	IncExistenceLookup(result string)
	IncStoreRecovery(namespace string)
	ObserveResolve(d time.Duration, files int, success bool)
	IncPchConversion(op, state string)
	ObserveDispatch(executor string, d time.Duration, exitCode int)
	IncUnhandledTask()
	SetCoresInUse(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncExistenceLookup(string)                  {}
func (NoopRecorder) IncStoreRecovery(string)                    {}
func (NoopRecorder) ObserveResolve(time.Duration, int, bool)    {}
func (NoopRecorder) IncPchConversion(string, string)            {}
func (NoopRecorder) ObserveDispatch(string, time.Duration, int) {}
func (NoopRecorder) IncUnhandledTask()                          {}
func (NoopRecorder) SetCoresInUse(int)                          {}

// OrNoop returns r, or a NoopRecorder when r is nil
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}

	return r
}
