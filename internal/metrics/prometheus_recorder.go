package metrics

import (
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	existenceLookups *prom.CounterVec
	storeRecoveries  *prom.CounterVec
	resolveDuration  *prom.HistogramVec
	resolveFiles     prom.Histogram
	pchConversions   *prom.CounterVec
	dispatchDuration *prom.HistogramVec
	dispatchResults  *prom.CounterVec
	unhandledTasks   prom.Counter
	coresInUse       prom.Gauge
}

// NewPrometheusRecorder constructs and registers the metrics with reg (a new registry when nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}

	pr := &PrometheusRecorder{
		existenceLookups: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildaccel",
			Name:      "existence_lookups_total",
			Help:      "Existence cache lookups by outcome",
		}, []string{"result"}),
		storeRecoveries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildaccel",
			Name:      "existence_store_recoveries_total",
			Help:      "Persistent existence stores discarded and recreated after corruption",
		}, []string{"namespace"}),
		resolveDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildaccel",
			Name:      "resolve_duration_seconds",
			Help:      "Dependency closure computation time",
			Buckets:   prom.DefBuckets,
		}, []string{"result"}),
		resolveFiles: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "buildaccel",
			Name:      "resolve_closure_files",
			Help:      "Number of headers in computed closures",
			Buckets:   prom.ExponentialBuckets(1, 4, 8),
		}),
		pchConversions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildaccel",
			Name:      "pch_conversions_total",
			Help:      "PCH portability operations by resulting state",
		}, []string{"op", "state"}),
		dispatchDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "buildaccel",
			Name:      "dispatch_duration_seconds",
			Help:      "Task execution time by executor",
			Buckets:   prom.DefBuckets,
		}, []string{"executor"}),
		dispatchResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "buildaccel",
			Name:      "dispatch_results_total",
			Help:      "Task results by executor and exit code",
		}, []string{"executor", "exit_code"}),
		unhandledTasks: prom.NewCounter(prom.CounterOpts{
			Namespace: "buildaccel",
			Name:      "unhandled_tasks_total",
			Help:      "Tasks no executor could handle",
		}),
		coresInUse: prom.NewGauge(prom.GaugeOpts{
			Namespace: "buildaccel",
			Name:      "virtual_cores_in_use",
			Help:      "Outstanding virtual cores",
		}),
	}

	reg.MustRegister(
		pr.existenceLookups,
		pr.storeRecoveries,
		pr.resolveDuration,
		pr.resolveFiles,
		pr.pchConversions,
		pr.dispatchDuration,
		pr.dispatchResults,
		pr.unhandledTasks,
		pr.coresInUse,
	)

	return pr
}

func (p *PrometheusRecorder) IncExistenceLookup(result string) {
	p.existenceLookups.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncStoreRecovery(namespace string) {
	p.storeRecoveries.WithLabelValues(namespace).Inc()
}

func (p *PrometheusRecorder) ObserveResolve(d time.Duration, files int, success bool) {
	result := "success"
	if !success {
		result = "failed"
	} else {
		p.resolveFiles.Observe(float64(files))
	}

	p.resolveDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPchConversion(op, state string) {
	p.pchConversions.WithLabelValues(op, state).Inc()
}

func (p *PrometheusRecorder) ObserveDispatch(executor string, d time.Duration, exitCode int) {
	p.dispatchDuration.WithLabelValues(executor).Observe(d.Seconds())
	p.dispatchResults.WithLabelValues(executor, strconv.Itoa(exitCode)).Inc()
}

func (p *PrometheusRecorder) IncUnhandledTask() {
	p.unhandledTasks.Inc()
}

func (p *PrometheusRecorder) SetCoresInUse(n int) {
	p.coresInUse.Set(float64(n))
}
