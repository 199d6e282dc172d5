// Package metrics exposes fleet and batch counters over Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine reports. A nil *Metrics is safe
// to call, so wiring stays optional in tests and one-shot runs.
type Metrics struct {
	AccountsProcessed *prometheus.CounterVec
	StepsExecuted     prometheus.Counter
	DevicesOnline     prometheus.Gauge
	JobRunning        prometheus.Gauge
	BridgeErrors      prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AccountsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "droidfarm",
			Name:      "accounts_processed_total",
			Help:      "Accounts finished by a batch worker, labeled by result.",
		}, []string{"result"}),
		StepsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "droidfarm",
			Name:      "workflow_steps_executed_total",
			Help:      "Workflow steps completed across all devices.",
		}),
		DevicesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "droidfarm",
			Name:      "devices_online",
			Help:      "Devices currently reporting as online.",
		}),
		JobRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "droidfarm",
			Name:      "batch_job_running",
			Help:      "1 while a batch job is executing.",
		}),
		BridgeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "droidfarm",
			Name:      "bridge_errors_total",
			Help:      "adb commands that failed after all retries.",
		}),
	}
}

// Account records one finished account. result is "success" or "failure".
func (m *Metrics) Account(result string) {
	if m == nil {
		return
	}
	m.AccountsProcessed.WithLabelValues(result).Inc()
}

// Step records one completed workflow step.
func (m *Metrics) Step() {
	if m == nil {
		return
	}
	m.StepsExecuted.Inc()
}

// SetDevicesOnline updates the online-device gauge.
func (m *Metrics) SetDevicesOnline(n int) {
	if m == nil {
		return
	}
	m.DevicesOnline.Set(float64(n))
}

// SetJobRunning flips the job gauge.
func (m *Metrics) SetJobRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.JobRunning.Set(1)
	} else {
		m.JobRunning.Set(0)
	}
}

// BridgeError records one exhausted-retries adb failure.
func (m *Metrics) BridgeError() {
	if m == nil {
		return
	}
	m.BridgeErrors.Inc()
}
