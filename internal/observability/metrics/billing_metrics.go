// Package metrics exposes Prometheus instruments for the billing engine.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	ServiceName string
	Environment string
}

// BillingMetrics covers billing-run and dunning-sweep outcomes.
type BillingMetrics struct {
	runAccountsProcessed *prometheus.CounterVec
	runDuration          prometheus.Histogram
	runsCompleted        *prometheus.CounterVec
	dunningTransitions   *prometheus.CounterVec
	dunningSweepDuration prometheus.Histogram
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the process-wide billing metrics, registering them on
// first use.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest clears the singleton between test registries.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tally"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "development"
	}
	constLabels := prometheus.Labels{
		"service":     serviceName,
		"environment": environment,
	}

	m := &BillingMetrics{
		runAccountsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_billing_run_accounts_total",
			Help:        "Per-account billing run outcomes.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "tally_billing_run_duration_seconds",
			Help:        "Wall time of complete billing runs.",
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
			ConstLabels: constLabels,
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_billing_runs_total",
			Help:        "Billing runs by terminal status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		dunningTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_dunning_transitions_total",
			Help:        "Dunning state transitions by target state.",
			ConstLabels: constLabels,
		}, []string{"to_state"}),
		dunningSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "tally_dunning_sweep_duration_seconds",
			Help:        "Wall time of dunning sweep batches.",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 12),
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.runAccountsProcessed,
		m.runDuration,
		m.runsCompleted,
		m.dunningTransitions,
		m.dunningSweepDuration,
	)
	return m
}

func (m *BillingMetrics) ObserveRunAccount(outcome string) {
	if m == nil {
		return
	}
	m.runAccountsProcessed.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) ObserveRunCompleted(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

func (m *BillingMetrics) ObserveDunningTransition(toState string) {
	if m == nil {
		return
	}
	m.dunningTransitions.WithLabelValues(toState).Inc()
}

func (m *BillingMetrics) ObserveDunningSweep(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dunningSweepDuration.Observe(elapsed.Seconds())
}
