package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	jobsByState      *prometheus.GaugeVec
	jobsFinished     *prometheus.CounterVec
	runningInstances prometheus.Gauge
	jobCostUSD       *prometheus.GaugeVec
	compensationsRun prometheus.Counter
	providerErrors   *prometheus.CounterVec
	budgetSignals    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "jobs",
			Help:      "Number of jobs by state.",
		}, []string{"state"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		runningInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "running_instances",
			Help:      "Instances currently accruing cost.",
		}),
		jobCostUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "job_cost_usd",
			Help:      "Accrued cost per executing job.",
		}, []string{"job_id"}),
		compensationsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "compensations_total",
			Help:      "Compensation sequences executed.",
		}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "provider_errors_total",
			Help:      "Provider call failures by error kind.",
		}, []string{"kind"}),
		budgetSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "budget_signals_total",
			Help:      "Budget control signals raised, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.jobsByState, m.jobsFinished, m.runningInstances, m.jobCostUSD,
		m.compensationsRun, m.providerErrors, m.budgetSignals,
	)
	return m
}

// ObserveTransition updates the by-state gauges for a job state change.
func (m *Metrics) ObserveTransition(from, to string) {
	if from != "" {
		m.jobsByState.WithLabelValues(from).Dec()
	}
	m.jobsByState.WithLabelValues(to).Inc()
}

// ObserveOutcome counts a terminal state.
func (m *Metrics) ObserveOutcome(outcome string) {
	m.jobsFinished.WithLabelValues(outcome).Inc()
}

// InstanceStarted and InstanceStopped track the live-instance gauge.
func (m *Metrics) InstanceStarted() { m.runningInstances.Inc() }
func (m *Metrics) InstanceStopped() { m.runningInstances.Dec() }

// ObserveJobCost records the latest accrued cost sample for a job.
func (m *Metrics) ObserveJobCost(jobID string, usd float64) {
	m.jobCostUSD.WithLabelValues(jobID).Set(usd)
}

// ForgetJob drops the per-job cost series once the job is terminal.
func (m *Metrics) ForgetJob(jobID string) {
	m.jobCostUSD.DeleteLabelValues(jobID)
}

// ObserveCompensation counts a completed compensation sequence.
func (m *Metrics) ObserveCompensation() { m.compensationsRun.Inc() }

// ObserveProviderError counts a classified provider failure.
func (m *Metrics) ObserveProviderError(kind string) {
	m.providerErrors.WithLabelValues(kind).Inc()
}

// ObserveBudgetSignal counts a raised budget signal.
func (m *Metrics) ObserveBudgetSignal(kind string) {
	m.budgetSignals.WithLabelValues(kind).Inc()
}
