package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Admission metrics
	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_gate_admissions_total",
			Help: "Admission decisions by reason code",
		},
		[]string{"reason"},
	)

	allocationChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_checks_total",
			Help: "Module allocation checks by module and reason code",
		},
		[]string{"module", "reason"},
	)

	// Trade metrics
	tradesRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_gate_trades_recorded_total",
			Help: "Confirmed fills recorded by the gate",
		},
		[]string{"symbol", "side"},
	)

	tradeValue = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "safety_gate_trade_value_usd",
			Help:    "Distribution of recorded trade values",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 25000, 50000, 100000},
		},
		[]string{"side"},
	)

	// Infrastructure metrics
	persistenceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_persistence_failures_total",
			Help: "Failed reads and writes against the persistent store",
		},
		[]string{"operation"},
	)

	emergencyStopEngaged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "safety_emergency_stop_engaged",
			Help: "1 when the emergency stop blocks new trades",
		},
	)

	// Rebalance metrics
	rebalanceActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_actions_total",
			Help: "Rebalance actions proposed by analysis",
		},
		[]string{"action_type", "urgency"},
	)

	rebalanceOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalance_outcomes_total",
			Help: "Executed rebalance actions by outcome",
		},
		[]string{"action_type", "outcome"},
	)

	portfolioScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portfolio_score",
			Help: "Portfolio scores from the last rebalance snapshot",
		},
		[]string{"score"},
	)
)

func init() {
	prometheus.MustRegister(admissionsTotal)
	prometheus.MustRegister(allocationChecksTotal)
	prometheus.MustRegister(tradesRecordedTotal)
	prometheus.MustRegister(tradeValue)
	prometheus.MustRegister(persistenceFailuresTotal)
	prometheus.MustRegister(emergencyStopEngaged)
	prometheus.MustRegister(rebalanceActionsTotal)
	prometheus.MustRegister(rebalanceOutcomesTotal)
	prometheus.MustRegister(portfolioScore)
}

// Handler serves the Prometheus metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAdmission records an admission decision
func RecordAdmission(reason string) {
	admissionsTotal.WithLabelValues(reason).Inc()
}

// RecordAllocationCheck records a module allocation decision
func RecordAllocationCheck(module, reason string) {
	allocationChecksTotal.WithLabelValues(module, reason).Inc()
}

// RecordTrade records a confirmed fill
func RecordTrade(symbol, side string, value float64) {
	tradesRecordedTotal.WithLabelValues(symbol, side).Inc()
	if value < 0 {
		value = -value
	}
	tradeValue.WithLabelValues(side).Observe(value)
}

// RecordPersistenceFailure records a store failure
func RecordPersistenceFailure(operation string) {
	persistenceFailuresTotal.WithLabelValues(operation).Inc()
}

// SetEmergencyStop updates the emergency stop gauge
func SetEmergencyStop(engaged bool) {
	if engaged {
		emergencyStopEngaged.Set(1)
		return
	}
	emergencyStopEngaged.Set(0)
}

// RecordRebalanceAction records a proposed rebalance action
func RecordRebalanceAction(actionType, urgency string) {
	rebalanceActionsTotal.WithLabelValues(actionType, urgency).Inc()
}

// RecordRebalanceOutcome records the outcome of an executed action
func RecordRebalanceOutcome(actionType string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	rebalanceOutcomesTotal.WithLabelValues(actionType, outcome).Inc()
}

// UpdatePortfolioScores publishes the latest snapshot scores
func UpdatePortfolioScores(diversification, risk, largestPositionPct float64) {
	portfolioScore.WithLabelValues("diversification").Set(diversification)
	portfolioScore.WithLabelValues("risk").Set(risk)
	portfolioScore.WithLabelValues("largest_position_pct").Set(largestPositionPct)
}
