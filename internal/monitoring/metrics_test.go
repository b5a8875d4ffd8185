package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAdmissionIncrementsReason(t *testing.T) {
	before := testutil.ToFloat64(admissionsTotal.WithLabelValues("COOLDOWN"))
	RecordAdmission("COOLDOWN")
	RecordAdmission("COOLDOWN")
	assert.Equal(t, before+2, testutil.ToFloat64(admissionsTotal.WithLabelValues("COOLDOWN")))
}

func TestRecordTradeCountsAbsoluteValue(t *testing.T) {
	before := testutil.ToFloat64(tradesRecordedTotal.WithLabelValues("AAPL", "sell"))
	RecordTrade("AAPL", "sell", -1500)
	assert.Equal(t, before+1, testutil.ToFloat64(tradesRecordedTotal.WithLabelValues("AAPL", "sell")))
}

func TestEmergencyStopGauge(t *testing.T) {
	SetEmergencyStop(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(emergencyStopEngaged))
	SetEmergencyStop(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(emergencyStopEngaged))
}

func TestRebalanceOutcomeLabels(t *testing.T) {
	before := testutil.ToFloat64(rebalanceOutcomesTotal.WithLabelValues("close", "failure"))
	RecordRebalanceOutcome("close", false)
	assert.Equal(t, before+1, testutil.ToFloat64(rebalanceOutcomesTotal.WithLabelValues("close", "failure")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	UpdatePortfolioScores(0.55, 0.4, 0.2)
	RecordPersistenceFailure("save_symbol_state")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `portfolio_score{score="diversification"} 0.55`))
	assert.True(t, strings.Contains(body, "safety_persistence_failures_total"))
}
