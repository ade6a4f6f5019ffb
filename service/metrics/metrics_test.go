package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPaymentTransition(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPaymentTransition("yearly", "submitted")
	m.RecordPaymentTransition("yearly", "submitted")
	m.RecordPaymentTransition("yearly", "confirmed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.paymentTransitionsTotal.WithLabelValues("yearly", "submitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentTransitionsTotal.WithLabelValues("yearly", "confirmed")))
}

func TestRecordLedgerCall_StatusLabel(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLedgerCall("history", 0.1, nil)
	m.RecordLedgerCall("history", 0.2, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerCallsTotal.WithLabelValues("history", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerCallsTotal.WithLabelValues("history", "error")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := HTTPMetricsMiddleware(m, "/api/v1/plans")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/api/v1/plans", "GET", "4xx")))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	h := HTTPMetricsMiddleware(nil, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(204))
	assert.Equal(t, "5xx", statusCodeToString(503))
	assert.Equal(t, "unknown", statusCodeToString(99))
}
