package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Transition("sample", "very_immature", "immature")
	m.Transition("sample", "very_immature", "immature")
	m.Rejection("advance_state", "illegal_transition")
	m.Retry("plan_monitorings")
	m.AuditEntries("oocyte_state_history", 2)
	m.AuditEntries("oocyte_state_history", 0)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("sample", "very_immature", "immature")); got != 2 {
		t.Errorf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.rejections.WithLabelValues("advance_state", "illegal_transition")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("plan_monitorings")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.auditEntries.WithLabelValues("oocyte_state_history")); got != 2 {
		t.Errorf("expected 2 audit entries, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("sample", "a", "b")
	m.Rejection("op", "reason")
	m.Retry("op")
	m.AuditEntries("t", 3)
	m.Observe("op", time.Now(), errors.New("x"))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Observe("reserve", time.Now(), nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clinical_workflow_operation_duration_seconds") {
		t.Error("expected operation duration histogram in exposition output")
	}
}
