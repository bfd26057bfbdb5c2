package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/tasks/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/"+id, nil))
	}

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/api/tasks/{id}", http.MethodGet, "402"))
	if got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
}

func TestHandlerExposesDomainCounters(t *testing.T) {
	m := New()
	m.TaskCreated("factcheck")
	m.TaskFinished("factcheck", "completed", 2*time.Second)
	m.PaymentSettled(0.002)
	m.ApprovalTransition("approved")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`agentbounty_tasks_created_total{agent_type="factcheck"} 1`,
		`agentbounty_tasks_finished_total{agent_type="factcheck",status="completed"} 1`,
		`agentbounty_payments_total{outcome="settled"} 1`,
		`agentbounty_approval_transitions_total{status="approved"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in exposition", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskCreated("x")
	m.PaymentRejected("invalid_signature")
	m.IncRateLimitRejection()
	if m.Middleware(http.NotFoundHandler()) == nil {
		t.Fatalf("expected passthrough handler")
	}
}
