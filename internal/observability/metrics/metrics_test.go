package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	logx "warden/pkg/logx"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.Scheduled(PathDurable)
	m.Fired("x", "ok")
	m.BulkStop("grant_role", "breaker")
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestCountersRecord(t *testing.T) {
	t.Parallel()
	m := New()
	m.Scheduled(PathEphemeral)
	m.Scheduled(PathEphemeral)
	m.Scheduled(PathDurable)
	m.BulkItem("grant_role", "failed")

	if got := testutil.ToFloat64(m.DeferredScheduled.WithLabelValues(PathEphemeral)); got != 2 {
		t.Fatalf("ephemeral = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BulkItems.WithLabelValues("grant_role", "failed")); got != 1 {
		t.Fatalf("bulk failed = %v, want 1", got)
	}
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	m := New()
	m.Scheduled(PathDurable)
	srv := NewServer(ServerConfig{Token: "s3cret"}, m, logx.Nop())
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer: code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `warden_deferred_scheduled_total{path="durable"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: code = %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:80":   true,
		"[::1]:9464":     true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", in, got, want)
		}
	}
}
