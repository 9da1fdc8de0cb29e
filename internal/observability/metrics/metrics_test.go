package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderExposesCounters(t *testing.T) {
	ObserveHTTPRequest("/api/v1/transactions", http.MethodPost, 202, 120*time.Millisecond)
	ObserveTransaction("CONFIRMED", "INSTANT")
	ObserveHalt()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`vaultd_http_requests_total{route="/api/v1/transactions",method="POST",code="202"}`,
		`vaultd_http_request_duration_seconds_bucket{route="/api/v1/transactions",le="0.25"}`,
		`vaultd_transactions_total{status="CONFIRMED",tier="INSTANT"}`,
		"vaultd_halt_activations_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("缺少指标 %s\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
}
