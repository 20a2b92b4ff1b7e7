package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesObservations(t *testing.T) {
	ObserveHTTPRequest("/api/v1/safe-transactions", "POST", 500, 20*time.Millisecond)
	ObserveStage("estimate", errors.New("boom"), time.Millisecond)
	ObserveLadderRung("success")
	ObserveEstimate("ladder", false)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`saferelay_http_requests_total{code="500",handler="/api/v1/safe-transactions",method="POST"}`,
		`saferelay_http_request_errors_total{handler="/api/v1/safe-transactions",method="POST"}`,
		`saferelay_builder_stage_duration_seconds_count{result="error",stage="estimate"}`,
		`saferelay_gas_ladder_rungs_total{outcome="success"}`,
		`saferelay_gas_estimates_total{result="ok",strategy="ladder"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
