package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
	"github.com/R3E-Network/drs-orchestrator/pkg/gateway"
	"github.com/R3E-Network/drs-orchestrator/pkg/repository"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
)

func newTestRouter(t *testing.T) (http.Handler, *statestore.MemoryStore, *repository.FakeCatalog) {
	t.Helper()
	store := statestore.NewMemoryStore()
	catalog := repository.NewFakeCatalog()
	catalog.Plans["plan-1"] = domain.RecoveryPlan{
		ID:   "plan-1",
		Name: "Primary Region Failover",
		Waves: []domain.WaveSpec{
			{WaveNumber: 1, GroupID: "pg-1"},
		},
	}
	gw := gateway.New(store, catalog, nil, nil)
	return NewRouter(gw), store, catalog
}

func doRequest(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStartExecutionAcceptsAndRejectsDuplicate(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(t, r, http.MethodPost, "/executions/", startExecutionRequest{
		PlanID:      "plan-1",
		InitiatedBy: "alice",
		Name:        "failover drill",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var first gateway.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !first.Accepted {
		t.Fatal("expected first start to be accepted")
	}

	rec2 := doRequest(t, r, http.MethodPost, "/executions/", startExecutionRequest{
		PlanID:      "plan-1",
		InitiatedBy: "bob",
	})
	var second gateway.Result
	if err := json.Unmarshal(rec2.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if second.Accepted {
		t.Fatal("expected second concurrent start on the same plan to be rejected")
	}
}

func TestStartExecutionUnknownPlanIsNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodPost, "/executions/", startExecutionRequest{
		PlanID:      "does-not-exist",
		InitiatedBy: "alice",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetExecutionAndAuditLogRoundTrip(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(t, r, http.MethodPost, "/executions/", startExecutionRequest{
		PlanID:      "plan-1",
		InitiatedBy: "alice",
	})
	var started gateway.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &started)
	execID := started.Command.ExecutionID

	getRec := doRequest(t, r, http.MethodGet, "/executions/"+execID, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}

	auditRec := doRequest(t, r, http.MethodGet, "/executions/"+execID+"/audit", nil)
	if auditRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", auditRec.Code, auditRec.Body.String())
	}
	var records []domain.AuditRecord
	if err := json.Unmarshal(auditRec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode audit log: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected at least one audit record for the accepted start command")
	}
}

func TestGetJobLogsWithoutSourceReturnsServerError(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodPost, "/executions/", startExecutionRequest{
		PlanID:      "plan-1",
		InitiatedBy: "alice",
	})
	var started gateway.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &started)
	execID := started.Command.ExecutionID

	// newTestRouter's Gateway never calls SetDRSAccess, mirroring a
	// deployment that hasn't wired the DRS job-log credential path yet.
	logRec := doRequest(t, r, http.MethodGet, "/executions/"+execID+"/job-logs", nil)
	if logRec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when no job log source is configured, got %d: %s", logRec.Code, logRec.Body.String())
	}
}

func TestGetExecutionMissingReturnsNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodGet, "/executions/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListExecutionsFiltersByPlanID(t *testing.T) {
	r, _, _ := newTestRouter(t)
	doRequest(t, r, http.MethodPost, "/executions/", startExecutionRequest{
		PlanID:      "plan-1",
		InitiatedBy: "alice",
	})

	rec := doRequest(t, r, http.MethodGet, "/executions/?planId=plan-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var execs []domain.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &execs); err != nil {
		t.Fatalf("decode executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}

	emptyRec := doRequest(t, r, http.MethodGet, "/executions/?planId=other-plan", nil)
	var empty []domain.Execution
	_ = json.Unmarshal(emptyRec.Body.Bytes(), &empty)
	if len(empty) != 0 {
		t.Fatalf("expected 0 executions for unrelated plan, got %d", len(empty))
	}
}

func TestListExecutionsRejectsInvalidLimit(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodGet, "/executions/?limit=not-a-number", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPauseRejectedWhenExecutionPending(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodPost, "/executions/", startExecutionRequest{
		PlanID:      "plan-1",
		InitiatedBy: "alice",
	})
	var started gateway.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &started)
	execID := started.Command.ExecutionID

	pauseRec := doRequest(t, r, http.MethodPost, "/executions/"+execID+"/commands/pause", commandRequest{
		RequestedBy: "alice",
	})
	if pauseRec.Code != http.StatusOK {
		t.Fatalf("expected 200 (rejected, not raised), got %d: %s", pauseRec.Code, pauseRec.Body.String())
	}
	var result gateway.Result
	if err := json.Unmarshal(pauseRec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected pause on a PENDING execution to be rejected")
	}
}

func TestPauseUnknownExecutionIsNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodPost, "/executions/does-not-exist/commands/pause", commandRequest{
		RequestedBy: "alice",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpointIsMounted(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doRequest(t, r, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty prometheus exposition body")
	}
}
