package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
)

func TestHTTPCatalogGetRecoveryPlan(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recovery-plans/plan-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(domain.RecoveryPlan{
			ID:   "plan-1",
			Name: "Primary Region Failover",
			Waves: []domain.WaveSpec{
				{WaveNumber: 1, GroupID: "pg-1"},
			},
		})
	}))
	defer server.Close()

	catalog := NewHTTPCatalog(server.URL)
	plan, err := catalog.GetRecoveryPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("GetRecoveryPlan: %v", err)
	}
	if plan.ID != "plan-1" || len(plan.Waves) != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestHTTPCatalogNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	catalog := NewHTTPCatalog(server.URL)
	_, err := catalog.GetTargetAccount(context.Background(), "does-not-exist")
	if !domain.IsNotFound(err) {
		t.Fatalf("expected a not-found error, got %v", err)
	}
}

func TestHTTPCatalogResolveServersByTag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("accountId") != "111122223333" {
			t.Fatalf("missing accountId query param: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]string{"s-1", "s-2"})
	}))
	defer server.Close()

	catalog := NewHTTPCatalog(server.URL)
	ids, err := catalog.ResolveServersByTag(context.Background(), "111122223333", "us-east-1", map[string]string{"tier": "web"})
	if err != nil {
		t.Fatalf("ResolveServersByTag: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 server ids, got %d", len(ids))
	}
}
