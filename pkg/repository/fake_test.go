package repository

import (
	"context"
	"testing"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
)

func TestFakeCatalogGetProtectionGroupNotFound(t *testing.T) {
	cat := NewFakeCatalog()
	_, err := cat.GetProtectionGroup(context.Background(), "missing")
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestFakeCatalogResolveServersByTagIsOrderIndependent(t *testing.T) {
	cat := NewFakeCatalog()
	cat.TagResolutions[tagKey("111122223333", "us-east-1", map[string]string{"env": "prod", "tier": "web"})] = []string{"s-1", "s-2"}

	servers, err := cat.ResolveServersByTag(context.Background(), "111122223333", "us-east-1", map[string]string{"tier": "web", "env": "prod"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers regardless of map iteration order, got %v", servers)
	}
}
