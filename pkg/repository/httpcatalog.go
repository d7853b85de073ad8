package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
)

// HTTPCatalog implements Catalog over the external catalog service's read
// API (spec.md §1: catalog CRUD is an external collaborator; this engine
// only reads Protection Groups, Recovery Plans and Target Accounts from
// it). Grounded on the teacher's infrastructure/datafeed.Client shape: a
// bare *http.Client with a fixed timeout, context-carrying requests, and
// a thin JSON decode per call — no retry/circuit-breaking here, since
// catalog reads are not in the DRS/EC2 call path spec.md §5 guards.
type HTTPCatalog struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPCatalog builds an HTTPCatalog rooted at baseURL (e.g.
// "https://catalog.internal").
func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPCatalog) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.NewNotFoundError("catalog resource", path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog: %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPCatalog) GetProtectionGroup(ctx context.Context, id string) (domain.ProtectionGroup, error) {
	var group domain.ProtectionGroup
	err := c.get(ctx, "/protection-groups/"+url.PathEscape(id), &group)
	return group, err
}

func (c *HTTPCatalog) GetRecoveryPlan(ctx context.Context, id string) (domain.RecoveryPlan, error) {
	var plan domain.RecoveryPlan
	err := c.get(ctx, "/recovery-plans/"+url.PathEscape(id), &plan)
	return plan, err
}

func (c *HTTPCatalog) GetTargetAccount(ctx context.Context, id string) (domain.TargetAccount, error) {
	var account domain.TargetAccount
	err := c.get(ctx, "/target-accounts/"+url.PathEscape(id), &account)
	return account, err
}

func (c *HTTPCatalog) ResolveServersByTag(ctx context.Context, accountID, region string, tagSelector map[string]string) ([]string, error) {
	q := url.Values{}
	q.Set("accountId", accountID)
	q.Set("region", region)
	for k, v := range tagSelector {
		q.Add("tag", k+"="+v)
	}
	var ids []string
	err := c.get(ctx, "/source-servers?"+q.Encode(), &ids)
	return ids, err
}

var _ Catalog = (*HTTPCatalog)(nil)
