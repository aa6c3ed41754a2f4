// Package backend reads the tenant-scoped console views (billing, apps,
// activity) from the REST API. The calls are opaque to the session layer:
// each one is a query.Fetcher keyed by tenant id.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"tenantly.dev/internal/audit"
	"tenantly.dev/internal/auth/rest"
	"tenantly.dev/internal/ids"
)

// HeaderTenantID names the active tenant on every tenant-scoped call.
const HeaderTenantID = "X-Tenant-ID"

// View names.
const (
	ViewBilling  = "billing"
	ViewApps     = "apps"
	ViewActivity = "activity"
)

// Views lists every view the backend serves.
var Views = []string{ViewBilling, ViewApps, ViewActivity}

// ErrNoTenant is returned when a read is attempted without a tenant id.
var ErrNoTenant = errors.New("backend: tenant id is required")

// Invoice is one billing document.
type Invoice struct {
	ID       string    `json:"id"`
	Number   string    `json:"number"`
	IssuedAt time.Time `json:"issued_at"`
	Total    int64     `json:"total"`
	Currency string    `json:"currency"`
	Status   string    `json:"status"`
}

// Billing is the tenant's plan and invoices.
type Billing struct {
	TenantID string    `json:"tenant_id"`
	Plan     string    `json:"plan"`
	Balance  int64     `json:"balance"`
	Currency string    `json:"currency"`
	Invoices []Invoice `json:"invoices"`
}

// App is a marketplace app and whether the tenant installed it.
type App struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Installed bool   `json:"installed"`
}

// Activity is one entry of the tenant's activity log.
type Activity struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
}

// TokenSource returns the bearer token for outgoing calls.
type TokenSource func(ctx context.Context) (string, error)

// Client performs the reads.
type Client struct {
	base  *url.URL
	http  *http.Client
	token TokenSource
}

// New returns a client for the API at baseURL. token may be nil for
// unauthenticated deployments.
func New(baseURL string, token TokenSource, hc *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url must be http or https, got %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: base, http: hc, token: token}, nil
}

// TenantPath is the path of view for tenantID.
func TenantPath(tenantID, view string) string {
	return "/v1/tenants/" + url.PathEscape(tenantID) + "/" + view
}

func (c *Client) Billing(ctx context.Context, tenantID string) (Billing, error) {
	var out Billing
	err := c.get(ctx, tenantID, ViewBilling, &out)
	return out, err
}

func (c *Client) Apps(ctx context.Context, tenantID string) ([]App, error) {
	var out []App
	err := c.get(ctx, tenantID, ViewApps, &out)
	return out, err
}

func (c *Client) Activity(ctx context.Context, tenantID string) ([]Activity, error) {
	var out []Activity
	err := c.get(ctx, tenantID, ViewActivity, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, tenantID, view string, out any) error {
	if tenantID == "" {
		return ErrNoTenant
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + TenantPath(tenantID, view)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderTenantID, tenantID)
	rid := audit.RequestIDFromContext(ctx)
	if rid == "" {
		rid = ids.RequestID()
	}
	req.Header.Set(rest.HeaderRequestID, rid)
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", view, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		var e rest.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = json.Unmarshal(raw, &e)
		return &rest.StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", view, err)
	}
	return nil
}
