package httpapi

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/backend"
)

var demoApps = []backend.App{
	{ID: "invoicing", Name: "Invoicing", Category: "finance"},
	{ID: "payroll", Name: "Payroll", Category: "finance"},
	{ID: "crm", Name: "CRM", Category: "sales"},
	{ID: "inventory", Name: "Inventory", Category: "operations"},
	{ID: "helpdesk", Name: "Helpdesk", Category: "support"},
}

var demoPlans = []string{"starter", "growth", "enterprise"}

// DemoData produces stable per-tenant views. Records appended with
// RecordActivity show up in the tenant's activity log.
type DemoData struct {
	now func() time.Time

	mu       sync.Mutex
	activity map[string][]backend.Activity
}

func NewDemoData(now func() time.Time) *DemoData {
	if now == nil {
		now = time.Now
	}
	return &DemoData{now: now, activity: make(map[string][]backend.Activity)}
}

func seed(tenantID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return h.Sum32()
}

func (d *DemoData) Billing(tenantID string) backend.Billing {
	s := seed(tenantID)
	now := d.now().UTC().Truncate(24 * time.Hour)
	invoices := make([]backend.Invoice, 0, 3)
	for i := 0; i < 3; i++ {
		status := "paid"
		if i == 0 {
			status = "open"
		}
		invoices = append(invoices, backend.Invoice{
			ID:       fmt.Sprintf("%s-inv-%d", tenantID, i+1),
			Number:   fmt.Sprintf("A-%04d", int(s%9000)+1000+i),
			IssuedAt: now.AddDate(0, -i, 0),
			Total:    int64(s%50000) + int64(i)*1000,
			Currency: "USD",
			Status:   status,
		})
	}
	return backend.Billing{
		TenantID: tenantID,
		Plan:     demoPlans[s%uint32(len(demoPlans))],
		Balance:  int64(s % 10000),
		Currency: "USD",
		Invoices: invoices,
	}
}

func (d *DemoData) Apps(tenantID string) []backend.App {
	s := seed(tenantID)
	out := make([]backend.App, len(demoApps))
	for i, app := range demoApps {
		app.Installed = s&(1<<uint(i)) != 0
		out[i] = app
	}
	return out
}

func (d *DemoData) Activity(tenantID string) []backend.Activity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]backend.Activity, len(d.activity[tenantID]))
	copy(out, d.activity[tenantID])
	return out
}

// RecordActivity appends an entry to tenantID's log, newest first.
func (d *DemoData) RecordActivity(tenantID, actor, action, target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := backend.Activity{
		ID:     fmt.Sprintf("%s-act-%d", tenantID, len(d.activity[tenantID])+1),
		At:     d.now().UTC(),
		Actor:  actor,
		Action: action,
		Target: target,
	}
	d.activity[tenantID] = append([]backend.Activity{entry}, d.activity[tenantID]...)
}

// DemoPassword is the password of every seeded demo account.
const DemoPassword = "demo"

// SeedDemoDirectory adds two accounts: demo@tenantly.dev belongs to two
// tenants, solo@tenantly.dev to one.
func SeedDemoDirectory(dir *auth.Directory) error {
	users := []auth.User{
		{
			ID:        "u-demo",
			FirstName: "Dana",
			LastName:  "Demo",
			Email:     "demo@tenantly.dev",
			Phone:     "+15550000001",
			Tenants: []auth.TenantMembership{
				{ID: "acme", Name: "Acme Corp", TaxID: "30-71234567-1", Role: auth.RoleOwner},
				{ID: "globex", Name: "Globex", TaxID: "30-79876543-2", Role: auth.RoleMember},
			},
		},
		{
			ID:        "u-solo",
			FirstName: "Sam",
			LastName:  "Solo",
			Email:     "solo@tenantly.dev",
			Tenants: []auth.TenantMembership{
				{ID: "initech", Name: "Initech", TaxID: "30-70000000-3", Role: auth.RoleAdmin},
			},
		},
	}
	for _, u := range users {
		if _, err := dir.AddUser(u, DemoPassword); err != nil {
			return fmt.Errorf("seed %s: %w", u.Email, err)
		}
	}
	return nil
}
