// Package query binds tenant-scoped reads to the session's active tenant.
//
// A Binding tracks one read and its last result. Every fetch captures the
// binding's generation when it starts; a result is applied only if the
// generation is unchanged when it arrives, so a slow response for a previous
// tenant never overwrites a newer one. Nothing is cancelled on a tenant
// switch: late results are simply dropped.
package query

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tenantly.dev/internal/obs"
	"tenantly.dev/internal/session"
)

var (
	// ErrNoTenant is returned by Execute when no tenant is active.
	ErrNoTenant = errors.New("query: no active tenant")
	// ErrStale is returned by Execute when a newer fetch superseded it.
	ErrStale = errors.New("query: result superseded")
	// ErrClosed is returned by Execute on a closed binding.
	ErrClosed = errors.New("query: binding closed")
)

// TenantSource is what the coordinator needs from the session.
type TenantSource interface {
	Watch(fn func(session.State)) func()
}

type member interface {
	tenantChanged(tenantID string)
	close()
}

// Coordinator follows the active tenant and re-runs bindings when it changes.
type Coordinator struct {
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tenantID string
	members  map[uint64]member
	nextID   uint64
	closed   bool

	inflight sync.WaitGroup
	unwatch  func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the logger (defaults to obs.Logger()).
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// NewCoordinator starts following src. Close stops it.
func NewCoordinator(src TenantSource, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		log:     obs.Logger(),
		ctx:     ctx,
		cancel:  cancel,
		members: make(map[uint64]member),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "query").Logger()
	c.unwatch = src.Watch(func(st session.State) { c.setTenant(st.TenantID()) })
	return c
}

// TenantID returns the tenant the coordinator last observed.
func (c *Coordinator) TenantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenantID
}

// Wait blocks until every automatically started fetch has returned.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

// Close stops following the session and closes all bindings.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	members := c.snapshot()
	c.mu.Unlock()

	c.unwatch()
	for _, m := range members {
		m.close()
	}
	c.cancel()
}

func (c *Coordinator) setTenant(tenantID string) {
	c.mu.Lock()
	if c.closed || c.tenantID == tenantID {
		c.mu.Unlock()
		return
	}
	c.log.Debug().Str("from", c.tenantID).Str("to", tenantID).Msg("active tenant changed")
	c.tenantID = tenantID
	members := c.snapshot()
	c.mu.Unlock()

	for _, m := range members {
		m.tenantChanged(tenantID)
	}
}

// snapshot copies the members; c.mu must be held.
func (c *Coordinator) snapshot() []member {
	out := make([]member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	return out
}

func (c *Coordinator) add(m member) (id uint64, tenantID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, "", ErrClosed
	}
	id = c.nextID
	c.nextID++
	c.members[id] = m
	obs.QueryBindings.Inc()
	return id, c.tenantID, nil
}

func (c *Coordinator) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[id]; ok {
		delete(c.members, id)
		obs.QueryBindings.Dec()
	}
}

func (c *Coordinator) spawn(timeout time.Duration, run func(context.Context)) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx := c.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		run(ctx)
	}()
}
