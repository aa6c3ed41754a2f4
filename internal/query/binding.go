package query

import (
	"context"
	"errors"
	"sync"
	"time"

	"tenantly.dev/internal/obs"
)

// Fetcher reads data for one tenant.
type Fetcher[T any] func(ctx context.Context, tenantID string) (T, error)

// Options tune a binding.
type Options struct {
	// Immediate runs the fetcher at bind time when a tenant is active, and
	// again every time the active tenant changes.
	Immediate bool
	// Timeout bounds automatically started fetches. Zero means no limit.
	Timeout time.Duration
}

// Result is a point-in-time copy of a binding.
type Result[T any] struct {
	Data       T
	HasData    bool
	Loading    bool
	Err        error
	TenantID   string
	Generation uint64
}

// Binding is one tracked read.
type Binding[T any] struct {
	c     *Coordinator
	id    uint64
	name  string
	fetch Fetcher[T]
	opts  Options

	mu         sync.Mutex
	data       T
	hasData    bool
	loading    bool
	err        error
	tenantID   string
	generation uint64
	closed     bool
}

// Bind registers fetcher under name. With Immediate and an active tenant
// the first fetch starts right away.
func Bind[T any](c *Coordinator, name string, fetcher Fetcher[T], opts Options) (*Binding[T], error) {
	b := &Binding[T]{c: c, name: name, fetch: fetcher, opts: opts}
	// Hold b.mu so a tenant change racing with registration waits for the
	// initial bound tenant to be set.
	b.mu.Lock()
	id, tenantID, err := c.add(b)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.id = id
	b.tenantID = tenantID
	b.mu.Unlock()

	if opts.Immediate && tenantID != "" {
		b.auto()
	}
	return b, nil
}

// Name returns the name the binding was registered with.
func (b *Binding[T]) Name() string { return b.name }

// Snapshot returns the current data, loading flag and error.
func (b *Binding[T]) Snapshot() Result[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Result[T]{
		Data:       b.data,
		HasData:    b.hasData,
		Loading:    b.loading,
		Err:        b.err,
		TenantID:   b.tenantID,
		Generation: b.generation,
	}
}

// Execute starts a new generation and runs the fetcher for the bound tenant.
// It returns the fetch error, or ErrStale if a newer fetch or a tenant
// change superseded this one before it returned.
func (b *Binding[T]) Execute(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	tenantID := b.tenantID
	if tenantID == "" {
		b.mu.Unlock()
		return ErrNoTenant
	}
	b.generation++
	gen := b.generation
	b.loading = true
	b.mu.Unlock()

	start := time.Now()
	v, err := b.fetch(ctx, tenantID)
	obs.QueryDuration.WithLabelValues(b.name).Observe(time.Since(start).Seconds())

	return b.apply(gen, v, err)
}

// Refetch is Execute for manual retries.
func (b *Binding[T]) Refetch(ctx context.Context) error {
	return b.Execute(ctx)
}

// Close detaches the binding. In-flight results are discarded.
func (b *Binding[T]) Close() {
	b.close()
	b.c.remove(b.id)
}

func (b *Binding[T]) apply(gen uint64, v T, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || gen != b.generation {
		obs.QueryResults.WithLabelValues(b.name, obs.OutcomeStale).Inc()
		b.c.log.Debug().Str("query", b.name).Uint64("generation", gen).Msg("discarded stale result")
		return ErrStale
	}
	b.loading = false
	if err != nil {
		// Keep the last good data on screen.
		b.err = err
		obs.QueryResults.WithLabelValues(b.name, obs.OutcomeError).Inc()
		return err
	}
	b.data = v
	b.hasData = true
	b.err = nil
	obs.QueryResults.WithLabelValues(b.name, obs.OutcomeApplied).Inc()
	return nil
}

func (b *Binding[T]) tenantChanged(tenantID string) {
	b.mu.Lock()
	if b.closed || b.tenantID == tenantID {
		b.mu.Unlock()
		return
	}
	b.tenantID = tenantID
	// Invalidate whatever is in flight and drop the other tenant's data.
	b.generation++
	var zero T
	b.data = zero
	b.hasData = false
	b.err = nil
	b.loading = false
	b.mu.Unlock()

	if b.opts.Immediate && tenantID != "" {
		b.auto()
	}
}

func (b *Binding[T]) auto() {
	b.c.spawn(b.opts.Timeout, func(ctx context.Context) {
		err := b.Execute(ctx)
		switch {
		case err == nil, errors.Is(err, ErrStale), errors.Is(err, ErrNoTenant), errors.Is(err, ErrClosed):
		default:
			b.c.log.Warn().Err(err).Str("query", b.name).Msg("fetch failed")
		}
	})
}

func (b *Binding[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.generation++
	b.loading = false
}
