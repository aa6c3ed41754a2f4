package httpapi

import (
	"context"
	"errors"
	"net/http"

	"tenantly.dev/internal/query"
)

// View is a query binding as the API sees it.
type View interface {
	Result() ViewResult
	Refetch(ctx context.Context) error
}

// ViewResult is the JSON form of a binding snapshot.
type ViewResult struct {
	Name       string `json:"name"`
	TenantID   string `json:"tenant_id,omitempty"`
	Data       any    `json:"data"`
	Loading    bool   `json:"loading"`
	Error      string `json:"error,omitempty"`
	Generation uint64 `json:"generation"`
}

type bindingView[T any] struct {
	b *query.Binding[T]
}

// BindingView exposes b as a View.
func BindingView[T any](b *query.Binding[T]) View {
	return bindingView[T]{b: b}
}

func (v bindingView[T]) Result() ViewResult {
	res := v.b.Snapshot()
	out := ViewResult{
		Name:       v.b.Name(),
		TenantID:   res.TenantID,
		Loading:    res.Loading,
		Generation: res.Generation,
	}
	if res.HasData {
		out.Data = res.Data
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func (v bindingView[T]) Refetch(ctx context.Context) error {
	return v.b.Refetch(ctx)
}

// getView returns the binding snapshot; ?refresh=1 refetches first.
func (a *API) getView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	v, ok := a.views[name]
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown view")
		return
	}
	if r.URL.Query().Get("refresh") == "1" {
		err := v.Refetch(a.sess.Context(r.Context()))
		switch {
		case err == nil, errors.Is(err, query.ErrStale):
		case errors.Is(err, query.ErrNoTenant):
			writeError(w, r, http.StatusConflict, "no tenant selected")
			return
		default:
			// The error is part of the snapshot; data stays as it was.
		}
	}
	writeJSON(w, http.StatusOK, v.Result())
}
