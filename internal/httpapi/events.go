package httpapi

import (
	"net/http"

	json "github.com/goccy/go-json"

	"tenantly.dev/internal/session"
)

const sessionEventBuffer = 16

// sessionEvents streams session snapshots as Server-Sent Events. A slow
// reader skips intermediate states; the latest one is always delivered.
func (a *API) sessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan session.State, sessionEventBuffer)
	unwatch := a.sess.Watch(func(st session.State) {
		for {
			select {
			case ch <- st:
				return
			default:
			}
			// Full: drop the oldest so the newest gets through.
			select {
			case <-ch:
			default:
			}
		}
	})
	defer unwatch()

	// Comment frame so clients see the stream open before the first state.
	_, _ = w.Write([]byte(": session stream\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ch:
			payload, err := json.Marshal(NewSessionView(st))
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: session\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
