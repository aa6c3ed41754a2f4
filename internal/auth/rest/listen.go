package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"tenantly.dev/internal/auth"
)

const (
	handshakeTimeout = 10 * time.Second
	pongWait         = 60 * time.Second
)

// Listen streams server-pushed identity events and re-emits them to the
// client's subscribers until ctx ends or the connection drops. A pushed
// logout clears local state first; a pushed tenant-changed is persisted.
// Callers reconnect by calling Listen again.
func (c *Client) Listen(ctx context.Context) error {
	token, err := c.store.Get(ctx, auth.KeyToken)
	if err != nil {
		return err
	}
	if token == "" {
		return auth.ErrNotAuthenticated
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := dialer.DialContext(ctx, c.eventsURL(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return &StatusError{Code: resp.StatusCode}
		}
		return fmt.Errorf("rest: dial events: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("rest: read events: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var evt auth.Event
		if err := json.Unmarshal(msg, &evt); err != nil || !evt.Name.Valid() {
			c.log.Debug().Bytes("payload", msg).Msg("ignoring malformed event")
			continue
		}
		if err := c.applyPushed(ctx, evt); err != nil {
			c.log.Warn().Err(err).Str("event", string(evt.Name)).Msg("apply pushed event")
		}
		c.emit(evt)
	}
}

func (c *Client) applyPushed(ctx context.Context, evt auth.Event) error {
	switch evt.Name {
	case auth.EventLogout:
		return c.store.Clear(ctx)
	case auth.EventTenantChanged:
		if evt.TenantID == "" {
			return errors.New("tenant-changed without tenant id")
		}
		return c.store.Set(ctx, auth.KeyTenantID, evt.TenantID)
	}
	return nil
}

func (c *Client) eventsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.eventsPath
	return u.String()
}
