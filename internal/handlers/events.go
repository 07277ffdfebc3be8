package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/eventbus"
)

const eventsWriteTimeout = 5 * time.Second

// Events streams bus events as JSON text frames. ?types=session.,transfer.
// narrows the stream; a trailing dot matches the whole family.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "Event stream not available")
		return
	}
	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	// Subscribe before the handshake completes so the client sees every
	// event published after Dial returns.
	events, unsubscribe := h.bus.Subscribe(eventbus.DefaultBuffer, types...)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("events websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// CloseRead handles control frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, eventsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
