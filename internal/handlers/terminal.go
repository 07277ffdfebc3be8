package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/crypto"
	"github.com/gluk-w/termctl/internal/sshterminal"
)

type termResizeMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func termOptions(r *http.Request) sshterminal.TermOptions {
	q := r.URL.Query()
	opts := sshterminal.TermOptions{Term: q.Get("term"), Shell: q.Get("shell")}
	if v, err := strconv.ParseUint(q.Get("cols"), 10, 16); err == nil {
		opts.Cols = min(uint16(v), sshterminal.MaxResizeCols)
	}
	if v, err := strconv.ParseUint(q.Get("rows"), 10, 16); err == nil {
		opts.Rows = min(uint16(v), sshterminal.MaxResizeRows)
	}
	return opts
}

// Terminal relays an interactive shell over a websocket. Binary frames carry
// keystrokes and output; text frames carry resize messages.
//
// Query parameters: cols, rows, term, shell.
func (h *Handler) Terminal(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	opts := termOptions(r)
	if opts.Shell != "" {
		if err := sshterminal.ValidateShell(opts.Shell); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if _, err := h.sessions.Get(token); err != nil {
		h.writeErr(w, err)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("terminal websocket accept failed", zap.Error(err))
		return
	}
	defer clientConn.CloseNow()

	ctx := r.Context()
	term, err := h.sessions.CreateInteractiveChannel(ctx, token, opts)
	if err != nil {
		h.logger.Warn("terminal open failed", zap.String("token", crypto.Mask(token)), zap.Error(err))
		clientConn.Close(4500, "Failed to start shell")
		return
	}
	defer term.Close()

	h.logger.Info("terminal started", zap.String("token", crypto.Mask(token)), zap.String("shell", term.Options.Shell))
	h.relay(ctx, clientConn, term, token)
	h.logger.Info("terminal ended", zap.String("token", crypto.Mask(token)))
	clientConn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) relay(ctx context.Context, clientConn *websocket.Conn, term *sshterminal.TerminalSession, token string) {
	clientConn.SetReadLimit(sshterminal.MaxInputMessageSize * 2)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Shell stdout -> client
	go func() {
		defer relayCancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := term.Stdout.Read(buf)
			if n > 0 {
				if err := clientConn.Write(relayCtx, websocket.MessageBinary, buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// The shell exiting ends the relay too.
	go func() {
		term.Wait()
		relayCancel()
	}()

	guard := sshterminal.NewInputGuard(sshterminal.MessageRateLimit, sshterminal.MessageRateBurst)
	defer func() {
		if n := guard.Dropped(sshterminal.DropRate) + guard.Dropped(sshterminal.DropOversize); n > 0 {
			h.logger.Debug("terminal input dropped", zap.String("token", crypto.Mask(token)),
				zap.Int("rate", guard.Dropped(sshterminal.DropRate)),
				zap.Int("oversize", guard.Dropped(sshterminal.DropOversize)))
		}
	}()

	// Client -> shell stdin
	for {
		msgType, data, err := clientConn.Read(relayCtx)
		if err != nil {
			return
		}
		if guard.Admit(len(data)) != sshterminal.DropNone {
			continue
		}

		if msgType == websocket.MessageBinary {
			if _, err := term.Stdin.Write(data); err != nil {
				return
			}
			h.sessions.Touch(token)
			continue
		}

		var msg termResizeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
			term.Resize(min(msg.Cols, sshterminal.MaxResizeCols), min(msg.Rows, sshterminal.MaxResizeRows))
		}
	}
}
