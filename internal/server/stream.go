package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin is not checked; the API has no browser session to protect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams bus events as JSON text frames until the client goes
// away or the bus is closed. Optional filters: connection, type.
func (r *Router) handleEvents(c *gin.Context) {
	connFilter := c.Query("connection")
	typeFilter := c.Query("type")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Event stream upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	ch, cancel := r.deps.Bus.Subscribe(events.DefaultBuffer)
	defer cancel()
	slog.Debug("Event stream opened", "remote", c.ClientIP(), "connection", connFilter, "type", typeFilter)

	// the read side only services pongs and notices the client closing
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed")
				_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if !matchEvent(e, connFilter, typeFilter) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(e); err != nil {
				slog.Debug("Event stream write failed", "remote", c.ClientIP(), "error", err)
				return
			}
		}
	}
}

func matchEvent(e events.Event, conn, typ string) bool {
	if conn != "" && e.ConnectionID != conn {
		return false
	}
	if typ != "" && e.Type != events.Type(typ) {
		return false
	}
	return true
}
