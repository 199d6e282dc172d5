package server

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/droidfarm/droidfarm/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is same-host tooling; origin checks stay permissive.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second

	// wsEventBuffer is the per-client bus buffer; slow clients lose events
	// rather than stalling publishers.
	wsEventBuffer = 256
)

// handleWS streams bus events to a WebSocket client as JSON. The connection
// closes when the client goes away or stops reading.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "err", err)
		return
	}

	events, cancel := s.events.Subscribe(wsEventBuffer)
	defer cancel()
	defer conn.Close()

	// Reader goroutine: we never expect client messages, but reading is what
	// surfaces close frames and keeps pong handling alive.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	// Greet with the current state so clients render without waiting for the
	// next event.
	hello := bus.Event{Type: bus.EventDeviceStatus, Message: "connected", Time: time.Now()}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
