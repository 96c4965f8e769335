package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/turn"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 120 * time.Second
)

var errConnClosed = errors.New("websocket closed")

// wsConn serializes frame writes for the turns sharing one connection.
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// handleTurnWS accepts turn requests as text frames. Each request runs on
// its own goroutine so a second request for a busy session is rejected
// rather than queued. Every turn ends with a done frame carrying its id.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Turns == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "turn pipeline not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.deps.Metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	out := &wsConn{conn: conn}

	var wg sync.WaitGroup
	conn.SetReadLimit(maxRequestBody)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		req, err := protocol.ParseTurnRequest(data)
		if err != nil {
			_ = out.write(malformedIncrement(err))
			_ = out.write(doneFrame(""))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.deps.Turns.Run(ctx, req, out.emitter())
			_ = out.write(doneFrame(res.TurnID))
			s.afterTurn(ctx, res)
		}()
	}

	// The caller is gone; in-flight turns observe the cancellation.
	cancel()
	wg.Wait()
	s.deps.Metrics.ObserveSessionEvent("ws_disconnected")
}

type doneMessage struct {
	Phase  protocol.Phase `json:"phase"`
	TurnID string         `json:"turn_id,omitempty"`
}

func doneFrame(turnID string) doneMessage {
	return doneMessage{Phase: protocol.PhaseDone, TurnID: turnID}
}

func (c *wsConn) emitter() turn.Emitter {
	return func(inc protocol.Increment) error { return c.write(inc) }
}
