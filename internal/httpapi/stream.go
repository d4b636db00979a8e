package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleStream pushes the sync status once on connect and again after every
// engine change until either side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("stream upgrade failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.CloseNow()

	updates, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	if err := s.pushStatus(ctx, conn); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "engine closed")
				return
			}
			if err := s.pushStatus(ctx, conn); err != nil {
				s.log.Debug("stream write failed", "correlation_id", correlationID, "error", err)
				return
			}
		}
	}
}

func (s *Server) pushStatus(ctx context.Context, conn *websocket.Conn) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, s.engine.Status())
}
