package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/jogd/internal/command"
)

const (
	wsReadLimit    = 256
	wsWriteTimeout = 5 * time.Second
)

// handleWS upgrades to a WebSocket jog stream. Every text message is one
// command token and is answered with a WSAck.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.WSOriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx := r.Context()
	logger := s.logger.With("request_id", middleware.GetReqID(ctx), "producer", submitter(ctx))
	logger.Info("websocket jog stream opened")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				logger.Info("websocket jog stream closed")
			default:
				if !errors.Is(err, context.Canceled) {
					logger.Debug("websocket read failed", "error", err)
				}
			}
			return
		}

		var ack WSAck
		if typ != websocket.MessageText {
			ack = WSAck{Status: "error", Error: "text frames only"}
		} else {
			ack = s.wsJog(ctx, string(data))
		}

		if err := s.wsWrite(ctx, conn, ack); err != nil {
			logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func (s *Server) wsJog(ctx context.Context, token string) WSAck {
	cmd, err := command.Parse(token)
	if err != nil {
		return WSAck{Status: "error", Error: err.Error()}
	}
	receipt, _, err := s.submit(ctx, cmd)
	if err != nil {
		return WSAck{Status: "error", Command: cmd.String(), Error: err.Error()}
	}
	return WSAck{
		Status:    "ok",
		ID:        receipt.ID,
		Command:   cmd.String(),
		Discarded: len(receipt.Discarded),
	}
}

func (s *Server) wsWrite(ctx context.Context, conn *websocket.Conn, ack WSAck) error {
	b, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}
