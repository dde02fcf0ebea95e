// Package ws provides the WebSocket server for voice clients.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/signagehq/voicerelay/internal/config"
	"github.com/signagehq/voicerelay/internal/gatekeeper"
	"github.com/signagehq/voicerelay/internal/hub"
	"github.com/signagehq/voicerelay/internal/logger"
	"github.com/signagehq/voicerelay/internal/metrics"
	"github.com/signagehq/voicerelay/internal/relay"
)

// ReasonIdle is the close reason sent when a session sees no client frame
// for the configured idle timeout.
const ReasonIdle = "idle timeout"

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	relay    *relay.Relay
	log      *logger.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, r *relay.Relay, log *logger.Logger, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		relay:   r,
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Access is decided by the gatekeeper token, not the origin.
				return true
			},
		},
	}
}

// HandleWebSocket completes the handshake for a request the gatekeeper
// admitted and binds the connection to a relay session.
func (s *Server) HandleWebSocket(c echo.Context) error {
	tenantID := gatekeeper.TenantID(c)

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		s.log.Warn("failed to upgrade websocket", logrus.Fields{"error": err.Error(), "tenant_id": tenantID})
		return nil
	}

	if !s.relay.Configured() {
		s.log.Error("voice upstream not configured, closing connection", logrus.Fields{"tenant_id": tenantID})
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, relay.ReasonNotConfigured)
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.Close()
		return nil
	}

	conn := s.hub.NewConnection(ws, tenantID)
	s.hub.Register(conn)
	s.metrics.SessionOpened()

	session := s.relay.NewSession(conn.ID, tenantID, conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn, session)

	return nil
}

// readPump reads frames from the client and hands them to the session.
func (s *Server) readPump(conn *hub.Connection, session *relay.Session) {
	defer func() {
		session.Close()
		s.hub.Unregister(conn)
		conn.Close()
		s.metrics.SessionClosed()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	var idle *time.Timer
	if s.cfg.IdleTimeout > 0 {
		idle = time.AfterFunc(s.cfg.IdleTimeout, func() {
			s.log.Info("closing idle voice session", logrus.Fields{"conn_id": conn.ID, "tenant_id": conn.TenantID})
			conn.CloseWithReason(websocket.CloseNormalClosure, ReasonIdle)
		})
		defer idle.Stop()
	}

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read error", logrus.Fields{"conn_id": conn.ID, "error": err.Error()})
			}
			break
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if idle != nil {
			idle.Reset(s.cfg.IdleTimeout)
		}

		session.HandleFrame(message)
	}
}

// writePump writes queued frames and transport pings to the client.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Queue:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the queue
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug("failed to write message", logrus.Fields{"conn_id": conn.ID, "error": err.Error()})
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
