package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roach88/matchsync/internal/outbox"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to localhost for the local UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stateStream pushes every published State to one websocket client.
type stateStream struct {
	conn   *websocket.Conn
	connID string
	// send holds at most the latest undelivered state.
	send   chan outbox.State
	logger *zap.Logger
}

func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	st := &stateStream{
		conn:   conn,
		connID: uuid.NewString(),
		send:   make(chan outbox.State, 1),
		logger: s.logger,
	}
	s.logger.Debug("state stream opened", zap.String("conn_id", st.connID))

	unsubscribe := s.outbox.Subscribe(st.offer)
	done := make(chan struct{})
	go func() {
		st.writePump(done)
	}()
	st.readPump()

	unsubscribe()
	close(done)
	s.logger.Debug("state stream closed", zap.String("conn_id", st.connID))
}

// offer replaces any undelivered state with st. It never blocks, so a slow
// client cannot stall a flush pass.
func (s *stateStream) offer(st outbox.State) {
	for {
		select {
		case s.send <- st:
			return
		default:
		}
		select {
		case <-s.send:
		default:
		}
	}
}

// readPump discards client messages and returns when the connection ends.
func (s *stateStream) readPump() {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error",
					zap.String("conn_id", s.connID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

func (s *stateStream) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case st := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(st); err != nil {
				s.logger.Debug("websocket write error",
					zap.String("conn_id", s.connID),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
