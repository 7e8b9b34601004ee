package server

import (
	"net/http"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket upgrades the request and speaks the JSON envelope
// protocol: one event per text message.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	maxFrame := int64(s.config.MaxMessageLines*(s.config.MaxLineLength+8) + 4096)
	ws.SetReadLimit(maxFrame)

	conn := NewQueuedConn(s.config.SendQueueSize, protocol.MarshalEnvelope, func(data []byte) error {
		ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return ws.WriteMessage(websocket.TextMessage, data)
	}, ws.Close)

	sess := s.addConnection(conn, r.RemoteAddr, "ws")
	go s.pingLoop(ws, conn)
	s.readPump(sess, ws)
}

// readPump handles inbound messages in order until the socket fails
func (s *Server) readPump(sess *Session, ws *websocket.Conn) {
	defer s.removeSession(sess)

	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debugLog.Printf("Conn %s: websocket read error: %v", sess.ID(), err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.UnmarshalEnvelope(data)
		if err != nil {
			s.rejectInvalid(sess, "envelope", err)
			continue
		}
		s.handleEvent(sess, ev)
	}
}

// pingLoop keeps idle sockets alive. Control frames may be written
// concurrently with the queue writer.
func (s *Server) pingLoop(ws *websocket.Conn, conn *QueuedConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
