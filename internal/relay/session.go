package relay

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 1 << 20

	sendBuffer = 64
)

// Session is one websocket connection attached to a room. The room loop is
// the only writer to send and closes it when the session detaches.
type Session struct {
	room *Room
	conn *websocket.Conn
	send chan []byte
}

func newSession(room *Room, conn *websocket.Conn) *Session {
	return &Session{
		room: room,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// close tears the connection down; the read pump then detaches the session
// from its room.
func (s *Session) close() {
	s.conn.Close()
}

// readPump forwards inbound frames to the room until the connection drops,
// then detaches from the room. Runs as its own goroutine.
func (s *Session) readPump() {
	defer func() {
		s.room.detach(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Relay] room=%s read error: %v", s.room.name, err)
			}
			return
		}
		s.room.deliver(s, data)
	}
}

// writePump drains the send channel onto the connection and keeps the
// connection alive with pings. Runs as its own goroutine.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the session without blocking the room loop. A
// session that cannot keep up is dropped.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}
