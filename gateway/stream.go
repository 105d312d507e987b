package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/keybridge/message"
	"github.com/c360/keybridge/pkg/buffer"
)

// Stream tuning.
const (
	streamBuffer  = 64
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	maxClientRead = 512
)

// Envelope is one frame on a node stream.
type Envelope struct {
	Node    string           `json:"node"`
	Port    int              `json:"port"`
	Message *message.Message `json:"message"`
}

// handleStream upgrades to a websocket and forwards every message the node
// emits. A client that falls behind loses its oldest frames rather than
// stalling the flow.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.requestsTotal.Add(1)

	if _, ok := s.rt.Node(name); !ok {
		s.requestsFailed.Add(1)
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("node %q not found", name))
		return
	}

	frames := buffer.NewRing[Envelope](streamBuffer,
		buffer.WithOverflowPolicy[Envelope](buffer.DropOldest),
		buffer.WithDropCallback[Envelope](func(Envelope) { s.dropped.Add(1) }))
	untap, err := s.rt.Tap(name, func(node string, port int, msg *message.Message) {
		_, _ = frames.Write(Envelope{Node: node, Port: port, Message: msg})
	})
	if err != nil {
		s.requestsFailed.Add(1)
		s.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		untap()
		s.requestsFailed.Add(1)
		s.logger.Warn("websocket upgrade failed", "node", name, "error", err)
		return
	}

	s.streams.Add(1)
	count := s.clients.Add(1)
	s.logger.Debug("stream opened", "node", name, "clients", count)

	go func() {
		defer s.streams.Done()
		defer s.clients.Add(-1)
		defer frames.Close()
		defer untap()
		defer conn.Close()
		s.serveStream(conn, name, frames)
	}()
}

func (s *Server) serveStream(conn *websocket.Conn, name string, frames *buffer.Ring[Envelope]) {
	closed := make(chan struct{})
	go readClient(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-frames.Notify():
			if err := s.writeFrames(conn, name, frames); err != nil {
				s.logger.Debug("stream write failed", "node", name, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			s.logger.Debug("stream closed by client", "node", name)
			return
		case <-s.shutdown:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

// writeFrames sends everything buffered, oldest first.
func (s *Server) writeFrames(conn *websocket.Conn, name string, frames *buffer.Ring[Envelope]) error {
	for {
		batch := frames.Drain(streamBuffer)
		if len(batch) == 0 {
			return nil
		}
		for _, env := range batch {
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Warn("encode stream frame", "node", name, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}

// readClient drains client frames so control messages are processed, and
// closes done once the connection fails.
func readClient(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxClientRead)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
