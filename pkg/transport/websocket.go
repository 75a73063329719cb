package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketStream presents a websocket as a byte stream.
//
// Each Write becomes one binary message. Reads concatenate the payloads of
// incoming binary messages, so framing is carried by the protocol layer and
// does not depend on message boundaries. Text and other message types are
// skipped.
type WebSocketStream struct {
	ws *websocket.Conn
	r  io.Reader // current message, nil between messages

	closeOnce sync.Once
	closeErr  error
}

var _ Stream = (*WebSocketStream)(nil)

// NewWebSocketStream wraps an established websocket connection.
func NewWebSocketStream(ws *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{ws: ws}
}

func (s *WebSocketStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.ws.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}

		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *WebSocketStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a best-effort close frame and closes the socket.
func (s *WebSocketStream) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.ws.Close()
	})
	return s.closeErr
}

func (s *WebSocketStream) RemoteAddr() net.Addr { return s.ws.RemoteAddr() }

func (s *WebSocketStream) SetReadDeadline(t time.Time) error { return s.ws.SetReadDeadline(t) }

func (s *WebSocketStream) SetWriteDeadline(t time.Time) error { return s.ws.SetWriteDeadline(t) }
