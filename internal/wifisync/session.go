package wifisync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// wsConn abstracts the WebSocket connection so the service can be
// tested without a real server. *websocket.Conn satisfies this
// interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// session is one live device connection. Writes are serialized by mu;
// the read loop runs on the goroutine that accepted the connection.
type session struct {
	conn     wsConn
	deviceID string

	mu     sync.Mutex
	closed bool

	// inbound chunk reassembly, keyed by job ID
	chunks map[string]*chunkBuffer
}

type chunkBuffer struct {
	data  []byte
	next  int
	total int
}

func newSession(conn wsConn) *session {
	return &session{
		conn:   conn,
		chunks: make(map[string]*chunkBuffer),
	}
}

// send marshals and writes one message. Concurrent callers are
// serialized; writes to a closed session return net.ErrClosed from the
// underlying connection.
func (s *session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// close shuts the connection down once. Subsequent calls are no-ops.
func (s *session) close(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.Close(code, reason)
}
