package gateway

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// stream is one client connection as seen by the shared handler loop.
type stream interface {
	// ReadRequest returns the raw subscription request.
	ReadRequest() ([]byte, error)
	// WritePayload sends one encoded update.
	WritePayload(payload []byte) error
	// Drain discards inbound data until the client stops sending. A nil
	// error means only the inbound half ended and updates can still be
	// written; any other error means the connection is gone.
	Drain() error
	RemoteAddr() string
	Close() error
}

type wsStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// newWSStream caps inbound messages at maxMessageBytes; zero leaves them
// unlimited.
func newWSStream(conn *websocket.Conn, writeTimeout time.Duration, maxMessageBytes int64) *wsStream {
	if maxMessageBytes > 0 {
		conn.SetReadLimit(maxMessageBytes)
	}
	return &wsStream{conn: conn, writeTimeout: writeTimeout}
}

func (s *wsStream) ReadRequest() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsStream) WritePayload(payload []byte) error {
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Drain keeps reading so pings and close frames are processed. A websocket
// has no half-close, so it only returns once the connection is gone.
func (s *wsStream) Drain() error {
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return err
		}
	}
}

func (s *wsStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

type ipcStream struct {
	conn            net.Conn
	writeTimeout    time.Duration
	maxRequestBytes int
}

func newIPCStream(conn net.Conn, writeTimeout time.Duration, maxRequestBytes int) *ipcStream {
	if maxRequestBytes <= 0 {
		maxRequestBytes = 4096
	}
	return &ipcStream{conn: conn, writeTimeout: writeTimeout, maxRequestBytes: maxRequestBytes}
}

// ReadRequest performs a single read. The request must arrive in one piece.
func (s *ipcStream) ReadRequest() ([]byte, error) {
	buf := make([]byte, s.maxRequestBytes)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

func (s *ipcStream) WritePayload(payload []byte) error {
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return WriteFrame(s.conn, payload)
}

// Drain returns nil when the client shuts down its write side, as
// `nc -U` does once stdin is exhausted. Such a client is still streamed to
// until a write fails.
func (s *ipcStream) Drain() error {
	_, err := io.Copy(io.Discard, s.conn)
	return err
}

// RemoteAddr names the peer. Unix clients rarely bind a name, in which case
// the peer shows as "" or "@" and the socket path is used instead.
func (s *ipcStream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		if name := addr.String(); name != "" && name != "@" && name != "<nil>" {
			return name
		}
	}
	if addr := s.conn.LocalAddr(); addr != nil && addr.String() != "" {
		return "unix:" + addr.String()
	}
	return "unix"
}

func (s *ipcStream) Close() error {
	return s.conn.Close()
}
