package protocol

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// SubprotocolJSON is the WebSocket sub-protocol carrying JSON-RPC text frames.
const SubprotocolJSON = "json"

// WebSocketConn is the subset of *websocket.Conn used by the server and
// client. Tests substitute an in-memory implementation.
type WebSocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Subprotocol() string
	Close() error
}

// RealWebSocketConn wraps gorilla websocket for production use
type RealWebSocketConn struct {
	*websocket.Conn
}

var _ WebSocketConn = (*RealWebSocketConn)(nil)

// WebSocketDialer abstracts WebSocket dialing for testing
type WebSocketDialer interface {
	Dial(url string, requestHeader http.Header) (WebSocketConn, *http.Response, error)
}

// DefaultWebSocketDialer dials with gorilla websocket and offers the json
// sub-protocol.
type DefaultWebSocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial connects to url.
func (d *DefaultWebSocketDialer) Dial(url string, requestHeader http.Header) (WebSocketConn, *http.Response, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{SubprotocolJSON},
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.Dial(url, requestHeader)
	if err != nil {
		return nil, resp, err
	}
	return &RealWebSocketConn{Conn: conn}, resp, nil
}

// WriteClose sends a close frame with the given code and reason before the
// connection is torn down.
func WriteClose(conn WebSocketConn, code int, reason string) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
