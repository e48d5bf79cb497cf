package channels

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// MockWebSocketConn for testing
type MockWebSocketConn struct {
	mu          sync.Mutex
	textWrites  [][]byte
	pings       int
	closeFrames [][]byte
	writeErrors []error
	closed      bool
}

func (m *MockWebSocketConn) ReadMessage() (int, []byte, error) {
	return 0, nil, fmt.Errorf("not implemented in mock")
}

func (m *MockWebSocketConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch messageType {
	case websocket.TextMessage:
		m.textWrites = append(m.textWrites, data)
	case websocket.PingMessage:
		m.pings++
	case websocket.CloseMessage:
		m.closeFrames = append(m.closeFrames, data)
	}

	if len(m.writeErrors) > 0 {
		err := m.writeErrors[0]
		m.writeErrors = m.writeErrors[1:]
		return err
	}
	return nil
}

func (m *MockWebSocketConn) WriteJSON(v interface{}) error      { return nil }
func (m *MockWebSocketConn) SetWriteDeadline(t time.Time) error { return nil }
func (m *MockWebSocketConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *MockWebSocketConn) Subprotocol() string                { return "json" }

func (m *MockWebSocketConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockWebSocketConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type countingTracker struct {
	mu  sync.Mutex
	out int
}

func (c *countingTracker) WebSocketMessage(direction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if direction == "out" {
		c.out++
	}
}

func TestSubmitToWebSocketChannel(t *testing.T) {
	tracker := &countingTracker{}
	r := NewRegistry(tracker, zerolog.Nop())
	conn := &MockWebSocketConn{}
	ch := r.Open(conn, []string{"json"}, "tok")

	if ch.ID() == 0 {
		t.Error("Expected non-zero channel id")
	}
	if ch.Token() != "tok" || len(ch.Protocols()) != 1 {
		t.Errorf("Unexpected channel attributes: %q %v", ch.Token(), ch.Protocols())
	}

	if err := r.Submit(ch.ID(), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(conn.textWrites) != 1 || string(conn.textWrites[0]) != `{"a":1}` {
		t.Errorf("Expected one text frame, got %q", conn.textWrites)
	}
	if tracker.out != 1 {
		t.Errorf("Expected 1 outbound message, got %d", tracker.out)
	}

	conn.writeErrors = []error{errors.New("broken pipe")}
	if err := r.Submit(ch.ID(), []byte("x")); err == nil {
		t.Error("Expected write error to be returned")
	}

	r.Close(ch.ID())
	if !conn.isClosed() {
		t.Error("Expected connection to be closed")
	}
	if err := r.Submit(ch.ID(), []byte("x")); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Expected ErrUnknownChannel after close, got %v", err)
	}
}

func TestCallbackChannel(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	id, recv := r.OpenCallback(1)

	if err := r.Submit(id, []byte("answer")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	select {
	case got := <-recv:
		if string(got) != "answer" {
			t.Errorf("Expected answer, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for callback payload")
	}

	// Buffer is full after this one; the next submit blocks until close.
	r.Submit(id, []byte("fill"))
	errCh := make(chan error, 1)
	go func() { errCh <- r.Submit(id, []byte("blocked")) }()

	time.Sleep(10 * time.Millisecond)
	r.CloseCallback(id)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) && !errors.Is(err, ErrUnknownChannel) {
			t.Errorf("Expected closed or unknown channel error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit stayed blocked after CloseCallback")
	}

	if err := r.Submit(id, []byte("late")); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Expected ErrUnknownChannel, got %v", err)
	}
}

func TestChannelIDsAreUnique(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	seen := make(map[uint32]bool)
	for i := 0; i < 50; i++ {
		var id uint32
		if i%2 == 0 {
			id = r.Open(&MockWebSocketConn{}, nil, "").ID()
		} else {
			id, _ = r.OpenCallback(1)
		}
		if seen[id] {
			t.Fatalf("Duplicate channel id %d", id)
		}
		seen[id] = true
	}
	if s, c := r.Counts(); s != 25 || c != 25 {
		t.Errorf("Expected 25/25 channels, got %d/%d", s, c)
	}
}

func TestRejectAndCloseAll(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	conn := &MockWebSocketConn{}
	ch := r.Open(conn, nil, "")

	if err := ch.Ping(); err != nil || conn.pings != 1 {
		t.Errorf("Expected ping to be written, got %v (%d)", err, conn.pings)
	}

	other := &MockWebSocketConn{}
	r.Open(other, nil, "")
	r.OpenCallback(1)

	if n := r.CloseAll(); n != 3 {
		t.Errorf("Expected 3 channels closed, got %d", n)
	}
	if len(conn.closeFrames) != 1 || !conn.isClosed() {
		t.Error("Expected close frame and closed connection")
	}
	if s, c := r.Counts(); s != 0 || c != 0 {
		t.Errorf("Expected empty registry, got %d/%d", s, c)
	}
}
