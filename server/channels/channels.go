// Package channels keeps the delivery channels the muxer answers on:
// WebSocket connections and one-shot callback channels used by the HTTP
// transport.
package channels

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"jsonrpcmux/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownChannel is returned by Submit for ids that are not open.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrChannelClosed is returned when a callback channel closed while a
	// payload was waiting to be delivered.
	ErrChannelClosed = errors.New("channel closed")
)

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 10 * time.Second

// Tracker counts outbound WebSocket frames.
type Tracker interface {
	WebSocketMessage(direction string)
}

// WebSocketChannel is an open WebSocket connection.
type WebSocketChannel struct {
	id        uint32
	conn      protocol.WebSocketConn
	protocols []string
	token     string
	writeLock sync.Mutex
}

// ID returns the channel id.
func (c *WebSocketChannel) ID() uint32 { return c.id }

// Protocols returns the negotiated sub-protocols.
func (c *WebSocketChannel) Protocols() []string { return c.protocols }

// Token returns the credential presented when the connection was opened.
func (c *WebSocketChannel) Token() string { return c.token }

// Send writes one text frame.
func (c *WebSocketChannel) Send(payload []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Ping writes a keepalive ping.
func (c *WebSocketChannel) Ping() error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Reject sends a close frame and closes the connection.
func (c *WebSocketChannel) Reject(code int, reason string) error {
	c.writeLock.Lock()
	err := protocol.WriteClose(c.conn, code, reason)
	c.writeLock.Unlock()
	c.conn.Close()
	return err
}

type callbackState struct {
	dataCh chan []byte
	done   chan struct{}
}

// Registry tracks open channels by id.
type Registry struct {
	mu        sync.Mutex
	nextID    uint32
	sockets   map[uint32]*WebSocketChannel
	callbacks map[uint32]*callbackState
	tracker   Tracker
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry. tracker may be nil.
func NewRegistry(tracker Tracker, logger zerolog.Logger) *Registry {
	return &Registry{
		sockets:   make(map[uint32]*WebSocketChannel),
		callbacks: make(map[uint32]*callbackState),
		tracker:   tracker,
		logger:    logger.With().Str("component", "channels").Logger(),
	}
}

// allocateID returns an unused non-zero id. r.mu must be held.
func (r *Registry) allocateID() uint32 {
	for {
		r.nextID++
		id := r.nextID
		if id == 0 {
			continue
		}
		if _, ok := r.sockets[id]; ok {
			continue
		}
		if _, ok := r.callbacks[id]; ok {
			continue
		}
		return id
	}
}

// Open registers a WebSocket connection.
func (r *Registry) Open(conn protocol.WebSocketConn, protocols []string, token string) *WebSocketChannel {
	r.mu.Lock()
	ch := &WebSocketChannel{
		id:        r.allocateID(),
		conn:      conn,
		protocols: protocols,
		token:     token,
	}
	r.sockets[ch.id] = ch
	r.mu.Unlock()

	r.logger.Debug().Uint32("channelID", ch.id).Strs("protocols", protocols).Msg("WebSocket channel opened")
	return ch
}

// Close unregisters a WebSocket channel and closes its connection.
func (r *Registry) Close(id uint32) {
	r.mu.Lock()
	ch, exists := r.sockets[id]
	delete(r.sockets, id)
	r.mu.Unlock()

	if exists {
		ch.conn.Close()
		r.logger.Debug().Uint32("channelID", id).Msg("WebSocket channel closed")
	}
}

// OpenCallback registers a channel whose payloads are handed to the
// returned Go channel.
func (r *Registry) OpenCallback(bufferSize int) (uint32, <-chan []byte) {
	state := &callbackState{
		dataCh: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	id := r.allocateID()
	r.callbacks[id] = state
	r.mu.Unlock()

	return id, state.dataCh
}

// CloseCallback unregisters a callback channel. Pending and later
// submissions to it fail instead of blocking.
func (r *Registry) CloseCallback(id uint32) {
	r.mu.Lock()
	state, exists := r.callbacks[id]
	delete(r.callbacks, id)
	r.mu.Unlock()

	if exists {
		close(state.done)
	}
}

// Submit delivers payload to channel id.
func (r *Registry) Submit(id uint32, payload []byte) error {
	r.mu.Lock()
	ws := r.sockets[id]
	cb := r.callbacks[id]
	r.mu.Unlock()

	switch {
	case ws != nil:
		if err := ws.Send(payload); err != nil {
			return fmt.Errorf("write to channel %d: %w", id, err)
		}
		if r.tracker != nil {
			r.tracker.WebSocketMessage("out")
		}
		return nil
	case cb != nil:
		select {
		case cb.dataCh <- payload:
			return nil
		case <-cb.done:
			return fmt.Errorf("channel %d: %w", id, ErrChannelClosed)
		}
	default:
		return fmt.Errorf("channel %d: %w", id, ErrUnknownChannel)
	}
}

// Counts reports the number of open WebSocket and callback channels.
func (r *Registry) Counts() (sockets, callbacks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets), len(r.callbacks)
}

// CloseAll closes every channel and returns how many were open.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	sockets := r.sockets
	callbacks := r.callbacks
	r.sockets = make(map[uint32]*WebSocketChannel)
	r.callbacks = make(map[uint32]*callbackState)
	r.mu.Unlock()

	for _, ch := range sockets {
		ch.Reject(websocket.CloseGoingAway, "server shutting down")
	}
	for _, state := range callbacks {
		close(state.done)
	}
	return len(sockets) + len(callbacks)
}
