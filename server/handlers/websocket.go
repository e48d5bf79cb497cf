package handlers

import (
	"net/http"
	"time"

	"jsonrpcmux/protocol"
	"jsonrpcmux/server/channels"
	"jsonrpcmux/server/muxer"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultPingInterval is the keepalive period of attached channels.
const DefaultPingInterval = 30 * time.Second

// ChannelAttacher is the WebSocket side of the muxer.
type ChannelAttacher interface {
	Attach(ch muxer.Channel) bool
	Detach(ch muxer.Channel)
	Inbound(channelID uint32, frame []byte)
}

// SocketChannels registers WebSocket connections as delivery channels.
type SocketChannels interface {
	Open(conn protocol.WebSocketConn, protocols []string, token string) *channels.WebSocketChannel
	Close(id uint32)
}

// WebSocketHandler serves GET /jsonrpc/ws. Each text frame is a JSON-RPC
// envelope whose params is a batch; answers arrive on the same connection,
// one frame per message.
type WebSocketHandler struct {
	muxer          ChannelAttacher
	channels       SocketChannels
	validator      TokenValidator
	upgrader       websocket.Upgrader
	pingInterval   time.Duration
	readLimit      int64
	logger         zerolog.Logger
	metricsTracker MetricsTracker
}

// NewWebSocketHandler creates a WebSocket handler. A zero pingInterval
// selects DefaultPingInterval; a zero readLimit leaves frames unbounded.
func NewWebSocketHandler(
	m ChannelAttacher,
	channels SocketChannels,
	validator TokenValidator,
	pingInterval time.Duration,
	readLimit int64,
	logger zerolog.Logger,
	metricsTracker MetricsTracker,
) *WebSocketHandler {
	if metricsTracker == nil {
		metricsTracker = nopTracker{}
	}
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &WebSocketHandler{
		muxer:     m,
		channels:  channels,
		validator: validator,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{protocol.SubprotocolJSON},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		pingInterval:   pingInterval,
		readLimit:      readLimit,
		logger:         logger.With().Str("component", "websocket").Logger(),
		metricsTracker: metricsTracker,
	}
}

// ServeHTTP upgrades the connection, offers it to the muxer and runs the
// read loop until the peer goes away.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, clientID, status, msg := authenticate(r, h.validator, h.logger)
	if status != 0 {
		http.Error(w, msg, status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	var protocols []string
	if p := conn.Subprotocol(); p != "" {
		protocols = []string{p}
	}

	wsConn := &protocol.RealWebSocketConn{Conn: conn}
	ch := h.channels.Open(wsConn, protocols, token)
	logger := h.logger.With().Uint32("channelID", ch.ID()).Str("clientID", clientID).Logger()

	if !h.muxer.Attach(ch) {
		code, reason := websocket.CloseTryAgainLater, "another channel is already attached"
		if len(protocols) == 0 {
			code, reason = websocket.CloseProtocolError, "json sub-protocol required"
		}
		if err := ch.Reject(code, reason); err != nil {
			logger.Debug().Err(err).Msg("Failed to send close frame")
		}
		h.channels.Close(ch.ID())
		logger.Info().Str("reason", reason).Msg("WebSocket channel rejected")
		return
	}

	logger.Info().Str("remoteAddr", r.RemoteAddr).Msg("WebSocket channel connected")

	done := make(chan struct{})
	go h.sendPings(ch, done, logger)

	h.readLoop(wsConn, ch.ID(), logger)

	close(done)
	h.muxer.Detach(ch)
	h.channels.Close(ch.ID())
}

func (h *WebSocketHandler) readLoop(conn protocol.WebSocketConn, channelID uint32, logger zerolog.Logger) {
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			logger.Info().Err(err).Msg("WebSocket channel disconnected")
			return
		}
		if messageType != websocket.TextMessage {
			logger.Warn().Int("messageType", messageType).Msg("Ignoring non-text frame")
			continue
		}
		h.metricsTracker.WebSocketMessage("in")
		h.muxer.Inbound(channelID, frame)
	}
}

func (h *WebSocketHandler) sendPings(ch *channels.WebSocketChannel, done <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ch.Ping(); err != nil {
				logger.Debug().Err(err).Msg("Failed to send ping (connection likely dead)")
				return
			}
		}
	}
}
