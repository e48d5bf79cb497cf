// Package session sends batches of JSON-RPC calls to a jsonrpcmux server
// over HTTP or an attached WebSocket channel.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jsonrpcmux/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("session closed")

// Call is one element of a batch. Params must be a JSON array or object
// when present.
type Call struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// StatusError reports a non-200 HTTP answer. Err holds the JSON-RPC error
// when the body carried one.
type StatusError struct {
	StatusCode int
	Err        *protocol.ErrorObject
	Body       string
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Err.Error())
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Unwrap exposes the JSON-RPC error, if any.
func (e *StatusError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// Session sends batches and returns one response per call, in call order.
// A batch-level failure (rejection, timeout) is returned as an error; a
// *protocol.ErrorObject is found with errors.As.
type Session interface {
	Send(ctx context.Context, calls []Call) ([]protocol.Response, error)
	Close() error
}

// ids hands out request ids. Envelope and element ids share one sequence
// so that an answer's id says which of them it belongs to.
type ids struct {
	next atomic.Int64
}

func (s *ids) envelope(calls []Call) (protocol.Message, []int64, error) {
	envelopeID := s.next.Add(1)
	msgs := make([]protocol.Message, len(calls))
	order := make([]int64, len(calls))
	for i, c := range calls {
		id := s.next.Add(1)
		msgs[i] = protocol.Message{JSONRPC: protocol.Version, ID: id, Method: c.Method, Params: c.Params}
		order[i] = id
	}
	params, err := json.Marshal(msgs)
	if err != nil {
		return protocol.Message{}, nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return protocol.Message{JSONRPC: protocol.Version, ID: envelopeID, Method: "invoke", Params: params}, order, nil
}

// HTTPSession posts each batch to the synchronous endpoint.
type HTTPSession struct {
	url    string
	token  string
	client *http.Client
	ids    ids
	logger zerolog.Logger
}

// NewHTTPSession creates a session for endpoint (the /jsonrpc URL).
func NewHTTPSession(endpoint, token string, client *http.Client, logger zerolog.Logger) *HTTPSession {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSession{
		url:    endpoint,
		token:  token,
		client: client,
		logger: logger.With().Str("component", "http-session").Str("sessionID", uuid.New().String()).Logger(),
	}
}

// Send implements Session.
func (s *HTTPSession) Send(ctx context.Context, calls []Call) ([]protocol.Response, error) {
	envelope, order, err := s.ids.envelope(calls)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	s.logger.Debug().
		Int64("envelopeID", envelope.ID).
		Int("calls", len(calls)).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Batch answered")

	var answer protocol.Response
	decodeErr := json.Unmarshal(data, &answer)

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if decodeErr == nil {
			statusErr.Err = answer.Error
		}
		return nil, statusErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if answer.Error != nil {
		return nil, answer.Error
	}

	var results []protocol.Response
	if err := json.Unmarshal(answer.Result, &results); err != nil {
		return nil, fmt.Errorf("failed to decode aggregated result: %w", err)
	}
	if err := checkOrder(results, order); err != nil {
		return nil, err
	}
	return results, nil
}

// Close implements Session.
func (s *HTTPSession) Close() error {
	return nil
}

// WebSocketSession keeps one attached channel. Batches are sent one at a
// time because answers carry no batch marker other than element ids.
type WebSocketSession struct {
	conn   protocol.WebSocketConn
	ids    ids
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

// DialWebSocket connects to endpoint (the /jsonrpc/ws URL) and checks that
// the json sub-protocol was negotiated.
func DialWebSocket(dialer protocol.WebSocketDialer, endpoint, token string, logger zerolog.Logger) (*WebSocketSession, error) {
	headers := http.Header{}
	if token != "" {
		headers.Add("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.Dial(endpoint, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, readErr := io.ReadAll(resp.Body)
			if readErr == nil && len(body) > 0 {
				return nil, fmt.Errorf("%w: %s %s", err, resp.Status, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("%w: %s", err, resp.Status)
		}
		return nil, err
	}
	if conn.Subprotocol() != protocol.SubprotocolJSON {
		conn.Close()
		return nil, fmt.Errorf("server did not accept the %q sub-protocol", protocol.SubprotocolJSON)
	}

	return &WebSocketSession{
		conn:   conn,
		logger: logger.With().Str("component", "ws-session").Str("sessionID", uuid.New().String()).Logger(),
	}, nil
}

// Send implements Session. The context deadline bounds the wait for the
// answers; an expired wait leaves the session unusable.
func (s *WebSocketSession) Send(ctx context.Context, calls []Call) ([]protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	envelope, order, err := s.ids.envelope(calls)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
		defer s.conn.SetReadDeadline(time.Time{})
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, fmt.Errorf("failed to send batch: %w", err)
	}

	results := make([]protocol.Response, 0, len(order))
	for len(results) < len(order) {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("waiting for answers: %w", ctx.Err())
			}
			return nil, fmt.Errorf("connection lost: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode answer: %w", err)
		}
		if resp.Error != nil && (resp.ID == nil || *resp.ID == envelope.ID) {
			s.logger.Debug().Int64("envelopeID", envelope.ID).Int32("code", resp.Error.Code).Msg("Batch refused")
			return nil, resp.Error
		}
		results = append(results, resp)
	}

	if err := checkOrder(results, order); err != nil {
		return nil, err
	}
	s.logger.Debug().Int64("envelopeID", envelope.ID).Int("calls", len(calls)).Msg("Batch answered")
	return results, nil
}

// Close sends a normal close frame and closes the connection.
func (s *WebSocketSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	protocol.WriteClose(s.conn, websocket.CloseNormalClosure, "")
	return s.conn.Close()
}

// checkOrder verifies that results answer the calls one to one, in order.
func checkOrder(results []protocol.Response, order []int64) error {
	if len(results) != len(order) {
		return fmt.Errorf("expected %d answers, got %d", len(order), len(results))
	}
	for i, r := range results {
		if r.ID == nil || *r.ID != order[i] {
			return fmt.Errorf("answer %d does not match call id %d", i, order[i])
		}
	}
	return nil
}
