package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"jsonrpcmux/protocol"
	"jsonrpcmux/server/auth"
	errs "jsonrpcmux/server/errors"
	"jsonrpcmux/server/muxer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// invokeMethod is the designator recorded for bare-array request bodies.
const invokeMethod = "invoke"

// BatchInvoker is the synchronous entry point of the muxer.
type BatchInvoker interface {
	InvokeWithReason(channelID uint32, id int64, token, method, params string) (muxer.Status, string, string)
}

// CallbackChannels opens the one-shot channels an HTTP caller waits on.
type CallbackChannels interface {
	OpenCallback(bufferSize int) (uint32, <-chan []byte)
	CloseCallback(id uint32)
}

// TokenValidator validates client tokens. A nil validator disables
// authentication.
type TokenValidator interface {
	ValidateClientJWT(token string) (clientID string, methods []string, expiresAt time.Time, err error)
}

// MetricsTracker tracks request metrics
type MetricsTracker interface {
	HTTPRequestFinished(status int, duration time.Duration)
	WebSocketMessage(direction string)
}

type nopTracker struct{}

func (nopTracker) HTTPRequestFinished(int, time.Duration) {}
func (nopTracker) WebSocketMessage(string)                {}

// HTTPHandler serves POST /jsonrpc: one batch per request, answered with
// the aggregated response once every call in it has finished.
type HTTPHandler struct {
	muxer          BatchInvoker
	channels       CallbackChannels
	validator      TokenValidator
	idleTimeout    time.Duration
	maxBodyBytes   int64
	logger         zerolog.Logger
	metricsTracker MetricsTracker
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	m BatchInvoker,
	channels CallbackChannels,
	validator TokenValidator,
	idleTimeout time.Duration,
	maxBodyBytes int64,
	logger zerolog.Logger,
	metricsTracker MetricsTracker,
) *HTTPHandler {
	if metricsTracker == nil {
		metricsTracker = nopTracker{}
	}
	return &HTTPHandler{
		muxer:          m,
		channels:       channels,
		validator:      validator,
		idleTimeout:    idleTimeout,
		maxBodyBytes:   maxBodyBytes,
		logger:         logger.With().Str("component", "http").Logger(),
		metricsTracker: metricsTracker,
	}
}

// ServeHTTP implements http.Handler
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	finalStatus := 0
	defer func() {
		if finalStatus > 0 {
			h.metricsTracker.HTTPRequestFinished(finalStatus, time.Since(start))
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		finalStatus = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token, clientID, status, msg := authenticate(r, h.validator, h.logger)
	if status != 0 {
		finalStatus = status
		http.Error(w, msg, status)
		return
	}

	requestID := uuid.New().String()
	reqLogger := h.logger.With().Str("requestID", requestID).Str("clientID", clientID).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reqLogger.Warn().Int64("limit", h.maxBodyBytes).Msg("Request body too large")
			finalStatus = http.StatusRequestEntityTooLarge
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		reqLogger.Info().Err(err).Msg("Failed to read request body")
		finalStatus = http.StatusBadRequest
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	id, method, params, err := decodeCall(body)
	if err != nil {
		reqLogger.Info().Err(err).Msg("Unparseable request envelope")
		finalStatus = writeJSON(w, http.StatusOK, protocol.NewError(nil, errs.ParseFailure(err)).Marshal())
		return
	}

	channelID, respCh := h.channels.OpenCallback(1)
	defer h.channels.CloseCallback(channelID)
	reqLogger = reqLogger.With().Uint32("channelID", channelID).Int64("responseID", id).Logger()

	result, rejection, reason := h.muxer.InvokeWithReason(channelID, id, token, method, params)
	if result == muxer.StatusRejected {
		reqLogger.Debug().Str("reason", reason).Msg("Batch rejected")
		finalStatus = writeJSON(w, rejectionStatus(reason), []byte(rejection))
		return
	}

	finalStatus = h.awaitAnswer(r.Context(), w, respCh, id, reqLogger)
}

// awaitAnswer waits for the batch answer on respCh and writes it.
func (h *HTTPHandler) awaitAnswer(ctx context.Context, w http.ResponseWriter, respCh <-chan []byte, id int64, logger zerolog.Logger) int {
	idleTimer := time.NewTimer(h.idleTimeout)
	defer idleTimer.Stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Client disconnected before the batch was answered")
		return 0

	case <-idleTimer.C:
		logger.Error().Dur("idleTimeout", h.idleTimeout).Msg("Request idle timeout")
		errObj := errs.New(errs.CodeTimeout, "no answer within %s", h.idleTimeout)
		return writeJSON(w, http.StatusGatewayTimeout, protocol.NewError(&id, errObj).Marshal())

	case payload := <-respCh:
		logger.Debug().Int("bytes", len(payload)).Msg("Batch answered")
		return writeJSON(w, http.StatusOK, payload)
	}
}

// rejectionStatus maps a rejection reason to an HTTP status. Validation
// failures are ordinary JSON-RPC errors and keep 200.
func rejectionStatus(reason string) int {
	switch reason {
	case errs.ReasonUnavailable:
		return http.StatusServiceUnavailable
	case errs.ReasonTooManyBatches:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// decodeCall splits a request body into response id, designator and batch
// text. An object body is a JSON-RPC envelope carrying the batch as params;
// any other body is taken to be the batch itself and answered with id 0.
func decodeCall(body []byte) (int64, string, string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return 0, invokeMethod, string(trimmed), nil
	}

	envelope, err := protocol.ParseEnvelope(trimmed)
	if err != nil {
		return 0, "", "", err
	}
	method := envelope.Method
	if method == "" {
		method = invokeMethod
	}
	return envelope.ID, method, string(envelope.Params), nil
}

// authenticate extracts the bearer token. With a validator configured the
// token is required and must validate; the returned status is nonzero when
// the request has to be refused.
func authenticate(r *http.Request, validator TokenValidator, logger zerolog.Logger) (token, clientID string, status int, msg string) {
	header := r.Header.Get("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", "", http.StatusUnauthorized, "Invalid Authorization header format"
		}
		token = header[7:]
	}

	if validator == nil {
		return token, "", 0, ""
	}
	if token == "" {
		return "", "", http.StatusUnauthorized, "Missing Authorization header"
	}

	clientID, _, _, err := validator.ValidateClientJWT(token)
	if err != nil {
		logger.Info().Err(err).Msg("Client JWT validation failed")
		return "", "", http.StatusUnauthorized, auth.SanitizeJWTError(err)
	}
	logger.Debug().Str("clientID", clientID).Msg("Client JWT validated")
	return token, clientID, 0, ""
}

func writeJSON(w http.ResponseWriter, status int, payload []byte) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
	return status
}
