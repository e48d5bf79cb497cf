package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jsonrpcmux/client/config"
	"jsonrpcmux/client/session"
	"jsonrpcmux/protocol"

	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := protocol.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	token, err := cfg.LoadToken()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load token")
	}

	calls, err := readCalls(cfg.InputFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read batch")
	}

	endpoint, _ := cfg.Endpoint()
	s, err := openSession(cfg, endpoint, token, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("endpoint", endpoint).Msg("Failed to connect")
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	results, err := s.Send(ctx, calls)
	if err != nil {
		logger.Error().Err(err).Msg("Batch failed")
		s.Close()
		os.Exit(1)
	}
	logger.Info().Int("calls", len(calls)).Dur("duration", time.Since(start)).Msg("Batch answered")

	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			logger.Fatal().Err(err).Msg("Failed to write result")
		}
	}
}

func openSession(cfg *config.Config, endpoint, token string, logger zerolog.Logger) (session.Session, error) {
	if cfg.Transport == config.TransportWebSocket {
		ws, err := session.DialWebSocket(&protocol.DefaultWebSocketDialer{HandshakeTimeout: cfg.Timeout}, endpoint, token, logger)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
	return session.NewHTTPSession(endpoint, token, &http.Client{Timeout: cfg.Timeout}, logger), nil
}

// readCalls decodes a JSON array of {"method": ..., "params": ...} objects
// from path, or from stdin when path is empty or "-".
func readCalls(path string) ([]session.Call, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var calls []session.Call
	if err := json.NewDecoder(r).Decode(&calls); err != nil {
		return nil, fmt.Errorf("expected a JSON array of calls: %w", err)
	}
	return calls, nil
}
