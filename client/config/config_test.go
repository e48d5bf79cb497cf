package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveDefaults(t *testing.T) {
	cfg := resolve()

	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("Expected default server URL, got %s", cfg.ServerURL)
	}
	if cfg.Transport != TransportHTTP {
		t.Errorf("Expected http transport, got %s", cfg.Transport)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %s", cfg.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestResolveFromEnv(t *testing.T) {
	t.Setenv("JSONRPCMUX_CLIENT_TRANSPORT", "WS")
	t.Setenv("JSONRPCMUX_CLIENT_TIMEOUT", "5")
	t.Setenv("JSONRPCMUX_LOG_LEVEL", "debug")

	cfg := resolve()
	if cfg.Transport != TransportWebSocket {
		t.Errorf("Expected ws transport, got %s", cfg.Transport)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %s", cfg.Timeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected shared log level, got %s", cfg.LogLevel)
	}
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		serverURL string
		transport string
		expected  string
		expectErr bool
	}{
		{"http://localhost:8080", TransportHTTP, "http://localhost:8080/jsonrpc", false},
		{"http://localhost:8080/", TransportWebSocket, "ws://localhost:8080/jsonrpc/ws", false},
		{"https://mux.example.com/api", TransportWebSocket, "wss://mux.example.com/api/jsonrpc/ws", false},
		{"wss://mux.example.com", TransportHTTP, "https://mux.example.com/jsonrpc", false},
		{"localhost:8080", TransportHTTP, "", true},
		{"://bad", TransportHTTP, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.serverURL+"/"+tt.transport, func(t *testing.T) {
			cfg := &Config{ServerURL: tt.serverURL, Transport: tt.transport}
			got, err := cfg.Endpoint()
			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{ServerURL: "http://localhost:8080", Transport: "carrier-pigeon", Timeout: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected unknown transport to fail validation")
	}

	cfg = &Config{ServerURL: "http://localhost:8080", Transport: TransportHTTP}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected zero timeout to fail validation")
	}
}

func TestLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  file-token\n"), 0o600); err != nil {
		t.Fatalf("Failed to write token: %v", err)
	}

	token, err := (&Config{TokenFile: path, Token: "inline"}).LoadToken()
	if err != nil || token != "file-token" {
		t.Errorf("Expected file token to win, got %q (%v)", token, err)
	}

	token, err = (&Config{Token: " inline "}).LoadToken()
	if err != nil || token != "inline" {
		t.Errorf("Expected inline token, got %q (%v)", token, err)
	}

	if _, err := (&Config{TokenFile: filepath.Join(t.TempDir(), "missing")}).LoadToken(); err == nil {
		t.Error("Expected error for missing token file")
	}
}
