package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"jsonrpcmux/protocol"
)

// Transports understood by muxctl.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "ws"
)

// Config holds all resolved client configuration
type Config struct {
	ServerURL string
	Transport string
	TokenFile string
	Token     string
	Timeout   time.Duration
	InputFile string
	LogLevel  string
	LogFormat string
}

// flag values (populated by flag.Parse)
var (
	flagServerURL string
	flagTransport string
	flagTokenFile string
	flagToken     string
	flagTimeout   string
	flagInputFile string
	flagLogLevel  string
	flagLogFormat string
)

func init() {
	flag.StringVar(&flagServerURL, "server-url", "",
		"Base URL of the jsonrpcmux server (env: JSONRPCMUX_CLIENT_SERVER_URL)")
	flag.StringVar(&flagTransport, "transport", "",
		"Transport: http or ws (env: JSONRPCMUX_CLIENT_TRANSPORT)")
	flag.StringVar(&flagTokenFile, "token-file", "",
		"Path to token file for authentication (env: JSONRPCMUX_CLIENT_TOKEN_FILE)")
	flag.StringVar(&flagToken, "token", "",
		"Token for authentication (env: JSONRPCMUX_CLIENT_TOKEN)")
	flag.StringVar(&flagTimeout, "timeout", "",
		"How long to wait for a batch answer (env: JSONRPCMUX_CLIENT_TIMEOUT)")
	flag.StringVar(&flagInputFile, "input", "",
		"File holding the batch to send; - or empty reads stdin (env: JSONRPCMUX_CLIENT_INPUT)")
	flag.StringVar(&flagLogLevel, "log-level", "",
		"Log level: DEBUG, INFO, WARN, ERROR (env: JSONRPCMUX_CLIENT_LOG_LEVEL, JSONRPCMUX_LOG_LEVEL)")
	flag.StringVar(&flagLogFormat, "log-format", "",
		"Log format: json, console (env: JSONRPCMUX_CLIENT_LOG_FORMAT, JSONRPCMUX_LOG_FORMAT)")
}

// Load parses flags, reads env vars, applies defaults, and returns Config
func Load() *Config {
	flag.Parse()
	return resolve()
}

func resolve() *Config {
	return &Config{
		ServerURL: resolveString(flagServerURL,
			[]string{"JSONRPCMUX_CLIENT_SERVER_URL"}, "http://localhost:8080"),
		Transport: strings.ToLower(resolveString(flagTransport,
			[]string{"JSONRPCMUX_CLIENT_TRANSPORT"}, TransportHTTP)),
		TokenFile: resolveString(flagTokenFile,
			[]string{"JSONRPCMUX_CLIENT_TOKEN_FILE"}, ""),
		Token: resolveString(flagToken,
			[]string{"JSONRPCMUX_CLIENT_TOKEN"}, ""),
		Timeout: protocol.ParseDuration(resolveString(flagTimeout,
			[]string{"JSONRPCMUX_CLIENT_TIMEOUT"}, ""), 30*time.Second),
		InputFile: resolveString(flagInputFile,
			[]string{"JSONRPCMUX_CLIENT_INPUT"}, ""),
		LogLevel: resolveString(flagLogLevel,
			[]string{"JSONRPCMUX_CLIENT_LOG_LEVEL", "JSONRPCMUX_LOG_LEVEL"}, "WARN"),
		LogFormat: resolveString(flagLogFormat,
			[]string{"JSONRPCMUX_CLIENT_LOG_FORMAT", "JSONRPCMUX_LOG_FORMAT"}, "console"),
	}
}

// resolveString returns the first non-empty value from: flag, env vars, default
func resolveString(flagVal string, envVars []string, defaultVal string) string {
	if flagVal != "" {
		return flagVal
	}
	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			return val
		}
	}
	return defaultVal
}

// LoadToken loads the token from file or inline value
func (c *Config) LoadToken() (string, error) {
	if c.TokenFile != "" {
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(c.Token), nil
}

// Validate checks that required config values are set
func (c *Config) Validate() error {
	if c.Transport != TransportHTTP && c.Transport != TransportWebSocket {
		return fmt.Errorf("--transport must be %q or %q, got %q", TransportHTTP, TransportWebSocket, c.Transport)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
	}
	if _, err := c.Endpoint(); err != nil {
		return err
	}
	return nil
}

// Endpoint returns the URL of the selected transport: /jsonrpc over HTTP
// or /jsonrpc/ws over WebSocket, with the scheme adjusted to match.
func (c *Config) Endpoint() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid --server-url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid --server-url %q: missing host", c.ServerURL)
	}

	base := strings.TrimSuffix(u.Path, "/")
	if c.Transport == TransportWebSocket {
		switch u.Scheme {
		case "https", "wss":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path = base + "/jsonrpc/ws"
		return u.String(), nil
	}

	switch u.Scheme {
	case "wss", "https":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = base + "/jsonrpc"
	return u.String(), nil
}
