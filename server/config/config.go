package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"jsonrpcmux/protocol"
	"jsonrpcmux/server/health"
	"jsonrpcmux/server/muxer"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultWorkers is the worker pool size used when the activation blob does
// not name one.
const DefaultWorkers = 8

// Config holds all resolved server configuration
type Config struct {
	HTTPPort            string
	MetricsPort         string // If set, serve /metrics on separate port
	HealthPort          string // If set, serve /health on separate port
	ServerID            string
	TokenPublicKeyFile  string
	TokenPublicKeyDir   string
	TokenPublicKey      string
	TokenIssuer         string
	IdleTimeout         time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBytes     int64
	DispatcherURL       string // Empty selects the in-process built-in methods
	HealthCheckURL      string
	HealthCheckCodes    string
	HealthCheckMethod   string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	MuxerConfigFile     string
	MuxerConfig         string // Inline activation blob, used when no file is given
	LogLevel            string
	LogFormat           string
}

// MuxerSettings is the decoded activation blob.
type MuxerSettings struct {
	Muxer   muxer.Config
	Workers int
}

// activationBlob mirrors the keys of the activation document. Pointers
// distinguish an absent key from an explicit zero.
type activationBlob struct {
	Timeout      *int64 `yaml:"timeout"`
	MaxBatchSize *int   `yaml:"maxbatchsize"`
	MaxBatches   *int   `yaml:"maxbatches"`
	Parallelism  *int   `yaml:"parallelism"`
	Workers      *int   `yaml:"workers"`
}

// flag values (populated by flag.Parse)
var (
	flagHTTPPort            string
	flagMetricsPort         string
	flagHealthPort          string
	flagServerID            string
	flagTokenPublicKeyFile  string
	flagTokenPublicKeyDir   string
	flagTokenPublicKey      string
	flagTokenIssuer         string
	flagIdleTimeout         string
	flagShutdownTimeout     string
	flagMaxRequestBytes     string
	flagDispatcherURL       string
	flagHealthCheckURL      string
	flagHealthCheckCodes    string
	flagHealthCheckMethod   string
	flagHealthCheckInterval string
	flagHealthCheckTimeout  string
	flagMuxerConfigFile     string
	flagLogLevel            string
	flagLogFormat           string
)

func init() {
	flag.StringVar(&flagHTTPPort, "http-port", "",
		"Port for HTTP and WebSocket endpoints (env: JSONRPCMUX_SERVER_HTTP_PORT)")
	flag.StringVar(&flagMetricsPort, "metrics-port", "",
		"Port for /metrics endpoint; if empty, served on main port (env: JSONRPCMUX_SERVER_METRICS_PORT)")
	flag.StringVar(&flagHealthPort, "health-port", "",
		"Port for /health endpoint; if empty, served on main port (env: JSONRPCMUX_SERVER_HEALTH_PORT)")
	flag.StringVar(&flagServerID, "server-id", "",
		"Server ID (env: JSONRPCMUX_SERVER_SERVER_ID)")
	flag.StringVar(&flagTokenPublicKeyFile, "token-public-key-file", "",
		"Path to token public key file (env: JSONRPCMUX_SERVER_TOKEN_PUBLIC_KEY_FILE)")
	flag.StringVar(&flagTokenPublicKeyDir, "token-public-key-dir", "",
		"Directory containing token public key files for rotation (env: JSONRPCMUX_SERVER_TOKEN_PUBLIC_KEY_DIR)")
	flag.StringVar(&flagTokenPublicKey, "token-public-key", "",
		"Token public key PEM data (env: JSONRPCMUX_SERVER_TOKEN_PUBLIC_KEY)")
	flag.StringVar(&flagTokenIssuer, "token-issuer", "",
		"Expected token issuer (env: JSONRPCMUX_SERVER_TOKEN_ISSUER)")
	flag.StringVar(&flagIdleTimeout, "idle-timeout", "",
		"How long an HTTP caller waits for its batch answer (env: JSONRPCMUX_SERVER_IDLE_TIMEOUT)")
	flag.StringVar(&flagShutdownTimeout, "shutdown-timeout", "",
		"Graceful shutdown timeout for draining requests (env: JSONRPCMUX_SERVER_SHUTDOWN_TIMEOUT)")
	flag.StringVar(&flagMaxRequestBytes, "max-request-bytes", "",
		"Largest accepted HTTP request body (env: JSONRPCMUX_SERVER_MAX_REQUEST_BYTES)")
	flag.StringVar(&flagDispatcherURL, "dispatcher-url", "",
		"Upstream JSON-RPC endpoint; empty uses the built-in methods (env: JSONRPCMUX_SERVER_DISPATCHER_URL)")
	flag.StringVar(&flagHealthCheckURL, "health-check-url", "",
		"HTTP URL probed to decide dispatcher availability (env: JSONRPCMUX_SERVER_HEALTH_CHECK_URL)")
	flag.StringVar(&flagHealthCheckCodes, "health-check-codes", "",
		"Healthy status codes, e.g. 200,204 or 2xx (env: JSONRPCMUX_SERVER_HEALTH_CHECK_CODES)")
	flag.StringVar(&flagHealthCheckMethod, "health-check-method", "",
		"JSON-RPC method called on the dispatcher to decide availability (env: JSONRPCMUX_SERVER_HEALTH_CHECK_METHOD)")
	flag.StringVar(&flagHealthCheckInterval, "health-check-interval", "",
		"Interval between dispatcher health checks (env: JSONRPCMUX_SERVER_HEALTH_CHECK_INTERVAL)")
	flag.StringVar(&flagHealthCheckTimeout, "health-check-timeout", "",
		"Timeout of one dispatcher health check (env: JSONRPCMUX_SERVER_HEALTH_CHECK_TIMEOUT)")
	flag.StringVar(&flagMuxerConfigFile, "muxer-config", "",
		"Path to the muxer activation document (env: JSONRPCMUX_SERVER_MUXER_CONFIG_FILE)")
	flag.StringVar(&flagLogLevel, "log-level", "",
		"Log level: DEBUG, INFO, WARN, ERROR (env: JSONRPCMUX_SERVER_LOG_LEVEL, JSONRPCMUX_LOG_LEVEL)")
	flag.StringVar(&flagLogFormat, "log-format", "",
		"Log format: json, console (env: JSONRPCMUX_SERVER_LOG_FORMAT, JSONRPCMUX_LOG_FORMAT)")
}

// Load parses flags, reads env vars, applies defaults, and returns Config
func Load() *Config {
	flag.Parse()
	return resolve()
}

func resolve() *Config {
	return &Config{
		HTTPPort: resolveString(flagHTTPPort,
			[]string{"JSONRPCMUX_SERVER_HTTP_PORT"}, "8080"),
		MetricsPort: resolveString(flagMetricsPort,
			[]string{"JSONRPCMUX_SERVER_METRICS_PORT"}, ""),
		HealthPort: resolveString(flagHealthPort,
			[]string{"JSONRPCMUX_SERVER_HEALTH_PORT"}, ""),
		ServerID: resolveString(flagServerID,
			[]string{"JSONRPCMUX_SERVER_SERVER_ID"}, uuid.New().String()[:8]),
		TokenPublicKeyFile: resolveString(flagTokenPublicKeyFile,
			[]string{"JSONRPCMUX_SERVER_TOKEN_PUBLIC_KEY_FILE"}, ""),
		TokenPublicKeyDir: resolveString(flagTokenPublicKeyDir,
			[]string{"JSONRPCMUX_SERVER_TOKEN_PUBLIC_KEY_DIR"}, ""),
		TokenPublicKey: resolveString(flagTokenPublicKey,
			[]string{"JSONRPCMUX_SERVER_TOKEN_PUBLIC_KEY"}, ""),
		TokenIssuer: resolveString(flagTokenIssuer,
			[]string{"JSONRPCMUX_SERVER_TOKEN_ISSUER"}, "jsonrpcmux"),
		IdleTimeout: resolveDuration(flagIdleTimeout,
			[]string{"JSONRPCMUX_SERVER_IDLE_TIMEOUT"}, 10*time.Minute),
		ShutdownTimeout: resolveDuration(flagShutdownTimeout,
			[]string{"JSONRPCMUX_SERVER_SHUTDOWN_TIMEOUT"}, 30*time.Second),
		MaxRequestBytes: resolveInt64(flagMaxRequestBytes,
			[]string{"JSONRPCMUX_SERVER_MAX_REQUEST_BYTES"}, 1<<20),
		DispatcherURL: resolveString(flagDispatcherURL,
			[]string{"JSONRPCMUX_SERVER_DISPATCHER_URL"}, ""),
		HealthCheckURL: resolveString(flagHealthCheckURL,
			[]string{"JSONRPCMUX_SERVER_HEALTH_CHECK_URL"}, ""),
		HealthCheckCodes: resolveString(flagHealthCheckCodes,
			[]string{"JSONRPCMUX_SERVER_HEALTH_CHECK_CODES"}, "200"),
		HealthCheckMethod: resolveString(flagHealthCheckMethod,
			[]string{"JSONRPCMUX_SERVER_HEALTH_CHECK_METHOD"}, ""),
		HealthCheckInterval: resolveDuration(flagHealthCheckInterval,
			[]string{"JSONRPCMUX_SERVER_HEALTH_CHECK_INTERVAL"}, 10*time.Second),
		HealthCheckTimeout: resolveDuration(flagHealthCheckTimeout,
			[]string{"JSONRPCMUX_SERVER_HEALTH_CHECK_TIMEOUT"}, 5*time.Second),
		MuxerConfigFile: resolveString(flagMuxerConfigFile,
			[]string{"JSONRPCMUX_SERVER_MUXER_CONFIG_FILE"}, ""),
		MuxerConfig: resolveString("",
			[]string{"JSONRPCMUX_SERVER_MUXER_CONFIG"}, ""),
		LogLevel: resolveString(flagLogLevel,
			[]string{"JSONRPCMUX_SERVER_LOG_LEVEL", "JSONRPCMUX_LOG_LEVEL"}, "INFO"),
		LogFormat: resolveString(flagLogFormat,
			[]string{"JSONRPCMUX_SERVER_LOG_FORMAT", "JSONRPCMUX_LOG_FORMAT"}, "json"),
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

// resolveDuration returns duration from: flag, env vars, default
// Supports both duration strings ("10s", "1m") and plain seconds ("60")
func resolveDuration(flagVal string, envVars []string, defaultVal time.Duration) time.Duration {
	return protocol.ParseDuration(resolveString(flagVal, envVars, ""), defaultVal)
}

// resolveInt64 returns int64 from: flag, env vars, default
func resolveInt64(flagVal string, envVars []string, defaultVal int64) int64 {
	val := resolveString(flagVal, envVars, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return parsed
}

// maxTimeoutMillis is the largest timeout that fits in a time.Duration.
const maxTimeoutMillis = math.MaxInt64 / int64(time.Millisecond)

// ParseMuxerSettings decodes an activation document. Both JSON and YAML are
// accepted; absent keys keep their defaults and timeout is in milliseconds.
func ParseMuxerSettings(data []byte) (MuxerSettings, error) {
	settings := MuxerSettings{Muxer: muxer.DefaultConfig(), Workers: DefaultWorkers}
	if strings.TrimSpace(string(data)) == "" {
		return settings, nil
	}

	var blob activationBlob
	if err := yaml.Unmarshal(data, &blob); err != nil {
		return settings, fmt.Errorf("failed to parse muxer configuration: %w", err)
	}
	if blob.Timeout != nil {
		if *blob.Timeout < 0 {
			return settings, fmt.Errorf("timeout must not be negative, got %d", *blob.Timeout)
		}
		if *blob.Timeout > maxTimeoutMillis {
			return settings, fmt.Errorf("timeout must not exceed %d ms, got %d", maxTimeoutMillis, *blob.Timeout)
		}
		settings.Muxer.Timeout = time.Duration(*blob.Timeout) * time.Millisecond
	}
	if blob.MaxBatchSize != nil {
		settings.Muxer.MaxBatchSize = *blob.MaxBatchSize
	}
	if blob.MaxBatches != nil {
		settings.Muxer.MaxBatches = *blob.MaxBatches
	}
	if blob.Parallelism != nil {
		settings.Muxer.Parallelism = *blob.Parallelism
	}
	if blob.Workers != nil {
		settings.Workers = *blob.Workers
	}

	if err := settings.Muxer.Validate(); err != nil {
		return settings, err
	}
	if settings.Workers < 1 {
		return settings, fmt.Errorf("workers must be at least 1, got %d", settings.Workers)
	}
	return settings, nil
}

// LoadMuxerSettings reads the activation document from the configured file,
// falling back to the inline value and then to defaults.
func (c *Config) LoadMuxerSettings() (MuxerSettings, error) {
	if c.MuxerConfigFile != "" {
		data, err := os.ReadFile(c.MuxerConfigFile)
		if err != nil {
			return MuxerSettings{}, fmt.Errorf("failed to read muxer configuration %s: %w", c.MuxerConfigFile, err)
		}
		return ParseMuxerSettings(data)
	}
	return ParseMuxerSettings([]byte(c.MuxerConfig))
}

// AuthEnabled reports whether any token public key source is configured.
func (c *Config) AuthEnabled() bool {
	return c.TokenPublicKeyFile != "" || c.TokenPublicKey != "" || c.TokenPublicKeyDir != ""
}

// LoadRSAPublicKey loads an RSA public key from PEM-encoded data
func LoadRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaKey, nil
}

// Validate checks that config values are usable and returns an error if not
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("--http-port must not be empty")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("--idle-timeout must be positive")
	}
	if c.MaxRequestBytes <= 0 {
		return fmt.Errorf("--max-request-bytes must be positive")
	}
	if c.HealthCheckURL != "" && c.HealthCheckMethod != "" {
		return fmt.Errorf("--health-check-url and --health-check-method are mutually exclusive")
	}
	if c.HealthCheckURL != "" {
		if _, err := health.ParseStatusCodes(c.HealthCheckCodes); err != nil {
			return fmt.Errorf("invalid --health-check-codes: %w", err)
		}
	}
	if (c.HealthCheckURL != "" || c.HealthCheckMethod != "") && c.HealthCheckInterval <= 0 {
		return fmt.Errorf("--health-check-interval must be positive")
	}
	if _, err := c.LoadMuxerSettings(); err != nil {
		return err
	}
	return nil
}

// LoadTokenPublicKeys loads the token public key(s) from file, directory, or inline value
// Returns multiple keys to support key rotation
func (c *Config) LoadTokenPublicKeys() ([]*rsa.PublicKey, error) {
	var keys []*rsa.PublicKey

	// Load from directory (supports multiple keys for rotation)
	if c.TokenPublicKeyDir != "" {
		entries, err := os.ReadDir(c.TokenPublicKeyDir)
		if err != nil {
			return nil, fmt.Errorf("failed to read token public key directory %s: %w", c.TokenPublicKeyDir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if !strings.HasSuffix(name, ".pem") && !strings.HasSuffix(name, ".pub") {
				continue
			}
			path := filepath.Join(c.TokenPublicKeyDir, name)
			pemData, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
			}
			key, err := LoadRSAPublicKey(pemData)
			if err != nil {
				return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
			}
			keys = append(keys, key)
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("no valid public key files found in %s", c.TokenPublicKeyDir)
		}
		return keys, nil
	}

	if c.TokenPublicKeyFile != "" {
		pemData, err := os.ReadFile(c.TokenPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read token public key file %s: %w", c.TokenPublicKeyFile, err)
		}
		key, err := LoadRSAPublicKey(pemData)
		if err != nil {
			return nil, err
		}
		return []*rsa.PublicKey{key}, nil
	}

	if c.TokenPublicKey != "" {
		key, err := LoadRSAPublicKey([]byte(c.TokenPublicKey))
		if err != nil {
			return nil, err
		}
		return []*rsa.PublicKey{key}, nil
	}

	return nil, fmt.Errorf("no token public key configured")
}

// LogFields returns key-value pairs for structured logging of config
func (c *Config) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"httpPort":          c.HTTPPort,
		"metricsPort":       c.MetricsPort,
		"healthPort":        c.HealthPort,
		"serverID":          c.ServerID,
		"authEnabled":       c.AuthEnabled(),
		"tokenIssuer":       c.TokenIssuer,
		"idleTimeout":       c.IdleTimeout.String(),
		"shutdownTimeout":   c.ShutdownTimeout.String(),
		"maxRequestBytes":   c.MaxRequestBytes,
		"dispatcherURL":     c.DispatcherURL,
		"healthCheckURL":    c.HealthCheckURL,
		"healthCheckMethod": c.HealthCheckMethod,
		"muxerConfigFile":   c.MuxerConfigFile,
		"logLevel":          c.LogLevel,
		"logFormat":         c.LogFormat,
	}
}
