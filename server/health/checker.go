// Package health probes the upstream dispatcher and reports availability
// transitions.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the health state of the upstream dispatcher
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// StatusCodeMatcher checks if a status code is acceptable
type StatusCodeMatcher struct {
	ranges [][2]int // pairs of [min, max] inclusive
}

// ParseStatusCodes parses a status code specification like "200-299" or "200,204,301-399"
func ParseStatusCodes(spec string) (*StatusCodeMatcher, error) {
	matcher := &StatusCodeMatcher{}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.SplitN(part, "-", 2)
			min, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid status code: %s", rangeParts[0])
			}
			max, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid status code: %s", rangeParts[1])
			}
			if min > max {
				return nil, fmt.Errorf("invalid range: min > max in %s", part)
			}
			matcher.ranges = append(matcher.ranges, [2]int{min, max})
		} else {
			code, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid status code: %s", part)
			}
			matcher.ranges = append(matcher.ranges, [2]int{code, code})
		}
	}

	if len(matcher.ranges) == 0 {
		return nil, fmt.Errorf("no valid status codes in spec: %s", spec)
	}

	return matcher, nil
}

// Matches returns true if the status code is acceptable
func (m *StatusCodeMatcher) Matches(code int) bool {
	for _, r := range m.ranges {
		if code >= r[0] && code <= r[1] {
			return true
		}
	}
	return false
}

// Probe performs one health check. A nil error means healthy; the returned
// reason labels failures in logs.
type Probe func(ctx context.Context) (reason string, err error)

// HTTPProbe checks that a GET of url answers with an accepted status.
func HTTPProbe(client *http.Client, url string, matcher *StatusCodeMatcher) Probe {
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "request_error", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "connection_error", err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if !matcher.Matches(resp.StatusCode) {
			return "bad_status", fmt.Errorf("status=%d", resp.StatusCode)
		}
		return "", nil
	}
}

// Invoker is the dispatcher call used by RPCProbe.
type Invoker interface {
	Invoke(ctx context.Context, channelID uint32, id int64, token, method, params string) (string, error)
}

// RPCProbe checks that method can be called through d. It is used when the
// upstream has no HTTP health endpoint.
func RPCProbe(d Invoker, method string) Probe {
	return func(ctx context.Context) (string, error) {
		if _, err := d.Invoke(ctx, 0, 0, "", method, ""); err != nil {
			return "rpc_error", err
		}
		return "", nil
	}
}

// Config holds health checker configuration
type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
	Probe            Probe
}

// Checker performs periodic health checks against the upstream
type Checker struct {
	config Config
	logger zerolog.Logger

	state           State
	consecutiveOK   int
	consecutiveFail int
	stateMu         sync.RWMutex

	stateChangeCh chan State
	stopCh        chan struct{}
	stoppedCh     chan struct{}
}

// NewChecker creates a new health checker
func NewChecker(cfg Config, logger zerolog.Logger) *Checker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	return &Checker{
		config:        cfg,
		logger:        logger.With().Str("component", "healthcheck").Logger(),
		state:         StateUnknown,
		stateChangeCh: make(chan State, 10),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// StateChanges returns a channel that receives state changes. It is closed
// when the checker stops.
func (c *Checker) StateChanges() <-chan State {
	return c.stateChangeCh
}

// CurrentState returns the current health state
func (c *Checker) CurrentState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Start begins periodic health checking in a goroutine
func (c *Checker) Start() {
	go c.run()
}

// Stop signals the checker to stop and waits for it to finish
func (c *Checker) Stop() {
	close(c.stopCh)
	<-c.stoppedCh
}

func (c *Checker) run() {
	defer close(c.stoppedCh)
	defer close(c.stateChangeCh)

	c.check()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug().Msg("Health checker stopping")
			return
		case <-ticker.C:
			c.check()
		}
	}
}

func (c *Checker) check() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	reason, err := c.config.Probe(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("reason", reason).Msg("Health check failed")
		c.recordFailure(reason, err.Error())
		return
	}
	c.logger.Debug().Msg("Health check passed")
	c.recordSuccess()
}

func (c *Checker) recordSuccess() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.consecutiveFail = 0
	c.consecutiveOK++

	if c.consecutiveOK >= c.config.SuccessThreshold && c.state != StateHealthy {
		c.transition(StateHealthy).Int("consecutiveOK", c.consecutiveOK).Msg("Upstream health state changed")
	}
}

func (c *Checker) recordFailure(reason, detail string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.consecutiveOK = 0
	c.consecutiveFail++

	if c.consecutiveFail >= c.config.FailureThreshold && c.state != StateUnhealthy {
		c.transition(StateUnhealthy).
			Str("reason", reason).
			Str("detail", detail).
			Int("consecutiveFail", c.consecutiveFail).
			Msg("Upstream health state changed")
	}
}

// transition sets the new state and notifies listeners without blocking.
// c.stateMu must be held.
func (c *Checker) transition(to State) *zerolog.Event {
	from := c.state
	c.state = to

	select {
	case c.stateChangeCh <- to:
	default:
		c.logger.Warn().Msg("State change channel full, dropping notification")
	}

	ev := c.logger.Info()
	if to == StateUnhealthy {
		ev = c.logger.Warn()
	}
	return ev.Str("oldState", string(from)).Str("newState", string(to))
}

// Follow applies every state change to set until the checker stops.
func (c *Checker) Follow(set func(available bool)) {
	for state := range c.StateChanges() {
		set(state == StateHealthy)
	}
}
