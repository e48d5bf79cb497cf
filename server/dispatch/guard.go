package dispatch

import (
	"context"
	"io"
	"sync/atomic"

	errs "jsonrpcmux/server/errors"

	"github.com/creachadair/jrpc2"
	"github.com/rs/zerolog"
)

// Invoker is a dispatcher without availability reporting.
type Invoker interface {
	Invoke(ctx context.Context, channelID uint32, id int64, token, method, params string) (string, error)
}

// Guard wraps an Invoker with an availability flag. The health checker
// toggles it with SetAvailable; Release disables it for good.
type Guard struct {
	inner     Invoker
	available atomic.Bool
	released  atomic.Bool
	logger    zerolog.Logger
}

// NewGuard wraps inner. available is the initial state.
func NewGuard(inner Invoker, available bool, logger zerolog.Logger) *Guard {
	g := &Guard{
		inner:  inner,
		logger: logger.With().Str("component", "dispatch-guard").Logger(),
	}
	g.available.Store(available)
	return g
}

// Available reports whether calls may be dispatched.
func (g *Guard) Available() bool {
	return !g.released.Load() && g.available.Load()
}

// SetAvailable records the upstream state. It has no effect after Release.
func (g *Guard) SetAvailable(available bool) {
	if g.released.Load() {
		return
	}
	if g.available.Swap(available) != available {
		g.logger.Info().Bool("available", available).Msg("Dispatcher availability changed")
	}
}

// Invoke forwards to the wrapped dispatcher while available.
func (g *Guard) Invoke(ctx context.Context, channelID uint32, id int64, token, method, params string) (string, error) {
	if !g.Available() {
		return "", &jrpc2.Error{Code: errs.CodeUnavailable, Message: "dispatch unavailable"}
	}
	return g.inner.Invoke(ctx, channelID, id, token, method, params)
}

// Release permanently disables the guard and closes the wrapped dispatcher
// if it can be closed.
func (g *Guard) Release() error {
	if g.released.Swap(true) {
		return nil
	}
	g.logger.Info().Msg("Dispatcher released")
	if c, ok := g.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
