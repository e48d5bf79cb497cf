// Package dispatch executes single JSON-RPC calls on behalf of the muxer,
// either against an in-process jrpc2 server or an upstream HTTP endpoint.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	errs "jsonrpcmux/server/errors"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/creachadair/jrpc2/server"
	"github.com/rs/zerolog"
)

// Authorizer decides whether the holder of token may call method.
type Authorizer interface {
	AuthorizeMethod(token, method string) error
}

// caller is the part of *jrpc2.Client used for dispatch.
type caller interface {
	CallResult(ctx context.Context, method string, params, result interface{}) error
}

// Dispatcher forwards calls to a jrpc2 client.
type Dispatcher struct {
	name   string
	client caller
	close  func() error
	authz  Authorizer
	logger zerolog.Logger
}

// NewLocal starts an in-process jrpc2 server for methods and returns a
// dispatcher connected to it. authz may be nil.
func NewLocal(methods handler.Map, authz Authorizer, logger zerolog.Logger) *Dispatcher {
	loc := server.NewLocal(methods, nil)
	d := &Dispatcher{
		name:   "local",
		client: loc.Client,
		close:  loc.Close,
		authz:  authz,
		logger: logger.With().Str("component", "dispatch").Str("dispatcher", "local").Logger(),
	}
	d.logger.Info().Strs("methods", methods.Names()).Msg("Local dispatcher started")
	return d
}

// NewRemote returns a dispatcher that posts each call to the JSON-RPC
// endpoint at url.
func NewRemote(url string, authz Authorizer, logger zerolog.Logger) *Dispatcher {
	cli := jrpc2.NewClient(jhttp.NewChannel(url, nil), nil)
	d := &Dispatcher{
		name:   "remote",
		client: cli,
		close:  cli.Close,
		authz:  authz,
		logger: logger.With().Str("component", "dispatch").Str("dispatcher", "remote").Str("url", url).Logger(),
	}
	d.logger.Info().Msg("Remote dispatcher configured")
	return d
}

// Name reports "local" or "remote".
func (d *Dispatcher) Name() string {
	return d.name
}

// Invoke performs one call and returns its result as JSON text. Errors are
// *jrpc2.Error values whenever a code is known.
func (d *Dispatcher) Invoke(ctx context.Context, channelID uint32, id int64, token, method, params string) (string, error) {
	if d.authz != nil {
		if err := d.authz.AuthorizeMethod(token, method); err != nil {
			d.logger.Warn().Uint32("channelID", channelID).Int64("id", id).Str("method", method).Err(err).Msg("Call denied")
			return "", &jrpc2.Error{Code: errs.CodePermissionDenied, Message: err.Error()}
		}
	}

	var args interface{}
	if p := strings.TrimSpace(params); p != "" && p != "null" {
		args = json.RawMessage(p)
	}

	var result json.RawMessage
	if err := d.client.CallResult(ctx, method, args, &result); err != nil {
		return "", err
	}
	return string(result), nil
}

// Close shuts down the underlying client (and the local server, if any).
func (d *Dispatcher) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}
