package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/code"
	"github.com/creachadair/jrpc2/handler"
)

// maxSleep caps the "sleep" method.
const maxSleep = time.Minute

type sleepArgs struct {
	Ms int64 `json:"ms"`
}

// Builtins returns the demo methods served by the local dispatcher:
//
//	echo   returns its params unchanged
//	add    sums a list of numbers
//	sleep  waits {"ms": N} milliseconds
//	time   returns the current UTC time
func Builtins() handler.Map {
	return handler.Map{
		"echo":  handler.New(echo),
		"add":   handler.New(add),
		"sleep": handler.New(sleep),
		"time":  handler.New(now),
	}
}

func echo(ctx context.Context, req *jrpc2.Request) (json.RawMessage, error) {
	if !req.HasParams() {
		return json.RawMessage("null"), nil
	}
	var raw json.RawMessage
	if err := req.UnmarshalParams(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func add(ctx context.Context, vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum
}

func sleep(ctx context.Context, args sleepArgs) (string, error) {
	d := time.Duration(args.Ms) * time.Millisecond
	if d < 0 || d > maxSleep {
		return "", jrpc2.Errorf(code.InvalidParams, "sleep must be between 0 and %s", maxSleep)
	}
	select {
	case <-time.After(d):
		return "slept " + d.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func now(ctx context.Context) string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
