package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	errs "jsonrpcmux/server/errors"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/rs/zerolog"
)

type stubAuthorizer struct {
	allowed map[string]bool
}

func (a stubAuthorizer) AuthorizeMethod(token, method string) error {
	if token == "" {
		return fmt.Errorf("missing token")
	}
	if !a.allowed[method] {
		return fmt.Errorf("method %q not permitted", method)
	}
	return nil
}

func rpcCode(t *testing.T, err error) int32 {
	t.Helper()
	var rpcErr *jrpc2.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected *jrpc2.Error, got %T: %v", err, err)
	}
	return int32(rpcErr.Code)
}

func TestLocalBuiltins(t *testing.T) {
	d := NewLocal(Builtins(), nil, zerolog.Nop())
	defer d.Close()

	tests := []struct {
		name   string
		method string
		params string
		want   string
	}{
		{"echo object", "echo", `{"a":1}`, `{"a":1}`},
		{"echo array", "echo", `[1,"two"]`, `[1,"two"]`},
		{"echo without params", "echo", "", "null"},
		{"add", "add", `[1,2,3.5]`, "6.5"},
		{"sleep", "sleep", `{"ms":1}`, `"slept 1ms"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Invoke(context.Background(), 1, 1, "", tt.method, tt.params)
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Invoke() = %s, want %s", got, tt.want)
			}
		})
	}

	got, err := d.Invoke(context.Background(), 1, 2, "", "time", "")
	if err != nil || !strings.Contains(got, "T") {
		t.Errorf("time returned %s, %v", got, err)
	}
}

func TestLocalErrors(t *testing.T) {
	d := NewLocal(Builtins(), nil, zerolog.Nop())
	defer d.Close()

	_, err := d.Invoke(context.Background(), 1, 1, "", "nosuch", "")
	if c := rpcCode(t, err); c != int32(errs.CodeMethodNotFound) {
		t.Errorf("Expected method-not-found code, got %d", c)
	}

	_, err = d.Invoke(context.Background(), 1, 1, "", "sleep", `{"ms":-5}`)
	if err == nil {
		t.Fatal("Expected error for negative sleep")
	}
}

func TestAuthorization(t *testing.T) {
	authz := stubAuthorizer{allowed: map[string]bool{"echo": true}}
	d := NewLocal(Builtins(), authz, zerolog.Nop())
	defer d.Close()

	if _, err := d.Invoke(context.Background(), 1, 1, "tok", "echo", `[1]`); err != nil {
		t.Errorf("Expected echo to be allowed, got %v", err)
	}

	for _, tc := range []struct{ token, method string }{{"tok", "add"}, {"", "echo"}} {
		_, err := d.Invoke(context.Background(), 1, 1, tc.token, tc.method, `[1]`)
		if c := rpcCode(t, err); c != int32(errs.CodePermissionDenied) {
			t.Errorf("%s with token %q: expected permission denied, got %d", tc.method, tc.token, c)
		}
	}
}

func TestRemoteDispatcher(t *testing.T) {
	bridge := jhttp.NewBridge(Builtins(), nil)
	defer bridge.Close()
	srv := httptest.NewServer(bridge)
	defer srv.Close()

	d := NewRemote(srv.URL, nil, zerolog.Nop())
	defer d.Close()

	if d.Name() != "remote" {
		t.Errorf("Expected name remote, got %s", d.Name())
	}
	got, err := d.Invoke(context.Background(), 1, 1, "", "add", `[2,2]`)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got != "4" {
		t.Errorf("Expected 4, got %s", got)
	}

	_, err = d.Invoke(context.Background(), 1, 2, "", "nosuch", `{}`)
	if c := rpcCode(t, err); c != int32(errs.CodeMethodNotFound) {
		t.Errorf("Expected method-not-found code, got %d", c)
	}
}

type countingInvoker struct {
	calls  int
	closed bool
}

func (c *countingInvoker) Invoke(ctx context.Context, channelID uint32, id int64, token, method, params string) (string, error) {
	c.calls++
	return "true", nil
}

func (c *countingInvoker) Close() error {
	c.closed = true
	return nil
}

func TestGuard(t *testing.T) {
	inner := &countingInvoker{}
	g := NewGuard(inner, false, zerolog.Nop())

	if g.Available() {
		t.Error("Expected guard to start unavailable")
	}
	_, err := g.Invoke(context.Background(), 1, 1, "", "echo", "")
	if c := rpcCode(t, err); c != int32(errs.CodeUnavailable) {
		t.Errorf("Expected unavailable code, got %d", c)
	}

	g.SetAvailable(true)
	if out, err := g.Invoke(context.Background(), 1, 1, "", "echo", ""); err != nil || out != "true" {
		t.Errorf("Expected forwarded call, got %s, %v", out, err)
	}
	if inner.calls != 1 {
		t.Errorf("Expected 1 forwarded call, got %d", inner.calls)
	}

	if err := g.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !inner.closed {
		t.Error("Expected Release to close the wrapped dispatcher")
	}
	g.SetAvailable(true)
	if g.Available() {
		t.Error("Expected guard to stay unavailable after release")
	}
	if err := g.Release(); err != nil {
		t.Errorf("Second Release() error = %v", err)
	}
}
