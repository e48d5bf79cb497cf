package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseBatch(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   error
		wantCount int
	}{
		{
			name:      "three messages",
			input:     `[{"id":1,"method":"a"},{"id":2,"method":"b","params":{"x":1}},{"id":3,"method":"c"}]`,
			wantCount: 3,
		},
		{
			name:      "empty array",
			input:     `[]`,
			wantCount: 0,
		},
		{
			name:    "object instead of array",
			input:   `{"id":1,"method":"a"}`,
			wantErr: ErrNotArray,
		},
		{
			name:    "truncated json",
			input:   `[{"id":1,"method":"a"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "empty input",
			input:   ``,
			wantErr: ErrMalformed,
		},
		{
			name:    "element is not an object",
			input:   `[{"id":1,"method":"a"}, 42]`,
			wantErr: ErrMalformed,
		},
		{
			name:    "string id",
			input:   `[{"id":"one","method":"a"}]`,
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := ParseBatch([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(msgs) != tt.wantCount {
				t.Errorf("Expected %d messages, got %d", tt.wantCount, len(msgs))
			}
		})
	}
}

func TestParseBatchPreservesOrderAndParams(t *testing.T) {
	msgs, err := ParseBatch([]byte(`[{"id":7,"method":"first","params":[1,2]},{"id":3,"method":"second"}]`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if msgs[0].ID != 7 || msgs[0].Method != "first" {
		t.Errorf("Unexpected first message: %+v", msgs[0])
	}
	if string(msgs[0].Params) != "[1,2]" {
		t.Errorf("Expected params [1,2], got %s", msgs[0].Params)
	}
	if msgs[1].ID != 3 || msgs[1].Method != "second" || len(msgs[1].Params) != 0 {
		t.Errorf("Unexpected second message: %+v", msgs[1])
	}
}

func TestParseEnvelope(t *testing.T) {
	msg, err := ParseEnvelope([]byte(`{"jsonrpc":"2.0","id":9,"method":"invoke","params":[{"id":1,"method":"echo"}]}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if msg.ID != 9 || msg.Method != "invoke" {
		t.Errorf("Unexpected envelope: %+v", msg)
	}

	if _, err := ParseEnvelope([]byte(`[1,2]`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for array envelope, got %v", err)
	}
}

func TestResponseMarshal(t *testing.T) {
	ok := NewResult(4, json.RawMessage(`{"v":1}`)).Marshal()
	if string(ok) != `{"jsonrpc":"2.0","id":4,"result":{"v":1}}` {
		t.Errorf("Unexpected result encoding: %s", ok)
	}

	failed := NewError(nil, &ErrorObject{Code: -32700, Message: "bad"}).Marshal()
	if string(failed) != `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"bad"}}` {
		t.Errorf("Unexpected error encoding: %s", failed)
	}

	empty := NewResult(1, nil).Marshal()
	if string(empty) != `{"jsonrpc":"2.0","id":1,"result":null}` {
		t.Errorf("Unexpected empty result encoding: %s", empty)
	}
}

func TestRawValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{` 42 `, `42`},
		{``, `null`},
		{`plain text`, `"plain text"`},
	}
	for _, tt := range tests {
		if got := string(RawValue(tt.in)); got != tt.want {
			t.Errorf("RawValue(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
