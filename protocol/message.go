package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC protocol version marker written on every response.
const Version = "2.0"

var (
	// ErrNotArray is returned by ParseBatch when the payload is valid JSON
	// but not an array of messages.
	ErrNotArray = errors.New("message batch is not a JSON array")
	// ErrMalformed is returned when the payload is not valid JSON.
	ErrMalformed = errors.New("malformed JSON")
)

// Message is a single JSON-RPC call. Inside a batch it is one element of the
// array; on the WebSocket transport it is also the envelope whose Params
// carries the batch.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ErrorObject is the "error" member of a JSON-RPC response.
type ErrorObject struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Response is a JSON-RPC response. ID is nil only when the request id could
// not be determined (unparseable input).
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// NewResult builds a success response carrying result.
func NewResult(id int64, result json.RawMessage) Response {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Response{JSONRPC: Version, ID: &id, Result: result}
}

// NewError builds an error response. A nil id renders as JSON null.
func NewError(id *int64, errObj *ErrorObject) Response {
	return Response{JSONRPC: Version, ID: id, Error: errObj}
}

// Marshal encodes r. Response only holds JSON-safe members, so encoding
// cannot fail for values built by this package.
func (r Response) Marshal() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":%q}}`, err.Error()))
	}
	return data
}

// RawValue turns dispatcher output text into a JSON value: valid JSON passes
// through untouched, anything else is encoded as a JSON string.
func RawValue(output string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(output))
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(output)
	return quoted
}

// ParseBatch decodes an ordered array of JSON-RPC messages. It reports
// ErrMalformed for invalid JSON, ErrNotArray for non-array input, and a
// wrapped ErrMalformed naming the offending index when an element is not a
// decodable message object. An empty array is returned as an empty slice
// without error; emptiness is a policy decision for the caller.
func ParseBatch(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, ErrMalformed
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotArray
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msgs := make([]Message, len(elements))
	for i, elem := range elements {
		elem = bytes.TrimSpace(elem)
		if len(elem) == 0 || elem[0] != '{' {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrMalformed, i)
		}
		if err := json.Unmarshal(elem, &msgs[i]); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformed, i, err)
		}
	}
	return msgs, nil
}

// ParseEnvelope decodes a single JSON-RPC message object, as received on
// the WebSocket transport.
func ParseEnvelope(data []byte) (Message, error) {
	var msg Message
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, ErrMalformed
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}
