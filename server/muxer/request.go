package muxer

import (
	"encoding/json"

	"jsonrpcmux/protocol"
)

// Request is one call of a batch. Output, ErrorCode and Completed are
// written once, under the owning batch lock.
type Request struct {
	ID         int64
	Designator string
	Parameters string

	// Output holds the result text on success and the error message when
	// ErrorCode is nonzero.
	Output    string
	ErrorCode int32
	Completed bool

	started bool
}

func newRequests(msgs []protocol.Message) []*Request {
	requests := make([]*Request, len(msgs))
	for i, msg := range msgs {
		requests[i] = &Request{
			ID:         msg.ID,
			Designator: msg.Method,
			Parameters: string(msg.Params),
		}
	}
	return requests
}

// response renders the request outcome as a JSON-RPC response.
func (r *Request) response() protocol.Response {
	if r.ErrorCode != 0 {
		id := r.ID
		return protocol.NewError(&id, &protocol.ErrorObject{Code: r.ErrorCode, Message: r.Output})
	}
	return protocol.NewResult(r.ID, protocol.RawValue(r.Output))
}

// aggregate encodes responses as one JSON array in the given order.
func aggregate(requests []*Request) json.RawMessage {
	parts := make([]json.RawMessage, len(requests))
	for i, r := range requests {
		parts[i] = r.response().Marshal()
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}
