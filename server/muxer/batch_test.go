package muxer

import (
	"encoding/json"
	"testing"
	"time"

	"jsonrpcmux/protocol"

	"github.com/rs/zerolog"
)

func newTestBatch(transport Transport, n int) *batchState {
	msgs := make([]protocol.Message, n)
	for i := range msgs {
		msgs[i] = protocol.Message{ID: int64(i + 1), Method: "m"}
	}
	return newBatchState(1, transport, 1, 9, "", msgs, zerolog.Nop())
}

func TestBatchStateCompletesOnLastRequest(t *testing.T) {
	b := newTestBatch(TransportInvoke, 3)

	for i := 0; i < 3; i++ {
		if !b.begin(i) {
			t.Fatalf("Expected begin(%d) to succeed", i)
		}
	}
	if b.begin(0) {
		t.Error("Expected second begin of the same index to fail")
	}

	for i, wantFinished := range []bool{false, false, true} {
		accepted, finished := b.complete(i, `"x"`, nil)
		if !accepted || finished != wantFinished {
			t.Errorf("complete(%d) = %v, %v", i, accepted, finished)
		}
	}
	if b.State() != StateCompleted {
		t.Errorf("Expected completed, got %s", b.State())
	}

	if accepted, _ := b.complete(0, `"y"`, nil); accepted {
		t.Error("Expected completion after terminal state to be discarded")
	}
	if _, ok := b.abort(); ok {
		t.Error("Expected abort of a completed batch to be refused")
	}
}

func TestBatchStateAbortReturnsUnstartedJobs(t *testing.T) {
	b := newTestBatch(TransportInvoke, 3)
	for i := 0; i < 3; i++ {
		idx, _ := b.claimNext()
		b.trackJob(idx, &job{batch: b, index: idx})
	}
	b.begin(0)

	pending, ok := b.abort()
	if !ok {
		t.Fatal("Expected abort to succeed")
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 unstarted jobs, got %d", len(pending))
	}
	if _, ok := b.abort(); ok {
		t.Error("Expected second abort to be refused")
	}
	if b.begin(1) {
		t.Error("Expected begin after abort to fail")
	}
	if accepted, finished := b.complete(0, "", nil); accepted || finished {
		t.Error("Expected late completion to be discarded")
	}
	if _, ok := b.claimNext(); ok {
		t.Error("Expected cursor to stop after abort")
	}
}

func TestBatchStateCompletionStopsTimer(t *testing.T) {
	b := newTestBatch(TransportInvoke, 1)
	fired := make(chan struct{}, 1)
	b.armTimer(30*time.Millisecond, func() { fired <- struct{}{} })

	b.begin(0)
	b.complete(0, "1", nil)

	select {
	case <-fired:
		t.Error("Timer fired after completion")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestBatchResponsesShape(t *testing.T) {
	ws := newTestBatch(TransportWebSocket, 2)
	ws.begin(0)
	ws.complete(0, `{"a":1}`, nil)
	ws.begin(1)
	ws.complete(1, "", &protocol.ErrorObject{Code: -32601, Message: "nope"})

	frames := ws.responses()
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if got := string(frames[0]); got != `{"jsonrpc":"2.0","id":1,"result":{"a":1}}` {
		t.Errorf("Unexpected first frame %s", got)
	}
	if got := string(frames[1]); got != `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}` {
		t.Errorf("Unexpected second frame %s", got)
	}

	inv := newTestBatch(TransportInvoke, 2)
	inv.begin(0)
	inv.complete(0, "plain text", nil)
	inv.begin(1)
	inv.complete(1, "2", nil)

	out := inv.responses()
	if len(out) != 1 {
		t.Fatalf("Expected one aggregated response, got %d", len(out))
	}
	var resp struct {
		ID     int64             `json:"id"`
		Result []json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(out[0], &resp); err != nil {
		t.Fatalf("Bad aggregate %s: %v", out[0], err)
	}
	if resp.ID != 9 || len(resp.Result) != 2 {
		t.Fatalf("Unexpected aggregate %s", out[0])
	}
	if string(resp.Result[0]) != `{"jsonrpc":"2.0","id":1,"result":"plain text"}` {
		t.Errorf("Unexpected first element %s", resp.Result[0])
	}
}
