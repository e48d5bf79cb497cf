package muxer

import (
	"sync"
	"time"

	"jsonrpcmux/protocol"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a batch. Completed and Aborted are
// terminal and mutually exclusive.
type State int

const (
	StateInProgress State = iota
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transport identifies how a batch arrived and therefore how its answer is
// shaped.
type Transport string

const (
	// TransportInvoke batches are answered with one response whose result
	// is the ordered array of per-message responses.
	TransportInvoke Transport = "invoke"
	// TransportWebSocket batches are answered with one response frame per
	// message, in input order.
	TransportWebSocket Transport = "websocket"
)

// batchState is the administrative record of one admitted batch.
type batchState struct {
	id         uint64
	transport  Transport
	channelID  uint32
	responseID int64
	token      string
	startTime  time.Time
	logger     zerolog.Logger

	// requests never changes length after creation.
	requests []*Request

	mu          sync.Mutex
	jobs        []*job
	nextIndex   int
	outstanding int
	state       State
	timer       *time.Timer
}

func newBatchState(id uint64, transport Transport, channelID uint32, responseID int64, token string, msgs []protocol.Message, logger zerolog.Logger) *batchState {
	requests := newRequests(msgs)
	return &batchState{
		id:          id,
		transport:   transport,
		channelID:   channelID,
		responseID:  responseID,
		token:       token,
		startTime:   time.Now(),
		logger:      logger,
		requests:    requests,
		jobs:        make([]*job, len(requests)),
		outstanding: len(requests),
		state:       StateInProgress,
	}
}

// State returns the current lifecycle state.
func (b *batchState) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// claimNext advances the dispatch cursor and returns the index it passed.
func (b *batchState) claimNext() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateInProgress || b.nextIndex >= len(b.requests) {
		return 0, false
	}
	i := b.nextIndex
	b.nextIndex++
	return i, true
}

// trackJob records the job bound to index i so that an abort can revoke it.
func (b *batchState) trackJob(i int, j *job) {
	b.mu.Lock()
	b.jobs[i] = j
	b.mu.Unlock()
}

// begin marks request i as started. It refuses when the batch has left
// InProgress or the request was already started, so no index is dispatched
// twice.
func (b *batchState) begin(i int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := b.requests[i]
	if b.state != StateInProgress || req.started || req.Completed {
		return false
	}
	req.started = true
	return true
}

// complete records the outcome of request i. accepted is false when the
// batch is no longer in progress and the outcome was discarded. finished is
// true for exactly one caller per batch: the one whose decrement reached
// zero and moved the batch to Completed.
func (b *batchState) complete(i int, output string, errObj *protocol.ErrorObject) (accepted, finished bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateInProgress {
		return false, false
	}
	req := b.requests[i]
	if req.Completed {
		return false, false
	}
	if errObj != nil {
		req.ErrorCode = errObj.Code
		req.Output = errObj.Message
	} else {
		req.Output = output
	}
	req.Completed = true
	b.outstanding--
	if b.outstanding == 0 {
		b.state = StateCompleted
		b.stopTimerLocked()
		return true, true
	}
	return true, false
}

// abort moves the batch to Aborted if it is still in progress and returns
// the jobs whose requests have not started yet. ok is false when another
// terminal transition already happened.
func (b *batchState) abort() (pending []*job, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateInProgress {
		return nil, false
	}
	b.state = StateAborted
	b.stopTimerLocked()
	for i, j := range b.jobs {
		if j != nil && !b.requests[i].started {
			pending = append(pending, j)
		}
	}
	return pending, true
}

// armTimer schedules fn after budget. It must be called before any job of
// the batch is submitted.
func (b *batchState) armTimer(budget time.Duration, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = time.AfterFunc(budget, fn)
}

func (b *batchState) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
}

// responses renders the final answer for a completed batch. Only valid
// after the Completed transition, when no job writes to requests anymore.
func (b *batchState) responses() [][]byte {
	if b.transport == TransportWebSocket {
		out := make([][]byte, len(b.requests))
		for i, r := range b.requests {
			out[i] = r.response().Marshal()
		}
		return out
	}
	return [][]byte{protocol.NewResult(b.responseID, aggregate(b.requests)).Marshal()}
}
