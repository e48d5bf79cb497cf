// Package muxer accepts arrays of JSON-RPC requests, fans them out to a
// worker pool and answers each array once every call has finished.
package muxer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"jsonrpcmux/protocol"
	errs "jsonrpcmux/server/errors"
	"jsonrpcmux/server/workerpool"

	"github.com/rs/zerolog"
)

// Dispatcher executes a single JSON-RPC call synchronously. A non-nil error
// is reported as that request's error; its code is taken from jrpc2 errors
// or derived with code.FromError.
type Dispatcher interface {
	Invoke(ctx context.Context, channelID uint32, id int64, token, method, params string) (string, error)
}

// Availability is implemented by dispatchers whose upstream can go away.
type Availability interface {
	Available() bool
}

// WorkerPool runs tasks on a bounded set of goroutines.
type WorkerPool interface {
	Submit(t workerpool.Task) error
	Revoke(t workerpool.Task) bool
}

// Submitter delivers a complete JSON-RPC message to a channel.
type Submitter interface {
	Submit(channelID uint32, payload []byte) error
}

// Channel is a WebSocket connection offered to Attach.
type Channel interface {
	ID() uint32
	Protocols() []string
	Token() string
}

// Tracker receives batch lifecycle events for metrics.
type Tracker interface {
	BatchAdmitted(transport string, size int)
	BatchRejected(transport string, reason string)
	BatchCompleted(transport string, size int, duration time.Duration)
	BatchAborted(transport string, reason string)
	RequestDispatched(method string, code int32, duration time.Duration)
}

type nopTracker struct{}

func (nopTracker) BatchAdmitted(string, int)                       {}
func (nopTracker) BatchRejected(string, string)                    {}
func (nopTracker) BatchCompleted(string, int, time.Duration)       {}
func (nopTracker) BatchAborted(string, string)                     {}
func (nopTracker) RequestDispatched(string, int32, time.Duration) {}

// Config holds the activation options of a muxer.
type Config struct {
	// Timeout is the per-batch wall-clock budget; zero disables it.
	Timeout time.Duration
	// MaxBatchSize is the largest accepted message array.
	MaxBatchSize int
	// MaxBatches is the number of batches allowed in flight at once.
	MaxBatches int
	// Parallelism bounds the jobs of one batch that are queued at once.
	// Zero submits every job at admission.
	Parallelism int
}

// DefaultConfig returns the defaults used when no activation blob is given.
func DefaultConfig() Config {
	return Config{
		Timeout:      0,
		MaxBatchSize: 10,
		MaxBatches:   5,
		Parallelism:  0,
	}
}

// Validate checks that the limits are usable.
func (c Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("maxbatchsize must be at least 1, got %d", c.MaxBatchSize)
	}
	if c.MaxBatches < 1 {
		return fmt.Errorf("maxbatches must be at least 1, got %d", c.MaxBatches)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism)
	}
	return nil
}

// Status is the synchronous outcome of Invoke.
type Status int

const (
	// StatusPending means the batch was admitted; the answer will be
	// submitted to the caller's channel later.
	StatusPending Status = iota
	// StatusRejected means the batch was refused; the returned text is the
	// JSON-RPC error response.
	StatusRejected
)

func (s Status) String() string {
	if s == StatusPending {
		return "pending"
	}
	return "rejected"
}

// Snapshot is a point-in-time view for health and metrics reporting.
type Snapshot struct {
	ActiveBatches       int
	RegisteredBatches   int
	WebSocketAttached   bool
	DispatcherAvailable bool
}

// Muxer is the batch multiplexer of one service instance.
type Muxer struct {
	cfg        Config
	pool       WorkerPool
	dispatcher Dispatcher
	submitter  Submitter
	tracker    Tracker
	logger     zerolog.Logger
	ctx        context.Context

	admission    *admissionControl
	batchCounter atomic.Uint64
	closed       atomic.Bool

	mu              sync.Mutex
	activeBatches   map[uint64]*batchState
	activeWebSocket Channel
}

// Option customises a Muxer.
type Option func(*Muxer)

// WithTracker installs a metrics tracker.
func WithTracker(t Tracker) Option {
	return func(m *Muxer) {
		if t != nil {
			m.tracker = t
		}
	}
}

// New creates a muxer. The dispatcher, pool and submitter are borrowed for
// the muxer's lifetime; Close stops using the dispatcher.
func New(cfg Config, pool WorkerPool, dispatcher Dispatcher, submitter Submitter, logger zerolog.Logger, opts ...Option) (*Muxer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("channel submitter is required")
	}

	m := &Muxer{
		cfg:           cfg,
		pool:          pool,
		dispatcher:    dispatcher,
		submitter:     submitter,
		tracker:       nopTracker{},
		logger:        logger.With().Str("component", "muxer").Logger(),
		ctx:           context.Background(),
		admission:     newAdmissionControl(cfg.MaxBatches),
		activeBatches: make(map[uint64]*batchState),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger.Info().
		Dur("timeout", cfg.Timeout).
		Int("maxBatchSize", cfg.MaxBatchSize).
		Int("maxBatches", cfg.MaxBatches).
		Int("parallelism", cfg.Parallelism).
		Msg("Muxer initialised")
	return m, nil
}

// Config returns the activation options.
func (m *Muxer) Config() Config {
	return m.cfg
}

// Invoke accepts a batch from the synchronous RPC transport. params is the
// JSON text of the message array. The aggregated answer is submitted later
// to channelID with response id id; only rejections are returned directly.
func (m *Muxer) Invoke(channelID uint32, id int64, token, method, params string) (Status, string) {
	status, rejection, _ := m.InvokeWithReason(channelID, id, token, method, params)
	return status, rejection
}

// InvokeWithReason is Invoke that also reports why a batch was rejected,
// as one of the errors.Reason* values. The reason is empty for a pending
// batch.
func (m *Muxer) InvokeWithReason(channelID uint32, id int64, token, method, params string) (Status, string, string) {
	logger := m.logger.With().Uint32("channelID", channelID).Int64("responseID", id).Str("method", method).Logger()

	msgs, errObj, reason := m.admit([]byte(params))
	if errObj != nil {
		logger.Warn().Str("reason", reason).Str("error", errObj.Message).Msg("Batch rejected")
		m.tracker.BatchRejected(string(TransportInvoke), reason)
		return StatusRejected, string(protocol.NewError(&id, errObj).Marshal()), reason
	}

	m.activate(TransportInvoke, channelID, id, token, msgs)
	return StatusPending, "", ""
}

// Attach offers a WebSocket channel. It is accepted when it negotiated the
// "json" sub-protocol and no other channel is attached.
func (m *Muxer) Attach(ch Channel) bool {
	if !hasProtocol(ch.Protocols(), protocol.SubprotocolJSON) {
		m.logger.Info().Uint32("channelID", ch.ID()).Strs("protocols", ch.Protocols()).Msg("Rejecting channel without json sub-protocol")
		return false
	}
	if m.closed.Load() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeWebSocket != nil {
		m.logger.Info().
			Uint32("channelID", ch.ID()).
			Uint32("activeChannelID", m.activeWebSocket.ID()).
			Msg("Rejecting channel: a WebSocket channel is already attached")
		return false
	}
	m.activeWebSocket = ch
	m.logger.Info().Uint32("channelID", ch.ID()).Msg("WebSocket channel attached")
	return true
}

// Detach clears the active channel if it is ch.
func (m *Muxer) Detach(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeWebSocket != nil && m.activeWebSocket.ID() == ch.ID() {
		m.activeWebSocket = nil
		m.logger.Info().Uint32("channelID", ch.ID()).Msg("WebSocket channel detached")
	}
}

// Inbound handles a raw frame from a WebSocket channel. Frames from any
// channel other than the attached one are dropped. The frame is a JSON-RPC
// message whose params is the batch array; rejections are submitted to the
// channel as error responses carrying the frame's id.
func (m *Muxer) Inbound(channelID uint32, frame []byte) {
	m.mu.Lock()
	active := m.activeWebSocket
	m.mu.Unlock()

	if active == nil || active.ID() != channelID {
		m.logger.Warn().Uint32("channelID", channelID).Int("bytes", len(frame)).Msg("Dropping frame from channel that is not attached")
		return
	}

	envelope, err := protocol.ParseEnvelope(frame)
	if err != nil {
		m.logger.Warn().Err(err).Uint32("channelID", channelID).Msg("Batch rejected")
		m.tracker.BatchRejected(string(TransportWebSocket), errs.ReasonParse)
		m.deliver(channelID, protocol.NewError(nil, errs.ParseFailure(err)).Marshal())
		return
	}

	id := envelope.ID
	msgs, errObj, reason := m.admit(envelope.Params)
	if errObj != nil {
		m.logger.Warn().Uint32("channelID", channelID).Int64("responseID", id).Str("reason", reason).Str("error", errObj.Message).Msg("Batch rejected")
		m.tracker.BatchRejected(string(TransportWebSocket), reason)
		m.deliver(channelID, protocol.NewError(&id, errObj).Marshal())
		return
	}

	m.activate(TransportWebSocket, channelID, id, active.Token(), msgs)
}

// admit runs the validation sequence shared by both transports and claims
// an admission slot. On success the caller owns the slot.
func (m *Muxer) admit(params []byte) ([]protocol.Message, *protocol.ErrorObject, string) {
	if !m.dispatcherAvailable() {
		return nil, errs.DispatchUnavailable(), errs.ReasonUnavailable
	}

	msgs, err := protocol.ParseBatch(params)
	if err != nil {
		return nil, errs.ParseFailure(err), errs.ReasonParse
	}
	if len(msgs) == 0 {
		return nil, errs.EmptyBatch(), errs.ReasonEmpty
	}
	if len(msgs) > m.cfg.MaxBatchSize {
		return nil, errs.BatchTooLarge(m.cfg.MaxBatchSize), errs.ReasonTooLarge
	}
	if !m.admission.TryClaimSlot() {
		return nil, errs.TooManyBatches(m.cfg.MaxBatches), errs.ReasonTooManyBatches
	}
	return msgs, nil, ""
}

// activate registers an admitted batch and submits its first jobs.
func (m *Muxer) activate(transport Transport, channelID uint32, responseID int64, token string, msgs []protocol.Message) {
	id := m.batchCounter.Add(1)
	logger := m.logger.With().
		Uint64("batchID", id).
		Str("transport", string(transport)).
		Uint32("channelID", channelID).
		Int64("responseID", responseID).
		Logger()
	b := newBatchState(id, transport, channelID, responseID, token, msgs, logger)

	// Close flips closed before it collects the registered batches, so a
	// batch that sees closed still unset here is one Close will abort.
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		m.abort(b, errs.ReasonShutdown, errs.ShuttingDown())
		return
	}
	m.activeBatches[id] = b
	m.mu.Unlock()

	if m.cfg.Timeout > 0 {
		budget := m.cfg.Timeout
		b.armTimer(budget, func() {
			m.abort(b, errs.ReasonTimeout, errs.Timeout(budget))
		})
	}

	m.tracker.BatchAdmitted(string(transport), len(msgs))
	logger.Info().Int("size", len(msgs)).Int("activeBatches", m.admission.Active()).Msg("Batch admitted")

	initial := len(b.requests)
	if m.cfg.Parallelism > 0 && m.cfg.Parallelism < initial {
		initial = m.cfg.Parallelism
	}
	for n := 0; n < initial; n++ {
		i, ok := b.claimNext()
		if !ok {
			return
		}
		m.dispatch(b, i)
	}
}

// dispatch submits the job for index i. If the pool refuses it, the request
// fails in place and, in drip-feed mode, the next index is tried.
func (m *Muxer) dispatch(b *batchState, i int) {
	for {
		j := &job{m: m, batch: b, index: i}
		b.trackJob(i, j)
		err := m.pool.Submit(j)
		if err == nil {
			return
		}

		b.logger.Error().Err(err).Int("index", i).Msg("Failed to submit job")
		if !b.begin(i) {
			return
		}
		accepted, finished := b.complete(i, "", errs.New(errs.CodeUnavailable, "worker pool unavailable: %v", err))
		if finished {
			m.finish(b)
			return
		}
		if !accepted || m.cfg.Parallelism == 0 {
			return
		}
		next, ok := b.claimNext()
		if !ok {
			return
		}
		i = next
	}
}

// finish delivers the answer of a completed batch and releases its slot.
// Only the goroutine that observed the Completed transition calls it.
func (m *Muxer) finish(b *batchState) {
	for _, payload := range b.responses() {
		m.deliver(b.channelID, payload)
	}
	m.release(b)

	duration := time.Since(b.startTime)
	m.tracker.BatchCompleted(string(b.transport), len(b.requests), duration)
	b.logger.Info().Int("size", len(b.requests)).Dur("duration", duration).Msg("Batch completed")
}

// abort terminates an in-progress batch with a single error response.
// Jobs that have not started are revoked; jobs already running finish but
// their results are discarded. A batch that already reached a terminal
// state is left alone.
func (m *Muxer) abort(b *batchState, reason string, errObj *protocol.ErrorObject) {
	pending, ok := b.abort()
	if !ok {
		return
	}

	revoked := 0
	for _, j := range pending {
		if m.pool.Revoke(j) {
			revoked++
		}
	}

	id := b.responseID
	m.deliver(b.channelID, protocol.NewError(&id, errObj).Marshal())
	m.release(b)

	m.tracker.BatchAborted(string(b.transport), reason)
	b.logger.Warn().
		Str("reason", reason).
		Int("revokedJobs", revoked).
		Dur("elapsed", time.Since(b.startTime)).
		Msg("Batch aborted")
}

func (m *Muxer) release(b *batchState) {
	m.mu.Lock()
	delete(m.activeBatches, b.id)
	m.mu.Unlock()
	m.admission.ReleaseSlot()
}

func (m *Muxer) deliver(channelID uint32, payload []byte) {
	if err := m.submitter.Submit(channelID, payload); err != nil {
		m.logger.Warn().Err(err).Uint32("channelID", channelID).Msg("Failed to deliver response")
	}
}

func (m *Muxer) dispatcherAvailable() bool {
	if m.closed.Load() || m.dispatcher == nil {
		return false
	}
	if a, ok := m.dispatcher.(Availability); ok {
		return a.Available()
	}
	return true
}

// Close aborts every batch still in progress and stops using the
// dispatcher. Later calls to Invoke and Inbound fail with "dispatch
// unavailable". Close is idempotent.
func (m *Muxer) Close() {
	if m.closed.Swap(true) {
		return
	}

	m.mu.Lock()
	batches := make([]*batchState, 0, len(m.activeBatches))
	for _, b := range m.activeBatches {
		batches = append(batches, b)
	}
	m.activeWebSocket = nil
	m.mu.Unlock()

	for _, b := range batches {
		m.abort(b, errs.ReasonShutdown, errs.ShuttingDown())
	}
	m.logger.Info().Int("abortedBatches", len(batches)).Msg("Muxer closed")
}

// Snapshot reports current counters.
func (m *Muxer) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ActiveBatches:       m.admission.Active(),
		RegisteredBatches:   len(m.activeBatches),
		WebSocketAttached:   m.activeWebSocket != nil,
		DispatcherAvailable: m.dispatcherAvailable(),
	}
}

func hasProtocol(protocols []string, want string) bool {
	for _, p := range protocols {
		if p == want {
			return true
		}
	}
	return false
}
