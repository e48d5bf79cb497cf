package muxer

import (
	"time"

	"jsonrpcmux/protocol"
	errs "jsonrpcmux/server/errors"
)

// job dispatches the request at one index of one batch.
type job struct {
	m     *Muxer
	batch *batchState
	index int
}

// Run implements workerpool.Task.
func (j *job) Run() {
	m, b := j.m, j.batch
	if !b.begin(j.index) {
		b.logger.Debug().Int("index", j.index).Msg("Skipping stale job")
		return
	}

	req := b.requests[j.index]
	start := time.Now()
	output, errObj := m.call(b, req)
	m.tracker.RequestDispatched(req.Designator, codeOf(errObj), time.Since(start))

	b.logger.Debug().
		Int("index", j.index).
		Int64("id", req.ID).
		Str("method", req.Designator).
		Dur("duration", time.Since(start)).
		Bool("failed", errObj != nil).
		Msg("Request dispatched")

	accepted, finished := b.complete(j.index, output, errObj)
	switch {
	case finished:
		m.finish(b)
	case !accepted:
		b.logger.Debug().Int("index", j.index).Msg("Discarding result of request in aborted batch")
	case m.cfg.Parallelism > 0:
		if next, ok := b.claimNext(); ok {
			m.dispatch(b, next)
		}
	}
}

// call runs one request through the dispatcher.
func (m *Muxer) call(b *batchState, req *Request) (string, *protocol.ErrorObject) {
	if req.Designator == "" {
		return "", errs.MissingMethod()
	}
	if !m.dispatcherAvailable() {
		return "", errs.DispatchUnavailable()
	}
	output, err := m.invokeDispatcher(b, req)
	if err != nil {
		errObj := errs.FromError(err)
		if errObj.Code == 0 {
			errObj.Code = int32(errs.CodeInternal)
		}
		return "", errObj
	}
	return output, nil
}

// invokeDispatcher turns a dispatcher panic into an internal error so that
// the request still completes and the batch gets answered.
func (m *Muxer) invokeDispatcher(b *batchState, req *Request) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Int64("id", req.ID).
				Str("method", req.Designator).
				Msg("Dispatcher panicked")
			output, err = "", errs.New(errs.CodeInternal, "internal error in %s", req.Designator)
		}
	}()
	return m.dispatcher.Invoke(m.ctx, b.channelID, req.ID, b.token, req.Designator, req.Parameters)
}

func codeOf(errObj *protocol.ErrorObject) int32 {
	if errObj == nil {
		return 0
	}
	return errObj.Code
}
