package iomgr

import (
	"context"
	"errors"
	"time"

	"runner/model"
)

// handleInput runs one IOContext to completion: dispatch on the function
// shape, wire up cancellation, and push the outcome. exitContext runs
// exactly once no matter how execution ends.
func (m *Manager) handleInput(ctx context.Context, io *IOContext) {
	startedAt := time.Now()

	exited := false
	exit := func() {
		if !exited {
			exited = true
			m.exitContext(startedAt, io.InputIDs)
		}
	}
	defer exit()

	// The cancel callback aborts this specific execution. Registering before
	// the user code starts keeps the creation/attach race window small.
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	io.SetCancelCallback(cancel)

	var (
		data any
		err  error
	)
	if io.Function.Shape.IsStreaming() {
		data, err = m.runStreaming(execCtx, io)
	} else {
		data, err = m.callUnary(execCtx, io)
	}

	if err == nil {
		if pushErr := m.pushOutputs(ctx, io, startedAt, data, outputFormat(io)); pushErr != nil {
			if invalid := new(InvalidError); errors.As(pushErr, &invalid) {
				m.pushFailure(ctx, io, startedAt, pushErr)
			} else {
				m.log.Error().Err(pushErr).Msg("failed to push outputs")
			}
		}
		return
	}

	if resultStatus(err) == model.StatusTerminated {
		m.pushTerminated(ctx, io, startedAt)
		m.log.Warn().Strs("input_ids", io.InputIDs).Msg("successfully canceled input")
		return
	}

	m.pushFailure(ctx, io, startedAt, err)
}

func outputFormat(io *IOContext) model.DataFormat {
	if io.Function.Shape.IsStreaming() {
		return model.FormatGeneratorDone
	}
	if format := io.inputs[0].DataFormat; format != model.FormatUnspecified {
		return format
	}
	return model.FormatJSON
}

// callUnary invokes a non-streaming function. The user call runs on its own
// goroutine so a blocking body cannot stall the pipeline; cancellation
// abandons the call and surfaces as ErrInputCancelled.
func (m *Manager) callUnary(ctx context.Context, io *IOContext) (any, error) {
	args, kwargs, err := io.argsAndKwargs()
	if err != nil {
		return nil, err
	}

	m.log.Debug().Strs("input_ids", io.InputIDs).Msg("starting input")

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: recovered(r)}
			}
		}()
		data, err := io.Function.Call(ctx, args, kwargs)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() != nil && io.CancelIssued() {
			// User code surfaced the context cancellation; classify it as a
			// termination, not a user failure.
			return nil, ErrInputCancelled
		}
		m.log.Debug().Strs("input_ids", io.InputIDs).Msg("finished input")
		return out.data, out.err
	case <-ctx.Done():
		if io.CancelIssued() {
			return nil, ErrInputCancelled
		}
		return nil, context.Canceled
	}
}

// runStreaming drives a generator or web endpoint: items flow through the
// sink onto the function call's data_out stream, and the overall result is
// a terminal record carrying the item count.
func (m *Manager) runStreaming(ctx context.Context, io *IOContext) (any, error) {
	args, kwargs, err := io.argsAndKwargs()
	if err != nil {
		return nil, err
	}

	format := model.FormatJSON
	if f := io.inputs[0].DataFormat; f != model.FormatUnspecified {
		format = f
	}

	sink := m.newGeneratorSink(io.FunctionCallIDs[0], format)
	sink.start(ctx)

	type outcome struct {
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: recovered(r)}
			}
		}()
		done <- outcome{err: io.Function.Stream(ctx, args, kwargs, sink.emit)}
	}()

	var streamErr error
	select {
	case out := <-done:
		streamErr = out.err
	case <-ctx.Done():
		if io.CancelIssued() {
			streamErr = ErrInputCancelled
		} else {
			streamErr = context.Canceled
		}
	}

	// Joining the sink flushes any pending chunk; its total is authoritative
	// for the terminal record.
	total, sinkErr := sink.close(ctx)
	if streamErr != nil {
		return nil, streamErr
	}
	if sinkErr != nil {
		return nil, sinkErr
	}
	return model.GeneratorDone{ItemsTotal: total}, nil
}
