package iomgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"runner/blob"
	"runner/codec"
	"runner/function"
	"runner/model"
)

// IOContext bundles one unit of work: one input, or a batch of inputs that
// share a method name and are served by a single user-function invocation.
type IOContext struct {
	InputIDs        []string
	RetryCounts     []int
	FunctionCallIDs []string

	Function function.Finalized

	inputs  []model.FunctionInput
	batched bool

	mu             sync.Mutex
	cancelIssued   bool
	cancelCallback func()

	log zerolog.Logger
}

// newIOContext hydrates blob-carried arguments and binds the batch to its
// finalized function. Every input in a batch must name the same method.
func newIOContext(
	ctx context.Context,
	blobs blob.Store,
	functions map[string]function.Finalized,
	items []model.Input,
	batched bool,
	log zerolog.Logger,
) (*IOContext, error) {
	if batched {
		if len(items) < 1 {
			return nil, fmt.Errorf("empty input batch")
		}
	} else if len(items) != 1 {
		return nil, fmt.Errorf("expected exactly one input, got %d", len(items))
	}

	io := &IOContext{
		InputIDs:        make([]string, len(items)),
		RetryCounts:     make([]int, len(items)),
		FunctionCallIDs: make([]string, len(items)),
		inputs:          make([]model.FunctionInput, len(items)),
		batched:         batched,
	}
	for i, item := range items {
		io.InputIDs[i] = item.InputID
		io.RetryCounts[i] = item.RetryCount
		io.FunctionCallIDs[i] = item.FunctionCallID
		io.inputs[i] = item.Input
	}
	io.log = log.With().Strs("input_ids", io.InputIDs).Logger()

	// Hydrate blob-carried argument payloads before execution.
	g, gctx := errgroup.WithContext(ctx)
	for i := range io.inputs {
		g.Go(func() error {
			in := &io.inputs[i]
			if in.ArgsBlobID == "" {
				return nil
			}
			args, err := blobs.Download(gctx, in.ArgsBlobID)
			if err != nil {
				return fmt.Errorf("downloading argument blob %s: %w", in.ArgsBlobID, err)
			}
			in.Args = args
			in.ArgsBlobID = ""
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	method := io.inputs[0].MethodName
	for _, in := range io.inputs {
		if in.MethodName != method {
			return nil, fmt.Errorf("batch mixes methods %q and %q", method, in.MethodName)
		}
	}
	fn, ok := functions[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", method)
	}
	io.Function = fn

	return io, nil
}

// SetCancelCallback registers the hook that interrupts the in-flight
// execution. It should be attached before the execution starts.
func (io *IOContext) SetCancelCallback(cb func()) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.cancelCallback = cb
}

// Cancel fires the cancel callback at most once. A context without a
// callback yet lost the creation/attach race; log and move on.
func (io *IOContext) Cancel() {
	io.mu.Lock()
	defer io.mu.Unlock()

	if io.cancelIssued {
		return
	}
	if io.cancelCallback == nil {
		io.log.Warn().Msg("could not cancel input: no callback attached yet")
		return
	}
	io.log.Warn().Msg("received a cancellation signal while processing input")
	io.cancelIssued = true
	io.cancelCallback()
}

// CancelIssued reports whether Cancel has fired the callback.
func (io *IOContext) CancelIssued() bool {
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.cancelIssued
}

// argsAndKwargs deserializes the argument payloads. Deserialization happens
// here rather than at creation so user payload errors fail the input instead
// of the fetcher.
//
// For batched calls the per-input arguments are re-keyed into parallel
// lists: kwargs maps each declared parameter name to a list of length N.
func (io *IOContext) argsAndKwargs() ([]any, map[string]any, error) {
	type decoded struct {
		args   []any
		kwargs map[string]any
	}
	all := make([]decoded, len(io.inputs))
	for i, in := range io.inputs {
		args, kwargs, err := codec.DecodeArgs(in.Args, in.DataFormat)
		if err != nil {
			return nil, nil, err
		}
		all[i] = decoded{args: args, kwargs: kwargs}
	}

	if !io.batched {
		return all[0].args, all[0].kwargs, nil
	}

	name := io.Function.Name
	params := io.Function.ParamNames

	byInput := make([]map[string]any, len(all))
	for i, d := range all {
		if got := len(d.args) + len(d.kwargs); got != len(params) {
			return nil, nil, &InvalidError{Msg: fmt.Sprintf(
				"batched function %s takes %d positional arguments, but one invocation in the batch has %d",
				name, len(params), got)}
		}
		byInput[i] = make(map[string]any, len(params))
		for j, arg := range d.args {
			byInput[i][params[j]] = arg
		}
		for k, v := range d.kwargs {
			if !contains(params, k) {
				return nil, nil, &InvalidError{Msg: fmt.Sprintf(
					"batched function %s got unexpected keyword argument %s in one invocation in the batch",
					name, k)}
			}
			if _, dup := byInput[i][k]; dup {
				return nil, nil, &InvalidError{Msg: fmt.Sprintf(
					"batched function %s got multiple values for argument %s in one invocation in the batch",
					name, k)}
			}
			byInput[i][k] = v
		}
	}

	kwargs := make(map[string]any, len(params))
	for _, p := range params {
		col := make([]any, len(byInput))
		for i, kw := range byInput {
			col[i] = kw[p]
		}
		kwargs[p] = col
	}
	return nil, kwargs, nil
}

// validateOutput checks the shape of the return value against batched-ness
// and flattens it to one value per input.
func (io *IOContext) validateOutput(data any) ([]any, error) {
	if !io.batched {
		return []any{data}, nil
	}

	name := io.Function.Name
	list, ok := data.([]any)
	if !ok {
		return nil, &InvalidError{Msg: fmt.Sprintf("Output of batched function %s must be a list.", name)}
	}
	if len(list) != len(io.InputIDs) {
		return nil, &InvalidError{Msg: fmt.Sprintf(
			"Output of batched function %s must be a list of equal length as its inputs.", name)}
	}
	return list, nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
