// Package client talks to the control plane. The io manager consumes the
// ControlPlane interface; the concrete transport is a gRPC connection with a
// JSON codec.
package client

import (
	"context"
	"errors"

	"runner/model"
)

// ErrClientClosed is returned by any call made after Close. The heartbeat
// loop uses it to distinguish shutdown from transient failures.
var ErrClientClosed = errors.New("client: closed")

// ControlPlane is the RPC surface the container consumes.
type ControlPlane interface {
	Hello(ctx context.Context) error
	GetInputs(ctx context.Context, req model.GetInputsRequest) (model.GetInputsResponse, error)
	PutOutputs(ctx context.Context, req model.PutOutputsRequest) error
	Heartbeat(ctx context.Context, req model.HeartbeatRequest) (model.HeartbeatResponse, error)
	GetDynamicConcurrency(ctx context.Context, req model.DynamicConcurrencyRequest) (model.DynamicConcurrencyResponse, error)
	Checkpoint(ctx context.Context, req model.CheckpointRequest) error
	TaskResult(ctx context.Context, req model.TaskResultRequest) error
	PutFunctionCallData(ctx context.Context, req model.PutDataRequest) error
	// StreamFunctionCallData reads a function call's data stream; the
	// returned channel closes when the stream ends.
	StreamFunctionCallData(ctx context.Context, req model.StreamDataRequest) (<-chan model.DataChunk, error)
	VolumeCommit(ctx context.Context, req model.VolumeCommitRequest) error
	StartPtyShell(ctx context.Context) error

	Close() error
}

// Factory builds a fresh client, used after a memory restore when the
// pre-snapshot connection has been torn down.
type Factory func(ctx context.Context) (ControlPlane, error)
