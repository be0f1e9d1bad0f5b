package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"runner/model"
)

// jsonCodec lets plain structs travel over gRPC without generated stubs.
// The control plane speaks the same JSON framing.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const servicePrefix = "/runner.ControlPlane/"

var _ ControlPlane = (*GRPCClient)(nil)

// GRPCClient implements ControlPlane over a single gRPC connection.
type GRPCClient struct {
	conn   *grpc.ClientConn
	closed atomic.Bool
}

// Dial connects to the control plane at addr. Transport security is handled
// by the surrounding mesh, so the connection itself is insecure.
func Dial(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing control plane: %w", err)
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.conn.Invoke(ctx, servicePrefix+method, req, resp)
}

func (c *GRPCClient) Hello(ctx context.Context) error {
	return c.invoke(ctx, "Hello", &struct{}{}, &struct{}{})
}

func (c *GRPCClient) GetInputs(ctx context.Context, req model.GetInputsRequest) (model.GetInputsResponse, error) {
	var resp model.GetInputsResponse
	err := c.invoke(ctx, "GetInputs", &req, &resp)
	return resp, err
}

func (c *GRPCClient) PutOutputs(ctx context.Context, req model.PutOutputsRequest) error {
	return c.invoke(ctx, "PutOutputs", &req, &struct{}{})
}

func (c *GRPCClient) Heartbeat(ctx context.Context, req model.HeartbeatRequest) (model.HeartbeatResponse, error) {
	var resp model.HeartbeatResponse
	err := c.invoke(ctx, "Heartbeat", &req, &resp)
	return resp, err
}

func (c *GRPCClient) GetDynamicConcurrency(ctx context.Context, req model.DynamicConcurrencyRequest) (model.DynamicConcurrencyResponse, error) {
	var resp model.DynamicConcurrencyResponse
	err := c.invoke(ctx, "GetDynamicConcurrency", &req, &resp)
	return resp, err
}

func (c *GRPCClient) Checkpoint(ctx context.Context, req model.CheckpointRequest) error {
	return c.invoke(ctx, "Checkpoint", &req, &struct{}{})
}

func (c *GRPCClient) TaskResult(ctx context.Context, req model.TaskResultRequest) error {
	return c.invoke(ctx, "TaskResult", &req, &struct{}{})
}

func (c *GRPCClient) PutFunctionCallData(ctx context.Context, req model.PutDataRequest) error {
	return c.invoke(ctx, "PutFunctionCallData", &req, &struct{}{})
}

func (c *GRPCClient) StreamFunctionCallData(ctx context.Context, req model.StreamDataRequest) (<-chan model.DataChunk, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	desc := &grpc.StreamDesc{
		StreamName:    "StreamFunctionCallData",
		ServerStreams: true,
	}
	stream, err := c.conn.NewStream(ctx, desc, servicePrefix+"StreamFunctionCallData")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := make(chan model.DataChunk)
	go func() {
		defer close(out)
		for {
			var chunk model.DataChunk
			if err := stream.RecvMsg(&chunk); err != nil {
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *GRPCClient) VolumeCommit(ctx context.Context, req model.VolumeCommitRequest) error {
	return c.invoke(ctx, "VolumeCommit", &req, &struct{}{})
}

func (c *GRPCClient) StartPtyShell(ctx context.Context) error {
	return c.invoke(ctx, "StartPtyShell", &struct{}{}, &struct{}{})
}

func (c *GRPCClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
