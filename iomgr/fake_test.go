package iomgr

import (
	"context"
	"sync"
	"time"

	"runner/client"
	"runner/model"
)

// fakeControlPlane scripts GetInputs responses and records everything the
// manager pushes. Once the script is exhausted it returns a kill switch so
// runs drain deterministically.
type fakeControlPlane struct {
	mu sync.Mutex

	script         []model.GetInputsResponse
	getInputsCalls int

	outputs     []model.OutputItem
	putData     []model.PutDataRequest
	dataIn      []model.DataChunk
	taskResults []model.GenericResult

	heartbeatTimes []time.Time
	heartbeatErr   error
	// cancelIDs is consulted on every heartbeat; returning ids delivers a
	// cancellation event.
	cancelIDs func() []string

	concurrency int

	checkpointIDs []string
	checkpointAt  time.Time
	onCheckpoint  func()

	volumeCommits []string
	helloCalls    int
	ptyCalls      int

	closed bool
}

var _ client.ControlPlane = (*fakeControlPlane)(nil)

func newFakeControlPlane(script ...model.GetInputsResponse) *fakeControlPlane {
	return &fakeControlPlane{script: script}
}

func (f *fakeControlPlane) checkOpen() error {
	if f.closed {
		return client.ErrClientClosed
	}
	return nil
}

func (f *fakeControlPlane) Hello(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.helloCalls++
	return f.checkOpen()
}

func (f *fakeControlPlane) GetInputs(context.Context, model.GetInputsRequest) (model.GetInputsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return model.GetInputsResponse{}, err
	}
	f.getInputsCalls++
	if len(f.script) == 0 {
		return model.GetInputsResponse{Inputs: []model.Input{{KillSwitch: true}}}, nil
	}
	resp := f.script[0]
	f.script = f.script[1:]
	return resp, nil
}

func (f *fakeControlPlane) PutOutputs(_ context.Context, req model.PutOutputsRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.outputs = append(f.outputs, req.Outputs...)
	return nil
}

func (f *fakeControlPlane) Heartbeat(context.Context, model.HeartbeatRequest) (model.HeartbeatResponse, error) {
	f.mu.Lock()
	if err := f.checkOpen(); err != nil {
		f.mu.Unlock()
		return model.HeartbeatResponse{}, err
	}
	if f.heartbeatErr != nil {
		err := f.heartbeatErr
		f.mu.Unlock()
		return model.HeartbeatResponse{}, err
	}
	f.heartbeatTimes = append(f.heartbeatTimes, time.Now())
	cancelIDs := f.cancelIDs
	f.mu.Unlock()

	if cancelIDs != nil {
		if ids := cancelIDs(); len(ids) > 0 {
			return model.HeartbeatResponse{CancelInputEvent: &model.CancelInputEvent{InputIDs: ids}}, nil
		}
	}
	return model.HeartbeatResponse{}, nil
}

func (f *fakeControlPlane) GetDynamicConcurrency(context.Context, model.DynamicConcurrencyRequest) (model.DynamicConcurrencyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return model.DynamicConcurrencyResponse{}, err
	}
	return model.DynamicConcurrencyResponse{Concurrency: f.concurrency}, nil
}

func (f *fakeControlPlane) Checkpoint(_ context.Context, req model.CheckpointRequest) error {
	f.mu.Lock()
	f.checkpointIDs = append(f.checkpointIDs, req.CheckpointID)
	f.checkpointAt = time.Now()
	cb := f.onCheckpoint
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *fakeControlPlane) TaskResult(_ context.Context, req model.TaskResultRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskResults = append(f.taskResults, req.Result)
	return nil
}

func (f *fakeControlPlane) PutFunctionCallData(_ context.Context, req model.PutDataRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.putData = append(f.putData, req)
	return nil
}

func (f *fakeControlPlane) StreamFunctionCallData(_ context.Context, req model.StreamDataRequest) (<-chan model.DataChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	out := make(chan model.DataChunk, len(f.dataIn))
	for _, chunk := range f.dataIn {
		out <- chunk
	}
	close(out)
	return out, nil
}

func (f *fakeControlPlane) VolumeCommit(_ context.Context, req model.VolumeCommitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumeCommits = append(f.volumeCommits, req.VolumeID)
	return nil
}

func (f *fakeControlPlane) StartPtyShell(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ptyCalls++
	return f.checkOpen()
}

func (f *fakeControlPlane) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeControlPlane) recordedOutputs() []model.OutputItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.OutputItem, len(f.outputs))
	copy(out, f.outputs)
	return out
}

func (f *fakeControlPlane) outputStatus(inputID string) model.GenericStatus {
	for _, o := range f.recordedOutputs() {
		if o.InputID == inputID {
			return o.Result.Status
		}
	}
	return model.StatusUnspecified
}

func (f *fakeControlPlane) heartbeatsBetween(from, to time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ts := range f.heartbeatTimes {
		if ts.After(from) && ts.Before(to) {
			n++
		}
	}
	return n
}
