package iomgr

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"

	"runner/blob"
	"runner/client"
	"runner/codec"
	"runner/model"
)

// Outputs go out in sub-batches to stay within message and buffer limits.
const outputBatchSize = 20

// pushOutputs serializes a successful result (one value per input for
// batched calls), offloads oversize payloads to the blob store, and pushes
// everything to the control plane.
func (m *Manager) pushOutputs(ctx context.Context, io *IOContext, startedAt time.Time, data any, format model.DataFormat) error {
	values, err := io.validateOutput(data)
	if err != nil {
		return err
	}

	results := make([]model.GenericResult, len(values))
	for i, v := range values {
		payload, err := codec.Serialize(v, format)
		if err != nil {
			return fmt.Errorf("serializing output: %w", err)
		}
		result := model.GenericResult{Status: model.StatusSuccess}
		if err := m.formatBlobData(ctx, payload, &result); err != nil {
			return err
		}
		results[i] = result
	}

	return m.sendOutputs(ctx, io, startedAt, format, results)
}

// pushTerminated broadcasts a TERMINATED result for every input in the
// context, signalling that the cancellation has been completed. No traceback
// is attached.
func (m *Manager) pushTerminated(ctx context.Context, io *IOContext, startedAt time.Time) {
	results := make([]model.GenericResult, len(io.InputIDs))
	for i := range results {
		results[i] = model.GenericResult{Status: model.StatusTerminated}
	}
	if err := m.sendOutputs(ctx, io, startedAt, model.FormatJSON, results); err != nil {
		m.log.Error().Err(err).Msg("failed to push terminated outputs")
	}
}

// pushFailure serializes the error and broadcasts a FAILURE result to every
// input in the context. A batched invariant violation therefore fails the
// whole batch with the same message.
func (m *Manager) pushFailure(ctx context.Context, io *IOContext, startedAt time.Time, execErr error) {
	m.log.Error().Err(execErr).Strs("input_ids", io.InputIDs).Msg("input failed")

	traceback, frames := captureTraceback(execErr)
	serializedTB, tbErr := codec.Serialize(frames, model.FormatJSON)
	if tbErr != nil {
		m.log.Info().Err(tbErr).Msg("failed to serialize traceback")
		serializedTB = nil
	}

	repr := truncateRepr(exceptionRepr(execErr))

	data := m.serializeException(execErr)
	var blank model.GenericResult
	if err := m.formatBlobData(ctx, data, &blank); err != nil {
		m.log.Warn().Err(err).Msg("failed to offload exception payload")
		blank = model.GenericResult{}
	}

	results := make([]model.GenericResult, len(io.InputIDs))
	for i := range results {
		results[i] = model.GenericResult{
			Status:       model.StatusFailure,
			Exception:    repr,
			Traceback:    traceback,
			SerializedTB: serializedTB,
			Data:         blank.Data,
			DataBlobID:   blank.DataBlobID,
		}
	}
	if err := m.sendOutputs(ctx, io, startedAt, model.FormatJSON, results); err != nil {
		m.log.Error().Err(err).Msg("failed to push failure outputs")
	}
}

// sendOutputs composes one item per input id and pushes in sub-batches,
// retrying indefinitely on transient errors and RESOURCE_EXHAUSTED. Outputs
// must never be dropped.
func (m *Manager) sendOutputs(ctx context.Context, io *IOContext, startedAt time.Time, format model.DataFormat, results []model.GenericResult) error {
	// Timestamped at serialization time, not at user-code return time.
	outputCreatedAt := float64(time.Now().UnixNano()) / float64(time.Second)
	startedAtSecs := float64(startedAt.UnixNano()) / float64(time.Second)

	outputs := make([]model.OutputItem, len(results))
	for i, result := range results {
		outputs[i] = model.OutputItem{
			InputID:         io.InputIDs[i],
			RetryCount:      io.RetryCounts[i],
			InputStartedAt:  startedAtSecs,
			OutputCreatedAt: outputCreatedAt,
			Result:          result,
			DataFormat:      format,
		}
	}

	for start := 0; start < len(outputs); start += outputBatchSize {
		end := min(start+outputBatchSize, len(outputs))
		req := model.PutOutputsRequest{Outputs: outputs[start:end]}
		err := client.Retry(ctx, client.Unbounded(0, codes.ResourceExhausted), func(ctx context.Context) error {
			return m.cp().PutOutputs(ctx, req)
		})
		if err != nil {
			return err
		}
		outputsPushed.Add(float64(end - start))
	}
	return nil
}

// formatBlobData stores data inline, or uploads it and records the handle
// when it exceeds the inline threshold.
func (m *Manager) formatBlobData(ctx context.Context, data []byte, result *model.GenericResult) error {
	if len(data) <= blob.MaxObjectSize {
		result.Data = data
		return nil
	}
	id, err := m.blobs.Upload(ctx, data)
	if err != nil {
		return fmt.Errorf("uploading output blob: %w", err)
	}
	result.DataBlobID = id
	return nil
}

// serializeException encodes the error for the result payload. An error
// that cannot be encoded is replaced with a SerializationError carrying its
// repr.
func (m *Manager) serializeException(err error) []byte {
	payload := map[string]any{
		"type": fmt.Sprintf("%T", err),
		"repr": exceptionRepr(err),
	}
	data, serErr := codec.Serialize(payload, model.FormatJSON)
	if serErr != nil {
		m.log.Info().Err(serErr).Msg("failed to serialize exception")
		fallback := &codec.SerializationError{
			Msg: fmt.Sprintf("Failed to serialize exception %v: %v", err, serErr),
		}
		data, _ = codec.Serialize(fallback, model.FormatJSON)
	}
	return data
}

func exceptionRepr(err error) string {
	return fmt.Sprintf("%T(%q)", err, err.Error())
}
