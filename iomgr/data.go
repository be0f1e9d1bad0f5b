package iomgr

import (
	"context"

	"runner/codec"
	"runner/model"
)

// GetDataIn reads the data_in stream of a function call, hydrating
// blob-carried chunks and deserializing each message. The returned channel
// closes when the stream ends.
func (m *Manager) GetDataIn(ctx context.Context, functionCallID string) (<-chan any, error) {
	chunks, err := m.dataPlane().StreamFunctionCallData(ctx, model.StreamDataRequest{
		FunctionCallID: functionCallID,
		Direction:      "data_in",
	})
	if err != nil {
		return nil, err
	}

	out := make(chan any)
	go func() {
		defer close(out)
		for chunk := range chunks {
			data := chunk.Data
			if chunk.DataBlobID != "" {
				var err error
				data, err = m.blobs.Download(ctx, chunk.DataBlobID)
				if err != nil {
					m.log.Warn().Err(err).Uint64("index", chunk.Index).Msg("failed to download data_in blob")
					return
				}
			}
			v, err := codec.Deserialize(data, chunk.DataFormat)
			if err != nil {
				m.log.Warn().Err(err).Uint64("index", chunk.Index).Msg("failed to decode data_in chunk")
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
