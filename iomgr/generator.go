package iomgr

import (
	"context"
	"fmt"
	"time"

	"runner/blob"
	"runner/client"
	"runner/codec"
	"runner/model"
)

const (
	// maxChunkPayload limits coalescing: another queued message is appended
	// to a PutFunctionCallData call only while the running size estimate is
	// below this value, so the last appended message may carry it over.
	maxChunkPayload = 16 << 20

	// chunkFramingOverhead is the estimated per-message framing cost added
	// to each serialized length when sizing a chunk.
	chunkFramingOverhead = 512

	// firstMessagePairingDelay is empirical: web status/headers and the
	// first body chunk are observed to arrive about 1 ms apart, and pausing
	// here lets them coalesce into a single chunk instead of two calls.
	firstMessagePairingDelay = time.Millisecond
)

// generatorSink consumes user-emitted messages and writes them to the
// function call's data_out stream as size-bounded chunks with strictly
// monotonic 1-based indices.
type generatorSink struct {
	m              *Manager
	functionCallID string
	format         model.DataFormat

	queue chan any
	done  chan struct{}

	total uint64
	err   error
}

func (m *Manager) newGeneratorSink(functionCallID string, format model.DataFormat) *generatorSink {
	return &generatorSink{
		m:              m,
		functionCallID: functionCallID,
		format:         format,
		queue:          make(chan any, 64),
		done:           make(chan struct{}),
	}
}

// emit queues one message for the stream. It blocks once the sink falls
// behind, providing backpressure to the user generator.
func (s *generatorSink) emit(msg any) error {
	select {
	case s.queue <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("generator sink closed: %w", s.err)
	}
}

func (s *generatorSink) start(ctx context.Context) {
	go func() {
		defer close(s.done)
		s.err = s.run(ctx)
	}()
}

// close signals EOF, waits for the pending chunk to flush, and returns the
// number of messages written. Joining the sink is part of finishing the
// owning generator.
func (s *generatorSink) close(ctx context.Context) (uint64, error) {
	close(s.queue)
	select {
	case <-s.done:
	case <-ctx.Done():
		<-s.done
	}
	return s.total, s.err
}

func (s *generatorSink) run(ctx context.Context) error {
	index := uint64(1)
	eof := false
	for !eof {
		msg, ok := <-s.queue
		if !ok {
			break
		}

		if index == 1 {
			if err := sleepCtx(ctx, firstMessagePairingDelay); err != nil {
				return err
			}
		}

		first, err := codec.Serialize(msg, s.format)
		if err != nil {
			return fmt.Errorf("serializing stream message: %w", err)
		}
		serialized := [][]byte{first}
		totalSize := len(first) + chunkFramingOverhead

		// Opportunistically drain whatever is already queued, as long as the
		// chunk stays under the payload bound.
	drain:
		for totalSize < maxChunkPayload {
			select {
			case next, open := <-s.queue:
				if !open {
					eof = true
					break drain
				}
				b, err := codec.Serialize(next, s.format)
				if err != nil {
					return fmt.Errorf("serializing stream message: %w", err)
				}
				serialized = append(serialized, b)
				totalSize += len(b) + chunkFramingOverhead
			default:
				break drain
			}
		}

		if err := s.putDataOut(ctx, index, serialized); err != nil {
			return err
		}
		index += uint64(len(serialized))
		s.total += uint64(len(serialized))
	}
	return nil
}

// putDataOut uploads oversize messages to the blob store and pushes one
// request for the chunk run starting at startIndex.
func (s *generatorSink) putDataOut(ctx context.Context, startIndex uint64, serialized [][]byte) error {
	chunks := make([]model.DataChunk, len(serialized))
	for i, b := range serialized {
		chunk := model.DataChunk{
			DataFormat: s.format,
			Index:      startIndex + uint64(i),
		}
		if len(b) > blob.MaxObjectSize {
			id, err := s.m.blobs.Upload(ctx, b)
			if err != nil {
				return fmt.Errorf("uploading stream blob: %w", err)
			}
			chunk.DataBlobID = id
		} else {
			chunk.Data = b
		}
		chunks[i] = chunk
	}

	err := client.Retry(ctx, client.RetryOptions{}, func(ctx context.Context) error {
		return s.m.dataPlane().PutFunctionCallData(ctx, model.PutDataRequest{
			FunctionCallID: s.functionCallID,
			DataChunks:     chunks,
		})
	})
	if err != nil {
		return err
	}
	generatorChunks.Add(float64(len(chunks)))
	return nil
}
