package iomgr

import (
	"context"
	"time"

	"runner/client"
	"runner/function"
	"runner/model"
)

// generateInputs is the producer side of the pipeline: it acquires a slot,
// pulls inputs from the control plane, hydrates blob arguments, and emits
// one IOContext per fetch. The consumer releases the slot via exitContext;
// if this producer fails before emitting, it releases the slot itself.
//
// On exit (kill switch, final input, one-shot, or StopFetchingInputs) the
// slots are closed, which joins all outstanding executions.
func (m *Manager) generateInputs(ctx context.Context, functions map[string]function.Finalized, out chan<- *IOContext) error {
	batchMaxSize := m.cfg.Function.BatchMaxSize
	batched := batchMaxSize > 0

	defer func() {
		// Collect every slot, meaning all in-flight inputs have wrapped up.
		if err := m.slots.Close(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn().Err(err).Msg("failed to drain input slots")
		}
	}()

	for m.fetching.Load() {
		if err := m.slots.Acquire(ctx); err != nil {
			return err
		}

		emitted, done, err := m.fetchOne(ctx, functions, batchMaxSize, batched, out)
		if !emitted {
			m.slots.Release()
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// fetchOne performs a single GetInputs round. It reports whether an
// IOContext was emitted (slot ownership transferred to the consumer) and
// whether the producer should terminate.
func (m *Manager) fetchOne(
	ctx context.Context,
	functions map[string]function.Finalized,
	batchMaxSize int,
	batched bool,
	out chan<- *IOContext,
) (emitted bool, done bool, err error) {
	req := model.GetInputsRequest{
		FunctionID:       m.FunctionID(),
		AverageCallTime:  m.averageCallTime(),
		MaxValues:        m.maxInputsToFetch(),
		InputConcurrency: m.InputConcurrency(),
		BatchMaxSize:     batchMaxSize,
		BatchLingerMs:    m.cfg.Function.BatchLingerMs,
	}

	var resp model.GetInputsResponse
	err = client.Retry(ctx, client.RetryOptions{}, func(ctx context.Context) error {
		var err error
		resp, err = m.cp().GetInputs(ctx, req)
		return err
	})
	if err != nil {
		return false, false, err
	}

	if resp.RateLimitSleepDuration > 0 {
		m.log.Info().
			Float64("sleep_seconds", resp.RateLimitSleepDuration).
			Msg("task exceeded rate limit, sleeping before trying again")
		if err := sleepCtx(ctx, time.Duration(resp.RateLimitSleepDuration*float64(time.Second))); err != nil {
			return false, false, err
		}
		return false, false, nil
	}
	if len(resp.Inputs) == 0 {
		return false, false, nil
	}

	// Cancellation routing and concurrency accounting assume no input
	// buffering in the container.
	maxItems := batchMaxSize
	if maxItems < 1 {
		maxItems = 1
	}
	if len(resp.Inputs) > maxItems {
		m.log.Warn().Int("count", len(resp.Inputs)).Msg("server returned more inputs than requested")
	}

	items := make([]model.Input, 0, len(resp.Inputs))
	finalInput := false
	for _, item := range resp.Inputs {
		if item.KillSwitch {
			m.log.Debug().Msg("input kill signal received")
			return false, true, nil
		}
		items = append(items, item)
		if item.Input.FinalInput {
			if batched {
				m.log.Debug().Msg("final input not expected in batch input stream")
			}
			finalInput = true
			break
		}
	}

	io, err := newIOContext(ctx, m.blobs, functions, items, batched, m.log)
	if err != nil {
		return false, false, err
	}

	startedAt := time.Now()
	m.registerContext(io, startedAt)
	inputsFetched.Add(float64(len(items)))

	select {
	case out <- io:
	case <-ctx.Done():
		// Nothing consumed it; undo the registration before bailing.
		m.mu.Lock()
		for _, id := range io.InputIDs {
			delete(m.currentInputs, id)
		}
		m.mu.Unlock()
		return false, false, ctx.Err()
	}

	if finalInput || m.cfg.Function.MaxInputs == 1 {
		return true, true, nil
	}
	return true, false, nil
}
