package iomgr

import (
	"context"
	"errors"
	"time"

	"runner/client"
	"runner/model"
)

// After a cancellation tick the next heartbeat is scheduled on this floor
// instead of immediately, so a bug can never short-circuit the loop.
const heartbeatCancellationFloor = time.Second

// RunHeartbeats drives the periodic liveness ping that doubles as the
// cancellation inbox. It never exits on its own: only client shutdown or ctx
// cancellation stop it.
func (m *Manager) RunHeartbeats(ctx context.Context) error {
	lastSuccess := time.Now()
	for {
		t0 := time.Now()

		gotCancellation, err := m.heartbeatHandleCancellations(ctx)
		switch {
		case err == nil:
			lastSuccess = time.Now()
			if gotCancellation {
				// The cancellation queue on the server is empty now, so an
				// immediate heartbeat would be fine; keep the 1s floor anyway.
				if err := sleepCtx(ctx, heartbeatCancellationFloor); err != nil {
					return nil
				}
				continue
			}
		case errors.Is(err, client.ErrClientClosed):
			m.log.Info().Msg("stopping heartbeat loop due to client shutdown")
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			heartbeatFailures.Inc()
			attemptDur := time.Since(t0)
			sinceSuccess := time.Since(lastSuccess)
			m.log.Warn().
				Err(err).
				Dur("attempt_duration", attemptDur).
				Dur("since_last_success", sinceSuccess).
				Msg("heartbeat attempt failed")
			if sinceSuccess > m.opts.HeartbeatInterval*50 {
				m.log.Warn().
					Float64("trouble_minutes", sinceSuccess.Minutes()).
					Msg("heartbeat attempts have been failing for a long time; container will eventually be marked unhealthy")
			}
		}

		elapsed := time.Since(t0)
		wait := m.opts.HeartbeatInterval - elapsed
		if wait < 0 {
			wait = 0
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil
		}
	}
}

// heartbeatHandleCancellations sends one heartbeat and routes any delivered
// cancellations. It reports whether a cancellation event was received.
//
// The heartbeat mutex is held across the wait and the RPC: the snapshot path
// takes the same mutex, so no heartbeat is on the wire while a snapshot is
// in progress.
func (m *Manager) heartbeatHandleCancellations(ctx context.Context) (bool, error) {
	m.heartbeatMu.Lock()
	// A loop, not an if: condition waits must tolerate spurious wakeups.
	for m.waitingForMemorySnapshot {
		m.heartbeatCond.Wait()
	}

	var resp model.HeartbeatResponse
	err := client.Retry(ctx, client.RetryOptions{AttemptTimeout: m.opts.HeartbeatAttemptTimeout},
		func(ctx context.Context) error {
			var err error
			resp, err = m.cp().Heartbeat(ctx, model.HeartbeatRequest{CanceledInputsReturnOutputsV2: true})
			return err
		})
	m.heartbeatMu.Unlock()
	if err != nil {
		return false, err
	}

	if resp.CancelInputEvent != nil {
		if ids := resp.CancelInputEvent.InputIDs; len(ids) > 0 {
			m.cancelInputs(ids)
		}
		return true, nil
	}
	return false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Still yield to cancellation.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
