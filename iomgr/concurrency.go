package iomgr

import (
	"context"

	"runner/client"
	"runner/model"
)

// runDynamicConcurrency periodically refreshes the slot capacity from the
// control plane. It runs only when maxConcurrency > targetConcurrency and
// stops promptly on shutdown or when SetInputConcurrency overrides it.
func (m *Manager) runDynamicConcurrency(ctx context.Context) {
	m.log.Debug().Msg("starting dynamic concurrency loop")
	for !m.stopConcurrencyLoop.Load() {
		var resp model.DynamicConcurrencyResponse
		err := client.Retry(ctx, client.RetryOptions{AttemptTimeout: m.opts.DynamicConcurrencyAttemptTimeout},
			func(ctx context.Context) error {
				var err error
				resp, err = m.cp().GetDynamicConcurrency(ctx, model.DynamicConcurrencyRequest{
					FunctionID:        m.FunctionID(),
					TargetConcurrency: m.targetConcurrency,
					MaxConcurrency:    m.maxConcurrency,
				})
				return err
			})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Debug().Err(err).Msg("failed to get dynamic concurrency")
		} else if resp.Concurrency != m.slots.Capacity() && !m.stopConcurrencyLoop.Load() {
			m.log.Debug().
				Int("from", m.slots.Capacity()).
				Int("to", resp.Concurrency).
				Msg("dynamic concurrency updated")
			m.slots.SetCapacity(resp.Concurrency)
		}

		if sleepCtx(ctx, m.opts.DynamicConcurrencyInterval) != nil {
			return
		}
	}
}
