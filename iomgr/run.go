package iomgr

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"runner/function"
)

// Run drives the fetch → execute → push pipeline until the input stream
// ends (kill switch, final input, one-shot) or fetching is stopped. It
// returns once every outstanding execution has completed and its outputs
// have been pushed.
func Run(ctx context.Context, m *Manager, functions map[string]function.Finalized) error {
	return m.run(ctx, functions)
}

func (m *Manager) run(ctx context.Context, functions map[string]function.Finalized) error {
	// Only spin up the control loop when there is headroom to manage.
	if m.maxConcurrency > m.targetConcurrency {
		loopCtx, stopLoop := context.WithCancel(ctx)
		defer stopLoop()
		go m.runDynamicConcurrency(loopCtx)
	}

	contexts := make(chan *IOContext)
	g, gctx := errgroup.WithContext(ctx)

	var executions sync.WaitGroup
	g.Go(func() error {
		defer close(contexts)
		return m.generateInputs(gctx, functions, contexts)
	})
	g.Go(func() error {
		for io := range contexts {
			executions.Add(1)
			go func() {
				defer executions.Done()
				m.handleInput(gctx, io)
			}()
		}
		return nil
	})

	err := g.Wait()
	executions.Wait()
	return err
}
