package iomgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"runner/model"
)

// MemorySnapshot quiesces the container, asks the host to snapshot it, and
// restores state afterwards. Heartbeats are parked for the whole critical
// section: an open heartbeat keeps the client connection alive and would
// crash the snapshotter.
func (m *Manager) MemorySnapshot(ctx context.Context) error {
	if m.cfg.CheckpointID == "" {
		return fmt.Errorf("no checkpoint ID provided for memory snapshot")
	}
	m.log.Debug().Str("checkpoint_id", m.cfg.CheckpointID).Msg("starting memory snapshot")

	m.heartbeatMu.Lock()
	defer m.heartbeatMu.Unlock()

	if m.cfg.Function.GPUSnapshot && m.opts.GPU != nil {
		m.log.Debug().Msg("snapshotting GPU memory")
		if err := m.opts.GPU.Checkpoint(); err != nil {
			return fmt.Errorf("GPU checkpoint: %w", err)
		}
	}

	// Park the heartbeat loop before the checkpoint request goes out.
	m.waitingForMemorySnapshot = true
	m.heartbeatCond.Broadcast()
	defer func() {
		m.waitingForMemorySnapshot = false
		m.heartbeatCond.Broadcast()
	}()

	if err := m.cp().Checkpoint(ctx, model.CheckpointRequest{CheckpointID: m.cfg.CheckpointID}); err != nil {
		return fmt.Errorf("checkpoint request: %w", err)
	}

	if err := m.cp().Close(); err != nil {
		m.log.Warn().Err(err).Msg("closing client before snapshot")
	}
	m.log.Debug().Msg("memory snapshot request sent, connection closed")

	return m.memoryRestore(ctx)
}

// memoryRestore waits for the host to write the restore-state file, merges
// its contents into the running process, and rebuilds the client.
func (m *Manager) memoryRestore(ctx context.Context) error {
	path := m.cfg.RestoreStatePath
	start := time.Now()
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		m.log.Debug().Dur("elapsed", time.Since(start)).Msg("waiting for restore")
		if err := sleepCtx(ctx, m.opts.RestorePollInterval); err != nil {
			return err
		}
	}
	m.log.Debug().Msg("container restored")

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading restore state: %w", err)
	}
	var state map[string]string
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decoding restore state: %w", err)
	}

	if debug := state["snapshot_debug"]; debug != "" && debug != "0" {
		// No interactive debugger to enter here; surface the flag and move on.
		m.log.Warn().Msg("snapshot_debug set in restore state, continuing")
	}

	m.mu.Lock()
	if v := state["task_id"]; v != "" {
		m.log.Debug().Str("task_id", v).Msg("updating task id from restore state")
		m.taskID = v
	}
	if v := state["function_id"]; v != "" {
		m.log.Debug().Str("function_id", v).Msg("updating function id from restore state")
		m.functionID = v
	}
	m.mu.Unlock()

	// Everything else becomes a process-wide configuration override. An
	// empty string means "no change".
	for key, value := range state {
		if key == "task_id" || key == "function_id" || key == "snapshot_debug" {
			continue
		}
		if value != "" {
			viper.Set(key, value)
		}
	}

	if m.cfg.Function.GPUSnapshot && m.opts.GPU != nil {
		m.log.Debug().Msg("restoring GPU memory")
		if err := m.opts.GPU.Restore(); err != nil {
			return fmt.Errorf("GPU restore: %w", err)
		}
	}

	// Input bookkeeping restarts from a clean slate.
	m.mu.Lock()
	m.currentInputID = ""
	m.currentInputStartedAt = time.Time{}
	m.currentInputs = map[string]*IOContext{}
	m.mu.Unlock()

	cli, err := m.opts.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding client after restore: %w", err)
	}
	m.mu.Lock()
	m.cli = cli
	m.mu.Unlock()
	return nil
}
