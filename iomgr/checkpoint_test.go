package iomgr

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runner/blob"
	"runner/client"
	"runner/config"
)

func writeRestoreState(t *testing.T, path string, state map[string]string) {
	t.Helper()
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	restorePath := filepath.Join(t.TempDir(), "restore-state.json")

	preSnapshot := newFakeControlPlane()
	postRestore := newFakeControlPlane()

	cfg := testConfig(func(c *config.Container) {
		c.CheckpointID = "ck-1"
		c.RestoreStatePath = restorePath
	})
	m := Init(cfg, Options{
		Client: preSnapshot,
		NewClient: func(context.Context) (client.ControlPlane, error) {
			return postRestore, nil
		},
		Blobs:                   blob.NewMemoryStore(),
		Logger:                  zerolog.Nop(),
		HeartbeatInterval:       2 * time.Millisecond,
		HeartbeatAttemptTimeout: time.Second,
		RestorePollInterval:     time.Millisecond,
	})
	t.Cleanup(ResetSingleton)

	// Leftover bookkeeping that the restore must wipe.
	m.mu.Lock()
	m.currentInputs["in-stale"] = &IOContext{InputIDs: []string{"in-stale"}}
	m.mu.Unlock()

	hbCtx, stopHeartbeats := context.WithCancel(t.Context())
	defer stopHeartbeats()
	go func() { _ = m.RunHeartbeats(hbCtx) }()

	// Let a few heartbeats through before the snapshot.
	time.Sleep(20 * time.Millisecond)

	// The host writes the restore file some time after the checkpoint
	// request; the manager busy-waits for it.
	go func() {
		for {
			preSnapshot.mu.Lock()
			requested := len(preSnapshot.checkpointIDs) > 0
			preSnapshot.mu.Unlock()
			if requested {
				break
			}
			time.Sleep(time.Millisecond)
		}
		time.Sleep(30 * time.Millisecond)
		writeRestoreState(t, restorePath, map[string]string{
			"task_id":     "ta-restored",
			"function_id": "",
			"environment": "prod",
		})
	}()

	require.NoError(t, m.MemorySnapshot(t.Context()))
	restoredAt := time.Now()

	preSnapshot.mu.Lock()
	require.Equal(t, []string{"ck-1"}, preSnapshot.checkpointIDs)
	checkpointAt := preSnapshot.checkpointAt
	closed := preSnapshot.closed
	preSnapshot.mu.Unlock()

	assert.True(t, closed, "pre-snapshot client must be closed")

	// No heartbeat may be on the wire between the checkpoint request and
	// the end of the restore.
	assert.Zero(t, preSnapshot.heartbeatsBetween(checkpointAt, restoredAt))
	assert.Zero(t, postRestore.heartbeatsBetween(checkpointAt, restoredAt))

	// State refreshed from the restore file; empty strings mean no change.
	assert.Equal(t, "ta-restored", m.TaskID())
	assert.Empty(t, m.CurrentInputs())

	// Heartbeats resume against the rebuilt client.
	require.Eventually(t, func() bool {
		postRestore.mu.Lock()
		defer postRestore.mu.Unlock()
		return len(postRestore.heartbeatTimes) > 0
	}, time.Second, time.Millisecond)
}

func TestMemorySnapshotRequiresCheckpointID(t *testing.T) {
	fake := newFakeControlPlane()
	m := newTestManager(t, fake, testConfig())

	require.Error(t, m.MemorySnapshot(t.Context()))
}

func TestMemorySnapshotGPUHooks(t *testing.T) {
	restorePath := filepath.Join(t.TempDir(), "restore-state.json")
	writeRestoreState(t, restorePath, map[string]string{})

	gpu := &fakeGPU{}
	fake := newFakeControlPlane()
	cfg := testConfig(func(c *config.Container) {
		c.CheckpointID = "ck-1"
		c.RestoreStatePath = restorePath
		c.Function.GPUSnapshot = true
	})
	m := Init(cfg, Options{
		Client: fake,
		NewClient: func(context.Context) (client.ControlPlane, error) {
			return newFakeControlPlane(), nil
		},
		Blobs:               blob.NewMemoryStore(),
		Logger:              zerolog.Nop(),
		RestorePollInterval: time.Millisecond,
		GPU:                 gpu,
	})
	t.Cleanup(ResetSingleton)

	require.NoError(t, m.MemorySnapshot(t.Context()))
	assert.Equal(t, 1, gpu.checkpoints)
	assert.Equal(t, 1, gpu.restores)
}

type fakeGPU struct {
	checkpoints int
	restores    int
}

func (g *fakeGPU) Checkpoint() error { g.checkpoints++; return nil }
func (g *fakeGPU) Restore() error    { g.restores++; return nil }

// Heartbeats sent while the snapshot window is open would keep the client
// connection alive and crash the snapshotter; this exercises the parked
// loop waking up again after the window closes.
func TestHeartbeatParksDuringSnapshotWindow(t *testing.T) {
	fake := newFakeControlPlane()
	m := newTestManager(t, fake, testConfig())

	m.heartbeatMu.Lock()
	m.waitingForMemorySnapshot = true
	m.heartbeatMu.Unlock()

	hbCtx, stopHeartbeats := context.WithCancel(t.Context())
	defer stopHeartbeats()
	go func() { _ = m.RunHeartbeats(hbCtx) }()

	time.Sleep(30 * time.Millisecond)
	fake.mu.Lock()
	parked := len(fake.heartbeatTimes)
	fake.mu.Unlock()
	assert.Zero(t, parked, "no heartbeat may be sent while waiting for the snapshot")

	m.heartbeatMu.Lock()
	m.waitingForMemorySnapshot = false
	m.heartbeatCond.Broadcast()
	m.heartbeatMu.Unlock()

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.heartbeatTimes) > 0
	}, time.Second, time.Millisecond)
}

func TestRestoreStateOverridesMergedIntoConfig(t *testing.T) {
	restorePath := filepath.Join(t.TempDir(), "restore-state.json")
	writeRestoreState(t, restorePath, map[string]string{
		"task_id":        "ta-2",
		"worker_address": "10.0.0.2",
		"untouched":      "",
	})

	fake := newFakeControlPlane()
	cfg := testConfig(func(c *config.Container) {
		c.CheckpointID = "ck-1"
		c.RestoreStatePath = restorePath
	})
	m := Init(cfg, Options{
		Client: fake,
		NewClient: func(context.Context) (client.ControlPlane, error) {
			return newFakeControlPlane(), nil
		},
		Blobs:               blob.NewMemoryStore(),
		Logger:              zerolog.Nop(),
		RestorePollInterval: time.Millisecond,
	})
	t.Cleanup(ResetSingleton)

	require.NoError(t, m.memoryRestore(t.Context()))
	assert.Equal(t, "ta-2", m.TaskID())
	assert.Equal(t, "10.0.0.2", viper.GetString("worker_address"))
	assert.Empty(t, viper.GetString("untouched"), "empty string means no change")
}
