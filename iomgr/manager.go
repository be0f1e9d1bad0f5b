// Package iomgr is the container-side coordinator: it fetches inputs from
// the control plane, executes user code under a resizable concurrency limit,
// pushes outputs and streams, and cooperates on heartbeats, cancellation,
// dynamic concurrency and checkpoint/restore.
package iomgr

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"runner/blob"
	"runner/client"
	"runner/config"
)

// rttEstimate is a conservative round-trip estimate used to size the
// max-values hint sent to GetInputs.
const rttEstimate = 500 * time.Millisecond

// GPUCheckpointer snapshots and restores device memory around a container
// checkpoint. Only set when GPU snapshotting is enabled.
type GPUCheckpointer interface {
	Checkpoint() error
	Restore() error
}

// Options wires the manager's collaborators. Loop timings default to
// production values; tests shrink them.
type Options struct {
	Client    client.ControlPlane
	NewClient client.Factory
	Blobs     blob.Store
	Logger    zerolog.Logger
	GPU       GPUCheckpointer

	// InputPlane, when set, carries the data streams of function calls
	// instead of the main control-plane connection.
	InputPlane client.ControlPlane

	HeartbeatInterval       time.Duration
	HeartbeatAttemptTimeout time.Duration

	DynamicConcurrencyInterval       time.Duration
	DynamicConcurrencyAttemptTimeout time.Duration

	RestorePollInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.HeartbeatAttemptTimeout <= 0 {
		o.HeartbeatAttemptTimeout = 10 * time.Second
	}
	if o.DynamicConcurrencyInterval <= 0 {
		o.DynamicConcurrencyInterval = 3 * time.Second
	}
	if o.DynamicConcurrencyAttemptTimeout <= 0 {
		o.DynamicConcurrencyAttemptTimeout = 10 * time.Second
	}
	if o.RestorePollInterval <= 0 {
		o.RestorePollInterval = 10 * time.Millisecond
	}
}

// Manager synchronizes all RPC and I/O for a running container. One instance
// exists per process; the heartbeat loop has no caller context and must be
// able to find the owning IOContext for a cancelled input id through it.
type Manager struct {
	cfg  config.Container
	opts Options
	log  zerolog.Logger

	blobs blob.Store

	mu         sync.Mutex
	cli        client.ControlPlane
	taskID     string
	functionID string

	callsCompleted int
	totalUserTime  time.Duration

	currentInputID        string
	currentInputStartedAt time.Time
	currentInputs         map[string]*IOContext

	targetConcurrency int
	maxConcurrency    int
	slots             *Slots

	fetching            atomic.Bool
	stopConcurrencyLoop atomic.Bool

	// heartbeatMu is held across every heartbeat RPC and for the whole
	// snapshot critical section, so no heartbeat can be on the wire while a
	// snapshot is being taken.
	heartbeatMu              sync.Mutex
	heartbeatCond            *sync.Cond
	waitingForMemorySnapshot bool

	interactivityEnabled bool
}

var (
	singletonMu sync.Mutex
	singleton   *Manager
)

// Init builds the process-wide manager. Calling it again replaces the
// singleton; that only happens in tests.
func Init(cfg config.Container, opts Options) *Manager {
	opts.setDefaults()

	m := &Manager{
		cfg:               cfg,
		opts:              opts,
		log:               opts.Logger.With().Str("task_id", cfg.TaskID).Logger(),
		blobs:             opts.Blobs,
		cli:               opts.Client,
		taskID:            cfg.TaskID,
		functionID:        cfg.FunctionID,
		currentInputs:     map[string]*IOContext{},
		targetConcurrency: cfg.Function.TargetConcurrency,
		maxConcurrency:    cfg.Function.MaxConcurrency,
		slots:             NewSlots(cfg.Function.TargetConcurrency),
	}
	m.heartbeatCond = sync.NewCond(&m.heartbeatMu)
	m.fetching.Store(true)

	singletonMu.Lock()
	singleton = m
	singletonMu.Unlock()
	return m
}

// Current returns the process-wide manager, or nil before Init.
func Current() *Manager {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return singleton
}

// ResetSingleton clears the process-wide manager. Only used in tests.
func ResetSingleton() {
	singletonMu.Lock()
	singleton = nil
	singletonMu.Unlock()
}

// cp returns the current control-plane client. The pointer is swapped during
// restore, so reads go through the mutex.
func (m *Manager) cp() client.ControlPlane {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cli
}

// dataPlane returns the connection that carries function-call data streams:
// the input plane when one is configured, the control plane otherwise.
func (m *Manager) dataPlane() client.ControlPlane {
	if m.opts.InputPlane != nil {
		return m.opts.InputPlane
	}
	return m.cp()
}

// Hello pings the control plane once, verifying liveness at startup.
func (m *Manager) Hello(ctx context.Context) error {
	return m.cp().Hello(ctx)
}

// TaskID returns the current task id; it changes across a restore.
func (m *Manager) TaskID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskID
}

// FunctionID returns the current function id; it changes across a restore.
func (m *Manager) FunctionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.functionID
}

// CallsCompleted reports how many function calls have finished.
func (m *Manager) CallsCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callsCompleted
}

// CurrentInputs returns a snapshot of the in-flight input ids.
func (m *Manager) CurrentInputs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.currentInputs))
	for id := range m.currentInputs {
		ids = append(ids, id)
	}
	return ids
}

// averageCallTime is metadata for GetInputs; the core never rate-limits
// itself on it.
func (m *Manager) averageCallTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callsCompleted == 0 {
		return 0
	}
	return m.totalUserTime.Seconds() / float64(m.callsCompleted)
}

func (m *Manager) maxInputsToFetch() int {
	avg := m.averageCallTime()
	if avg == 0 {
		return 1
	}
	return int(math.Ceil(rttEstimate.Seconds() / math.Max(avg, 1e-6)))
}

// InputConcurrency reports usable slots. After a downsize, active slots can
// exceed the capacity; the larger value is reported.
func (m *Manager) InputConcurrency() int {
	active, capacity := m.slots.Active(), m.slots.Capacity()
	if active > capacity {
		return active
	}
	return capacity
}

// SetInputConcurrency overrides the slot capacity manually, clamped to the
// configured maximum. The dynamic concurrency loop is stopped for good.
func (m *Manager) SetInputConcurrency(concurrency int) {
	m.stopConcurrencyLoop.Store(true)
	if concurrency > m.maxConcurrency {
		concurrency = m.maxConcurrency
	}
	m.slots.SetCapacity(concurrency)
}

// StopFetchingInputs lets the container drain: outstanding executions
// complete but no further inputs are pulled.
func (m *Manager) StopFetchingInputs() {
	m.fetching.Store(false)
}

// registerContext indexes an IOContext under each of its input ids so the
// heartbeat loop can route cancellations to it.
func (m *Manager) registerContext(io *IOContext, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range io.InputIDs {
		m.currentInputs[id] = io
	}
	m.currentInputID = io.InputIDs[0]
	m.currentInputStartedAt = startedAt
}

// exitContext finalizes a completed or cancelled context: accounts user
// time, unregisters every input id, and releases the slot. It is the sole
// releaser of the slot and runs exactly once per context.
func (m *Manager) exitContext(startedAt time.Time, inputIDs []string) {
	m.mu.Lock()
	m.totalUserTime += time.Since(startedAt)
	m.callsCompleted++
	for _, id := range inputIDs {
		delete(m.currentInputs, id)
	}
	m.mu.Unlock()

	callsCompleted.Inc()
	m.slots.Release()
}

// cancelInputs routes a heartbeat cancellation event to the owning
// contexts. Unknown ids already completed; that is a no-op.
func (m *Manager) cancelInputs(inputIDs []string) {
	for _, id := range inputIDs {
		m.mu.Lock()
		io := m.currentInputs[id]
		m.mu.Unlock()
		if io != nil {
			cancellationsReceived.Inc()
			io.Cancel()
		}
	}
}

// Interact enables interactivity once, starting a PTY shell on the control
// plane. It requires the container to have been launched with a PTY.
func (m *Manager) Interact(ctx context.Context, fromBreakpoint bool) error {
	if m.interactivityEnabled {
		return nil
	}
	if m.cfg.Function.PTY == config.PTYNone {
		trigger := "interact()"
		if fromBreakpoint {
			trigger = "breakpoint()"
		}
		return &InvalidError{Msg: fmt.Sprintf("Cannot use %s without running in interactive mode.", trigger)}
	}
	if err := m.cp().StartPtyShell(ctx); err != nil {
		m.log.Error().Err(err).Msg("failed to start PTY shell")
		return err
	}
	m.interactivityEnabled = true
	return nil
}
