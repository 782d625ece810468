// Package session runs long-lived interactive CLI sessions attached
// to a pseudo-terminal, as distinct from the Agent Runner's one-shot
// turns: Spawn/Send/Interrupt/Stop/Subscribe plus the output-parsing
// and metrics-folding pipeline that backs them.
package session

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/internal/session/parser"
	"github.com/loomctl/loom/internal/session/pty"
	"github.com/loomctl/loom/internal/session/store"
	"github.com/loomctl/loom/pkg/types"
)

const (
	defaultCols = 120
	defaultRows = 40

	// coalesceWindow is the granularity at which consecutive stdout
	// chunks are merged into a single broadcast event.
	coalesceWindow = 100 * time.Millisecond

	// idleStabilityWindow is how long output must go quiet after an
	// interrupt before the instance is considered to have quiesced.
	idleStabilityWindow = 150 * time.Millisecond

	subscriberBuffer = 256
)

// interruptSignal is the signal Interrupt sends to a session's CLI
// subprocess before waiting for it to quiesce.
var interruptSignal = syscall.SIGINT

// EventKind classifies one notification a subscriber receives.
type EventKind string

const (
	EventLog     EventKind = "log" // wraps a types.InstanceLog kind; see Event.LogKind
	EventDropped EventKind = "events_dropped"
	EventStatus  EventKind = "status_changed"
)

// Event is one notification delivered to a Subscribe stream.
type Event struct {
	InstanceID string
	Kind       EventKind
	LogKind    types.InstanceLogKind
	Payload    string
	Status     types.InstanceStatus
	Timestamp  time.Time
}

// WorkspaceProvisioner provisions the shared workspace an instance's
// CLI subprocess runs in and returns a cleanup func the manager calls
// on Stop, mirroring the Design DAG Executor's decoupling from
// internal/workspace.
type WorkspaceProvisioner func(ctx context.Context, workflowID, instanceID string) (path string, cleanup func() error, err error)

// Manager runs and tracks every live instance for this process.
type Manager struct {
	store              *store.Store
	logger             *logger.Logger
	cliCommand         string
	cliArgs            []string
	provisionWorkspace WorkspaceProvisioner

	// CancelGracePeriod bounds how long Interrupt waits for the
	// subprocess to quiesce before escalating to a kill.
	CancelGracePeriod time.Duration

	mu        sync.Mutex
	instances map[string]*instance
}

// NewManager creates a Manager. cliCommand/cliArgs describe how to
// launch the interactive CLI subprocess for every Spawn call.
func NewManager(st *store.Store, cliCommand string, cliArgs []string, provision WorkspaceProvisioner, log *logger.Logger) *Manager {
	return &Manager{
		store:              st,
		logger:             log.WithFields(zap.String("component", "session-manager")),
		cliCommand:         cliCommand,
		cliArgs:            cliArgs,
		provisionWorkspace: provision,
		CancelGracePeriod:  5 * time.Second,
		instances:          make(map[string]*instance),
	}
}

// instance is one live CLI session and everything needed to drive its
// state machine: starting -> ready -> running <-> ready ->
// stopped|failed, with running -> interrupted -> ready also valid.
type instance struct {
	id         string
	workflowID string

	mu      sync.Mutex // guards status + pty writes, serialized per instance
	status  types.InstanceStatus
	cmd     *exec.Cmd
	handle  pty.Handle
	cleanup func() error

	lastActivityNano int64 // unix nanos of the last parsed event, for idle detection

	runningSince time.Time // set on entry to running, folded into wall time on exit

	subsMu sync.Mutex
	subs   map[int]*subscriber
	nextID int

	done chan struct{} // closed once the reader goroutine has exited
}

type subscriber struct {
	ch             chan Event
	droppedPending bool
}

// Spawn provisions a shared workspace, forks the CLI subprocess
// attached to a PTY, and starts streaming its output. It returns once
// the subprocess has started; the starting -> ready transition happens
// asynchronously when the CLI emits its first output.
func (m *Manager) Spawn(ctx context.Context, workflowID, userID string) (*types.Instance, error) {
	id := uuid.New().String()

	workspacePath, cleanup, err := m.provisionWorkspace(ctx, workflowID, id)
	if err != nil {
		return nil, loomerr.Wrap(loomerr.KindWorkspaceProvision, "failed to provision session workspace", err)
	}

	cmd := exec.Command(m.cliCommand, m.cliArgs...)
	cmd.Dir = workspacePath

	handle, err := pty.Start(cmd, defaultCols, defaultRows)
	if err != nil {
		_ = cleanup()
		return nil, loomerr.Wrap(loomerr.KindAgentFailed, "failed to start interactive CLI session", err)
	}

	rec := &types.Instance{
		ID:            id,
		WorkflowID:    workflowID,
		UserID:        userID,
		Status:        types.InstanceStarting,
		WorkspacePath: workspacePath,
		Metrics:       types.InstanceMetrics{ToolCalls: map[string]int64{}},
	}
	if err := m.store.CreateInstance(ctx, rec); err != nil {
		_ = handle.Close()
		_ = cleanup()
		return nil, fmt.Errorf("failed to persist instance: %w", err)
	}

	inst := &instance{
		id:         id,
		workflowID: workflowID,
		status:     types.InstanceStarting,
		cmd:        cmd,
		handle:     handle,
		cleanup:    cleanup,
		subs:       make(map[int]*subscriber),
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	go m.readLoop(inst)

	return rec, nil
}

// Send writes text to the instance's PTY, transitioning ready ->
// running on the first write of a turn.
func (m *Manager) Send(ctx context.Context, instanceID, text string) error {
	inst, err := m.get(instanceID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status != types.InstanceReady && inst.status != types.InstanceRunning {
		return loomerr.New(loomerr.KindPrecondition, fmt.Sprintf("instance %s is not ready to accept input (status=%s)", instanceID, inst.status))
	}

	if _, err := io.WriteString(inst.handle, text+"\n"); err != nil {
		return fmt.Errorf("failed to write to session pty: %w", err)
	}

	if inst.status == types.InstanceReady {
		m.transition(ctx, inst, types.InstanceRunning)
	}
	return nil
}

// Interrupt sends an interrupt and waits for the subprocess to
// quiesce (no further output for idleStabilityWindow). If it does not
// quiesce within CancelGracePeriod, the subprocess is killed and the
// instance transitions to failed; otherwise it returns to ready.
func (m *Manager) Interrupt(ctx context.Context, instanceID string) error {
	inst, err := m.get(instanceID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	if inst.status != types.InstanceRunning {
		inst.mu.Unlock()
		return loomerr.New(loomerr.KindPrecondition, fmt.Sprintf("instance %s is not running (status=%s)", instanceID, inst.status))
	}
	m.transition(ctx, inst, types.InstanceInterrupted)
	proc := inst.cmd.Process
	inst.mu.Unlock()

	if proc != nil {
		if err := proc.Signal(interruptSignal); err != nil {
			m.logger.Warn("failed to interrupt session subprocess", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}

	deadline := time.Now().Add(m.CancelGracePeriod)
	for time.Now().Before(deadline) {
		lastNano := atomic.LoadInt64(&inst.lastActivityNano)
		time.Sleep(idleStabilityWindow)
		select {
		case <-inst.done:
			inst.mu.Lock()
			m.transition(ctx, inst, types.InstanceFailed)
			inst.mu.Unlock()
			return nil
		default:
		}
		if atomic.LoadInt64(&inst.lastActivityNano) == lastNano {
			inst.mu.Lock()
			m.transition(ctx, inst, types.InstanceReady)
			inst.mu.Unlock()
			return nil
		}
	}

	if proc != nil {
		_ = proc.Kill()
	}
	inst.mu.Lock()
	m.transition(ctx, inst, types.InstanceFailed)
	inst.mu.Unlock()
	return nil
}

// Stop terminates the subprocess, cleans up its workspace, and
// transitions the instance to stopped.
func (m *Manager) Stop(ctx context.Context, instanceID string) error {
	inst, err := m.get(instanceID)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	if inst.cmd.Process != nil {
		_ = inst.cmd.Process.Kill()
	}
	_ = inst.handle.Close()
	m.transition(ctx, inst, types.InstanceStopped)
	inst.mu.Unlock()

	<-inst.done

	if err := inst.cleanup(); err != nil {
		m.logger.Warn("failed to clean up session workspace", zap.String("instance_id", instanceID), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.instances, instanceID)
	m.mu.Unlock()

	return nil
}

// Subscribe returns a stream of Events for instanceID and an
// unsubscribe func the caller must call when done listening.
func (m *Manager) Subscribe(instanceID string) (<-chan Event, func(), error) {
	inst, err := m.get(instanceID)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	inst.subsMu.Lock()
	id := inst.nextID
	inst.nextID++
	inst.subs[id] = sub
	inst.subsMu.Unlock()

	unsubscribe := func() {
		inst.subsMu.Lock()
		delete(inst.subs, id)
		inst.subsMu.Unlock()
	}

	return sub.ch, unsubscribe, nil
}

func (m *Manager) get(instanceID string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, loomerr.New(loomerr.KindValidation, "unknown instance: "+instanceID)
	}
	return inst, nil
}

// transition updates status in memory and persists it, folding the
// elapsed running interval into the instance's wall time whenever the
// edge leaves running (to ready, interrupted, stopped, or failed).
// Callers must already hold inst.mu.
func (m *Manager) transition(ctx context.Context, inst *instance, status types.InstanceStatus) {
	prev := inst.status
	inst.status = status

	if status == types.InstanceRunning {
		inst.runningSince = time.Now()
	} else if prev == types.InstanceRunning && !inst.runningSince.IsZero() {
		elapsed := time.Since(inst.runningSince)
		inst.runningSince = time.Time{}
		if err := m.store.AddWallTime(ctx, inst.id, elapsed); err != nil {
			m.logger.Warn("failed to persist wall time", zap.String("instance_id", inst.id), zap.Error(err))
		}
	}

	if err := m.store.UpdateStatus(ctx, inst.id, status); err != nil {
		m.logger.Warn("failed to persist instance status", zap.String("instance_id", inst.id), zap.Error(err))
	}
	m.broadcast(inst, Event{InstanceID: inst.id, Kind: EventStatus, Status: status, Timestamp: time.Now()})
}

// readLoop parses the PTY's output into InstanceLog rows, persists
// each one, and broadcasts to subscribers with stdout chunks
// coalesced to coalesceWindow granularity. Wall time is folded in
// transition, not here: readLoop only flips starting->ready.
func (m *Manager) readLoop(inst *instance) {
	defer close(inst.done)

	p := parser.New(inst.handle)
	ctx := context.Background()

	var pending string
	var pendingSince time.Time
	flush := func() {
		if pending == "" {
			return
		}
		m.persistAndBroadcast(ctx, inst, types.LogStdout, pending, "", 0, 0)
		pending = ""
	}

	for {
		ev, err := p.Next()
		if err != nil {
			flush()
			return
		}

		atomic.StoreInt64(&inst.lastActivityNano, time.Now().UnixNano())

		inst.mu.Lock()
		if inst.status == types.InstanceStarting {
			m.transition(ctx, inst, types.InstanceReady)
		}
		inst.mu.Unlock()

		if ev.Kind == types.LogStdout {
			if pending == "" {
				pendingSince = time.Now()
			}
			pending += ev.Payload
			if time.Since(pendingSince) >= coalesceWindow {
				flush()
			}
			continue
		}

		flush()
		m.persistAndBroadcast(ctx, inst, ev.Kind, ev.Payload, ev.ToolName, ev.TokensDelta, ev.CostDeltaUSD)
	}
}

func (m *Manager) persistAndBroadcast(ctx context.Context, inst *instance, kind types.InstanceLogKind, payload, toolName string, tokensDelta int64, costDelta float64) {
	log := &types.InstanceLog{InstanceID: inst.id, Kind: kind, Payload: payload, ToolName: toolName, TokensDelta: tokensDelta, CostDeltaUSD: costDelta}
	if err := m.store.AppendLog(ctx, log); err != nil {
		m.logger.Warn("failed to persist instance log", zap.String("instance_id", inst.id), zap.Error(err))
	}
	m.broadcast(inst, Event{InstanceID: inst.id, Kind: EventLog, LogKind: kind, Payload: payload, Timestamp: time.Now()})
}

// broadcast fans ev out to every subscriber without blocking the
// reader: a full subscriber channel drops its oldest events to make
// room for ev and, once per overflow run, for a single events_dropped
// marker enqueued just before ev.
func (m *Manager) broadcast(inst *instance, ev Event) {
	inst.subsMu.Lock()
	defer inst.subsMu.Unlock()

	for _, sub := range inst.subs {
		select {
		case sub.ch <- ev:
			sub.droppedPending = false
		default:
			select {
			case <-sub.ch:
			default:
			}
			if !sub.droppedPending {
				sub.droppedPending = true
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- Event{InstanceID: inst.id, Kind: EventDropped, Timestamp: time.Now()}:
				default:
				}
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
