// Package simulator implements an in-process fake agent for exercising the
// master end to end without a real network transport. It satisfies
// registry.Transport directly, so a Manager can be registered into the real
// Agent Registry and driven by the real Coordinator/Log Router exactly as a
// networked agent would be. The reconnect/heartbeat loop shape is adapted
// from a real gRPC client's connection-manager loop into a direct
// in-process Transport.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/registry"
)

const (
	backoffInitial = 50 * time.Millisecond
	backoffMax     = 2 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	defaultHeartbeatInterval = 5 * time.Second
)

// Hub is the subset of *agenthub.Hub a simulated agent calls back into.
type Hub interface {
	RegisterSlave(nodeName, version, os string, maxConcurrentTasks int, hostname string, transport registry.Transport) (string, error)
	SendHeartbeat(nodeName string, snapshot domain.ResourceSnapshot) error
	ReportTaskReadiness(actionID, taskID string, ready bool, reason string)
	ReportTaskProgress(actionID, taskID, rawStatus string, percent int, message string, timestampUTC time.Time, resultJSON string)
	ReportSlaveTaskLog(actionID, taskID, nodeName string, level domain.LogLevel, message string, timestampUTC time.Time)
	ConfirmLogFlushForTask(actionID, nodeName string)
}

// ProgressStep is one scripted progress update a simulated task reports
// after Delay elapses from task assignment.
type ProgressStep struct {
	Delay   time.Duration
	Percent int
	Message string
}

// TaskScript controls how a simulated agent responds to one TaskID across
// the readiness/execute/flush protocol (spec.md §4.4.2-§4.4.8). The zero
// value reports not-ready (Ready is false); tasks with no installed script
// use defaultScript, which is immediately ready and successful.
type TaskScript struct {
	ReadyDelay     time.Duration
	Ready          bool
	NotReadyReason string

	Steps       []ProgressStep
	FinalStatus domain.NodeTaskStatus
	FinalResult string

	// SilentOnCancel, when true, makes the task never acknowledge a
	// CancelTask message — used to exercise the forced-cancellation path
	// (spec.md §8 S4).
	SilentOnCancel bool
	CancelAckDelay time.Duration

	// NeverConfirmFlush, when true, makes the task never confirm a log
	// flush — used to exercise the flush timeout path (spec.md §8 S3/S6).
	NeverConfirmFlush bool
	FlushConfirmDelay time.Duration
}

func defaultScript() TaskScript {
	return TaskScript{
		Ready:       true,
		FinalStatus: domain.TaskSucceeded,
		FinalResult: `{}`,
	}
}

// Config supplies a Manager's identity and behavior scripts.
type Config struct {
	NodeName           string
	Version            string
	OS                 string
	Hostname           string
	MaxConcurrentTasks int
	HeartbeatInterval  time.Duration
	Logger             *zap.Logger
}

// Manager is an in-process simulated agent.
type Manager struct {
	cfg    Config
	hub    Hub
	logger *zap.Logger

	mu            sync.Mutex
	scripts       map[string]TaskScript // by TaskID
	cancels       map[string]chan struct{}
	defaultScript *TaskScript
}

// New constructs a Manager bound to hub. Call Run to register and start the
// heartbeat loop.
func New(cfg Config, hub Hub) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Manager{
		cfg:     cfg,
		hub:     hub,
		logger:  logger.Named("simulator").With(zap.String("node", cfg.NodeName)),
		scripts: make(map[string]TaskScript),
		cancels: make(map[string]chan struct{}),
	}
}

// ScriptTask installs the behavior a future PrepareForTask/AssignSlaveTask
// pair for taskID should follow. Call before the task is dispatched.
func (m *Manager) ScriptTask(taskID string, script TaskScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[taskID] = script
}

// SetDefaultScript overrides the behavior used for any task that has no
// ScriptTask entry of its own — useful when the caller cannot predict a
// generated TaskID ahead of time but still wants every task this agent
// receives to behave a particular way, e.g. to exercise a readiness timeout.
func (m *Manager) SetDefaultScript(script TaskScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultScript = &script
}

// Run registers the agent with the hub and runs the heartbeat loop until ctx
// is cancelled, reconnecting with backoff+jitter if registration fails —
// the same register/heartbeat/backoff loop shape a networked agent runs,
// minus the network dial it has no equivalent of in-process.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for ctx.Err() == nil {
		if _, err := m.hub.RegisterSlave(m.cfg.NodeName, m.cfg.Version, m.cfg.OS, m.cfg.MaxConcurrentTasks, m.cfg.Hostname, m); err != nil {
			m.logger.Warn("registration failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		m.heartbeatLoop(ctx)
		return
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.hub.SendHeartbeat(m.cfg.NodeName, domain.ResourceSnapshot{Timestamp: time.Now().UTC()}); err != nil {
				m.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Send implements registry.Transport: it is the agent's receive path for
// every Master->Agent call in spec.md §6.
func (m *Manager) Send(ctx context.Context, msg domain.OutboundMessage) error {
	switch v := msg.(type) {
	case domain.PrepareForTaskMsg:
		go m.handlePrepare(ctx, v)
	case domain.AssignSlaveTaskMsg:
		go m.handleAssign(ctx, v)
	case domain.CancelTaskMsg:
		go m.handleCancel(v)
	case domain.RequestLogFlushMsg:
		go m.handleFlushRequest(ctx, v)
	case domain.AdjustSystemTimeMsg, domain.GeneralCommandMsg, domain.UpdateMasterStateMsg:
		m.logger.Debug("ignoring out-of-band master call", zap.String("type", fmt.Sprintf("%T", v)))
	default:
		m.logger.Warn("unrecognized outbound message type", zap.String("type", fmt.Sprintf("%T", v)))
	}
	return nil
}

func (m *Manager) scriptFor(taskID string) TaskScript {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scripts[taskID]; ok {
		return s
	}
	if m.defaultScript != nil {
		return *m.defaultScript
	}
	return defaultScript()
}

func (m *Manager) cancelChan(taskID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.cancels[taskID]
	if !ok {
		ch = make(chan struct{})
		m.cancels[taskID] = ch
	}
	return ch
}

func (m *Manager) handlePrepare(ctx context.Context, msg domain.PrepareForTaskMsg) {
	script := m.scriptFor(msg.TaskID)
	select {
	case <-time.After(script.ReadyDelay):
	case <-ctx.Done():
		return
	}
	m.hub.ReportTaskReadiness(msg.ActionID, msg.TaskID, script.Ready, script.NotReadyReason)
}

func (m *Manager) handleAssign(ctx context.Context, msg domain.AssignSlaveTaskMsg) {
	script := m.scriptFor(msg.TaskID)
	cancelled := m.cancelChan(msg.TaskID)

	for _, step := range script.Steps {
		select {
		case <-time.After(step.Delay):
		case <-cancelled:
			m.reportTerminal(msg, domain.TaskCancelled, "cancelled during execution")
			return
		case <-ctx.Done():
			return
		}
		m.hub.ReportTaskProgress(msg.ActionID, msg.TaskID, string(domain.TaskInProgress), step.Percent, step.Message, time.Now().UTC(), "")
	}

	select {
	case <-cancelled:
		m.reportTerminal(msg, domain.TaskCancelled, "cancelled at completion boundary")
	default:
		status := script.FinalStatus
		if status == "" {
			status = domain.TaskSucceeded
		}
		m.hub.ReportTaskProgress(msg.ActionID, msg.TaskID, string(status), 100, "complete", time.Now().UTC(), script.FinalResult)
	}
}

func (m *Manager) reportTerminal(msg domain.AssignSlaveTaskMsg, status domain.NodeTaskStatus, message string) {
	m.hub.ReportTaskProgress(msg.ActionID, msg.TaskID, string(status), 100, message, time.Now().UTC(), "")
}

func (m *Manager) handleCancel(msg domain.CancelTaskMsg) {
	script := m.scriptFor(msg.TaskID)
	if script.SilentOnCancel {
		return
	}
	select {
	case <-time.After(script.CancelAckDelay):
	}
	ch := m.cancelChan(msg.TaskID)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (m *Manager) handleFlushRequest(ctx context.Context, msg domain.RequestLogFlushMsg) {
	// Flush behavior is configured per node, taken from whichever per-task
	// script map iteration yields last (arbitrary when several are
	// installed); the default script is not consulted, and with no per-task
	// scripts the flush is confirmed at once. A simulated agent flushes (or
	// doesn't) as a whole, matching spec.md §4.3's per-node flush barrier
	// rather than per-task.
	m.mu.Lock()
	var sample TaskScript
	for _, s := range m.scripts {
		sample = s
	}
	m.mu.Unlock()

	if sample.NeverConfirmFlush {
		return
	}
	select {
	case <-time.After(sample.FlushConfirmDelay):
	case <-ctx.Done():
		return
	}
	m.hub.ConfirmLogFlushForTask(msg.ActionID, m.cfg.NodeName)
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
