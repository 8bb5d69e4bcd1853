// Package agenthub implements the Agent-Hub Facade (spec.md §4.8, C8): the
// thin adapter between the transport an agent connects over and the core's
// internal components. Every inbound call is validated and correlated, then
// forwarded to the registry (register/heartbeat/resource-usage), the
// coordinator (readiness/progress), or the log router (log lines/flush
// confirmations) — the facade itself holds no state of its own.
package agenthub

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitekeeper/master/internal/domain"
	"github.com/sitekeeper/master/internal/registry"
)

// Registry is the subset of *registry.Registry the facade needs.
type Registry interface {
	Register(nodeName string, meta domain.AgentMeta, transport registry.Transport) string
	Heartbeat(nodeName string, snapshot domain.ResourceSnapshot) error
	Send(ctx context.Context, nodeName string, msg domain.OutboundMessage) error
}

// Coordinator is the subset of *coordinator.Coordinator the facade needs.
type Coordinator interface {
	ReportReadiness(actionID, taskID string, ready bool, reason string) error
	ReportProgress(actionID, taskID, rawStatus string, percent int, message string, timestamp time.Time, resultJSON string) error
}

// LogRouter is the subset of *logrouter.Router the facade needs.
type LogRouter interface {
	AppendLog(ctx context.Context, entry domain.AgentLogEntry)
	ConfirmFlush(actionID, node string)
}

// Config supplies a Hub's collaborators.
type Config struct {
	Registry  Registry
	Coord     Coordinator
	LogRouter LogRouter
	Logger    *zap.Logger
}

// Hub is the Agent-Hub Facade: the single ingress surface agents call into.
type Hub struct {
	registry  Registry
	coord     Coordinator
	logRouter LogRouter
	logger    *zap.Logger
}

// New constructs a Hub from its collaborators.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry:  cfg.Registry,
		coord:     cfg.Coord,
		logRouter: cfg.LogRouter,
		logger:    logger.Named("agenthub"),
	}
}

// RegisterSlave upserts the calling agent into the registry (spec.md §6).
func (h *Hub) RegisterSlave(nodeName, version, os string, maxConcurrentTasks int, hostname string, transport registry.Transport) (string, error) {
	if nodeName == "" {
		return "", fmt.Errorf("agenthub: RegisterSlave: node name required")
	}
	meta := domain.AgentMeta{
		Version:           version,
		OS:                os,
		MaxConcurrentTask: maxConcurrentTasks,
		Hostname:          hostname,
	}
	session := h.registry.Register(nodeName, meta, transport)
	h.logger.Info("agent registered via hub",
		zap.String("node", nodeName),
		zap.String("version", version),
		zap.String("os", os),
	)
	return session, nil
}

// SendHeartbeat refreshes the calling agent's last-seen time and resource
// snapshot (spec.md §6).
func (h *Hub) SendHeartbeat(nodeName string, snapshot domain.ResourceSnapshot) error {
	if err := h.registry.Heartbeat(nodeName, snapshot); err != nil {
		return fmt.Errorf("agenthub: SendHeartbeat: %w", err)
	}
	return nil
}

// ReportResourceUsage is functionally identical to SendHeartbeat's snapshot
// refresh — both update the same registry record (spec.md §6 lists them as
// distinct calls with the same C1 effect).
func (h *Hub) ReportResourceUsage(nodeName string, snapshot domain.ResourceSnapshot) error {
	if err := h.registry.Heartbeat(nodeName, snapshot); err != nil {
		return fmt.Errorf("agenthub: ReportResourceUsage: %w", err)
	}
	return nil
}

// ReportTaskReadiness forwards a readiness report to the coordinator
// (spec.md §4.4.3, §6). Unknown action ids are logged and dropped, per the
// protocol-error policy in spec.md §7.
func (h *Hub) ReportTaskReadiness(actionID, taskID string, ready bool, reason string) {
	if actionID == "" || taskID == "" {
		h.logger.Warn("dropping readiness report missing correlation ids")
		return
	}
	if err := h.coord.ReportReadiness(actionID, taskID, ready, reason); err != nil {
		h.logger.Warn("dropping readiness report for unknown action/task",
			zap.String("action_id", actionID),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

// ReportTaskProgress forwards a progress update to the coordinator
// (spec.md §4.4.4, §6).
func (h *Hub) ReportTaskProgress(actionID, taskID, rawStatus string, percent int, message string, timestampUTC time.Time, resultJSON string) {
	if actionID == "" || taskID == "" {
		h.logger.Warn("dropping progress update missing correlation ids")
		return
	}
	if err := h.coord.ReportProgress(actionID, taskID, rawStatus, percent, message, timestampUTC, resultJSON); err != nil {
		h.logger.Warn("dropping progress update for unknown action/task",
			zap.String("action_id", actionID),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

// ReportSlaveTaskLog forwards a log line to the Log Router (spec.md §4.3,
// §6).
func (h *Hub) ReportSlaveTaskLog(actionID, taskID, nodeName string, level domain.LogLevel, message string, timestampUTC time.Time) {
	h.logRouter.AppendLog(context.Background(), domain.AgentLogEntry{
		ActionID:  actionID,
		TaskID:    taskID,
		NodeName:  nodeName,
		Level:     level,
		Message:   message,
		Timestamp: timestampUTC,
	})
}

// ConfirmLogFlushForTask satisfies one node's share of an action's flush
// barrier (spec.md §4.3, §6).
func (h *Hub) ConfirmLogFlushForTask(actionID, nodeName string) {
	if actionID == "" || nodeName == "" {
		h.logger.Warn("dropping flush confirmation missing correlation ids")
		return
	}
	h.logRouter.ConfirmFlush(actionID, nodeName)
}

// PrepareForTask is the outbound readiness-check call (spec.md §6).
func (h *Hub) PrepareForTask(ctx context.Context, nodeName string, msg domain.PrepareForTaskMsg) error {
	return h.send(ctx, nodeName, msg)
}

// AssignSlaveTask is the outbound dispatch call (spec.md §6).
func (h *Hub) AssignSlaveTask(ctx context.Context, nodeName string, msg domain.AssignSlaveTaskMsg) error {
	return h.send(ctx, nodeName, msg)
}

// CancelTask is the outbound cancellation call (spec.md §6).
func (h *Hub) CancelTask(ctx context.Context, nodeName string, msg domain.CancelTaskMsg) error {
	return h.send(ctx, nodeName, msg)
}

// RequestLogFlush is the outbound flush-barrier call (spec.md §6). Most
// callers go through the log router's own RequestLogFlush, which fans out to
// every participating node; this method exists for the facade's own
// completeness against the External Interfaces table and for ad hoc use
// (e.g. re-requesting a flush from a single straggling node).
func (h *Hub) RequestLogFlush(ctx context.Context, nodeName string, msg domain.RequestLogFlushMsg) error {
	return h.send(ctx, nodeName, msg)
}

// AdjustSystemTime is the outbound time-sync call (spec.md §6).
func (h *Hub) AdjustSystemTime(ctx context.Context, nodeName string, msg domain.AdjustSystemTimeMsg) error {
	return h.send(ctx, nodeName, msg)
}

// GeneralCommand is the outbound out-of-band call (spec.md §6).
func (h *Hub) GeneralCommand(ctx context.Context, nodeName string, msg domain.GeneralCommandMsg) error {
	return h.send(ctx, nodeName, msg)
}

// UpdateMasterState is the outbound context-push call (spec.md §6).
func (h *Hub) UpdateMasterState(ctx context.Context, nodeName string, msg domain.UpdateMasterStateMsg) error {
	return h.send(ctx, nodeName, msg)
}

func (h *Hub) send(ctx context.Context, nodeName string, msg domain.OutboundMessage) error {
	if err := h.registry.Send(ctx, nodeName, msg); err != nil {
		return fmt.Errorf("agenthub: %w", err)
	}
	return nil
}
