package domain

import "time"

// OutboundMessage is the marker interface implemented by every Master->Agent
// call in spec.md §6. The Agent Registry's Send method is generic over this
// interface so every outbound call goes through the same connectivity/
// circuit-breaking path regardless of which RPC it represents.
type OutboundMessage interface {
	outboundMessage()
}

// PrepareForTaskMsg is the two-phase-commit step-1 readiness check
// (spec.md §4.4.2).
type PrepareForTaskMsg struct {
	ActionID         string
	TaskID           string
	ExpectedTaskType string
	PrepParamsJSON   string
}

func (PrepareForTaskMsg) outboundMessage() {}

// AssignSlaveTaskMsg dispatches the task after a ready report
// (spec.md §4.4.3).
type AssignSlaveTaskMsg struct {
	ActionID   string
	TaskID     string
	TaskType   string
	ParamsJSON string
	TimeoutSec int
}

func (AssignSlaveTaskMsg) outboundMessage() {}

// CancelTaskMsg initiates cancellation of a single task (spec.md §4.4.7).
type CancelTaskMsg struct {
	ActionID string
	TaskID   string
	Reason   string
}

func (CancelTaskMsg) outboundMessage() {}

// RequestLogFlushMsg starts the flush barrier for an action (spec.md §4.3).
type RequestLogFlushMsg struct {
	ActionID string
}

func (RequestLogFlushMsg) outboundMessage() {}

// AdjustSystemTimeMsg is an out-of-band time sync call.
type AdjustSystemTimeMsg struct {
	AuthoritativeUTC time.Time
	ForceAdjustment  bool
}

func (AdjustSystemTimeMsg) outboundMessage() {}

// GeneralCommandMsg carries an out-of-band operation not otherwise modeled.
type GeneralCommandMsg struct {
	CommandType string
	Payload     string
	TimeoutSec  int
}

func (GeneralCommandMsg) outboundMessage() {}

// UpdateMasterStateMsg pushes master context to an agent.
type UpdateMasterStateMsg struct {
	MasterTimestamp     time.Time
	ExpectedAgentStatus string
	ActiveManifest      string
	AssignedOps         []string
	MasterVersion       string
	ForceReregister     bool
}

func (UpdateMasterStateMsg) outboundMessage() {}
