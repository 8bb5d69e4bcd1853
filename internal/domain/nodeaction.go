package domain

import "time"

// NodeTaskStatus is the per-node sub-state of a NodeTask, as it crosses the
// wire in ReportTaskProgress/ReportTaskReadiness (spec.md §3, §6). String
// values are exact and stable — they are serialized verbatim.
type NodeTaskStatus string

const (
	TaskReadinessCheckSent     NodeTaskStatus = "ReadinessCheckSent"
	TaskReadyToExecute         NodeTaskStatus = "ReadyToExecute"
	TaskNotReadyForTask        NodeTaskStatus = "NotReadyForTask"
	TaskReadinessCheckTimedOut NodeTaskStatus = "ReadinessCheckTimedOut"
	TaskDispatched             NodeTaskStatus = "TaskDispatched"
	TaskInProgress             NodeTaskStatus = "InProgress"
	TaskSucceeded              NodeTaskStatus = "Succeeded"
	TaskFailed                 NodeTaskStatus = "Failed"
	TaskCancelling             NodeTaskStatus = "Cancelling"
	TaskCancelled              NodeTaskStatus = "Cancelled"
	TaskNodeOfflineDuringTask  NodeTaskStatus = "NodeOfflineDuringTask"
)

// terminalTaskStatuses is the terminal set from spec.md §3.
var terminalTaskStatuses = map[NodeTaskStatus]bool{
	TaskNotReadyForTask:        true,
	TaskReadinessCheckTimedOut: true,
	TaskSucceeded:              true,
	TaskFailed:                 true,
	TaskCancelled:              true,
	TaskNodeOfflineDuringTask:  true,
}

// IsTerminal reports whether status is a member of the terminal set.
func (s NodeTaskStatus) IsTerminal() bool {
	return terminalTaskStatuses[s]
}

// ParseNodeTaskStatus converts a wire string into a NodeTaskStatus, returning
// ok=false for unrecognized values so callers can treat it as a protocol
// error (spec.md §7) rather than silently accepting garbage.
func ParseNodeTaskStatus(s string) (NodeTaskStatus, bool) {
	switch NodeTaskStatus(s) {
	case TaskReadinessCheckSent, TaskReadyToExecute, TaskNotReadyForTask,
		TaskReadinessCheckTimedOut, TaskDispatched, TaskInProgress,
		TaskSucceeded, TaskFailed, TaskCancelling, TaskCancelled,
		TaskNodeOfflineDuringTask:
		return NodeTaskStatus(s), true
	default:
		return "", false
	}
}

// NodeActionStatus is the aggregate status of a NodeAction.
type NodeActionStatus string

const (
	NodeActionAwaitingReadiness NodeActionStatus = "AwaitingReadiness"
	NodeActionRunning           NodeActionStatus = "Running"
	NodeActionCancelling        NodeActionStatus = "Cancelling"
	NodeActionSucceeded         NodeActionStatus = "Succeeded"
	NodeActionFailed            NodeActionStatus = "Failed"
	NodeActionCancelled         NodeActionStatus = "Cancelled"
)

// IsTerminal reports whether the NodeAction aggregate status is terminal.
func (s NodeActionStatus) IsTerminal() bool {
	switch s {
	case NodeActionSucceeded, NodeActionFailed, NodeActionCancelled:
		return true
	default:
		return false
	}
}

// NodeTask is the per-node sub-state of a NodeAction (spec.md §3).
type NodeTask struct {
	TaskID        string
	NodeName      string
	TaskType      string
	Payload       map[string]string
	Status        NodeTaskStatus
	ProgressPct   int
	StatusMessage string
	LastUpdate    time.Time
	EndTime       time.Time
	Result        map[string]any
}

// IsTerminalState reports whether the task has reached a terminal sub-status
// and therefore has EndTime set, per the invariant in spec.md §3.
func (t *NodeTask) IsTerminalState() bool {
	return t.Status.IsTerminal()
}

// NodeAction is a single distributed task across a chosen set of nodes
// (spec.md §3). ActionID is unique within the owning MasterAction.
type NodeAction struct {
	ActionID      string
	StageIndex    int
	ActionName    string
	SlaveTaskType string
	Status        NodeActionStatus
	ProgressPct   int
	StatusMessage string
	StartTime     time.Time
	EndTime       time.Time
	Tasks         []*NodeTask
}

// NewNodeAction constructs a NodeAction in AwaitingReadiness with the given
// tasks already attached. The task list's length and identity never change
// after construction — spec.md §8 property 5 ("no lost tasks").
func NewNodeAction(actionID string, stageIndex int, actionName, slaveTaskType string, tasks []*NodeTask) *NodeAction {
	return &NodeAction{
		ActionID:      actionID,
		StageIndex:    stageIndex,
		ActionName:    actionName,
		SlaveTaskType: slaveTaskType,
		Status:        NodeActionAwaitingReadiness,
		StartTime:     time.Now().UTC(),
		Tasks:         tasks,
	}
}

// NodeActionResult is the resolved verdict of a NodeAction once every task
// has reached a terminal sub-status (spec.md §4.4.1, Open Question 1:
// NodeActionResult and MultiNodeOperationResult are treated as one type).
type NodeActionResult struct {
	ActionID   string
	Success    bool
	FinalState *NodeAction
}
