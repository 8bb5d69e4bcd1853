package coordinator

import "time"

// readinessReportEvent is posted to an action's mailbox on ReportTaskReadiness
// (spec.md §4.4.3).
type readinessReportEvent struct {
	taskID string
	ready  bool
	reason string
}

// progressUpdateEvent is posted to an action's mailbox on ReportTaskProgress
// (spec.md §4.4.4).
type progressUpdateEvent struct {
	taskID     string
	rawStatus  string
	percent    int
	message    string
	timestamp  time.Time
	resultJSON string
}

// connectivityChangedEvent is posted when the registry reports a connectivity
// transition for a node participating in this action (spec.md §4.4.5).
type connectivityChangedEvent struct {
	nodeName string
	current  string
}
