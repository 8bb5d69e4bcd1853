package domain

import "time"

// LogLevel mirrors the wire-serialized enumeration in spec.md §6.
type LogLevel string

const (
	LogTrace       LogLevel = "Trace"
	LogDebug       LogLevel = "Debug"
	LogInformation LogLevel = "Information"
	LogWarning     LogLevel = "Warning"
	LogError       LogLevel = "Error"
	LogCritical    LogLevel = "Critical"
)

// AgentLogEntry is a single contextual log line reported by an agent via
// ReportSlaveTaskLog, carrying the correlation the Log Router needs to place
// it in the right journal sub-stream (spec.md §4.3).
type AgentLogEntry struct {
	ActionID  string
	TaskID    string
	NodeName  string
	Level     LogLevel
	Message   string
	Timestamp time.Time
}
