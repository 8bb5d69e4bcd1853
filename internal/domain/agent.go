package domain

import "time"

// Connectivity is the connection status of an agent as tracked by the Agent
// Registry (spec.md §3, §4.1).
type Connectivity string

const (
	Online      Connectivity = "Online"
	Offline     Connectivity = "Offline"
	Unreachable Connectivity = "Unreachable"
)

// AgentMeta is the set of self-reported attributes an agent supplies on
// RegisterSlave (spec.md §6).
type AgentMeta struct {
	Version           string
	OS                string
	MaxConcurrentTask int
	Hostname          string
}

// ResourceSnapshot is the payload of a SendHeartbeat/ReportResourceUsage call.
type ResourceSnapshot struct {
	CPUPercent float64
	MemBytes   int64
	DiskMB     int64
	Timestamp  time.Time
}

// AgentState is the Agent Registry's record for one connected node.
type AgentState struct {
	NodeName      string
	Connectivity  Connectivity
	LastHeartbeat time.Time
	Meta          AgentMeta
	LastSnapshot  ResourceSnapshot
}

// ConnectivityEvent is published on the registry's internal event channel
// whenever an agent's Connectivity changes, consumed by the coordinator's
// node-health observer (spec.md §4.4.5).
type ConnectivityEvent struct {
	NodeName string
	Previous Connectivity
	Current  Connectivity
	At       time.Time
}
