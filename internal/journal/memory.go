package journal

import (
	"context"
	"sync"
)

// MemoryJournal is the default in-process Journal implementation: events are
// appended to per-action slices held in memory for the lifetime of the
// process. spec.md §1 scopes the durable on-disk serializer out of this
// module as an interface-only concern — MemoryJournal is what every test and
// a development deployment uses; internal/journal/sqlstore is the optional
// durable alternative behind the same interface.
type MemoryJournal struct {
	mu                sync.Mutex
	stageInitiated    []StageInitiatedRecord
	stageCompleted    []StageCompletedRecord
	nodeTaskResults   []NodeTaskResultRecord
	logLines          []LogLineRecord
}

// NewMemoryJournal constructs an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) RecordStageInitiated(_ context.Context, rec StageInitiatedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stageInitiated = append(m.stageInitiated, rec)
	return nil
}

func (m *MemoryJournal) RecordStageCompleted(_ context.Context, rec StageCompletedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stageCompleted = append(m.stageCompleted, rec)
	return nil
}

func (m *MemoryJournal) RecordNodeTaskResult(_ context.Context, rec NodeTaskResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeTaskResults = append(m.nodeTaskResults, rec)
	return nil
}

func (m *MemoryJournal) RecordLogLine(_ context.Context, rec LogLineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logLines = append(m.logLines, rec)
	return nil
}

// StageCompletedRecords returns a snapshot of every stage-completed record
// written so far, in write order. Used by tests asserting the flush-before-
// journal-complete ordering invariant (spec.md §8 property 3).
func (m *MemoryJournal) StageCompletedRecords() []StageCompletedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StageCompletedRecord, len(m.stageCompleted))
	copy(out, m.stageCompleted)
	return out
}

// NodeTaskResultRecords returns a snapshot of every per-task result record.
func (m *MemoryJournal) NodeTaskResultRecords() []NodeTaskResultRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeTaskResultRecord, len(m.nodeTaskResults))
	copy(out, m.nodeTaskResults)
	return out
}

// LogLineRecords returns a snapshot of every routed log line.
func (m *MemoryJournal) LogLineRecords() []LogLineRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogLineRecord, len(m.logLines))
	copy(out, m.logLines)
	return out
}
