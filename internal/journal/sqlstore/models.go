// Package sqlstore is an optional durable backing for the Journal Service
// interface (internal/journal): a gorm.DB connection opened against SQLite or
// PostgreSQL, with embedded golang-migrate migrations applied on startup.
//
// spec.md §1 scopes "the on-disk journal serializer" out of the core as an
// interface-only concern — this package is a concrete implementation of
// that interface an operator may choose to run; internal/journal.MemoryJournal
// remains the default and is what every in-process test uses.
package sqlstore

import (
	"encoding/json"
	"time"
)

// stageInitiatedRow is the GORM model backing StageInitiatedRecord.
type stageInitiatedRow struct {
	ID         uint `gorm:"primaryKey"`
	ActionID   string `gorm:"index"`
	StageIndex int
	StageName  string
	InputJSON  string
	At         time.Time
}

func (stageInitiatedRow) TableName() string { return "journal_stage_initiated" }

// stageCompletedRow is the GORM model backing StageCompletedRecord.
type stageCompletedRow struct {
	ID         uint `gorm:"primaryKey"`
	ActionID   string `gorm:"index"`
	StageIndex int
	StageName  string
	ResultJSON string
	Status     string
	At         time.Time
}

func (stageCompletedRow) TableName() string { return "journal_stage_completed" }

// nodeTaskResultRow is the GORM model backing NodeTaskResultRecord.
type nodeTaskResultRow struct {
	ID           uint `gorm:"primaryKey"`
	ActionID     string `gorm:"index"`
	NodeActionID string `gorm:"index"`
	TaskID       string
	NodeName     string
	Status       string
	ResultJSON   string
	At           time.Time
}

func (nodeTaskResultRow) TableName() string { return "journal_node_task_results" }

// logLineRow is the GORM model backing LogLineRecord.
type logLineRow struct {
	ID         uint `gorm:"primaryKey"`
	ActionID   string `gorm:"index"`
	StageIndex int
	NodeName   string
	TaskID     string
	Level      string
	Message    string
	At         time.Time
}

func (logLineRow) TableName() string { return "journal_log_lines" }

// marshalAny best-effort JSON-encodes an opaque payload for storage. A
// failure here is the same class of error that must never block
// the workflow — the error is discarded without being logged and the row
// gets an empty payload rather than failing the whole write.
func marshalAny(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
