package models

import (
	"fmt"
	"time"
)

// MigrationStatus is the lifecycle state of a staged order row.
type MigrationStatus string

const (
	StagingPending   MigrationStatus = "PENDING"
	StagingApproved  MigrationStatus = "APPROVED"
	StagingMigrating MigrationStatus = "MIGRATING"
	StagingMigrated  MigrationStatus = "MIGRATED"
	StagingFailed    MigrationStatus = "FAILED"
	StagingRejected  MigrationStatus = "REJECTED"
)

// legalTransitions encodes the staging state machine. Transitions are
// monotonic: MIGRATED and REJECTED are terminal, and nothing moves back to
// PENDING except an explicit rollback handled at the storage layer.
var legalTransitions = map[MigrationStatus][]MigrationStatus{
	StagingPending:   {StagingApproved, StagingMigrating, StagingRejected},
	StagingApproved:  {StagingMigrating, StagingRejected},
	StagingMigrating: {StagingMigrated, StagingFailed},
	StagingFailed:    {StagingMigrating, StagingRejected},
	StagingMigrated:  {},
	StagingRejected:  {},
}

// CanTransition reports whether moving from s to next is legal.
func (s MigrationStatus) CanTransition(next MigrationStatus) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s MigrationStatus) Terminal() bool {
	return len(legalTransitions[s]) == 0
}

// Transition validates and applies a status change on a staging row. It is
// the single mutation point for MigrationStatus.
func (r *OrderStaging) Transition(next MigrationStatus) error {
	if !r.MigrationStatus.CanTransition(next) {
		return fmt.Errorf("illegal staging transition %s -> %s (row %s)", r.MigrationStatus, next, r.ID)
	}
	r.MigrationStatus = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// MappedRow is the best-effort mapped view of a raw CSV row, produced at
// ingestion time before the format is trusted.
type MappedRow struct {
	Values     map[CanonicalField]string `json:"values"`
	Metadata   map[string]string         `json:"metadata,omitempty"`
	Confidence float64                   `json:"confidence"`
}

// OrderStaging holds one raw CSV data row ingested under an unapproved or
// low-confidence format, pending review. Rows are converted by migration or
// terminated by rejection, never silently dropped.
type OrderStaging struct {
	ID                string
	UserID            string
	BrokerCsvFormatID string
	ImportBatchID     string
	RowIndex          int
	RawCsvRow         map[string]string
	InitialMappedData MappedRow
	MigrationStatus   MigrationStatus
	RetryCount        int
	ProcessingErrors  []string
	MigratedOrderID   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MigrationResult reports the outcome of a format approval migration.
type MigrationResult struct {
	FormatID          string        `json:"formatId"`
	MigratedCount     int           `json:"migratedCount"`
	FailedCount       int           `json:"failedCount"`
	SkippedCount      int           `json:"skippedCount"`
	Duration          time.Duration `json:"duration"`
	RollbackAvailable bool          `json:"rollbackAvailable"`
}
