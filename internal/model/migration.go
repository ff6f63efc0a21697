package model

import "time"

// Migration represents a zero-downtime tenant migration between partitions
type Migration struct {
	MigrationID       string
	TenantID          string
	SourcePartition   string
	DestPartition     string
	Status            MigrationStatus
	Phase             MigrationPhase
	Checkpoint        string // last committed record key during backfill
	RowsCopied        int64
	StartedAt         time.Time
	CompletedAt       *time.Time
	ErrorMessage      string
	AssignmentVersion int64 // tenant assignment version the migration was planned against
}

// MigrationStatus represents the status of a migration
type MigrationStatus string

const (
	// MigrationStatusPending indicates migration is pending
	MigrationStatusPending MigrationStatus = "pending"
	// MigrationStatusInProgress indicates migration is in progress
	MigrationStatusInProgress MigrationStatus = "in_progress"
	// MigrationStatusCompleted indicates migration completed successfully
	MigrationStatusCompleted MigrationStatus = "completed"
	// MigrationStatusFailed indicates migration failed
	MigrationStatusFailed MigrationStatus = "failed"
)

// IsTerminal reports whether the migration reached a terminal status
func (s MigrationStatus) IsTerminal() bool {
	return s == MigrationStatusCompleted || s == MigrationStatusFailed
}

// MigrationPhase represents the phase of a migration
type MigrationPhase string

const (
	// MigrationPhasePlanned indicates destination validation is done
	MigrationPhasePlanned MigrationPhase = "planned"
	// MigrationPhaseDualWrite indicates writes are mirrored to both partitions
	MigrationPhaseDualWrite MigrationPhase = "dual_write"
	// MigrationPhaseBackfilling indicates existing data is being copied in chunks
	MigrationPhaseBackfilling MigrationPhase = "backfilling"
	// MigrationPhaseVerifying indicates source and destination are being compared
	MigrationPhaseVerifying MigrationPhase = "verifying"
	// MigrationPhaseCutOver indicates the active assignment flipped to destination
	MigrationPhaseCutOver MigrationPhase = "cutover"
	// MigrationPhaseDraining indicates dual-write is off and source data is in grace
	MigrationPhaseDraining MigrationPhase = "draining"
	// MigrationPhaseComplete indicates source data is eligible for cleanup
	MigrationPhaseComplete MigrationPhase = "complete"
)

// Reversible reports whether a failure in this phase leaves the tenant served
// from the source partition. Anything at or past cutover requires a
// compensating reverse migration instead.
func (p MigrationPhase) Reversible() bool {
	switch p {
	case MigrationPhasePlanned, MigrationPhaseDualWrite, MigrationPhaseBackfilling, MigrationPhaseVerifying:
		return true
	default:
		return false
	}
}
