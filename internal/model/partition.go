package model

import "time"

// PartitionState represents the lifecycle state of a data partition
type PartitionState string

const (
	// PartitionStateActive indicates a fully operational partition
	PartitionStateActive PartitionState = "active"
	// PartitionStateDraining indicates a partition shedding tenants before removal
	PartitionStateDraining PartitionState = "draining"
	// PartitionStateReadOnly indicates a partition accepting reads only
	PartitionStateReadOnly PartitionState = "read_only"
	// PartitionStateOffline indicates an unreachable or disabled partition
	PartitionStateOffline PartitionState = "offline"
)

// Partition represents a physical data partition holding a subset of tenants.
// Partitions are created administratively and never silently destroyed while
// holding active assignments.
type Partition struct {
	PartitionID    string
	ConnString     string
	State          PartitionState
	CapacityWeight int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AcceptsReads reports whether the partition may serve read traffic
func (p *Partition) AcceptsReads() bool {
	return p.State == PartitionStateActive || p.State == PartitionStateDraining || p.State == PartitionStateReadOnly
}

// AcceptsWrites reports whether the partition may serve write traffic
func (p *Partition) AcceptsWrites() bool {
	return p.State == PartitionStateActive || p.State == PartitionStateDraining
}

// AssignmentState represents the state of a tenant-to-partition assignment
type AssignmentState string

const (
	// AssignmentStateActive indicates the authoritative assignment for a tenant
	AssignmentStateActive AssignmentState = "active"
	// AssignmentStateDraining marks the migration source before cutover
	AssignmentStateDraining AssignmentState = "draining"
	// AssignmentStateProvisional marks the migration destination before cutover
	AssignmentStateProvisional AssignmentState = "provisional"
)

// ShardAssignment maps a tenant to a partition. At most one active assignment
// exists per tenant; during a migration a draining source and a provisional
// destination coexist until cutover replaces both with a single active row.
type ShardAssignment struct {
	TenantID    string
	PartitionID string
	State       AssignmentState
	Version     int64 // For optimistic locking
	AssignedAt  time.Time
}
