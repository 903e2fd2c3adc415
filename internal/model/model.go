// Package model holds the plain data types shared by the store, coordinator,
// and scheduler packages. Keeping them here (instead of in the root outbox
// package) lets internal packages depend on the data model without creating
// an import cycle back to the public API.
package model

import "time"

// RecordStatus is the lifecycle state of an OutboxRecord.
type RecordStatus string

const (
	RecordNew       RecordStatus = "NEW"
	RecordCompleted RecordStatus = "COMPLETED"
	RecordFailed    RecordStatus = "FAILED"
)

// PartitionCount is the fixed, compile-time size of the partition ring.
// Changing it after deployment invalidates every existing record's
// partition assignment, so it is not configurable.
const PartitionCount = 256

// OutboxRecord is one row of the outbox_record table.
type OutboxRecord struct {
	ID            string
	Key           string
	Partition     int
	RecordType    string
	Payload       string
	Context       map[string]string
	Status        RecordStatus
	CreatedAt     time.Time
	CompletedAt   *time.Time
	FailureCount  int
	FailureReason *string
	NextRetryAt   time.Time
	HandlerID     string
}

// InstanceStatus is the lifecycle state of an OutboxInstance.
type InstanceStatus string

const (
	InstanceActive        InstanceStatus = "ACTIVE"
	InstanceShuttingDown   InstanceStatus = "SHUTTING_DOWN"
	InstanceDead          InstanceStatus = "DEAD"
)

// OutboxInstance is one row of the outbox_instance table.
type OutboxInstance struct {
	InstanceID    string
	Hostname      string
	Port          int
	Status        InstanceStatus
	StartedAt     time.Time
	LastHeartbeat time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsLive reports whether the instance counts toward the live set, given
// the staleness cutoff (now - staleInstanceTimeout).
func (i OutboxInstance) IsLive(cutoff time.Time) bool {
	if i.Status != InstanceActive && i.Status != InstanceShuttingDown {
		return false
	}
	return !i.LastHeartbeat.Before(cutoff)
}

// PartitionAssignment is one row of the outbox_partition table.
type PartitionAssignment struct {
	PartitionNumber int
	InstanceID      *string // nil means unassigned
	Version         int64
	UpdatedAt       time.Time
}

// Owner returns the owning instance id, or "" if unassigned.
func (a PartitionAssignment) Owner() string {
	if a.InstanceID == nil {
		return ""
	}
	return *a.InstanceID
}

// IsStale reports whether the assignment's owner is not a member of
// liveIDs (this also covers the unassigned/nil case).
func (a PartitionAssignment) IsStale(liveIDs map[string]struct{}) bool {
	owner := a.Owner()
	if owner == "" {
		return true
	}
	_, live := liveIDs[owner]
	return !live
}
