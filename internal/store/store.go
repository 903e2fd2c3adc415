// Package store defines the storage contracts the coordinator and
// scheduler depend on (Record Store, Instance Registry, Assignment
// Store), independent of any particular SQL dialect. internal/storepg
// provides the Postgres implementation; this package also ships
// in-memory fakes used by unit tests elsewhere in the module.
package store

import (
	"context"
	"time"

	"github.com/namastack/outbox-go/internal/model"
)

// RecordStore persists, queries, and deletes OutboxRecords (section 4.3).
type RecordStore interface {
	Save(ctx context.Context, record model.OutboxRecord) error
	FindPending(ctx context.Context) ([]model.OutboxRecord, error)
	FindCompleted(ctx context.Context) ([]model.OutboxRecord, error)
	FindFailed(ctx context.Context) ([]model.OutboxRecord, error)
	FindIncompleteRecordsByKey(ctx context.Context, key string) ([]model.OutboxRecord, error)
	CountByStatus(ctx context.Context, status model.RecordStatus) (int64, error)
	CountByPartitionStatus(ctx context.Context, partition int, status model.RecordStatus) (int64, error)
	DeleteByStatus(ctx context.Context, status model.RecordStatus) error
	DeleteByKeyAndStatus(ctx context.Context, key string, status model.RecordStatus) error
	DeleteByID(ctx context.Context, id string) error

	// FindReadyRecordKeys is the scheduler's primary query (section 4.3):
	// at most batchSize distinct keys whose partition is in partitions,
	// whose status equals status, and whose nextRetryAt <= now. When
	// ignorePreviousFailure is true a key is excluded if any strictly
	// earlier record (by createdAt) sharing that key has a nil
	// completedAt. Results are ordered by the minimum createdAt across
	// each key's records, ties broken by key ascending.
	FindReadyRecordKeys(ctx context.Context, partitions []int, status model.RecordStatus, batchSize int, ignorePreviousFailure bool) ([]string, error)
}

// InstanceRegistry persists instance lifecycle state (section 4.4).
type InstanceRegistry interface {
	Save(ctx context.Context, instance model.OutboxInstance) error
	FindByID(ctx context.Context, instanceID string) (*model.OutboxInstance, error)
	FindAll(ctx context.Context) ([]model.OutboxInstance, error)
	FindByStatus(ctx context.Context, status model.InstanceStatus) ([]model.OutboxInstance, error)
	FindActive(ctx context.Context) ([]model.OutboxInstance, error)
	FindInstancesWithStaleHeartbeat(ctx context.Context, cutoff time.Time) ([]model.OutboxInstance, error)
	// UpdateHeartbeat returns the number of rows affected (0 means the
	// instance no longer exists and must be re-registered).
	UpdateHeartbeat(ctx context.Context, instanceID string, at time.Time) (int64, error)
	UpdateStatus(ctx context.Context, instanceID string, status model.InstanceStatus, at time.Time) error
	CountByStatus(ctx context.Context, status model.InstanceStatus) (int64, error)
	DeleteByID(ctx context.Context, instanceID string) error
}

// AssignmentStore persists partition ownership with optimistic versioning
// (section 4.5). SaveAll is the system's only concurrency primitive.
type AssignmentStore interface {
	FindAll(ctx context.Context) ([]model.PartitionAssignment, error)
	FindByInstanceID(ctx context.Context, instanceID string) ([]model.PartitionAssignment, error)
	// SaveAll applies every assignment in one logical transaction. Per
	// assignment: a matching existing version is updated and bumped by 1;
	// a mismatched version raises an outboxerr.Error of KindOptimisticConflict
	// and rolls back the whole batch; a missing row is inserted at
	// version 0, and a duplicate-key race raises an outboxerr.Error of
	// KindIntegrityViolation and also rolls back the whole batch.
	SaveAll(ctx context.Context, assignments []model.PartitionAssignment) error
}
