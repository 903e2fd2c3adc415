package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/outboxerr"
)

// MemoryBackend bundles in-memory implementations of the three store
// interfaces, used by coordinator/scheduler unit tests so they don't need
// a live Postgres instance. Nothing is persisted across process restarts.
type MemoryBackend struct {
	Records     *MemoryRecordStore
	Instances   *MemoryInstanceRegistry
	Assignments *MemoryAssignmentStore
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		Records:     &MemoryRecordStore{records: make(map[string]model.OutboxRecord)},
		Instances:   &MemoryInstanceRegistry{instances: make(map[string]model.OutboxInstance)},
		Assignments: &MemoryAssignmentStore{partitions: make(map[int]model.PartitionAssignment)},
	}
}

// MemoryRecordStore is an in-memory RecordStore.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]model.OutboxRecord
}

var _ RecordStore = (*MemoryRecordStore)(nil)

func (m *MemoryRecordStore) Save(_ context.Context, record model.OutboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = record
	return nil
}

func (m *MemoryRecordStore) findByStatus(status model.RecordStatus) []model.OutboxRecord {
	var out []model.OutboxRecord
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryRecordStore) FindPending(_ context.Context) ([]model.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByStatus(model.RecordNew), nil
}

func (m *MemoryRecordStore) FindCompleted(_ context.Context) ([]model.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByStatus(model.RecordCompleted), nil
}

func (m *MemoryRecordStore) FindFailed(_ context.Context) ([]model.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByStatus(model.RecordFailed), nil
}

func (m *MemoryRecordStore) FindIncompleteRecordsByKey(_ context.Context, key string) ([]model.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxRecord
	for _, r := range m.records {
		if r.Key == key && r.Status == model.RecordNew {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRecordStore) CountByStatus(_ context.Context, status model.RecordStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRecordStore) CountByPartitionStatus(_ context.Context, partition int, status model.RecordStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.Partition == partition && r.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRecordStore) DeleteByStatus(_ context.Context, status model.RecordStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.Status == status {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryRecordStore) DeleteByKeyAndStatus(_ context.Context, key string, status model.RecordStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.Key == key && r.Status == status {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryRecordStore) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryRecordStore) FindReadyRecordKeys(_ context.Context, partitions []int, status model.RecordStatus, batchSize int, ignorePreviousFailure bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if batchSize <= 0 {
		return nil, nil
	}

	partitionSet := make(map[int]struct{}, len(partitions))
	for _, p := range partitions {
		partitionSet[p] = struct{}{}
	}

	now := time.Now()

	type keyInfo struct {
		minCreated time.Time
		blocked    bool
	}
	byKey := make(map[string]*keyInfo)

	for _, r := range m.records {
		if _, ok := partitionSet[r.Partition]; !ok {
			continue
		}
		if r.Status != status {
			continue
		}
		if r.NextRetryAt.After(now) {
			continue
		}
		info, ok := byKey[r.Key]
		if !ok {
			info = &keyInfo{minCreated: r.CreatedAt}
			byKey[r.Key] = info
		} else if r.CreatedAt.Before(info.minCreated) {
			info.minCreated = r.CreatedAt
		}
	}

	if ignorePreviousFailure {
		for key, info := range byKey {
			for _, r := range m.records {
				if r.Key != key {
					continue
				}
				if r.CreatedAt.Before(info.minCreated) && r.CompletedAt == nil {
					info.blocked = true
				}
			}
		}
	}

	type candidate struct {
		key        string
		minCreated time.Time
	}
	var candidates []candidate
	for key, info := range byKey {
		if info.blocked {
			continue
		}
		candidates = append(candidates, candidate{key: key, minCreated: info.minCreated})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].minCreated.Equal(candidates[j].minCreated) {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].minCreated.Before(candidates[j].minCreated)
	})

	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys, nil
}

// MemoryInstanceRegistry is an in-memory InstanceRegistry.
type MemoryInstanceRegistry struct {
	mu        sync.Mutex
	instances map[string]model.OutboxInstance
}

var _ InstanceRegistry = (*MemoryInstanceRegistry)(nil)

func (m *MemoryInstanceRegistry) Save(_ context.Context, instance model.OutboxInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[instance.InstanceID] = instance
	return nil
}

func (m *MemoryInstanceRegistry) FindByID(_ context.Context, instanceID string) (*model.OutboxInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[instanceID]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

func (m *MemoryInstanceRegistry) FindAll(_ context.Context) ([]model.OutboxInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.OutboxInstance, 0, len(m.instances))
	for _, i := range m.instances {
		out = append(out, i)
	}
	return out, nil
}

func (m *MemoryInstanceRegistry) FindByStatus(_ context.Context, status model.InstanceStatus) ([]model.OutboxInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxInstance
	for _, i := range m.instances {
		if i.Status == status {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *MemoryInstanceRegistry) FindActive(_ context.Context) ([]model.OutboxInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxInstance
	for _, i := range m.instances {
		if i.Status == model.InstanceActive || i.Status == model.InstanceShuttingDown {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *MemoryInstanceRegistry) FindInstancesWithStaleHeartbeat(_ context.Context, cutoff time.Time) ([]model.OutboxInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxInstance
	for _, i := range m.instances {
		if i.LastHeartbeat.Before(cutoff) {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *MemoryInstanceRegistry) UpdateHeartbeat(_ context.Context, instanceID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[instanceID]
	if !ok {
		return 0, nil
	}
	i.LastHeartbeat = at
	i.UpdatedAt = at
	m.instances[instanceID] = i
	return 1, nil
}

func (m *MemoryInstanceRegistry) UpdateStatus(_ context.Context, instanceID string, status model.InstanceStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[instanceID]
	if !ok {
		return nil
	}
	i.Status = status
	i.UpdatedAt = at
	m.instances[instanceID] = i
	return nil
}

func (m *MemoryInstanceRegistry) CountByStatus(_ context.Context, status model.InstanceStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, i := range m.instances {
		if i.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryInstanceRegistry) DeleteByID(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, instanceID)
	return nil
}

// MemoryAssignmentStore is an in-memory AssignmentStore.
type MemoryAssignmentStore struct {
	mu         sync.Mutex
	partitions map[int]model.PartitionAssignment
}

var _ AssignmentStore = (*MemoryAssignmentStore)(nil)

func (m *MemoryAssignmentStore) FindAll(_ context.Context) ([]model.PartitionAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PartitionAssignment, 0, len(m.partitions))
	for _, a := range m.partitions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionNumber < out[j].PartitionNumber })
	return out, nil
}

func (m *MemoryAssignmentStore) FindByInstanceID(_ context.Context, instanceID string) ([]model.PartitionAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PartitionAssignment
	for _, a := range m.partitions {
		if a.Owner() == instanceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionNumber < out[j].PartitionNumber })
	return out, nil
}

func (m *MemoryAssignmentStore) SaveAll(_ context.Context, assignments []model.PartitionAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole batch before mutating anything, so a conflict
	// partway through never leaves a partial apply.
	for _, a := range assignments {
		existing, ok := m.partitions[a.PartitionNumber]
		if ok && existing.Version != a.Version {
			return outboxerr.OptimisticConflict("stale version for partition")
		}
	}

	for _, a := range assignments {
		existing, ok := m.partitions[a.PartitionNumber]
		if !ok {
			a.Version = 0
			m.partitions[a.PartitionNumber] = a
			continue
		}
		a.Version = existing.Version + 1
		m.partitions[a.PartitionNumber] = a
	}
	return nil
}
