package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/store"
)

func registerInstance(t *testing.T, backend *store.MemoryBackend, id string) {
	t.Helper()
	now := time.Now()
	err := backend.Instances.Save(context.Background(), model.OutboxInstance{
		InstanceID:    id,
		Status:        model.InstanceActive,
		StartedAt:     now,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("Save instance: %v", err)
	}
}

func TestRebalanceBootstrapsWhenNoAssignments(t *testing.T) {
	backend := store.NewMemoryBackend()
	registerInstance(t, backend, "a")

	c := New("a", 30*time.Second, backend.Instances, backend.Assignments, nil)
	if err := c.Rebalance(context.Background()); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}

	owned := c.OwnedPartitions()
	if len(owned) != model.PartitionCount {
		t.Fatalf("owned = %d, want %d after solo bootstrap", len(owned), model.PartitionCount)
	}
}

func TestRebalanceConvergesToFairShareAcrossTwoInstances(t *testing.T) {
	backend := store.NewMemoryBackend()
	registerInstance(t, backend, "a")

	ca := New("a", 30*time.Second, backend.Instances, backend.Assignments, nil)
	if err := ca.Rebalance(context.Background()); err != nil {
		t.Fatalf("bootstrap Rebalance: %v", err)
	}
	if len(ca.OwnedPartitions()) != model.PartitionCount {
		t.Fatalf("expected instance a to own all partitions after bootstrap")
	}

	registerInstance(t, backend, "b")
	cb := New("b", 30*time.Second, backend.Instances, backend.Assignments, nil)

	// Multiple cycles converge since each cycle only claims/releases a
	// bounded batch; in this case a single claim covers instance b's
	// whole fair share of assignments that were released by a's cycle.
	for i := 0; i < 4; i++ {
		if err := ca.Rebalance(context.Background()); err != nil {
			t.Fatalf("a Rebalance cycle %d: %v", i, err)
		}
		if err := cb.Rebalance(context.Background()); err != nil {
			t.Fatalf("b Rebalance cycle %d: %v", i, err)
		}
	}

	ownedA := len(ca.OwnedPartitions())
	ownedB := len(cb.OwnedPartitions())
	if ownedA+ownedB != model.PartitionCount {
		t.Fatalf("ownedA+ownedB = %d, want %d", ownedA+ownedB, model.PartitionCount)
	}
	diff := ownedA - ownedB
	if diff < -1 || diff > 1 {
		t.Fatalf("unfair split: a=%d b=%d", ownedA, ownedB)
	}
}

func TestRebalanceExcludesStaleInstancesFromLiveSet(t *testing.T) {
	backend := store.NewMemoryBackend()

	now := time.Now()
	err := backend.Instances.Save(context.Background(), model.OutboxInstance{
		InstanceID:    "stale",
		Status:        model.InstanceActive,
		StartedAt:     now.Add(-time.Hour),
		LastHeartbeat: now.Add(-time.Hour),
		CreatedAt:     now.Add(-time.Hour),
		UpdatedAt:     now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Save stale instance: %v", err)
	}
	registerInstance(t, backend, "fresh")

	c := New("fresh", 30*time.Second, backend.Instances, backend.Assignments, nil)
	if err := c.Rebalance(context.Background()); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}

	if len(c.OwnedPartitions()) != model.PartitionCount {
		t.Fatalf("expected fresh instance to bootstrap solo, owned=%d", len(c.OwnedPartitions()))
	}
}

func TestRebalanceTreatsShuttingDownInstanceAsLive(t *testing.T) {
	backend := store.NewMemoryBackend()
	registerInstance(t, backend, "a")

	ca := New("a", 30*time.Second, backend.Instances, backend.Assignments, nil)
	if err := ca.Rebalance(context.Background()); err != nil {
		t.Fatalf("bootstrap Rebalance: %v", err)
	}

	now := time.Now()
	err := backend.Instances.Save(context.Background(), model.OutboxInstance{
		InstanceID:    "b",
		Status:        model.InstanceShuttingDown,
		StartedAt:     now,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("Save shutting-down instance: %v", err)
	}
	cb := New("b", 30*time.Second, backend.Instances, backend.Assignments, nil)

	for i := 0; i < 4; i++ {
		if err := ca.Rebalance(context.Background()); err != nil {
			t.Fatalf("a Rebalance cycle %d: %v", i, err)
		}
		if err := cb.Rebalance(context.Background()); err != nil {
			t.Fatalf("b Rebalance cycle %d: %v", i, err)
		}
	}

	ownedA := len(ca.OwnedPartitions())
	ownedB := len(cb.OwnedPartitions())
	if ownedA+ownedB != model.PartitionCount {
		t.Fatalf("ownedA+ownedB = %d, want %d", ownedA+ownedB, model.PartitionCount)
	}
	if ownedB == 0 {
		t.Fatal("expected SHUTTING_DOWN instance b to still be counted live and claim a fair share")
	}
}

func TestRebalanceErrorsWhenNoLiveInstances(t *testing.T) {
	backend := store.NewMemoryBackend()
	c := New("a", 30*time.Second, backend.Instances, backend.Assignments, nil)

	if err := c.Rebalance(context.Background()); err == nil {
		t.Fatal("expected error when no live instances are registered")
	}
}
