package partitioning

import (
	"testing"

	"github.com/namastack/outbox-go/internal/model"
)

func strPtr(s string) *string { return &s }

func TestContextBootstrap(t *testing.T) {
	ctx := NewContext("a", []string{"a"}, nil)
	if !ctx.HasNoAssignments() {
		t.Fatal("expected HasNoAssignments on empty snapshot")
	}
}

func TestContextClaimsStaleUpToTarget(t *testing.T) {
	assignments := []model.PartitionAssignment{
		{PartitionNumber: 0, InstanceID: strPtr("dead")},
		{PartitionNumber: 1, InstanceID: strPtr("dead")},
		{PartitionNumber: 2, InstanceID: nil},
		{PartitionNumber: 3, InstanceID: strPtr("a")},
	}
	ctx := NewContext("a", []string{"a"}, assignments)
	if ctx.TargetCount != 256 {
		t.Fatalf("TargetCount = %d, want 256 (sole live instance)", ctx.TargetCount)
	}
	// a owns 1 partition here (a synthetic snapshot); a target of 4 needs
	// exactly the 3 stale candidates, so all of them are claimed.
	ctx.TargetCount = 4
	toClaim := ctx.AssignmentsToClaim()
	if len(toClaim) != 3 {
		t.Fatalf("expected to claim all 3 stale assignments, got %d", len(toClaim))
	}
	// Deterministic: smallest partition numbers first.
	if toClaim[0].PartitionNumber != 0 || toClaim[1].PartitionNumber != 1 || toClaim[2].PartitionNumber != 2 {
		t.Fatalf("unexpected claim order: %+v", toClaim)
	}
}

func TestContextReleasesSurplusFromTail(t *testing.T) {
	assignments := []model.PartitionAssignment{
		{PartitionNumber: 0, InstanceID: strPtr("a")},
		{PartitionNumber: 1, InstanceID: strPtr("a")},
		{PartitionNumber: 2, InstanceID: strPtr("a")},
		{PartitionNumber: 3, InstanceID: strPtr("a")},
	}
	// Two live instances sharing these 4 partitions: a should target 2 and
	// release 2 (the two highest-numbered it owns).
	ctx := NewContext("a", []string{"a", "b"}, assignments)
	// a targets 128 of 256 overall, but it only owns 4 here (a synthetic
	// snapshot), so release math is driven by ownedCount - targetCount.
	ctx.TargetCount = 2
	toRelease := ctx.AssignmentsToRelease()
	if len(toRelease) != 2 {
		t.Fatalf("expected to release 2, got %d", len(toRelease))
	}
	if toRelease[0].PartitionNumber != 3 || toRelease[1].PartitionNumber != 2 {
		t.Fatalf("expected release of highest-numbered partitions first, got %+v", toRelease)
	}
}

func TestContextNoClaimWhenInsufficientStale(t *testing.T) {
	assignments := []model.PartitionAssignment{
		{PartitionNumber: 0, InstanceID: strPtr("dead")},
	}
	ctx := NewContext("a", []string{"a", "b"}, assignments)
	ctx.TargetCount = 5 // need 5, but only 1 stale candidate exists
	if got := ctx.AssignmentsToClaim(); got != nil {
		t.Fatalf("expected nil claim set when stale candidates < needed, got %+v", got)
	}
}
