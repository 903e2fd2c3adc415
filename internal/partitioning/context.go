package partitioning

import (
	"sort"

	"github.com/namastack/outbox-go/internal/model"
)

// Context is the immutable per-cycle snapshot the coordinator builds once
// per rebalance and queries repeatedly. Every method is pure: it never
// touches the database or mutates its receiver.
type Context struct {
	SelfID      string
	LiveIDs     map[string]struct{}
	Assignments []model.PartitionAssignment
	TargetCount int
}

// NewContext builds a Context from a live-instance id slice and the full
// assignment snapshot.
func NewContext(selfID string, liveIDs []string, assignments []model.PartitionAssignment) *Context {
	liveSet := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		liveSet[id] = struct{}{}
	}
	return &Context{
		SelfID:      selfID,
		LiveIDs:     liveSet,
		Assignments: assignments,
		TargetCount: TargetCount(selfID, liveIDs),
	}
}

// HasNoAssignments reports whether the cluster has never been bootstrapped.
func (c *Context) HasNoAssignments() bool {
	return len(c.Assignments) == 0
}

// OwnedAssignments returns the assignments currently owned by SelfID.
func (c *Context) OwnedAssignments() []model.PartitionAssignment {
	var owned []model.PartitionAssignment
	for _, a := range c.Assignments {
		if a.Owner() == c.SelfID {
			owned = append(owned, a)
		}
	}
	return owned
}

// StaleAssignments returns the assignments whose owner is not live
// (including unassigned ones).
func (c *Context) StaleAssignments() []model.PartitionAssignment {
	var stale []model.PartitionAssignment
	for _, a := range c.Assignments {
		if a.IsStale(c.LiveIDs) {
			stale = append(stale, a)
		}
	}
	return stale
}

// CountPartitionsToClaim is max(0, TargetCount - len(OwnedAssignments)).
func (c *Context) CountPartitionsToClaim() int {
	n := c.TargetCount - len(c.OwnedAssignments())
	if n < 0 {
		return 0
	}
	return n
}

// CountPartitionsToRelease is max(0, len(OwnedAssignments) - TargetCount).
func (c *Context) CountPartitionsToRelease() int {
	n := len(c.OwnedAssignments()) - c.TargetCount
	if n < 0 {
		return 0
	}
	return n
}

// AssignmentsToClaim returns the N stale assignments with the smallest
// partition numbers, where N = CountPartitionsToClaim(). Returns nil if
// there is nothing to claim or fewer stale candidates than needed.
func (c *Context) AssignmentsToClaim() []model.PartitionAssignment {
	need := c.CountPartitionsToClaim()
	if need == 0 {
		return nil
	}
	stale := c.StaleAssignments()
	if len(stale) < need {
		return nil
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].PartitionNumber < stale[j].PartitionNumber
	})
	return append([]model.PartitionAssignment(nil), stale[:need]...)
}

// AssignmentsToRelease returns the N owned assignments with the largest
// partition numbers, where N = CountPartitionsToRelease(). Biasing release
// to the tail keeps the head-of-ring claims stable across cycles.
func (c *Context) AssignmentsToRelease() []model.PartitionAssignment {
	need := c.CountPartitionsToRelease()
	if need == 0 {
		return nil
	}
	owned := c.OwnedAssignments()
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].PartitionNumber > owned[j].PartitionNumber
	})
	if need > len(owned) {
		need = len(owned)
	}
	return append([]model.PartitionAssignment(nil), owned[:need]...)
}
