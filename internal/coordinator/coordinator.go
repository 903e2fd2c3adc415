// Package coordinator implements the Partition Coordinator (section 4.7):
// a fixed-delay rebalance cycle that bootstraps, claims stale, and
// releases surplus partition assignments using nothing but the
// optimistic-versioned AssignmentStore.SaveAll as its concurrency
// primitive. No leader election, no distributed locks.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/outboxerr"
	"github.com/namastack/outbox-go/internal/partitioning"
	"github.com/namastack/outbox-go/internal/store"
)

// Coordinator owns the rebalance cycle for one instance and caches the
// set of partitions that instance currently owns.
type Coordinator struct {
	selfID      string
	staleAfter  time.Duration
	instances   store.InstanceRegistry
	assignments store.AssignmentStore
	log         *slog.Logger

	owned atomic.Pointer[map[int]struct{}]
}

// New builds a Coordinator for selfID. staleAfter is the instance
// staleness cutoff (section 4.4): a live instance whose heartbeat is
// older than now-staleAfter is excluded from liveIds. The owned-partitions
// cache starts empty until the first Rebalance call populates it.
func New(selfID string, staleAfter time.Duration, instances store.InstanceRegistry, assignments store.AssignmentStore, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{selfID: selfID, staleAfter: staleAfter, instances: instances, assignments: assignments, log: log}
	empty := map[int]struct{}{}
	c.owned.Store(&empty)
	return c
}

// OwnedPartitions returns the memoized set of partition numbers owned by
// selfID as of the last cache refresh (at the end of Rebalance or
// ReleaseAll). This is the only
// surface the scheduler uses to learn its partitions.
func (c *Coordinator) OwnedPartitions() []int {
	m := *c.owned.Load()
	out := make([]int, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	return out
}

// Rebalance runs exactly one coordinator cycle: fetch live instances,
// bootstrap if nothing is assigned yet, claim stale assignments up to
// this instance's fair share, release surplus, then refresh the cache.
// Any subset of these steps failing is tolerated; the algorithm
// converges across cycles (section 4.7 idempotence).
func (c *Coordinator) Rebalance(ctx context.Context) error {
	candidates, err := c.instances.FindActive(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-c.staleAfter)
	liveIDs := make([]string, 0, len(candidates))
	for _, inst := range candidates {
		if inst.IsLive(cutoff) {
			liveIDs = append(liveIDs, inst.InstanceID)
		}
	}
	if len(liveIDs) == 0 {
		return errors.New("coordinator: no live instances found")
	}

	assignments, err := c.assignments.FindAll(ctx)
	if err != nil {
		return err
	}

	pctx := partitioning.NewContext(c.selfID, liveIDs, assignments)

	if pctx.HasNoAssignments() {
		c.bootstrap(ctx)
	} else {
		c.claimStale(ctx, pctx)
		c.releaseSurplus(ctx, pctx)
	}

	c.refreshCache(ctx)
	return nil
}

// bootstrap attempts to claim all 256 partitions for selfID in one
// saveAll. If another instance wins the race, saveAll reports an
// integrity violation, which is swallowed here.
func (c *Coordinator) bootstrap(ctx context.Context) {
	all := make([]model.PartitionAssignment, model.PartitionCount)
	now := time.Now()
	self := c.selfID
	for i := 0; i < model.PartitionCount; i++ {
		all[i] = model.PartitionAssignment{
			PartitionNumber: i,
			InstanceID:      &self,
			Version:         0,
			UpdatedAt:       now,
		}
	}
	if err := c.assignments.SaveAll(ctx, all); err != nil {
		if outboxerr.IsKind(err, outboxerr.KindIntegrityViolation) {
			c.log.Debug("coordinator: bootstrap lost race to another instance", "self_id", c.selfID)
			return
		}
		c.log.Debug("coordinator: bootstrap failed", "self_id", c.selfID, "error", err)
	}
}

func (c *Coordinator) claimStale(ctx context.Context, pctx *partitioning.Context) {
	toClaim := pctx.AssignmentsToClaim()
	if len(toClaim) == 0 {
		return
	}
	now := time.Now()
	self := c.selfID
	for i := range toClaim {
		toClaim[i].InstanceID = &self
		toClaim[i].UpdatedAt = now
	}
	if err := c.assignments.SaveAll(ctx, toClaim); err != nil {
		if outboxerr.IsKind(err, outboxerr.KindOptimisticConflict) {
			c.log.Debug("coordinator: claim conflict, retrying next cycle", "self_id", c.selfID)
			return
		}
		c.log.Debug("coordinator: claim failed", "self_id", c.selfID, "error", err)
	}
}

func (c *Coordinator) releaseSurplus(ctx context.Context, pctx *partitioning.Context) {
	toRelease := pctx.AssignmentsToRelease()
	if len(toRelease) == 0 {
		return
	}
	now := time.Now()
	for i := range toRelease {
		toRelease[i].InstanceID = nil
		toRelease[i].UpdatedAt = now
	}
	if err := c.assignments.SaveAll(ctx, toRelease); err != nil {
		if outboxerr.IsKind(err, outboxerr.KindOptimisticConflict) {
			c.log.Debug("coordinator: release conflict, retrying next cycle", "self_id", c.selfID)
			return
		}
		c.log.Debug("coordinator: release failed", "self_id", c.selfID, "error", err)
	}
}

// ReleaseAll releases every partition currently owned by selfID,
// regardless of target share. Used by the Lifecycle Manager during
// graceful shutdown (section 4.10) so a dying instance doesn't hold
// partitions until the next stale-heartbeat sweep.
func (c *Coordinator) ReleaseAll(ctx context.Context) error {
	owned, err := c.assignments.FindByInstanceID(ctx, c.selfID)
	if err != nil {
		return err
	}
	if len(owned) == 0 {
		c.refreshCache(ctx)
		return nil
	}
	now := time.Now()
	for i := range owned {
		owned[i].InstanceID = nil
		owned[i].UpdatedAt = now
	}
	if err := c.assignments.SaveAll(ctx, owned); err != nil {
		c.log.Debug("coordinator: release-all failed", "self_id", c.selfID, "error", err)
	}
	c.refreshCache(ctx)
	return nil
}

// refreshCache reloads assignments and rebuilds the owned-partitions set.
// Called at the end of every cycle regardless of how many of the
// previous steps succeeded.
func (c *Coordinator) refreshCache(ctx context.Context) {
	assignments, err := c.assignments.FindByInstanceID(ctx, c.selfID)
	if err != nil {
		c.log.Debug("coordinator: cache refresh failed", "self_id", c.selfID, "error", err)
		return
	}
	owned := make(map[int]struct{}, len(assignments))
	for _, a := range assignments {
		owned[a.PartitionNumber] = struct{}{}
	}
	c.owned.Store(&owned)
}
