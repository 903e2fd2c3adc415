// Package partitioning implements the Distribution Calculator (section 4.2)
// and the Partition Context (section 4.6): pure, in-memory functions with
// no I/O, computable independently and identically by every instance from
// the same inputs.
package partitioning

import (
	"sort"

	"github.com/namastack/outbox-go/internal/model"
)

// TargetCount computes selfID's fair share of the 256 partitions given the
// current live instance set. liveIDs is sorted lexicographically; the
// first `remainder` instances in that order get one extra partition, so
// the sizes never differ by more than one. Returns 0 if liveIDs is empty
// or selfID is not a member.
func TargetCount(selfID string, liveIDs []string) int {
	n := len(liveIDs)
	if n == 0 {
		return 0
	}

	sorted := make([]string, n)
	copy(sorted, liveIDs)
	sort.Strings(sorted)

	idx := sort.SearchStrings(sorted, selfID)
	if idx >= n || sorted[idx] != selfID {
		return 0
	}

	base := model.PartitionCount / n
	remainder := model.PartitionCount % n
	if idx < remainder {
		return base + 1
	}
	return base
}
