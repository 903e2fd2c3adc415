// Package hashing implements the Partition Hasher: a pure function mapping
// a record key to one of the 256 fixed partitions.
package hashing

import (
	"github.com/namastack/outbox-go/internal/model"
	"github.com/spaolacci/murmur3"
)

// PartitionOf returns the partition number (0..255) for key, computed as
// MurmurHash3 32-bit over the UTF-8 bytes of key, masked to the
// non-negative range, modulo model.PartitionCount. It is deterministic and
// stable for the lifetime of a record: two calls with the same key always
// return the same partition.
func PartitionOf(key string) int {
	h := int32(murmur3.Sum32([]byte(key)))
	nonNegative := h & 0x7fffffff
	return int(nonNegative) % model.PartitionCount
}
