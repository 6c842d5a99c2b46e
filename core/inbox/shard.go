package inbox

import (
	"hash/fnv"

	"github.com/signalcore/substrate/core/ports"
)

// Shard computes H(entity_id, entity_type) mod N per spec.md §4.6,
// using FNV-1a for a stable, allocation-free hash.
func Shard(entityID, entityType string, totalShards int) ports.ShardIndex {
	if totalShards <= 0 {
		totalShards = 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(entityType))
	idx := int(h.Sum32() % uint32(totalShards))
	return ports.ShardIndex{Index: idx, OfTotal: totalShards}
}
