package sharedctx

import "hash/fnv"

// shardFor routes a key to a shard by FNV-1a hash. Sessions only contend on
// the shards holding keys they touch, so contention scales with shard count
// rather than session count.
func shardFor(key string, count int) int {
	if count <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(count))
}
