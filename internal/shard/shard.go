// Package shard assigns identity keys to processing lanes.
package shard

import (
	"hash/fnv"
	"strings"
)

// CanonicalizeKey normalizes a key before hashing so that cosmetic
// differences in whitespace never split one key across lanes.
func CanonicalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// ForKey returns the lane for key in [0, lanes). Same key, same lane.
func ForKey(key string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalizeKey(key)))
	return int(h.Sum64() % uint64(lanes))
}

// Assign groups item indexes by lane, keeping the input order inside a lane.
func Assign(keys []string, lanes int) [][]int {
	if lanes < 1 {
		lanes = 1
	}
	out := make([][]int, lanes)
	for i, k := range keys {
		l := ForKey(k, lanes)
		out[l] = append(out[l], i)
	}
	return out
}
