package shard

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

func TestForKeyDeterministic(t *testing.T) {
	keys := []string{"u1", "  u1 ", "550e8400-e29b-41d4-a716-446655440000", "1234567890"}
	for _, key := range keys {
		p1 := ForKey(key, 8)
		p2 := ForKey(key, 8)
		if p1 != p2 {
			t.Fatalf("lane should be deterministic for %q", key)
		}
	}
	if ForKey("u1", 8) != ForKey("  u1 ", 8) {
		t.Fatalf("surrounding whitespace must not change the lane")
	}
}

func TestForKeySingleLane(t *testing.T) {
	for _, n := range []int{-1, 0, 1} {
		if got := ForKey("anything", n); got != 0 {
			t.Fatalf("ForKey(_, %d) = %d, want 0", n, got)
		}
	}
}

func TestLaneRangeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(s string, n uint8) bool {
		lanes := int(n%16) + 1
		l := ForKey(s, lanes)
		return l >= 0 && l < lanes
	}, cfg); err != nil {
		t.Fatalf("lane property failed: %v", err)
	}
}

func TestAssignKeepsOrderWithinLane(t *testing.T) {
	keys := []string{"a", "b", "a", "c", "a", "b"}
	lanes := Assign(keys, 3)
	seen := 0
	for _, lane := range lanes {
		for i := 1; i < len(lane); i++ {
			if lane[i] <= lane[i-1] {
				t.Fatalf("lane out of order: %v", lane)
			}
		}
		seen += len(lane)
	}
	if seen != len(keys) {
		t.Fatalf("assigned %d of %d items", seen, len(keys))
	}
	la := ForKey("a", 3)
	if len(lanes[la]) < 3 {
		t.Fatalf("all occurrences of key a must share lane %d: %v", la, lanes)
	}
}
