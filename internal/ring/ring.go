// Package ring implements an immutable consistent-hash ring with weighted
// virtual nodes. A Ring is built once from a backend set and never mutated;
// membership changes produce a fresh ring that the owner swaps in
// atomically, so concurrent lookups always see a fully built ring.
package ring

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodesPerWeight is the number of virtual nodes a backend of
// weight 1 occupies on the ring. Higher weights occupy proportionally more.
const DefaultVirtualNodesPerWeight = 150

// Node describes one backend to place on the ring.
type Node struct {
	ID     string
	Weight int
}

// point is one virtual node: a position on the ring owned by a backend.
type point struct {
	pos uint64
	id  string
}

// Ring is an ordered index of virtual-node positions. It is safe for
// unbounded concurrent readers because it is never modified after New.
type Ring struct {
	points  []point
	members int
}

// New builds a ring from the given nodes. Each node occupies
// weight × replicasPerWeight virtual positions. A replicasPerWeight of
// zero or less falls back to DefaultVirtualNodesPerWeight. Nodes with a
// non-positive weight are placed with weight 1.
func New(nodes []Node, replicasPerWeight int) *Ring {
	if replicasPerWeight <= 0 {
		replicasPerWeight = DefaultVirtualNodesPerWeight
	}

	total := 0
	for _, n := range nodes {
		total += effectiveWeight(n.Weight) * replicasPerWeight
	}

	points := make([]point, 0, total)
	for _, n := range nodes {
		replicas := effectiveWeight(n.Weight) * replicasPerWeight
		for i := 0; i < replicas; i++ {
			pos := xxhash.Sum64String(n.ID + "#" + strconv.Itoa(i))
			points = append(points, point{pos: pos, id: n.ID})
		}
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].pos < points[j].pos
	})

	return &Ring{points: points, members: len(nodes)}
}

func effectiveWeight(w int) int {
	if w < 1 {
		return 1
	}
	return w
}

// HashKey computes the 64-bit position of a routing key.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Lookup returns the backend owning the first position at or after hash,
// wrapping to the smallest position. Backends rejected by the eligible
// predicate are skipped by walking clockwise to the next distinct backend.
// It returns false when no eligible backend exists on the ring.
func (r *Ring) Lookup(hash uint64, eligible func(id string) bool) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}

	start := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].pos >= hash
	})
	if start == len(r.points) {
		start = 0
	}

	// Walk clockwise past ineligible owners. Tracking distinct backends
	// bounds the walk to one pass over the membership, not the ring.
	seen := make(map[string]struct{}, r.members)
	for i := 0; i < len(r.points); i++ {
		p := r.points[(start+i)%len(r.points)]
		if _, dup := seen[p.id]; dup {
			continue
		}
		if eligible == nil || eligible(p.id) {
			return p.id, true
		}
		seen[p.id] = struct{}{}
		if len(seen) == r.members {
			break
		}
	}

	return "", false
}

// Len returns the number of virtual nodes on the ring.
func (r *Ring) Len() int {
	return len(r.points)
}

// Members returns the number of distinct backends placed on the ring.
func (r *Ring) Members() int {
	return r.members
}
