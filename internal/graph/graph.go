// Package graph holds the bipartite relation between app-versions and
// checksums that the definer prunes and the detector queries. Both sides
// are arena-style maps keyed by stable identity (a checksum digest, an
// app-version key) rather than direct interior pointers, so neither side
// ever holds a cycle into the other's payload.
package graph

import (
	"sort"

	"github.com/webfinger/fpdetect/internal/ferrors"
)

// Digest is a SHA-256 checksum identity.
type Digest [32]byte

// AVKey identifies an app-version before a dense AVID is assigned at
// serialization time.
type AVKey struct {
	App     string
	Version string
}

// AVID is the dense integer identity an app-version receives once the
// graph is serialized into the database.
type AVID uint32

type checksumNode struct {
	appVersions map[AVKey]struct{}
}

type avNode struct {
	checksums      map[Digest]struct{}
	exclusiveCount int
}

// Graph owns both arenas. Cross-references are by Digest or AVKey, never
// by pointer into the other side's node.
type Graph struct {
	checksums   map[Digest]*checksumNode
	appVersions map[AVKey]*avNode
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		checksums:   make(map[Digest]*checksumNode),
		appVersions: make(map[AVKey]*avNode),
	}
}

// EnsureAppVersion registers av if it is not already present, without
// attaching any checksums.
func (g *Graph) EnsureAppVersion(av AVKey) {
	if _, ok := g.appVersions[av]; !ok {
		g.appVersions[av] = &avNode{checksums: make(map[Digest]struct{})}
	}
}

// AddMembership links av and cs, maintaining I1 and, on a singleton
// transition, I2 (exclusiveCount).
func (g *Graph) AddMembership(av AVKey, cs Digest) {
	g.EnsureAppVersion(av)
	avn := g.appVersions[av]

	csn, ok := g.checksums[cs]
	if !ok {
		csn = &checksumNode{appVersions: make(map[AVKey]struct{})}
		g.checksums[cs] = csn
	}
	if _, linked := csn.appVersions[av]; linked {
		return
	}

	switch len(csn.appVersions) {
	case 0:
		avn.exclusiveCount++
	case 1:
		for prev := range csn.appVersions {
			g.appVersions[prev].exclusiveCount--
		}
	}

	avn.checksums[cs] = struct{}{}
	csn.appVersions[av] = struct{}{}
}

// RemoveMembership unlinks av and cs, maintaining I1 and I4: a checksum
// that ends up with no app-versions is deleted from the graph entirely.
func (g *Graph) RemoveMembership(av AVKey, cs Digest) {
	if avn, ok := g.appVersions[av]; ok {
		delete(avn.checksums, cs)
	}
	if csn, ok := g.checksums[cs]; ok {
		delete(csn.appVersions, av)
		if len(csn.appVersions) == 0 {
			delete(g.checksums, cs)
		}
	}
}

// ChecksumAppVersions returns the set of app-versions currently attached
// to cs, or nil if cs is not in the graph.
func (g *Graph) ChecksumAppVersions(cs Digest) map[AVKey]struct{} {
	csn, ok := g.checksums[cs]
	if !ok {
		return nil
	}
	return csn.appVersions
}

// AppVersionChecksums returns the set of checksums currently attached to
// av, or nil if av is not in the graph.
func (g *Graph) AppVersionChecksums(av AVKey) map[Digest]struct{} {
	avn, ok := g.appVersions[av]
	if !ok {
		return nil
	}
	return avn.checksums
}

// ExclusiveCount returns av's cached exclusive-checksum count.
func (g *Graph) ExclusiveCount(av AVKey) int {
	avn, ok := g.appVersions[av]
	if !ok {
		return 0
	}
	return avn.exclusiveCount
}

// RecalcExclusiveCount recomputes av's exclusive-checksum count from
// scratch: the number of cs ∈ av.checksums with exactly one owning
// app-version.
func (g *Graph) RecalcExclusiveCount(av AVKey) {
	avn, ok := g.appVersions[av]
	if !ok {
		return
	}
	count := 0
	for cs := range avn.checksums {
		if csn := g.checksums[cs]; csn != nil && len(csn.appVersions) == 1 {
			count++
		}
	}
	avn.exclusiveCount = count
}

// IncExclusiveCount bumps av's cached exclusive-checksum count by one,
// used by the definer when a checksum's owner set shrinks to a singleton.
func (g *Graph) IncExclusiveCount(av AVKey) {
	if avn, ok := g.appVersions[av]; ok {
		avn.exclusiveCount++
	}
}

// AppVersions returns every app-version key currently in the graph, in
// lexicographic order, so callers get deterministic iteration without
// depending on Go's randomized map order.
func (g *Graph) AppVersions() []AVKey {
	keys := make([]AVKey, 0, len(g.appVersions))
	for k := range g.appVersions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].App != keys[j].App {
			return keys[i].App < keys[j].App
		}
		return keys[i].Version < keys[j].Version
	})
	return keys
}

// Checksums returns every checksum digest currently in the graph, in
// ascending byte order.
func (g *Graph) Checksums() []Digest {
	keys := make([]Digest, 0, len(g.checksums))
	for k := range g.checksums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		for b := 0; b < len(keys[i]); b++ {
			if keys[i][b] != keys[j][b] {
				return keys[i][b] < keys[j][b]
			}
		}
		return false
	})
	return keys
}

// HasAppVersion reports whether av is present in the graph.
func (g *Graph) HasAppVersion(av AVKey) bool {
	_, ok := g.appVersions[av]
	return ok
}

// VerifyConsistency asserts I1 globally: cs ∈ av.checksums ⟺ av ∈
// cs.app_versions, in both directions, over every edge in the graph.
func (g *Graph) VerifyConsistency() error {
	for cs, csn := range g.checksums {
		for av := range csn.appVersions {
			avn, ok := g.appVersions[av]
			if !ok {
				return ferrors.Wrap(ferrors.ConsistencyViolation,
					"checksum %x references unknown app-version %v", cs, av)
			}
			if _, ok := avn.checksums[cs]; !ok {
				return ferrors.Wrap(ferrors.ConsistencyViolation,
					"checksum %x <-> app-version %v inconsistent", cs, av)
			}
		}
	}

	for av, avn := range g.appVersions {
		for cs := range avn.checksums {
			csn, ok := g.checksums[cs]
			if !ok {
				return ferrors.Wrap(ferrors.ConsistencyViolation,
					"app-version %v references unknown checksum %x", av, cs)
			}
			if _, ok := csn.appVersions[av]; !ok {
				return ferrors.Wrap(ferrors.ConsistencyViolation,
					"app-version %v <-> checksum %x inconsistent", av, cs)
			}
		}
	}

	return nil
}
