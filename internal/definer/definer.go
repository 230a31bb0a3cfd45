// Package definer implements the BFS pruning pass (component C): it
// reduces a freshly-populated graph down to the checksums that are
// exclusive to each app-version, declaring an app-version "defined" once
// its exclusive count reaches a configured threshold.
package definer

import (
	"sort"

	"github.com/webfinger/fpdetect/internal/graph"
)

// DependsOn records that av previously shared cs with pinnedBy, which
// claimed exclusive ownership of it during pruning. The detector uses this
// to discount av in favour of pinnedBy when both would otherwise be valid.
type DependsOn struct {
	Checksum graph.Digest
	PinnedBy graph.AVKey
}

// Result is the outcome of a pruning pass.
type Result struct {
	// Defined holds every app-version that reached the threshold, each
	// mapped to the depends-on edges recorded against it while another
	// app-version claimed a checksum it used to share.
	Defined map[graph.AVKey][]DependsOn

	// Residue holds every app-version that never reached the threshold;
	// it remains in the graph but is never written to the database.
	Residue []graph.AVKey
}

// Group is a set of app-versions coalesced because their final (post-
// pruning) checksum sets are identical.
type Group struct {
	Members []graph.AVKey
}

// Prune runs the BFS exclusive-pinning algorithm over g in place and
// returns which app-versions ended up defined, each with its accumulated
// depends-on side-table, and which remained residue.
//
// Algorithm: every app-version whose exclusive count already meets
// threshold is enqueued. Popping an app-version marks it defined (unless
// already marked) and performs exclusive-pinning: every checksum it shares
// with others is removed from it and recorded as a depends-on edge against
// every other app-version still attached to that checksum; whenever such a
// removal drops a checksum to a single remaining owner, that owner's
// exclusive count rises and it is re-enqueued. The queue is FIFO and the
// app-versions are enqueued in a fixed lexicographic order, so ties within
// a round resolve deterministically rather than on Go's randomized map
// order.
func Prune(g *graph.Graph, threshold int) Result {
	dependsOn := make(map[graph.AVKey][]DependsOn)
	defined := make(map[graph.AVKey]struct{})

	queue := make([]graph.AVKey, 0)
	queued := make(map[graph.AVKey]struct{})

	enqueue := func(av graph.AVKey) {
		if _, ok := queued[av]; ok {
			return
		}
		queued[av] = struct{}{}
		queue = append(queue, av)
	}

	allAVs := g.AppVersions()
	for _, av := range allAVs {
		g.RecalcExclusiveCount(av)
	}
	for _, av := range allAVs {
		if g.ExclusiveCount(av) >= threshold {
			enqueue(av)
		}
	}

	for len(queue) > 0 {
		av := queue[0]
		queue = queue[1:]
		delete(queued, av)

		if _, already := defined[av]; already {
			continue
		}
		if g.ExclusiveCount(av) < threshold {
			continue
		}
		defined[av] = struct{}{}

		for _, cs := range sortedChecksums(g.AppVersionChecksums(av)) {
			owners := g.ChecksumAppVersions(cs)
			if len(owners) <= 1 {
				continue
			}

			others := make([]graph.AVKey, 0, len(owners)-1)
			for other := range owners {
				if other != av {
					others = append(others, other)
				}
			}
			sort.Slice(others, func(i, j int) bool {
				return avKeyLess(others[i], others[j])
			})

			g.RemoveMembership(av, cs)

			for _, other := range others {
				dependsOn[other] = append(dependsOn[other], DependsOn{Checksum: cs, PinnedBy: av})
			}

			if remaining := g.ChecksumAppVersions(cs); len(remaining) == 1 {
				for sole := range remaining {
					g.IncExclusiveCount(sole)
					enqueue(sole)
				}
			}
		}
	}

	result := Result{Defined: make(map[graph.AVKey][]DependsOn)}
	for _, av := range allAVs {
		if _, ok := defined[av]; ok {
			result.Defined[av] = dependsOn[av]
		} else {
			result.Residue = append(result.Residue, av)
		}
	}
	return result
}

// Coalesce scans the defined app-versions' final checksum sets for exact
// set-equality and merges matches into a single group. Run after Prune, per
// the chosen resolution of spec's AppVersionGroup ambiguity: coalescing
// happens on the pruned, not the pre-pruning, checksum sets.
func Coalesce(g *graph.Graph, defined map[graph.AVKey][]DependsOn) []Group {
	avs := make([]graph.AVKey, 0, len(defined))
	for av := range defined {
		avs = append(avs, av)
	}
	sort.Slice(avs, func(i, j int) bool { return avKeyLess(avs[i], avs[j]) })

	signatures := make(map[graph.AVKey]string, len(avs))
	for _, av := range avs {
		signatures[av] = checksumSetSignature(g.AppVersionChecksums(av))
	}

	bySignature := make(map[string][]graph.AVKey)
	for _, av := range avs {
		sig := signatures[av]
		bySignature[sig] = append(bySignature[sig], av)
	}

	sigs := make([]string, 0, len(bySignature))
	for sig := range bySignature {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	groups := make([]Group, 0, len(bySignature))
	for _, sig := range sigs {
		groups = append(groups, Group{Members: bySignature[sig]})
	}
	return groups
}

func sortedChecksums(checksums map[graph.Digest]struct{}) []graph.Digest {
	out := make([]graph.Digest, 0, len(checksums))
	for cs := range checksums {
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool {
		for b := 0; b < len(out[i]); b++ {
			if out[i][b] != out[j][b] {
				return out[i][b] < out[j][b]
			}
		}
		return false
	})
	return out
}

func avKeyLess(a, b graph.AVKey) bool {
	if a.App != b.App {
		return a.App < b.App
	}
	return a.Version < b.Version
}

func checksumSetSignature(checksums map[graph.Digest]struct{}) string {
	sorted := sortedChecksums(checksums)
	buf := make([]byte, 0, len(sorted)*32)
	for _, cs := range sorted {
		buf = append(buf, cs[:]...)
	}
	return string(buf)
}
