// Package similarity computes the diagnostic pairwise-overlap matrix
// between undefined sibling versions of the same app (component F): for
// each pair (i, j), the count of checksums both versions share. Used only
// for offline inspection of why versions remained undefined; it never
// feeds back into build or detect decisions.
package similarity

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"

	"github.com/webfinger/fpdetect/internal/graph"
)

// AppVersionChecksums is one app-version's ordered checksum digest set,
// the input the k-way merge walks.
type AppVersionChecksums struct {
	AV         graph.AVKey
	Checksums  []graph.Digest // must be sorted ascending
}

// Matrix is an n×n co-occurrence count, indexed in the same order as the
// input slice: Matrix[i][j] is the number of checksums av_i and av_j
// share, including Matrix[i][i] (every checksum of av_i trivially
// co-occurs with itself).
type Matrix [][]int

// cursor tracks one app-version's position through its sorted checksum
// slice, mirroring the original's SequencedEntry.
type cursor struct {
	avIndex int
	pos     int
	digest  graph.Digest
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	return lessDigest(h[i].digest, h[j].digest)
}
func (h cursorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)        { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func lessDigest(a, b graph.Digest) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func equalDigest(a, b graph.Digest) bool {
	return a == b
}

// Compute runs the k-way merge over sets' ordered checksum digests: every
// time a run of equal digests pops off the heap, every pair of
// contributors in that run (including a version with itself) gets its
// matrix cell incremented by one. Each set advances its own cursor
// independently; a cursor is dropped once it runs past the end of its
// slice.
func Compute(sets []AppVersionChecksums) Matrix {
	n := len(sets)
	matrix := make(Matrix, n)
	for i := range matrix {
		matrix[i] = make([]int, n)
	}

	h := make(cursorHeap, 0, n)
	for i, s := range sets {
		if len(s.Checksums) == 0 {
			continue
		}
		h = append(h, &cursor{avIndex: i, pos: 0, digest: s.Checksums[0]})
	}
	heap.Init(&h)

	for h.Len() > 0 {
		current := heap.Pop(&h).(*cursor)
		run := []*cursor{current}

		for h.Len() > 0 && equalDigest(h[0].digest, current.digest) {
			run = append(run, heap.Pop(&h).(*cursor))
		}

		for _, a := range run {
			for _, b := range run {
				matrix[a.avIndex][b.avIndex]++
			}
		}

		for _, c := range run {
			next := c.pos + 1
			if next < len(sets[c.avIndex].Checksums) {
				heap.Push(&h, &cursor{avIndex: c.avIndex, pos: next, digest: sets[c.avIndex].Checksums[next]})
			}
		}
	}

	return matrix
}

// FromGraph builds an AppVersionChecksums slice for a single app's
// undefined siblings, sorted by version for deterministic output.
func FromGraph(g *graph.Graph, app string, versions []graph.AVKey) []AppVersionChecksums {
	filtered := make([]graph.AVKey, 0, len(versions))
	for _, av := range versions {
		if av.App == app {
			filtered = append(filtered, av)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Version < filtered[j].Version })

	sets := make([]AppVersionChecksums, len(filtered))
	for i, av := range filtered {
		checksums := g.AppVersionChecksums(av)
		digests := make([]graph.Digest, 0, len(checksums))
		for d := range checksums {
			digests = append(digests, d)
		}
		sort.Slice(digests, func(a, b int) bool { return lessDigest(digests[a], digests[b]) })
		sets[i] = AppVersionChecksums{AV: av, Checksums: digests}
	}
	return sets
}

// job pairs one app's checksum sets with its original index, so results
// can be returned in input order despite unordered completion.
type job struct {
	app    string
	sets   []AppVersionChecksums
	index  int
}

// Result is one app's computed matrix, tagged with the app name and the
// original input order.
type Result struct {
	App    string
	Matrix Matrix
	index  int
}

// ComputeAll fans the per-app Compute calls out across a bounded worker
// pool, since distinct apps are independent; results are returned sorted by
// app name, whatever order the workers finish in.
func ComputeAll(ctx context.Context, perApp map[string][]AppVersionChecksums, workers int, logger *slog.Logger) []Result {
	apps := make([]string, 0, len(perApp))
	for app := range perApp {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	if len(apps) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}

	jobsChan := make(chan job, len(apps))
	resultsChan := make(chan Result, len(apps))

	for i := 0; i < workers && i < len(apps); i++ {
		go worker(ctx, jobsChan, resultsChan, logger)
	}

	go func() {
		for i, app := range apps {
			select {
			case jobsChan <- job{app: app, sets: perApp[app], index: i}:
			case <-ctx.Done():
			}
		}
		close(jobsChan)
	}()

	results := make([]Result, 0, len(apps))
	for i := 0; i < len(apps); i++ {
		results = append(results, <-resultsChan)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
	return results
}

func worker(ctx context.Context, jobsChan <-chan job, resultsChan chan<- Result, logger *slog.Logger) {
	for j := range jobsChan {
		select {
		case <-ctx.Done():
			resultsChan <- Result{App: j.app, index: j.index}
			continue
		default:
		}
		m := Compute(j.sets)
		logger.Debug("similarity matrix computed", "app", j.app, "versions", len(j.sets))
		resultsChan <- Result{App: j.app, Matrix: m, index: j.index}
	}
}
