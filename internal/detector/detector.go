// Package detector implements component E: matching scanned checksums
// against a built database, then resolving coverage, depends-on
// preference, implication, path inference, and WordPress-style nesting.
package detector

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webfinger/fpdetect/internal/dbkv"
	"github.com/webfinger/fpdetect/internal/ferrors"
	"github.com/webfinger/fpdetect/internal/graph"
)

// cacheSize bounds each of the detector's lazily-populated LRU caches. A
// single detection run rarely touches more than a few thousand distinct
// app-versions even against a large database, so this comfortably covers
// one run without unbounded growth across repeated CLI invocations that
// share a process.
const cacheSize = 8192

// Observations maps a scanned checksum to every filesystem path it was
// found at.
type Observations map[graph.Digest][]string

// Detected is one emitted app-version group, matched and path-resolved.
type Detected struct {
	Members []graph.AVKey
	UsedCS  map[graph.Digest]struct{}
	Roots   []string // tied-for-maximum candidate installation paths
}

// Discarded is an app-version that was matched but failed coverage or
// depends-on resolution.
type Discarded struct {
	ID      graph.AVID
	Matched int
	Total   int
}

// Node is one entry in the nested output tree: a detected core with its
// plugin/theme children, or a standalone detected app-version.
type Node struct {
	Detected Detected
	Children []Detected
}

// Result is the outcome of a detection run.
type Result struct {
	Tree      []Node
	Discarded []Discarded
}

// Detector holds the per-run caches and scratch state described in
// spec.md §4.E. It is built fresh for every detection run and is not safe
// to share across goroutines.
type Detector struct {
	store  *dbkv.Store
	bound  float64
	logger *slog.Logger

	checksumsCache   *lru.Cache[graph.Digest, dbkv.ChecksumRecord]
	appVersionsCache *lru.Cache[graph.AVID, dbkv.AppVersionRecord]
	memoizedValid    *lru.Cache[graph.AVID, bool]
	resolving        map[graph.AVID]bool // cycle-detection guard

	foundCS map[graph.AVID]map[graph.Digest]struct{}
}

// New builds a Detector against an opened database. bound is the
// coverage-ratio threshold (spec.md's COVERAGE_BOUND).
func New(store *dbkv.Store, bound float64, logger *slog.Logger) (*Detector, error) {
	checksumsCache, err := lru.New[graph.Digest, dbkv.ChecksumRecord](cacheSize)
	if err != nil {
		return nil, err
	}
	appVersionsCache, err := lru.New[graph.AVID, dbkv.AppVersionRecord](cacheSize)
	if err != nil {
		return nil, err
	}
	memoizedValid, err := lru.New[graph.AVID, bool](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Detector{
		store:            store,
		bound:            bound,
		logger:           logger,
		checksumsCache:   checksumsCache,
		appVersionsCache: appVersionsCache,
		memoizedValid:    memoizedValid,
		resolving:        make(map[graph.AVID]bool),
		foundCS:          make(map[graph.AVID]map[graph.Digest]struct{}),
	}, nil
}

func (d *Detector) checksumRecord(cs graph.Digest) (dbkv.ChecksumRecord, bool, error) {
	if rec, ok := d.checksumsCache.Get(cs); ok {
		return rec, true, nil
	}
	rec, err := d.store.GetChecksumRecord(cs)
	if err != nil {
		return dbkv.ChecksumRecord{}, false, err
	}
	if rec == nil {
		return dbkv.ChecksumRecord{}, false, nil
	}
	d.checksumsCache.Add(cs, *rec)
	return *rec, true, nil
}

func (d *Detector) appVersionRecord(id graph.AVID) (dbkv.AppVersionRecord, error) {
	if rec, ok := d.appVersionsCache.Get(id); ok {
		return rec, nil
	}
	rec, err := d.store.GetAppVersionRecord(id)
	if err != nil {
		return dbkv.AppVersionRecord{}, err
	}
	if rec == nil {
		return dbkv.AppVersionRecord{}, ferrors.Wrap(ferrors.InvalidDatabase, "depends-on/implies references unknown app-version id %d", id)
	}
	d.appVersionsCache.Add(id, *rec)
	return *rec, nil
}

// Process runs steps 1-7 of spec.md §4.E over obs and returns the nested
// detection result. An empty observation set is not an error; it yields an
// empty Result.
func (d *Detector) Process(obs Observations) (Result, error) {
	if err := d.match(obs); err != nil {
		return Result{}, err
	}

	enoughCoverage := make(map[graph.AVID]struct{})
	for id := range d.foundCS {
		ok, err := d.hasEnoughChecksums(id)
		if err != nil {
			return Result{}, err
		}
		if ok {
			enoughCoverage[id] = struct{}{}
		}
	}

	valid := make(map[graph.AVID]struct{})
	for id := range enoughCoverage {
		ok, err := d.isValidByDependsOn(id, enoughCoverage)
		if err != nil {
			return Result{}, err
		}
		if ok {
			valid[id] = struct{}{}
		}
	}

	implied, err := d.findByImplies(enoughCoverage, valid)
	if err != nil {
		return Result{}, err
	}
	for id := range implied {
		valid[id] = struct{}{}
	}

	detected := make([]Detected, 0, len(valid))
	for id := range valid {
		rec, err := d.appVersionRecord(id)
		if err != nil {
			return Result{}, err
		}
		roots, err := d.findPath(id, obs)
		if err != nil {
			return Result{}, err
		}
		detected = append(detected, Detected{Members: rec.Members, UsedCS: d.foundCS[id], Roots: roots})
	}
	sort.Slice(detected, func(i, j int) bool {
		return avKeySliceLess(detected[i].Members, detected[j].Members)
	})

	var discarded []Discarded
	for id := range d.foundCS {
		if _, ok := valid[id]; ok {
			continue
		}
		rec, err := d.appVersionRecord(id)
		if err != nil {
			return Result{}, err
		}
		discarded = append(discarded, Discarded{ID: id, Matched: len(d.foundCS[id]), Total: int(rec.Total)})
	}
	sort.Slice(discarded, func(i, j int) bool { return discarded[i].ID < discarded[j].ID })

	tree := buildStructure(detected)

	return Result{Tree: tree, Discarded: discarded}, nil
}

// match groups scanned checksums by owning app-version (step 1).
func (d *Detector) match(obs Observations) error {
	for cs := range obs {
		rec, found, err := d.checksumRecord(cs)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if d.foundCS[rec.Owner] == nil {
			d.foundCS[rec.Owner] = make(map[graph.Digest]struct{})
		}
		d.foundCS[rec.Owner][cs] = struct{}{}

		if _, err := d.appVersionRecord(rec.Owner); err != nil {
			return err
		}
	}
	return nil
}

// hasEnoughChecksums is step 2's coverage filter.
func (d *Detector) hasEnoughChecksums(id graph.AVID) (bool, error) {
	matched, ok := d.foundCS[id]
	if !ok {
		return false, nil
	}
	rec, err := d.appVersionRecord(id)
	if err != nil {
		return false, err
	}
	if rec.Total == 0 {
		return false, nil
	}
	return float64(len(matched))/float64(rec.Total) >= d.bound, nil
}

// isValidByDependsOn is step 3: memoized, well-founded because the
// depends-on relation is acyclic by construction (§4.C only records a
// depends-on edge once the pinning owner has already claimed the
// checksum). The resolving map guards against a corrupt database
// introducing a cycle; it is cheap enough to keep in release builds too.
func (d *Detector) isValidByDependsOn(id graph.AVID, enoughCoverage map[graph.AVID]struct{}) (bool, error) {
	if v, ok := d.memoizedValid.Get(id); ok {
		return v, nil
	}
	if d.resolving[id] {
		return false, ferrors.Wrap(ferrors.ConsistencyViolation, "cyclic depends-on relation detected at app-version %d", id)
	}

	if _, ok := enoughCoverage[id]; !ok {
		d.memoizedValid.Add(id, false)
		return false, nil
	}

	d.resolving[id] = true
	defer delete(d.resolving, id)

	result := false
	for cs := range d.foundCS[id] {
		rec, _, err := d.checksumRecord(cs)
		if err != nil {
			return false, err
		}
		allDependentsInvalid := true
		for _, dep := range rec.DependsOn {
			depValid, err := d.isValidByDependsOn(dep, enoughCoverage)
			if err != nil {
				return false, err
			}
			if depValid {
				allDependentsInvalid = false
				break
			}
		}
		if allDependentsInvalid {
			result = true
			break
		}
	}

	d.memoizedValid.Add(id, result)
	return result, nil
}

// findByImplies is step 4: an implied app-version is promoted only when it
// was itself matched, passes its own coverage, and is not already valid —
// the resolved policy for the Open Question of whether implied AVs must
// satisfy coverage. Implications are never chased transitively.
func (d *Detector) findByImplies(enoughCoverage, valid map[graph.AVID]struct{}) (map[graph.AVID]struct{}, error) {
	promoted := make(map[graph.AVID]struct{})
	for id := range d.foundCS {
		rec, err := d.appVersionRecord(id)
		if err != nil {
			return nil, err
		}
		for _, impliedID := range rec.Implies {
			if _, matched := d.foundCS[impliedID]; !matched {
				continue
			}
			if _, already := valid[impliedID]; already {
				continue
			}
			if _, ok := enoughCoverage[impliedID]; !ok {
				continue
			}
			promoted[impliedID] = struct{}{}
		}
	}
	return promoted, nil
}

// findPath is step 6: for each observed path of each used checksum, take the
// file's directory and strip each recorded depth from it, and return every
// stripped path tied for the maximum occurrence count.
func (d *Detector) findPath(id graph.AVID, obs Observations) ([]string, error) {
	counts := make(map[string]int)
	for cs := range d.foundCS[id] {
		rec, _, err := d.checksumRecord(cs)
		if err != nil {
			return nil, err
		}
		for _, depth := range rec.Depths {
			for _, path := range obs[cs] {
				counts[stripDepth(path, int(depth))]++
			}
		}
	}

	if len(counts) == 0 {
		return nil, nil
	}

	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}

	var roots []string
	for path, c := range counts {
		if c == max {
			roots = append(roots, path)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

func stripDepth(path string, depth int) string {
	path = filepath.Dir(path)
	for depth > 0 {
		path = filepath.Dir(path)
		depth--
	}
	return path
}

func avKeySliceLess(a, b []graph.AVKey) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i].App != b[i].App {
				return a[i].App < b[i].App
			}
			return a[i].Version < b[i].Version
		}
	}
	return len(a) < len(b)
}
