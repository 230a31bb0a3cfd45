// Package ingest parses the scanner's output tuples into the corpus that
// the graph and definer consume. Scanning the filesystem and computing the
// SHA-256 digests themselves are out of scope here; ingest only receives
// already-hashed rows.
package ingest

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/webfinger/fpdetect/internal/graph"
)

// Skip records an input line that could not be parsed. Malformed input is
// never fatal: the line is logged and the ingester moves on.
type Skip struct {
	Line   int
	Reason string
}

func (s Skip) String() string {
	return fmt.Sprintf("line %d: %s", s.Line, s.Reason)
}

type avCsPair struct {
	av graph.AVKey
	cs graph.Digest
}

// Corpus is the parsed, deduplicated result of a hash-ingest pass.
type Corpus struct {
	ChecksumToAppVersions map[graph.Digest]map[graph.AVKey]struct{}
	AppVersionToChecksums map[graph.AVKey]map[graph.Digest]struct{}
	Depths                map[avCsPair]uint8
}

func newCorpus() *Corpus {
	return &Corpus{
		ChecksumToAppVersions: make(map[graph.Digest]map[graph.AVKey]struct{}),
		AppVersionToChecksums: make(map[graph.AVKey]map[graph.Digest]struct{}),
		Depths:                make(map[avCsPair]uint8),
	}
}

// DepthOf returns the recorded path depth for (av, cs) and whether one was
// present in the input (5-field lines only).
func (c *Corpus) DepthOf(av graph.AVKey, cs graph.Digest) (uint8, bool) {
	d, ok := c.Depths[avCsPair{av: av, cs: cs}]
	return d, ok
}

// add records one (app, version, digest) triple, deduplicating by value.
func (c *Corpus) add(av graph.AVKey, cs graph.Digest) {
	if c.ChecksumToAppVersions[cs] == nil {
		c.ChecksumToAppVersions[cs] = make(map[graph.AVKey]struct{})
	}
	c.ChecksumToAppVersions[cs][av] = struct{}{}

	if c.AppVersionToChecksums[av] == nil {
		c.AppVersionToChecksums[av] = make(map[graph.Digest]struct{})
	}
	c.AppVersionToChecksums[av][cs] = struct{}{}
}

// Parse reads tab-separated 3-field (app, version, hex_sha256) or 5-field
// (app, version, hex_sha256, path, depth) lines from r. Malformed lines are
// skipped and returned in the Skip slice rather than aborting the scan.
func Parse(r io.Reader) (*Corpus, []Skip) {
	corpus := newCorpus()
	var skips []Skip

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 3 && len(fields) != 5 {
			skips = append(skips, Skip{Line: lineNo, Reason: fmt.Sprintf("expected 3 or 5 tab-separated fields, got %d", len(fields))})
			continue
		}

		app, version, hexDigest := fields[0], fields[1], fields[2]
		if app == "" || version == "" {
			skips = append(skips, Skip{Line: lineNo, Reason: "empty app or version field"})
			continue
		}

		raw, err := hex.DecodeString(hexDigest)
		if err != nil || len(raw) != 32 {
			skips = append(skips, Skip{Line: lineNo, Reason: fmt.Sprintf("invalid sha256 hex digest %q", hexDigest)})
			continue
		}

		var digest graph.Digest
		copy(digest[:], raw)
		av := graph.AVKey{App: app, Version: version}

		if len(fields) == 5 {
			depthStr := fields[4]
			depth, err := strconv.ParseUint(depthStr, 10, 8)
			if err != nil {
				skips = append(skips, Skip{Line: lineNo, Reason: fmt.Sprintf("invalid depth %q", depthStr)})
				continue
			}
			corpus.Depths[avCsPair{av: av, cs: digest}] = uint8(depth)
		}

		corpus.add(av, digest)
	}

	return corpus, skips
}

// PopulateGraph adds every (app-version, checksum) membership in the corpus
// to g.
func (c *Corpus) PopulateGraph(g *graph.Graph) {
	for av, checksums := range c.AppVersionToChecksums {
		g.EnsureAppVersion(av)
		for cs := range checksums {
			g.AddMembership(av, cs)
		}
	}
}

// ParseImplies reads tab-separated 4-field (app, version, implied_app,
// implied_version) alias lines from r, the out-of-band source for
// dbkv.BuildInput.Implies. Malformed lines are skipped and returned in the
// Skip slice rather than aborting the build.
func ParseImplies(r io.Reader) (map[graph.AVKey][]graph.AVKey, []Skip) {
	implies := make(map[graph.AVKey][]graph.AVKey)
	var skips []Skip

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			skips = append(skips, Skip{Line: lineNo, Reason: fmt.Sprintf("expected 4 tab-separated fields, got %d", len(fields))})
			continue
		}

		app, version, impliedApp, impliedVersion := fields[0], fields[1], fields[2], fields[3]
		if app == "" || version == "" || impliedApp == "" || impliedVersion == "" {
			skips = append(skips, Skip{Line: lineNo, Reason: "empty app, version, implied_app, or implied_version field"})
			continue
		}

		av := graph.AVKey{App: app, Version: version}
		target := graph.AVKey{App: impliedApp, Version: impliedVersion}
		implies[av] = append(implies[av], target)
	}

	return implies, skips
}
