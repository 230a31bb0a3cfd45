package ingest

import (
	"strings"
	"testing"

	"github.com/webfinger/fpdetect/internal/graph"
)

const sampleDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
const sampleDigest2 = "a1b2c3d4e5f60718293a4b5c6d7e8f90112233445566778899aabbccddeeff00"

func TestParseThreeFieldLines(t *testing.T) {
	input := strings.Join([]string{
		"wordpress\t6.0\t" + sampleDigest,
		"wordpress\t6.1\t" + sampleDigest2,
	}, "\n")

	corpus, skips := Parse(strings.NewReader(input))
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}

	if len(corpus.AppVersionToChecksums) != 2 {
		t.Errorf("AppVersionToChecksums has %d entries, want 2", len(corpus.AppVersionToChecksums))
	}

	av := graph.AVKey{App: "wordpress", Version: "6.0"}
	if _, ok := corpus.AppVersionToChecksums[av]; !ok {
		t.Errorf("missing app-version %v", av)
	}
}

func TestParseFiveFieldLinesRecordDepth(t *testing.T) {
	input := "wordpress\t6.0\t" + sampleDigest + "\twp-content/plugin.php\t3"

	corpus, skips := Parse(strings.NewReader(input))
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}

	av := graph.AVKey{App: "wordpress", Version: "6.0"}
	var digest graph.Digest
	for cs := range corpus.AppVersionToChecksums[av] {
		digest = cs
	}

	depth, ok := corpus.DepthOf(av, digest)
	if !ok {
		t.Fatal("expected depth to be recorded for 5-field line")
	}
	if depth != 3 {
		t.Errorf("depth = %d, want 3", depth)
	}
}

func TestParseDeduplicatesTriples(t *testing.T) {
	line := "wordpress\t6.0\t" + sampleDigest
	input := strings.Join([]string{line, line, line}, "\n")

	corpus, skips := Parse(strings.NewReader(input))
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}

	av := graph.AVKey{App: "wordpress", Version: "6.0"}
	if got := len(corpus.AppVersionToChecksums[av]); got != 1 {
		t.Errorf("deduplicated checksum count = %d, want 1", got)
	}
}

func TestParseSkipsMalformedLines(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too few fields", "wordpress\t6.0"},
		{"too many fields but not five", "wordpress\t6.0\t" + sampleDigest + "\tpath"},
		{"empty app", "\t6.0\t" + sampleDigest},
		{"bad hex digest", "wordpress\t6.0\tnot-hex-at-all"},
		{"short digest", "wordpress\t6.0\tabcd"},
		{"bad depth", "wordpress\t6.0\t" + sampleDigest + "\tpath\tnotanumber"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, skips := Parse(strings.NewReader(tt.line))
			if len(skips) != 1 {
				t.Fatalf("skips = %v, want exactly 1", skips)
			}
		})
	}
}

func TestParseIgnoresBlankLines(t *testing.T) {
	input := "\n\nwordpress\t6.0\t" + sampleDigest + "\n\n"
	corpus, skips := Parse(strings.NewReader(input))
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	if len(corpus.AppVersionToChecksums) != 1 {
		t.Errorf("AppVersionToChecksums has %d entries, want 1", len(corpus.AppVersionToChecksums))
	}
}

func TestParseImpliesReadsAliasRows(t *testing.T) {
	input := strings.Join([]string{
		"wordpress-cores\t6.0\twordpress-cores\t6.0.1",
		"wordpress-cores\t6.0\twordpress-cores\t6.0.2",
	}, "\n")

	implies, skips := ParseImplies(strings.NewReader(input))
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}

	av := graph.AVKey{App: "wordpress-cores", Version: "6.0"}
	targets := implies[av]
	if len(targets) != 2 {
		t.Fatalf("implies[%v] has %d entries, want 2", av, len(targets))
	}
	want := graph.AVKey{App: "wordpress-cores", Version: "6.0.1"}
	if targets[0] != want {
		t.Errorf("targets[0] = %v, want %v", targets[0], want)
	}
}

func TestParseImpliesSkipsMalformedLines(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"too few fields", "wordpress-cores\t6.0\twordpress-cores"},
		{"too many fields", "wordpress-cores\t6.0\twordpress-cores\t6.0.1\textra"},
		{"empty implied app", "wordpress-cores\t6.0\t\t6.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, skips := ParseImplies(strings.NewReader(tt.line))
			if len(skips) != 1 {
				t.Fatalf("skips = %v, want exactly 1", skips)
			}
		})
	}
}

func TestPopulateGraph(t *testing.T) {
	input := "wordpress\t6.0\t" + sampleDigest + "\nwordpress\t6.1\t" + sampleDigest
	corpus, _ := Parse(strings.NewReader(input))

	g := graph.New()
	corpus.PopulateGraph(g)

	if err := g.VerifyConsistency(); err != nil {
		t.Fatalf("VerifyConsistency() = %v", err)
	}

	avs := g.AppVersions()
	if len(avs) != 2 {
		t.Fatalf("graph has %d app-versions, want 2", len(avs))
	}
}
