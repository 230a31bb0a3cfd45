package main

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/webfinger/fpdetect/internal/config"
	"github.com/webfinger/fpdetect/internal/dbkv"
	"github.com/webfinger/fpdetect/internal/detector"
	"github.com/webfinger/fpdetect/internal/graph"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}

func digest(b byte) graph.Digest {
	var d graph.Digest
	d[0] = b
	return d
}

func TestParseObservationsGroupsPathsByDigest(t *testing.T) {
	hexA := "aa000000000000000000000000000000000000000000000000000000000000aa"
	input := hexA + "\t/var/www/html/wp-content/plugins/akismet/a.php\n" +
		hexA + "\t/var/www/html2/wp-content/plugins/akismet/a.php\n"

	f, err := os.CreateTemp(t.TempDir(), "obs-*.tsv")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString(input); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	obs, read, err := parseObservations(f)
	if err != nil {
		t.Fatalf("parseObservations() error: %v", err)
	}
	if read != 2 {
		t.Errorf("read = %d, want 2", read)
	}
	if len(obs) != 1 {
		t.Fatalf("len(obs) = %d, want 1 distinct digest", len(obs))
	}
	for _, paths := range obs {
		if len(paths) != 2 {
			t.Errorf("len(paths) = %d, want 2", len(paths))
		}
	}
}

func TestParseObservationsSkipsMalformedRows(t *testing.T) {
	input := "not-hex\t/some/path\nshort\t/other\n"
	f, err := os.CreateTemp(t.TempDir(), "obs-*.tsv")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString(input); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	obs, read, err := parseObservations(f)
	if err != nil {
		t.Fatalf("parseObservations() error: %v", err)
	}
	if read != 0 {
		t.Errorf("read = %d, want 0 for malformed rows", read)
	}
	if len(obs) != 0 {
		t.Errorf("len(obs) = %d, want 0", len(obs))
	}
}

func TestResolveDataPathAbsolutePassesThrough(t *testing.T) {
	origCfg := globalCfg
	globalCfg = config.DefaultConfig()
	t.Cleanup(func() { globalCfg = origCfg })

	got, err := resolveDataPath("/already/absolute/db")
	if err != nil {
		t.Fatalf("resolveDataPath() error: %v", err)
	}
	if got != "/already/absolute/db" {
		t.Errorf("got %q, want unchanged absolute path", got)
	}
}

func TestResolveDataPathRelativeJoinsUnderDataDir(t *testing.T) {
	origCfg := globalCfg
	globalCfg = config.DefaultConfig()
	globalCfg.Store.DataDir = t.TempDir()
	t.Cleanup(func() { globalCfg = origCfg })

	got, err := resolveDataPath("fingerprints.db")
	if err != nil {
		t.Fatalf("resolveDataPath() error: %v", err)
	}
	if !strings.HasPrefix(got, globalCfg.Store.DataDir) {
		t.Errorf("got %q, want prefix %q", got, globalCfg.Store.DataDir)
	}
}

func TestResolveDataPathRejectsEscapingDataDir(t *testing.T) {
	origCfg := globalCfg
	globalCfg = config.DefaultConfig()
	globalCfg.Store.DataDir = t.TempDir()
	t.Cleanup(func() { globalCfg = origCfg })

	if _, err := resolveDataPath("../escape.db"); err == nil {
		t.Error("expected error for path escaping data directory")
	}
}

func TestAppVersionChecksumsForAppGroupsByOwner(t *testing.T) {
	checksums := map[graph.Digest]dbkv.ChecksumRecord{
		digest(1): {Owner: 0},
		digest(2): {Owner: 0},
		digest(3): {Owner: 1},
	}
	appVersions := map[graph.AVID]dbkv.AppVersionRecord{
		0: {Members: []graph.AVKey{{App: "wordpress-cores", Version: "5.9"}, {App: "wordpress-cores", Version: "5.9.1"}}, Total: 2},
		1: {Members: []graph.AVKey{{App: "wordpress-cores", Version: "6.0"}}, Total: 1},
		2: {Members: []graph.AVKey{{App: "other-app", Version: "1.0"}}, Total: 0},
	}

	sets := appVersionChecksumsForApp("wordpress-cores", checksums, appVersions)

	if len(sets) != 3 {
		t.Fatalf("len(sets) = %d, want 3 (2 coalesced members + 1 distinct)", len(sets))
	}
	for _, s := range sets {
		if s.AV.App != "wordpress-cores" {
			t.Errorf("unexpected app in result: %v", s.AV)
		}
	}
	// The two coalesced 5.9/5.9.1 members share owner 0's checksum set.
	var fivenine, fivenineone, six []graph.Digest
	for _, s := range sets {
		switch s.AV.Version {
		case "5.9":
			fivenine = s.Checksums
		case "5.9.1":
			fivenineone = s.Checksums
		case "6.0":
			six = s.Checksums
		}
	}
	if len(fivenine) != 2 || len(fivenineone) != 2 {
		t.Errorf("expected both coalesced members to carry owner 0's 2 checksums, got %d and %d", len(fivenine), len(fivenineone))
	}
	if len(six) != 1 {
		t.Errorf("expected 6.0 to carry owner 1's 1 checksum, got %d", len(six))
	}
}

func TestAppVersionChecksumsForAppNoMatchingApp(t *testing.T) {
	appVersions := map[graph.AVID]dbkv.AppVersionRecord{
		0: {Members: []graph.AVKey{{App: "other-app", Version: "1.0"}}, Total: 0},
	}
	sets := appVersionChecksumsForApp("wordpress-cores", nil, appVersions)
	if len(sets) != 0 {
		t.Errorf("len(sets) = %d, want 0", len(sets))
	}
}

func TestPrintResultNoDetections(t *testing.T) {
	out := captureStdout(t, func() {
		printResult(detector.Result{})
	})
	if !strings.Contains(out, "no app-versions detected") {
		t.Errorf("expected empty-result message, got: %q", out)
	}
}

func TestPrintResultShowsMembersAndRoots(t *testing.T) {
	result := detector.Result{
		Tree: []detector.Node{
			{
				Detected: detector.Detected{
					Members: []graph.AVKey{{App: "wordpress-cores", Version: "5.9"}},
					Roots:   []string{"/var/www/html"},
				},
			},
		},
		Discarded: []detector.Discarded{
			{ID: 7, Matched: 1, Total: 10},
		},
	}

	out := captureStdout(t, func() {
		printResult(result)
	})

	if !strings.Contains(out, "wordpress-cores:5.9") {
		t.Errorf("expected app-version in output, got: %q", out)
	}
	if !strings.Contains(out, "/var/www/html") {
		t.Errorf("expected root path in output, got: %q", out)
	}
	if !strings.Contains(out, "1/10") {
		t.Errorf("expected discarded ratio in output, got: %q", out)
	}
	if !strings.Contains(out, "[wp_core]") {
		t.Errorf("expected wp_core tag in output, got: %q", out)
	}
}
