package detector

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/webfinger/fpdetect/internal/dbkv"
	"github.com/webfinger/fpdetect/internal/definer"
	"github.com/webfinger/fpdetect/internal/graph"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func digest(b byte) graph.Digest {
	var d graph.Digest
	d[0] = b
	return d
}

func buildTestStore(t *testing.T, in dbkv.BuildInput) *dbkv.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fingerprints.db")
	if err := dbkv.Build(path, in, testLogger()); err != nil {
		t.Fatalf("dbkv.Build() error = %v", err)
	}
	store, err := dbkv.Open(path, testLogger())
	if err != nil {
		t.Fatalf("dbkv.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Scenario 5 from spec's testable properties: depends-on prefers the
// more-specific version.
func TestDependsOnPrefersMoreSpecificVersion(t *testing.T) {
	g := graph.New()
	v1 := graph.AVKey{App: "x", Version: "1"}
	v2 := graph.AVKey{App: "x", Version: "2"}

	cs0, cs1, cs2 := digest(0), digest(1), digest(2)
	g.AddMembership(v2, cs0)
	g.AddMembership(v2, cs1)
	g.AddMembership(v2, cs2)
	g.AddMembership(v1, digest(10))
	g.AddMembership(v1, digest(11))
	g.AddMembership(v1, digest(12))

	in := dbkv.BuildInput{
		Graph: g,
		Defined: map[graph.AVKey][]definer.DependsOn{
			v1: {{Checksum: cs0, PinnedBy: v2}},
		},
		Groups: []definer.Group{
			{Members: []graph.AVKey{v1}},
			{Members: []graph.AVKey{v2}},
		},
	}
	store := buildTestStore(t, in)

	d, err := New(store, 0.5, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	obs := Observations{
		cs0:          {"/srv/site/a"},
		cs1:          {"/srv/site/b"},
		cs2:          {"/srv/site/c"},
		digest(10):   {"/srv/site/d"},
		digest(11):   {"/srv/site/e"},
		digest(12):   {"/srv/site/f"},
	}

	result, err := d.Process(obs)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	var detectedVersions []string
	for _, node := range result.Tree {
		for _, m := range node.Detected.Members {
			detectedVersions = append(detectedVersions, m.Version)
		}
	}

	foundV2 := false
	for _, v := range detectedVersions {
		if v == "2" {
			foundV2 = true
		}
		if v == "1" {
			t.Error("v1 should not be valid: it depends-on v2 which is valid")
		}
	}
	if !foundV2 {
		t.Error("v2 should be valid: cs1 has no valid dependent")
	}
}

// Scenario 4: implication is not promoted from zero matches.
func TestImplicationNotPromotedFromZeroMatches(t *testing.T) {
	g := graph.New()
	core := graph.AVKey{App: "wordpress-cores", Version: "6.0"}
	plugin := graph.AVKey{App: "wp.pakismet", Version: "1.0"}

	for i := byte(0); i < 4; i++ {
		g.AddMembership(core, digest(i))
	}
	g.AddMembership(plugin, digest(100))
	g.AddMembership(plugin, digest(101))

	in := dbkv.BuildInput{
		Graph: g,
		Groups: []definer.Group{
			{Members: []graph.AVKey{core}},
			{Members: []graph.AVKey{plugin}},
		},
		Implies: map[graph.AVKey][]graph.AVKey{
			core: {plugin},
		},
	}
	store := buildTestStore(t, in)

	d, err := New(store, 0.5, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	obs := Observations{
		digest(0): {"/a"},
		digest(1): {"/b"},
		digest(2): {"/c"},
		digest(3): {"/d"},
	}

	result, err := d.Process(obs)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	for _, node := range result.Tree {
		for _, m := range node.Detected.Members {
			if m == plugin {
				t.Error("plugin should not be promoted: zero matched checksums")
			}
		}
		for _, child := range node.Children {
			for _, m := range child.Members {
				if m == plugin {
					t.Error("plugin should not be promoted: zero matched checksums")
				}
			}
		}
	}
}

func TestImplicationPromotedWhenMatchedAndCoveragePasses(t *testing.T) {
	g := graph.New()
	core := graph.AVKey{App: "wordpress-cores", Version: "6.0"}
	plugin := graph.AVKey{App: "wp.pakismet", Version: "1.0"}

	for i := byte(0); i < 4; i++ {
		g.AddMembership(core, digest(i))
	}
	g.AddMembership(plugin, digest(100))
	g.AddMembership(plugin, digest(101))

	in := dbkv.BuildInput{
		Graph: g,
		Groups: []definer.Group{
			{Members: []graph.AVKey{core}},
			{Members: []graph.AVKey{plugin}},
		},
		Implies: map[graph.AVKey][]graph.AVKey{
			core: {plugin},
		},
	}
	store := buildTestStore(t, in)

	d, err := New(store, 0.5, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	obs := Observations{
		digest(0):   {"/a"},
		digest(1):   {"/b"},
		digest(2):   {"/c"},
		digest(3):   {"/d"},
		digest(100): {"/e"},
		digest(101): {"/f"},
	}

	result, err := d.Process(obs)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	found := false
	for _, node := range result.Tree {
		for _, m := range node.Detected.Members {
			if m == plugin {
				found = true
			}
		}
	}
	if !found {
		t.Error("plugin should be promoted: matched and passes its own coverage")
	}
}

// Scenario 6: path inference strips the recorded depth.
func TestPathInferenceStripsDepth(t *testing.T) {
	g := graph.New()
	av := graph.AVKey{App: "wordpress-cores", Version: "6.0"}
	cs := digest(1)
	g.AddMembership(av, cs)
	g.AddMembership(av, digest(2))

	in := dbkv.BuildInput{
		Graph:  g,
		Groups: []definer.Group{{Members: []graph.AVKey{av}}},
		Depths: map[graph.AVKey]map[graph.Digest]uint8{
			av: {cs: 2},
		},
	}
	store := buildTestStore(t, in)

	d, err := New(store, 0.1, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	obs := Observations{
		cs:        {"/srv/www/site/wp-includes/x/y/file"},
		digest(2): {"/srv/www/site/wp-includes/other"},
	}

	result, err := d.Process(obs)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(result.Tree) != 1 {
		t.Fatalf("detected = %v, want exactly 1", result.Tree)
	}
	roots := result.Tree[0].Detected.Roots
	found := false
	for _, r := range roots {
		if r == "/srv/www/site/wp-includes" {
			found = true
		}
	}
	if !found {
		t.Errorf("roots = %v, want to include /srv/www/site/wp-includes", roots)
	}
}

func TestCoverageFilterDiscardsBelowThreshold(t *testing.T) {
	g := graph.New()
	av := graph.AVKey{App: "a", Version: "1"}
	for i := byte(0); i < 4; i++ {
		g.AddMembership(av, digest(i))
	}

	in := dbkv.BuildInput{
		Graph:  g,
		Groups: []definer.Group{{Members: []graph.AVKey{av}}},
	}
	store := buildTestStore(t, in)

	d, err := New(store, 0.5, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Only 1 of 4 checksums matched: 0.25 < 0.5 bound.
	obs := Observations{digest(0): {"/a"}}

	result, err := d.Process(obs)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(result.Tree) != 0 {
		t.Errorf("detected = %v, want none", result.Tree)
	}
	if len(result.Discarded) != 1 {
		t.Fatalf("discarded = %v, want exactly 1", result.Discarded)
	}
	if result.Discarded[0].Matched != 1 || result.Discarded[0].Total != 4 {
		t.Errorf("discarded entry = %+v, want matched=1 total=4", result.Discarded[0])
	}
}

func TestEmptyObservationsYieldEmptyResult(t *testing.T) {
	g := graph.New()
	store := buildTestStore(t, dbkv.BuildInput{Graph: g})

	d, err := New(store, 0.5, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := d.Process(Observations{})
	if err != nil {
		t.Fatalf("Process() error = %v, want nil (empty result is not an error)", err)
	}
	if len(result.Tree) != 0 || len(result.Discarded) != 0 {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestAppAsTag(t *testing.T) {
	tests := []struct {
		app     string
		want    string
		matched bool
	}{
		{"wp.pakismet", "wp_plugin_akismet", true},
		{"wp.ttwentytwenty", "wp_theme_twentytwenty", true},
		{"wordpress-cores", "wp_core", true},
		{"drupal-cores", "drupal_core", true},
		{"some-unknown-cores", "other_apps", true},
		{"not-a-core", "", false},
	}
	for _, tt := range tests {
		got, ok := AppAsTag(tt.app)
		if ok != tt.matched || got != tt.want {
			t.Errorf("AppAsTag(%q) = (%q, %v), want (%q, %v)", tt.app, got, ok, tt.want, tt.matched)
		}
	}
}

func TestNestingAttachesPluginUnderCore(t *testing.T) {
	core := Detected{
		Members: []graph.AVKey{{App: "wordpress-cores", Version: "6.0"}},
		Roots:   []string{"/srv/www/site"},
	}
	plugin := Detected{
		Members: []graph.AVKey{{App: "wp.pakismet", Version: "1.0"}},
		Roots:   []string{"/srv/www/site/wp-content/plugins/akismet"},
	}

	tree := buildStructure([]Detected{core, plugin})

	if len(tree) != 1 {
		t.Fatalf("tree = %v, want exactly 1 root node (the core)", tree)
	}
	if len(tree[0].Children) != 1 {
		t.Fatalf("core children = %v, want exactly 1 (the plugin)", tree[0].Children)
	}
	if tree[0].Children[0].Members[0].App != "wp.pakismet" {
		t.Errorf("child = %v, want wp.pakismet", tree[0].Children[0].Members)
	}
}

func TestNestingLeavesUnmatchedPluginStandalone(t *testing.T) {
	plugin := Detected{
		Members: []graph.AVKey{{App: "wp.pakismet", Version: "1.0"}},
		Roots:   []string{"/some/unrelated/path"},
	}

	tree := buildStructure([]Detected{plugin})

	if len(tree) != 1 {
		t.Fatalf("tree = %v, want the plugin standalone", tree)
	}
	if len(tree[0].Children) != 0 {
		t.Errorf("standalone plugin should have no children")
	}
}
