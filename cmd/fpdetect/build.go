package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/webfinger/fpdetect/internal/dbkv"
	"github.com/webfinger/fpdetect/internal/definer"
	"github.com/webfinger/fpdetect/internal/graph"
	"github.com/webfinger/fpdetect/internal/ingest"
	"github.com/webfinger/fpdetect/internal/safety"
	"github.com/webfinger/fpdetect/internal/store"
)

var (
	buildImpliesFile string
	buildVerify      bool
)

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <db-path> <corpus-file>",
		Short: "Build a fingerprint database from a hash corpus",
		Long: `build ingests a tab-separated corpus of (app, version, sha256) or
(app, version, sha256, path, depth) rows, runs the exclusive-pinning pruning
pass over the resulting bipartite graph, coalesces app-versions that end up
sharing an identical checksum set, and writes the result to a fresh
fingerprint database.`,
		Example: `  fpdetect build fingerprints.db corpus.tsv`,
		Args:    cobra.ExactArgs(2),
		RunE:    buildRun,
	}
	cmd.Flags().StringVar(&buildImpliesFile, "implies-file", "", "tab-separated (app, version, implied_app, implied_version) alias rows")
	cmd.Flags().BoolVar(&buildVerify, "verify", false, "verify graph consistency between the ingest and definer phases")
	return cmd
}

func buildRun(cmd *cobra.Command, args []string) error {
	log := logger
	if log == nil {
		log = slog.Default()
	}

	dbPath, err := resolveDataPath(args[0])
	if err != nil {
		return err
	}
	corpusPath, err := resolveDataPath(args[1])
	if err != nil {
		return err
	}

	run := &store.BuildRun{
		DBPath:    dbPath,
		InputPath: corpusPath,
		StartTime: time.Now(),
		Status:    "running",
	}
	if globalStore != nil {
		if err := globalStore.CreateBuildRun(run); err != nil {
			log.Warn("failed to record build run", "error", err)
		}
	}

	impliesPath := ""
	if buildImpliesFile != "" {
		resolved, err := resolveDataPath(buildImpliesFile)
		if err != nil {
			return err
		}
		impliesPath = resolved
	}

	if err := doBuild(dbPath, corpusPath, impliesPath, buildVerify, run, log); err != nil {
		run.Status = "failed"
		run.ErrorMessage = err.Error()
		run.EndTime = time.Now()
		if globalStore != nil {
			if uerr := globalStore.UpdateBuildRun(run); uerr != nil {
				log.Warn("failed to record build run failure", "error", uerr)
			}
		}
		return err
	}

	run.Status = "success"
	run.EndTime = time.Now()
	if globalStore != nil {
		if err := globalStore.UpdateBuildRun(run); err != nil {
			log.Warn("failed to record build run success", "error", err)
		}
	}
	return nil
}

func doBuild(dbPath, corpusPath, impliesPath string, verify bool, run *store.BuildRun, log *slog.Logger) error {
	f, err := os.Open(corpusPath)
	if err != nil {
		return fmt.Errorf("opening corpus file: %w", err)
	}
	defer f.Close()

	corpus, skips := ingest.Parse(f)
	for _, s := range skips {
		log.Warn("skipped malformed corpus line", "detail", s.String())
	}
	run.LinesSkipped = len(skips)

	g := graph.New()
	corpus.PopulateGraph(g)
	run.AppVersionsSeen = len(g.AppVersions())
	run.ChecksumsSeen = len(g.Checksums())

	if verify {
		if err := g.VerifyConsistency(); err != nil {
			return fmt.Errorf("graph inconsistent after ingest: %w", err)
		}
		log.Info("graph consistency verified after ingest")
	}

	implies, err := loadImplies(impliesPath, log)
	if err != nil {
		return err
	}

	result := definer.Prune(g, globalCfg.Build.SufficientChecksums)
	run.AppVersionsDefined = len(result.Defined)
	log.Info("pruning complete", "defined", len(result.Defined), "residue", len(result.Residue))

	groups := definer.Coalesce(g, result.Defined)

	depths := make(map[graph.AVKey]map[graph.Digest]uint8, len(result.Defined))
	for av := range result.Defined {
		perAV := make(map[graph.Digest]uint8)
		for cs := range corpus.AppVersionToChecksums[av] {
			if d, ok := corpus.DepthOf(av, cs); ok {
				perAV[cs] = d
			}
		}
		depths[av] = perAV
	}

	in := dbkv.BuildInput{
		Graph:   g,
		Defined: result.Defined,
		Groups:  groups,
		Depths:  depths,
		Implies: implies,
	}

	if err := dbkv.Build(dbPath, in, log); err != nil {
		return fmt.Errorf("writing fingerprint database: %w", err)
	}

	log.Info("fingerprint database built", "path", dbPath, "groups", len(groups))
	return nil
}

// loadImplies reads the optional --implies-file alias list. An empty path
// means no implications were configured for this build.
func loadImplies(path string, log *slog.Logger) (map[graph.AVKey][]graph.AVKey, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening implies file: %w", err)
	}
	defer f.Close()

	implies, skips := ingest.ParseImplies(f)
	for _, s := range skips {
		log.Warn("skipped malformed implies line", "detail", s.String())
	}
	return implies, nil
}

// resolveDataPath resolves a CLI-supplied path against the configured data
// directory when it is relative, keeping user-supplied paths from escaping
// it via ".." segments.
func resolveDataPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	if globalCfg == nil {
		return p, nil
	}
	resolved, err := safety.SafeJoinUnder(globalCfg.Store.DataDir, p)
	if err != nil {
		return "", fmt.Errorf("resolving path %q under data directory: %w", p, err)
	}
	return resolved, nil
}
