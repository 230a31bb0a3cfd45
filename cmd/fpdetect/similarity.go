package main

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"github.com/spf13/cobra"
	"github.com/webfinger/fpdetect/internal/dbkv"
	"github.com/webfinger/fpdetect/internal/graph"
	"github.com/webfinger/fpdetect/internal/similarity"
)

func newSimilarityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "similarity <db-path> <app-name>",
		Short: "Print the diagnostic similarity matrix for one app's versions",
		Long: `similarity prints the pairwise checksum-overlap matrix between every
version of app-name recorded in the fingerprint database. It is a diagnostic
tool for inspecting why versions stayed distinct (or got coalesced) during a
build; it has no effect on build or detect.`,
		Example: `  fpdetect similarity fingerprints.db wordpress-cores`,
		Args:    cobra.ExactArgs(2),
		RunE:    similarityRun,
	}
	return cmd
}

func similarityRun(cmd *cobra.Command, args []string) error {
	log := logger
	if log == nil {
		log = slog.Default()
	}

	dbPath, err := resolveDataPath(args[0])
	if err != nil {
		return err
	}
	app := args[1]

	st, err := dbkv.Open(dbPath, log)
	if err != nil {
		return fmt.Errorf("opening fingerprint database: %w", err)
	}
	defer st.Close()

	checksums, appVersions, err := st.Dump()
	if err != nil {
		return fmt.Errorf("reading fingerprint database: %w", err)
	}

	sets := appVersionChecksumsForApp(app, checksums, appVersions)
	if len(sets) == 0 {
		fmt.Printf("no recorded versions of %q\n", app)
		return nil
	}

	perApp := map[string][]similarity.AppVersionChecksums{app: sets}
	results := similarity.ComputeAll(context.Background(), perApp, runtime.NumCPU(), log)

	for _, r := range results {
		printMatrix(r, sets)
	}
	return nil
}

// appVersionChecksumsForApp rebuilds per-AV checksum sets for app from the
// database's owner-keyed checksum records. Every member of a coalesced
// group shares the same owner id and therefore the same checksum set.
func appVersionChecksumsForApp(app string, checksums map[graph.Digest]dbkv.ChecksumRecord, appVersions map[graph.AVID]dbkv.AppVersionRecord) []similarity.AppVersionChecksums {
	byOwner := make(map[graph.AVID][]graph.Digest)
	for digest, rec := range checksums {
		byOwner[rec.Owner] = append(byOwner[rec.Owner], digest)
	}

	var sets []similarity.AppVersionChecksums
	for id, rec := range appVersions {
		digests := byOwner[id]
		sort.Slice(digests, func(i, j int) bool {
			for b := range digests[i] {
				if digests[i][b] != digests[j][b] {
					return digests[i][b] < digests[j][b]
				}
			}
			return false
		})
		for _, member := range rec.Members {
			if member.App != app {
				continue
			}
			sets = append(sets, similarity.AppVersionChecksums{AV: member, Checksums: digests})
		}
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].AV.Version < sets[j].AV.Version })
	return sets
}

func printMatrix(r similarity.Result, sets []similarity.AppVersionChecksums) {
	fmt.Printf("similarity matrix for %s\n", r.App)
	fmt.Print("            ")
	for _, s := range sets {
		fmt.Printf("%10s", s.AV.Version)
	}
	fmt.Println()
	for i, row := range r.Matrix {
		fmt.Printf("%12s", sets[i].AV.Version)
		for _, count := range row {
			fmt.Printf("%10d", count)
		}
		fmt.Println()
	}
}
