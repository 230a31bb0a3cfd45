package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/webfinger/fpdetect/internal/dbkv"
	"github.com/webfinger/fpdetect/internal/detector"
	"github.com/webfinger/fpdetect/internal/graph"
	"github.com/webfinger/fpdetect/internal/store"
)

func newDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect <db-path> <observations-file>",
		Short: "Detect app-versions present from a set of observed checksums",
		Long: `detect reads a tab-separated observations file (hex sha256, absolute
path, one row per observed file), matches the observed checksums against a
built fingerprint database, and reports the app-versions detected, nested by
WordPress-style core/plugin/theme convention where applicable.`,
		Example: `  fpdetect detect fingerprints.db observations.tsv`,
		Args:    cobra.ExactArgs(2),
		RunE:    detectRun,
	}
	return cmd
}

func detectRun(cmd *cobra.Command, args []string) error {
	log := logger
	if log == nil {
		log = slog.Default()
	}

	dbPath, err := resolveDataPath(args[0])
	if err != nil {
		return err
	}
	obsPath, err := resolveDataPath(args[1])
	if err != nil {
		return err
	}

	run := &store.DetectRun{
		DBPath:           dbPath,
		ObservationsPath: obsPath,
		StartTime:        time.Now(),
		Status:           "running",
	}
	if globalStore != nil {
		if err := globalStore.CreateDetectRun(run); err != nil {
			log.Warn("failed to record detect run", "error", err)
		}
	}

	result, err := doDetect(dbPath, obsPath, run, log)
	if err != nil {
		run.Status = "failed"
		run.ErrorMessage = err.Error()
		run.EndTime = time.Now()
		if globalStore != nil {
			if uerr := globalStore.UpdateDetectRun(run); uerr != nil {
				log.Warn("failed to record detect run failure", "error", uerr)
			}
		}
		return err
	}

	run.Status = "success"
	run.EndTime = time.Now()
	if globalStore != nil {
		if err := globalStore.UpdateDetectRun(run); err != nil {
			log.Warn("failed to record detect run success", "error", err)
		}
	}

	printResult(result)
	return nil
}

func doDetect(dbPath, obsPath string, run *store.DetectRun, log *slog.Logger) (detector.Result, error) {
	st, err := dbkv.Open(dbPath, log)
	if err != nil {
		return detector.Result{}, fmt.Errorf("opening fingerprint database: %w", err)
	}
	defer st.Close()

	f, err := os.Open(obsPath)
	if err != nil {
		return detector.Result{}, fmt.Errorf("opening observations file: %w", err)
	}
	defer f.Close()

	obs, read, err := parseObservations(f)
	if err != nil {
		return detector.Result{}, err
	}
	run.ObservationsRead = read

	det, err := detector.New(st, globalCfg.Detect.CoverageBound, log)
	if err != nil {
		return detector.Result{}, fmt.Errorf("building detector: %w", err)
	}

	result, err := det.Process(obs)
	if err != nil {
		return detector.Result{}, fmt.Errorf("detection failed: %w", err)
	}

	found := 0
	for _, node := range result.Tree {
		found += 1 + len(node.Children)
	}
	run.AppVersionsFound = found
	run.AppVersionsDiscarded = len(result.Discarded)
	return result, nil
}

// parseObservations reads tab-separated (hex_sha256, path) rows, grouping
// paths by digest. Malformed rows are skipped rather than aborting the run.
func parseObservations(r *os.File) (detector.Observations, int, error) {
	obs := make(detector.Observations)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	read := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}

		raw, err := hex.DecodeString(fields[0])
		if err != nil || len(raw) != 32 {
			continue
		}
		var digest graph.Digest
		copy(digest[:], raw)

		obs[digest] = append(obs[digest], fields[1])
		read++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading observations file: %w", err)
	}
	return obs, read, nil
}

func printResult(result detector.Result) {
	if len(result.Tree) == 0 && len(result.Discarded) == 0 {
		fmt.Println("no app-versions detected")
		return
	}

	for _, node := range result.Tree {
		printDetected(node.Detected, 0)
		for _, child := range node.Children {
			printDetected(child, 1)
		}
	}

	if len(result.Discarded) > 0 {
		fmt.Println()
		fmt.Println("discarded:")
		for _, d := range result.Discarded {
			fmt.Printf("  av #%d: %d/%d checksums matched\n", d.ID, d.Matched, d.Total)
		}
	}
}

func printDetected(d detector.Detected, indent int) {
	prefix := strings.Repeat("  ", indent)
	names := make([]string, len(d.Members))
	for i, m := range d.Members {
		name := fmt.Sprintf("%s:%s", m.App, m.Version)
		if tag, ok := detector.AppAsTag(m.App); ok {
			name = fmt.Sprintf("%s [%s]", name, tag)
		}
		names[i] = name
	}
	line := strings.Join(names, ", ")
	if len(d.Roots) > 0 {
		line = fmt.Sprintf("%s (%s)", line, strings.Join(d.Roots, ", "))
	}
	fmt.Printf("%s%s\n", prefix, line)
}
