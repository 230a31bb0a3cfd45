package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusLimit int

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display recent build and detect run history",
		Long: `Display the most recent build and detect runs recorded in the
run-history database, including counts of app-versions seen/defined/found
and pass/fail status.`,
		Example: `  fpdetect status
  fpdetect status --limit 5`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "maximum number of runs to show per kind")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("run-history store not initialized")
	}

	builds, err := globalStore.ListBuildRuns(statusLimit)
	if err != nil {
		return fmt.Errorf("listing build runs: %w", err)
	}
	detects, err := globalStore.ListDetectRuns(statusLimit)
	if err != nil {
		return fmt.Errorf("listing detect runs: %w", err)
	}

	fmt.Println("Build Runs")
	fmt.Println("==========")
	fmt.Println()
	if len(builds) == 0 {
		fmt.Println("(none)")
	} else {
		fmt.Printf("%-12s %-10s %10s %10s %10s %10s\n", "Started", "Status", "AVs Seen", "Defined", "Checksums", "Skipped")
		fmt.Println(strings.Repeat("-", 70))
		for _, b := range builds {
			fmt.Printf("%-12s %-10s %10d %10d %10s %10d\n",
				b.StartTime.Format("01-02 15:04"),
				b.Status,
				b.AppVersionsSeen,
				b.AppVersionsDefined,
				humanize.Comma(int64(b.ChecksumsSeen)),
				b.LinesSkipped,
			)
		}
	}

	fmt.Println()
	fmt.Println("Detect Runs")
	fmt.Println("===========")
	fmt.Println()
	if len(detects) == 0 {
		fmt.Println("(none)")
	} else {
		fmt.Printf("%-12s %-10s %14s %10s %10s\n", "Started", "Status", "Observations", "Found", "Discarded")
		fmt.Println(strings.Repeat("-", 60))
		for _, d := range detects {
			fmt.Printf("%-12s %-10s %14s %10d %10d\n",
				d.StartTime.Format("01-02 15:04"),
				d.Status,
				humanize.Comma(int64(d.ObservationsRead)),
				d.AppVersionsFound,
				d.AppVersionsDiscarded,
			)
		}
	}

	return nil
}
