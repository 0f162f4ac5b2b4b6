package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/engine"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/extractor"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/notify"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/report"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/statesource"
	"github.com/spf13/cobra"
)

var (
	diffFilesFlag    string
	diffJSONFlag     string
	actorFlag        string
	windowFlag       int
	failOnMedium     bool
	skipRouteMaps    bool
	artifactsDirFlag string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a one-shot conflict detection for a proposed change (CI mode)",
	Long: `Extracts BGP objects from the changed files, queries the graph state
store for independent changes within the detection window, and exits non-zero
when a HIGH severity conflict (or any conflict with --fail-on-medium) is found.
Exit code 2 means the run was indeterminate: the state source was unreachable
and the result must not be read as "no conflicts".`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runCheck())
	},
}

func init() {
	checkCmd.Flags().StringVar(&diffFilesFlag, "diff-files", os.Getenv("GIT_DIFF_FILES"), "Space-separated list of changed files")
	checkCmd.Flags().StringVar(&diffJSONFlag, "diff-json", "", "Path to a structured field diff document")
	checkCmd.Flags().StringVar(&actorFlag, "actor", os.Getenv("GITLAB_USER_LOGIN"), "Identity of the proposing engineer")
	checkCmd.Flags().IntVar(&windowFlag, "window-minutes", 0, "Override the detection window (minutes)")
	checkCmd.Flags().BoolVar(&failOnMedium, "fail-on-medium", false, "Fail the gate on MEDIUM-only conflicts")
	checkCmd.Flags().BoolVar(&skipRouteMaps, "skip-route-maps", false, "Skip route-map fan-out resolution")
	checkCmd.Flags().StringVar(&artifactsDirFlag, "artifacts-dir", ".", "Directory for conflict-report.json and conflict-report.env")
	rootCmd.AddCommand(checkCmd)
}

func runCheck() int {
	if windowFlag > 0 {
		cfg.DetectionWindowMinutes = windowFlag
	}
	if failOnMedium {
		cfg.FailOnMedium = true
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Error: %v", err)
		return report.ExitIndeterminate
	}

	x := extractor.New(actorFlag, nil)
	var req engine.Request

	if diffFilesFlag != "" {
		res, err := x.ExtractFiles(strings.Fields(diffFilesFlag))
		if err != nil {
			log.Printf("Error: %v", err)
			return report.ExitIndeterminate
		}
		req.Proposed = append(req.Proposed, res.Events...)
		req.Warnings = append(req.Warnings, res.Warnings...)
	}
	if diffJSONFlag != "" {
		data, err := os.ReadFile(diffJSONFlag)
		if err != nil {
			log.Printf("Error: reading %s: %v", diffJSONFlag, err)
			return report.ExitIndeterminate
		}
		res, err := x.ExtractDiff(data)
		if err != nil {
			log.Printf("Error: %v", err)
			return report.ExitIndeterminate
		}
		req.Proposed = append(req.Proposed, res.Events...)
		req.Warnings = append(req.Warnings, res.Warnings...)
	}

	for _, w := range req.Warnings {
		log.Printf("Warning: %s", w)
	}
	if len(req.Proposed) == 0 {
		log.Printf("No BGP-related changes detected")
		return report.ExitClean
	}
	log.Printf("Extracted %d proposed change events", len(req.Proposed))

	req.ResolveRouteMaps = !skipRouteMaps

	source := statesource.NewClient(cfg.StateSourceURL, cfg.StateSourceToken, cfg.QueryTimeout(), cfg.QueryRetries)
	tracker := newFlapTracker()
	writer := newAuditWriter()

	var sink engine.ConflictSink
	if writer != nil {
		sink = writer
		defer writer.Stop()
	}

	eng := engine.New(cfg, source, tracker, sink, nil)
	result, err := eng.Run(context.Background(), req)
	if err != nil {
		// Indeterminate: never let the gate pass on infrastructure failure.
		log.Printf("Error: detection indeterminate: %v", err)
		return report.ExitIndeterminate
	}

	if err := report.WriteArtifacts(result, artifactsDirFlag); err != nil {
		log.Printf("Warning: %v", err)
	}

	if result.ConflictsFound {
		log.Printf("%d conflicts detected (HIGH=%d, MEDIUM=%d)",
			result.ConflictCount, result.Summary.HighSeverity, result.Summary.MediumSeverity)
		for _, conflict := range result.Conflicts {
			if data, err := json.MarshalIndent(conflict, "", "  "); err == nil {
				log.Printf("%s", data)
			}
		}
		if commenter := notify.NewFromEnv(); commenter != nil {
			commenter.PostReport(context.Background(), result)
		}
	} else {
		log.Printf("No BGP conflicts detected. Safe to merge.")
	}

	return report.ExitCode(result, cfg.FailOnMedium)
}
