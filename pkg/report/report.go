// Package report folds detected conflicts into the summary callers consume.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
)

// OverallNone is the overall severity of a clean report.
const OverallNone = "none"

// Exit codes for the CI gate. Indeterminate is reserved for runs where the
// state source could not be reached; it must never collapse into ExitClean.
const (
	ExitClean         = 0
	ExitConflicts     = 1
	ExitIndeterminate = 2
)

// Build aggregates conflicts into a report. Pure and deterministic: empty
// input yields a clean report, and identical input on a frozen clock yields
// an identical report.
func Build(conflicts []models.Conflict, warnings []string, checkedAt time.Time) models.Report {
	ordered := make([]models.Conflict, len(conflicts))
	copy(ordered, conflicts)

	// Flapping blocks lead so an unstable session can never hide behind an
	// otherwise clean summary; then HIGH before MEDIUM, detection order within.
	sort.SliceStable(ordered, func(i, j int) bool {
		return sortRank(ordered[i]) < sortRank(ordered[j])
	})

	var summary models.ReportSummary
	overall := OverallNone
	maxRank := 0
	for _, conflict := range ordered {
		switch conflict.Severity {
		case models.SeverityHigh:
			summary.HighSeverity++
		case models.SeverityMedium:
			summary.MediumSeverity++
		}
		if r := conflict.Severity.Rank(); r > maxRank {
			maxRank = r
			overall = string(conflict.Severity)
		}
	}

	name := checkedAt.Format(time.RFC3339Nano)
	for _, conflict := range ordered {
		name += "|" + conflict.ID
	}

	return models.Report{
		ID:              uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
		ConflictsFound:  len(ordered) > 0,
		ConflictCount:   len(ordered),
		Conflicts:       ordered,
		Warnings:        warnings,
		Summary:         summary,
		OverallSeverity: overall,
		CheckedAt:       checkedAt,
	}
}

func sortRank(c models.Conflict) int {
	if c.Type == models.ConflictFlappingBlock {
		return 0
	}
	if c.Severity == models.SeverityHigh {
		return 1
	}
	return 2
}

// ExitCode maps a report onto the CI exit-code contract. MEDIUM-only results
// warn by default and fail only when failOnMedium is set.
func ExitCode(r models.Report, failOnMedium bool) int {
	if r.Summary.HighSeverity > 0 {
		return ExitConflicts
	}
	if r.Summary.MediumSeverity > 0 && failOnMedium {
		return ExitConflicts
	}
	return ExitClean
}

// WriteArtifacts writes the JSON report and the GitLab-CI dotenv file next to
// each other in dir.
func WriteArtifacts(r models.Report, dir string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "conflict-report.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	env := fmt.Sprintf("CONFLICTS_FOUND=%t\nCONFLICT_COUNT=%d\nHIGH_SEVERITY_COUNT=%d\n",
		r.ConflictsFound, r.ConflictCount, r.Summary.HighSeverity)
	if err := os.WriteFile(filepath.Join(dir, "conflict-report.env"), []byte(env), 0o644); err != nil {
		return fmt.Errorf("writing report env: %w", err)
	}
	return nil
}
