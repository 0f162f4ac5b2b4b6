package models

import "time"

// ConflictType classifies how two independent changes collide.
type ConflictType string

const (
	ConflictDirectSession     ConflictType = "direct_session_conflict"
	ConflictRouteMapCollision ConflictType = "route_map_collision"
	ConflictPolicy            ConflictType = "policy_conflict"
	ConflictFlappingBlock     ConflictType = "flapping_block"
)

// Severity levels
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
)

var severityOrder = map[Severity]int{
	SeverityMedium: 1,
	SeverityHigh:   2,
}

// Rank returns a comparable weight for a severity (higher is worse).
func (s Severity) Rank() int {
	return severityOrder[s]
}

// Conflict is the detector's output unit. Conflicts are pure computation
// results; persistence is an external concern.
type Conflict struct {
	ID                  string        `json:"id"`
	Type                ConflictType  `json:"type"`
	Severity            Severity      `json:"severity"`
	AffectedSessionKeys []string      `json:"affected_session_keys"`
	Description         string        `json:"description"`
	RecommendedAction   string        `json:"recommended_action"`
	Evidence            []ChangeEvent `json:"evidence,omitempty"`
	DetectedAt          time.Time     `json:"detected_at"`
}

// ReportSummary counts conflicts per severity.
type ReportSummary struct {
	HighSeverity   int `json:"high_severity"`
	MediumSeverity int `json:"medium_severity"`
}

// Report is the aggregate a detection run hands to its callers (CI gate,
// REST response, MR comment).
type Report struct {
	ID              string        `json:"id"`
	ConflictsFound  bool          `json:"conflicts_found"`
	ConflictCount   int           `json:"conflict_count"`
	Conflicts       []Conflict    `json:"conflicts"`
	Warnings        []string      `json:"warnings,omitempty"`
	Summary         ReportSummary `json:"summary"`
	OverallSeverity string        `json:"overall_severity"` // HIGH, MEDIUM, or none
	CheckedAt       time.Time     `json:"checked_at"`
}
