// Package engine orchestrates a single conflict detection run.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/config"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/detector"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/report"
)

// StateSource is the read-only view of the graph state store a run needs.
type StateSource interface {
	RecentChanges(ctx context.Context, devices []string, since time.Time) ([]models.ChangeEvent, error)
	ResolveRouteMap(ctx context.Context, name string) (models.RouteMapRef, error)
}

// ConflictSink receives every emitted conflict. Sinks must not block; a sink
// failure never fails the detection run.
type ConflictSink interface {
	Write(conflict models.Conflict)
}

// Request is one detection run's input: the proposed change events plus any
// extraction warnings that should ride along in the report.
type Request struct {
	Proposed []models.ChangeEvent
	Warnings []string
	// Devices enables sweep mode when Proposed is empty: every session on
	// these devices that changed within the window is treated as if the
	// caller were about to modify it.
	Devices []string
	// Window overrides the configured detection window when positive.
	Window time.Duration
	// ResolveRouteMaps enables route-map fan-out resolution (on for CI runs,
	// optional for API callers).
	ResolveRouteMaps bool
}

// Engine wires the extractor output, the state source, and the flap tracker
// into the classifier. A failed state source query aborts the run with an
// error; the caller must treat that as indeterminate, never as clean.
type Engine struct {
	cfg    config.Config
	source StateSource
	flaps  detector.FlapChecker
	sink   ConflictSink
	now    func() time.Time
}

// New creates an engine. sink may be nil; now defaults to time.Now.
func New(cfg config.Config, source StateSource, flaps detector.FlapChecker, sink ConflictSink, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, source: source, flaps: flaps, sink: sink, now: now}
}

// Run executes one detection. The returned error is non-nil only when the run
// is indeterminate (invalid configuration or unreachable state source); in
// that case no report exists at all, which is distinct from an empty one.
func (e *Engine) Run(ctx context.Context, req Request) (models.Report, error) {
	window := e.cfg.DetectionWindow()
	if req.Window > 0 {
		window = req.Window
	}
	if window <= 0 {
		return models.Report{}, &config.InvalidConfigurationError{
			Field: "detection window", Reason: "must be positive",
		}
	}

	now := e.now().UTC()

	devices := candidateDevices(req.Proposed)
	sweep := len(req.Proposed) == 0
	if sweep {
		if len(req.Devices) == 0 {
			return report.Build(nil, req.Warnings, now), nil
		}
		devices = req.Devices
	}
	since := now.Add(-window)

	recent, err := e.source.RecentChanges(ctx, devices, since)
	if err != nil {
		return models.Report{}, fmt.Errorf("querying recent changes: %w", err)
	}
	if sweep {
		req.Proposed = sweepProposals(recent, devices, now)
	}

	routeMaps := make(map[string]models.RouteMapRef)
	if req.ResolveRouteMaps {
		for _, p := range req.Proposed {
			if p.TargetType != models.TargetRouteMap {
				continue
			}
			if _, done := routeMaps[p.TargetKey]; done {
				continue
			}
			ref, err := e.source.ResolveRouteMap(ctx, p.TargetKey)
			if err != nil {
				return models.Report{}, fmt.Errorf("resolving route-map %s: %w", p.TargetKey, err)
			}
			routeMaps[p.TargetKey] = ref
		}
	}

	classifier := detector.NewClassifier(window, e.flaps)
	conflicts := classifier.Classify(ctx, req.Proposed, recent, routeMaps, now)

	for _, conflict := range conflicts {
		if data, err := json.Marshal(conflict); err == nil {
			log.Printf("CONFLICT: %s", data)
		}
		if e.sink != nil {
			e.sink.Write(conflict)
		}
	}

	return report.Build(conflicts, req.Warnings, now), nil
}

// sweepProposals turns each recently changed session on the swept devices
// into a proposed change, so a device sweep surfaces every fresh modification
// as a direct conflict.
func sweepProposals(recent []models.ChangeEvent, devices []string, now time.Time) []models.ChangeEvent {
	allowed := make(map[string]bool, len(devices))
	for _, d := range devices {
		allowed[d] = true
	}

	seen := make(map[string]bool)
	var proposed []models.ChangeEvent
	for _, g := range recent {
		if g.TargetType != models.TargetSession || !allowed[g.Device] || seen[g.TargetKey] {
			continue
		}
		seen[g.TargetKey] = true
		proposed = append(proposed, models.ChangeEvent{
			Source:     models.SourceGitDiff,
			TargetType: models.TargetSession,
			TargetKey:  g.TargetKey,
			Device:     g.Device,
			OccurredAt: now,
		})
	}
	return proposed
}

// candidateDevices collects the distinct devices touched by the diff, in
// first-seen order, for the state source query.
func candidateDevices(proposed []models.ChangeEvent) []string {
	seen := make(map[string]bool)
	var devices []string
	for _, p := range proposed {
		if p.Device == "" || seen[p.Device] {
			continue
		}
		seen[p.Device] = true
		devices = append(devices, p.Device)
	}
	return devices
}
