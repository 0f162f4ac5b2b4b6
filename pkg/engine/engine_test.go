package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/config"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/statesource"
)

var testNow = time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)

func frozenNow() time.Time { return testNow }

type fakeSource struct {
	mu        sync.Mutex
	recent    []models.ChangeEvent
	recentErr error
	routeMaps map[string]models.RouteMapRef
	resolved  []string
	devices   []string
}

func (f *fakeSource) RecentChanges(ctx context.Context, devices []string, since time.Time) ([]models.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.recent, nil
}

func (f *fakeSource) ResolveRouteMap(ctx context.Context, name string) (models.RouteMapRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, name)
	if ref, ok := f.routeMaps[name]; ok {
		return ref, nil
	}
	return models.RouteMapRef{Name: name}, nil
}

type noFlap struct{}

func (noFlap) IsFlapping(ctx context.Context, sessionKey string, now time.Time) bool { return false }

type collectSink struct {
	mu        sync.Mutex
	conflicts []models.Conflict
}

func (s *collectSink) Write(c models.Conflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
}

func sessionProposal(device, peerIP string) models.ChangeEvent {
	return models.ChangeEvent{
		Source:     models.SourceGitDiff,
		TargetType: models.TargetSession,
		TargetKey:  models.SessionKey(device, peerIP),
		Device:     device,
		OccurredAt: testNow,
	}
}

func graphSessionChange(device, peerIP string, age time.Duration) models.ChangeEvent {
	return models.ChangeEvent{
		Source:     models.SourceGraphLog,
		TargetType: models.TargetSession,
		TargetKey:  models.SessionKey(device, peerIP),
		Device:     device,
		Actor:      "operator",
		OccurredAt: testNow.Add(-age),
	}
}

func TestRun_CleanWhenNothingProposed(t *testing.T) {
	source := &fakeSource{}
	eng := New(config.Defaults(), source, noFlap{}, nil, frozenNow)

	r, err := eng.Run(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if r.ConflictsFound {
		t.Error("no proposals and no devices must produce a clean report")
	}
	if source.devices != nil {
		t.Error("the state source must not be queried for an empty run")
	}
}

func TestRun_DetectsDirectConflict(t *testing.T) {
	source := &fakeSource{
		recent: []models.ChangeEvent{graphSessionChange("router01", "192.0.2.1", 2*time.Minute)},
	}
	sink := &collectSink{}
	eng := New(config.Defaults(), source, noFlap{}, sink, frozenNow)

	r, err := eng.Run(context.Background(), Request{
		Proposed: []models.ChangeEvent{sessionProposal("router01", "192.0.2.1")},
	})
	if err != nil {
		t.Fatal(err)
	}

	if r.ConflictCount != 1 {
		t.Fatalf("expected 1 conflict, got %d", r.ConflictCount)
	}
	if r.Conflicts[0].Type != models.ConflictDirectSession {
		t.Errorf("type = %q", r.Conflicts[0].Type)
	}
	if !reflect.DeepEqual(source.devices, []string{"router01"}) {
		t.Errorf("queried devices = %v, want [router01]", source.devices)
	}
	if len(sink.conflicts) != 1 {
		t.Errorf("sink received %d conflicts, want 1", len(sink.conflicts))
	}
}

func TestRun_IndeterminateOnSourceFailure(t *testing.T) {
	source := &fakeSource{
		recentErr: &statesource.StateSourceUnavailableError{Op: "recent session changes", Err: errors.New("connection refused")},
	}
	eng := New(config.Defaults(), source, noFlap{}, nil, frozenNow)

	_, err := eng.Run(context.Background(), Request{
		Proposed: []models.ChangeEvent{sessionProposal("router01", "192.0.2.1")},
	})

	var unavailable *statesource.StateSourceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("source failure must surface as StateSourceUnavailableError, got %v", err)
	}
}

func TestRun_WindowOverride(t *testing.T) {
	// The change is 8 minutes old: outside the default 5-minute window but
	// inside a 10-minute override.
	source := &fakeSource{
		recent: []models.ChangeEvent{graphSessionChange("router01", "192.0.2.1", 8*time.Minute)},
	}
	eng := New(config.Defaults(), source, noFlap{}, nil, frozenNow)
	req := Request{Proposed: []models.ChangeEvent{sessionProposal("router01", "192.0.2.1")}}

	r, err := eng.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if r.ConflictsFound {
		t.Error("an 8-minute-old change must be outside the default window")
	}

	req.Window = 10 * time.Minute
	r, err = eng.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if r.ConflictCount != 1 {
		t.Errorf("expected 1 conflict inside the widened window, got %d", r.ConflictCount)
	}
}

func TestRun_InvalidWindow(t *testing.T) {
	cfg := config.Defaults()
	cfg.DetectionWindowMinutes = 0
	eng := New(cfg, &fakeSource{}, noFlap{}, nil, frozenNow)

	_, err := eng.Run(context.Background(), Request{
		Proposed: []models.ChangeEvent{sessionProposal("router01", "192.0.2.1")},
	})

	var invalid *config.InvalidConfigurationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidConfigurationError, got %v", err)
	}
}

func TestRun_SweepMode(t *testing.T) {
	source := &fakeSource{
		recent: []models.ChangeEvent{
			graphSessionChange("router01", "192.0.2.1", 2*time.Minute),
			graphSessionChange("router03", "203.0.113.9", 1*time.Minute),
		},
	}
	eng := New(config.Defaults(), source, noFlap{}, nil, frozenNow)

	r, err := eng.Run(context.Background(), Request{Devices: []string{"router01", "router03"}})
	if err != nil {
		t.Fatal(err)
	}

	// Each recently changed session on a swept device surfaces as a direct
	// conflict against its own graph-log change.
	if r.ConflictCount != 2 {
		t.Fatalf("expected 2 conflicts, got %d", r.ConflictCount)
	}
	for _, c := range r.Conflicts {
		if c.Type != models.ConflictDirectSession {
			t.Errorf("type = %q", c.Type)
		}
	}
}

func TestRun_ResolvesRouteMapsOnce(t *testing.T) {
	source := &fakeSource{
		routeMaps: map[string]models.RouteMapRef{
			"export-policy-5": {
				Name:               "export-policy-5",
				AppliedSessionKeys: []string{"router01_192.0.2.1", "router02_198.51.100.7"},
			},
		},
	}
	eng := New(config.Defaults(), source, noFlap{}, nil, frozenNow)

	proposal := models.ChangeEvent{
		Source:     models.SourceGitDiff,
		TargetType: models.TargetRouteMap,
		TargetKey:  "export-policy-5",
		Device:     "router01",
		OccurredAt: testNow,
	}
	second := proposal
	second.Field = "sequence_10"

	r, err := eng.Run(context.Background(), Request{
		Proposed:         []models.ChangeEvent{proposal, second},
		ResolveRouteMaps: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(source.resolved, []string{"export-policy-5"}) {
		t.Errorf("resolved = %v, want one lookup per distinct route-map", source.resolved)
	}
	if r.ConflictCount != 1 {
		t.Errorf("expected 1 collision, got %d", r.ConflictCount)
	}
	if r.ConflictCount > 0 && r.Conflicts[0].Type != models.ConflictRouteMapCollision {
		t.Errorf("type = %q", r.Conflicts[0].Type)
	}
}

func TestRun_SkipsResolutionWhenDisabled(t *testing.T) {
	source := &fakeSource{}
	eng := New(config.Defaults(), source, noFlap{}, nil, frozenNow)

	_, err := eng.Run(context.Background(), Request{
		Proposed: []models.ChangeEvent{{
			Source:     models.SourceGitDiff,
			TargetType: models.TargetRouteMap,
			TargetKey:  "export-policy-5",
			Device:     "router01",
			OccurredAt: testNow,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(source.resolved) != 0 {
		t.Errorf("route-map resolution must be skipped when disabled, resolved %v", source.resolved)
	}
}

func TestRun_WarningsRideAlong(t *testing.T) {
	eng := New(config.Defaults(), &fakeSource{}, noFlap{}, nil, frozenNow)

	r, err := eng.Run(context.Background(), Request{
		Proposed: []models.ChangeEvent{sessionProposal("router01", "192.0.2.1")},
		Warnings: []string{"skipped malformed file bgp/broken.yaml"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Warnings) != 1 {
		t.Errorf("warnings = %v", r.Warnings)
	}
}

func TestRun_Idempotent(t *testing.T) {
	source := &fakeSource{
		recent: []models.ChangeEvent{graphSessionChange("router01", "192.0.2.1", 2*time.Minute)},
	}
	eng := New(config.Defaults(), source, noFlap{}, nil, frozenNow)
	req := Request{Proposed: []models.ChangeEvent{sessionProposal("router01", "192.0.2.1")}}

	first, err := eng.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := eng.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("identical runs on a frozen clock must yield identical reports")
	}
}
