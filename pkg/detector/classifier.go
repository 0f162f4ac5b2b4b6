package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
)

// FlapChecker reports whether a session is currently flapping.
type FlapChecker interface {
	IsFlapping(ctx context.Context, sessionKey string, now time.Time) bool
}

// Classifier is the central decision function. It is pure apart from flap
// lookups: events outside the detection window are discarded before any rule
// runs, and identical inputs on a frozen clock yield identical conflicts.
type Classifier struct {
	window time.Duration
	flaps  FlapChecker
}

// NewClassifier creates a classifier with the given detection window.
func NewClassifier(window time.Duration, flaps FlapChecker) *Classifier {
	return &Classifier{window: window, flaps: flaps}
}

// Classify evaluates each proposed change against the recent graph-log events
// and the flap tracker. routeMaps carries the resolved session fan-out for
// every route-map touched by the diff; resolution happens at query time, not
// here. The returned order follows detection sequence; the report layer sorts.
func (c *Classifier) Classify(ctx context.Context, proposed, recent []models.ChangeEvent, routeMaps map[string]models.RouteMapRef, now time.Time) []models.Conflict {
	// False-positive guard: anything older than the window never conflicts.
	cutoff := now.Add(-c.window)
	inWindow := make([]models.ChangeEvent, 0, len(recent))
	for _, g := range recent {
		if g.Source != models.SourceGraphLog {
			continue
		}
		if g.OccurredAt.Before(cutoff) || g.OccurredAt.After(now) {
			continue
		}
		inWindow = append(inWindow, g)
	}

	var conflicts []models.Conflict
	// One conflict per (type, target); field-level events on the same object
	// would otherwise repeat the same finding.
	seen := make(map[string]bool)
	flaggedSessions := make(map[string]bool)

	emit := func(conflict models.Conflict) {
		conflicts = append(conflicts, conflict)
	}

	for _, p := range proposed {
		switch p.TargetType {
		case models.TargetSession:
			if conflict, ok := c.directSessionConflict(p, inWindow, now); ok && !seen["direct:"+p.TargetKey] {
				seen["direct:"+p.TargetKey] = true
				emit(conflict)
			}
			c.flapCheck(ctx, []string{p.TargetKey}, now, flaggedSessions, emit)

		case models.TargetRouteMap:
			ref := routeMaps[p.TargetKey]
			if conflict, ok := c.routeMapCollision(p, ref, inWindow, now); ok && !seen["routemap:"+p.TargetKey] {
				seen["routemap:"+p.TargetKey] = true
				emit(conflict)
			}
			c.flapCheck(ctx, ref.AppliedSessionKeys, now, flaggedSessions, emit)

		case models.TargetPolicy:
			if conflict, ok := c.policyConflict(p, inWindow, now); ok && !seen["policy:"+p.TargetKey] {
				seen["policy:"+p.TargetKey] = true
				emit(conflict)
			}
		}
	}

	return conflicts
}

// directSessionConflict fires when live state saw an independent change to the
// same session within the window. The most recent matching event is the evidence.
func (c *Classifier) directSessionConflict(p models.ChangeEvent, recent []models.ChangeEvent, now time.Time) (models.Conflict, bool) {
	var latest *models.ChangeEvent
	for i := range recent {
		g := recent[i]
		if g.TargetType != models.TargetSession || g.TargetKey != p.TargetKey {
			continue
		}
		if latest == nil || g.OccurredAt.After(latest.OccurredAt) {
			latest = &recent[i]
		}
	}
	if latest == nil {
		return models.Conflict{}, false
	}

	desc := fmt.Sprintf("BGP session %s was modified by %s at %s, inside the detection window",
		p.TargetKey, actorOrUnknown(latest.Actor), latest.OccurredAt.Format(time.RFC3339))
	return c.newConflict(models.ConflictDirectSession, models.SeverityHigh,
		[]string{p.TargetKey}, desc, []models.ChangeEvent{p, *latest}, now), true
}

// routeMapCollision fires when the touched route-map is shared by more than
// one session. Severity is HIGH when any affected session also changed
// independently within the window, MEDIUM otherwise.
func (c *Classifier) routeMapCollision(p models.ChangeEvent, ref models.RouteMapRef, recent []models.ChangeEvent, now time.Time) (models.Conflict, bool) {
	if len(ref.AppliedSessionKeys) <= 1 {
		return models.Conflict{}, false
	}

	severity := models.SeverityMedium
	evidence := []models.ChangeEvent{p}
	affected := make(map[string]bool, len(ref.AppliedSessionKeys))
	for _, key := range ref.AppliedSessionKeys {
		affected[key] = true
	}
	for i := range recent {
		g := recent[i]
		if g.TargetType == models.TargetSession && affected[g.TargetKey] {
			severity = models.SeverityHigh
			evidence = append(evidence, g)
		}
	}

	desc := fmt.Sprintf("route-map %s is applied to %d sessions; editing it affects all of them",
		p.TargetKey, len(ref.AppliedSessionKeys))
	return c.newConflict(models.ConflictRouteMapCollision, severity,
		ref.AppliedSessionKeys, desc, evidence, now), true
}

// policyConflict fires when the proposed policy change and recent overrides
// span both the network-wide scope and a diverging device-specific scope.
func (c *Classifier) policyConflict(p models.ChangeEvent, recent []models.ChangeEvent, now time.Time) (models.Conflict, bool) {
	pNetwork := p.Scope == models.ScopeNetwork

	var evidence []models.ChangeEvent
	var devices []string
	for i := range recent {
		g := recent[i]
		if g.TargetType != models.TargetPolicy || g.TargetKey != p.TargetKey {
			continue
		}
		gNetwork := g.Scope == models.ScopeNetwork
		if pNetwork != gNetwork {
			evidence = append(evidence, g)
			if !gNetwork && g.Scope != "" {
				devices = append(devices, g.Scope)
			}
		}
	}
	if len(evidence) == 0 {
		return models.Conflict{}, false
	}

	var desc string
	if pNetwork {
		desc = fmt.Sprintf("network-wide policy %s has recent device-specific overrides (%s)",
			p.TargetKey, joinOrAll(devices))
	} else {
		desc = fmt.Sprintf("device-specific change to policy %s diverges from a recent network-wide change",
			p.TargetKey)
	}
	evidence = append([]models.ChangeEvent{p}, evidence...)
	return c.newConflict(models.ConflictPolicy, models.SeverityMedium,
		nil, desc, evidence, now), true
}

// flapCheck emits a flapping block for every flapping session touched by the
// proposed change. A flapping session must never look like a clean result,
// so this runs regardless of any concurrent-edit outcome.
func (c *Classifier) flapCheck(ctx context.Context, sessionKeys []string, now time.Time, flagged map[string]bool, emit func(models.Conflict)) {
	if c.flaps == nil {
		return
	}
	for _, key := range sessionKeys {
		if flagged[key] || !c.flaps.IsFlapping(ctx, key, now) {
			continue
		}
		flagged[key] = true
		desc := fmt.Sprintf("session %s is flapping; changes to unstable sessions are blocked", key)
		emit(c.newConflict(models.ConflictFlappingBlock, models.SeverityHigh,
			[]string{key}, desc, nil, now))
	}
}

func (c *Classifier) newConflict(t models.ConflictType, severity models.Severity, sessions []string, desc string, evidence []models.ChangeEvent, now time.Time) models.Conflict {
	// Name-based ID keeps repeated runs on a frozen clock byte-identical.
	name := fmt.Sprintf("%s|%s|%s", t, desc, now.Format(time.RFC3339Nano))
	return models.Conflict{
		ID:                  uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
		Type:                t,
		Severity:            severity,
		AffectedSessionKeys: sessions,
		Description:         desc,
		RecommendedAction:   RecommendedActions[t],
		Evidence:            evidence,
		DetectedAt:          now,
	}
}

func actorOrUnknown(actor string) string {
	if actor == "" {
		return "another engineer"
	}
	return actor
}

func joinOrAll(devices []string) string {
	if len(devices) == 0 {
		return "unspecified devices"
	}
	s := devices[0]
	for _, d := range devices[1:] {
		s += ", " + d
	}
	return s
}
