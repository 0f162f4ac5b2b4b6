// Package extractor normalizes proposed configuration changes into change events.
package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
	"gopkg.in/yaml.v3"
)

// MalformedInputError reports a change source file that could not be parsed
// into any session, route-map, or policy structure at all. A partial parse is
// not an error; it yields partial events plus warnings.
type MalformedInputError struct {
	Path string
	Err  error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed change input %s: %v", e.Path, e.Err)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// deviceConfig mirrors the per-device BGP YAML layout in the config repo.
type deviceConfig struct {
	BGPPeers []struct {
		PeerIP      string `yaml:"peer_ip"`
		PeerASN     uint32 `yaml:"peer_asn"`
		LocalASN    uint32 `yaml:"local_asn"`
		RouteMapIn  string `yaml:"route_map_in"`
		RouteMapOut string `yaml:"route_map_out"`
		HoldTime    int    `yaml:"hold_time"`
	} `yaml:"bgp_peers"`
	RouteMaps []struct {
		Name string `yaml:"name"`
	} `yaml:"route_maps"`
	Policies []struct {
		Name  string `yaml:"name"`
		Scope string `yaml:"scope"` // "network" or a device name; defaults to the file's device
	} `yaml:"policies"`
}

// fieldDiff is one entry of a structured before/after diff document.
type fieldDiff struct {
	TargetType string `json:"target_type"`
	Device     string `json:"device"`
	PeerIP     string `json:"peer_ip,omitempty"`
	Name       string `json:"name,omitempty"` // route-map or policy name
	Scope      string `json:"scope,omitempty"`
	Field      string `json:"field"`
	OldValue   string `json:"old_value"`
	NewValue   string `json:"new_value"`
}

// diffDocument is the structured diff format produced by the CI diff step.
type diffDocument struct {
	Actor   string      `json:"actor,omitempty"`
	Changes []fieldDiff `json:"changes"`
}

// Result carries the extracted events plus warnings for objects that did not
// parse. Warnings accompany, never replace, the events that did parse.
type Result struct {
	Events   []models.ChangeEvent
	Warnings []string
}

// Extractor turns changed config files and structured diffs into git-diff
// change events. It has no side effects.
type Extractor struct {
	actor string
	now   func() time.Time
}

// New creates an extractor. actor identifies the proposing engineer and may
// be empty. now defaults to time.Now when nil.
func New(actor string, now func() time.Time) *Extractor {
	if now == nil {
		now = time.Now
	}
	return &Extractor{actor: actor, now: now}
}

// ExtractFiles parses each changed file path into change events. Files that
// are not BGP configs are ignored. A file that exists but parses into nothing
// recognizable produces a MalformedInputError collected as a warning; the
// returned error is non-nil only when no file produced any events at all and
// at least one was malformed.
func (x *Extractor) ExtractFiles(paths []string) (Result, error) {
	var res Result
	var lastMalformed *MalformedInputError
	now := x.now().UTC()

	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" || !strings.Contains(path, "bgp/") {
			continue
		}
		events, err := x.extractFile(path, now)
		if err != nil {
			var malformed *MalformedInputError
			if errors.As(err, &malformed) {
				lastMalformed = malformed
				res.Warnings = append(res.Warnings, malformed.Error())
				continue
			}
			return res, err
		}
		res.Events = append(res.Events, events...)
	}

	if len(res.Events) == 0 && lastMalformed != nil {
		return res, lastMalformed
	}
	return res, nil
}

func (x *Extractor) extractFile(path string, now time.Time) ([]models.ChangeEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // deleted in the diff, nothing to extract
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	device := deviceFromPath(path)

	var cfg deviceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &MalformedInputError{Path: path, Err: err}
	}
	if len(cfg.BGPPeers) == 0 && len(cfg.RouteMaps) == 0 && len(cfg.Policies) == 0 {
		return nil, &MalformedInputError{Path: path, Err: fmt.Errorf("no BGP objects found")}
	}

	var events []models.ChangeEvent
	seenRouteMaps := make(map[string]bool)

	for _, peer := range cfg.BGPPeers {
		if peer.PeerIP == "" {
			continue
		}
		key := models.SessionKey(device, peer.PeerIP)
		events = append(events, models.ChangeEvent{
			Source:     models.SourceGitDiff,
			TargetType: models.TargetSession,
			TargetKey:  key,
			Actor:      x.actor,
			Device:     device,
			OccurredAt: now,
		})
		for _, rm := range []string{peer.RouteMapIn, peer.RouteMapOut} {
			if rm == "" || seenRouteMaps[rm] {
				continue
			}
			seenRouteMaps[rm] = true
			events = append(events, models.ChangeEvent{
				Source:     models.SourceGitDiff,
				TargetType: models.TargetRouteMap,
				TargetKey:  rm,
				Actor:      x.actor,
				Device:     device,
				OccurredAt: now,
			})
		}
	}

	for _, rm := range cfg.RouteMaps {
		if rm.Name == "" || seenRouteMaps[rm.Name] {
			continue
		}
		seenRouteMaps[rm.Name] = true
		events = append(events, models.ChangeEvent{
			Source:     models.SourceGitDiff,
			TargetType: models.TargetRouteMap,
			TargetKey:  rm.Name,
			Actor:      x.actor,
			Device:     device,
			OccurredAt: now,
		})
	}

	for _, pol := range cfg.Policies {
		if pol.Name == "" {
			continue
		}
		scope := pol.Scope
		if scope == "" {
			scope = device
		}
		events = append(events, models.ChangeEvent{
			Source:     models.SourceGitDiff,
			TargetType: models.TargetPolicy,
			TargetKey:  pol.Name,
			Actor:      x.actor,
			Device:     device,
			Scope:      scope,
			OccurredAt: now,
		})
	}

	return events, nil
}

// ExtractDiff parses a structured field-level diff document, emitting one
// event per changed field. Entries that do not resolve to a known target type
// become warnings.
func (x *Extractor) ExtractDiff(data []byte) (Result, error) {
	var res Result
	var doc diffDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return res, &MalformedInputError{Path: "structured diff", Err: err}
	}

	actor := doc.Actor
	if actor == "" {
		actor = x.actor
	}
	now := x.now().UTC()

	for i, d := range doc.Changes {
		ev := models.ChangeEvent{
			Source:     models.SourceGitDiff,
			Field:      d.Field,
			OldValue:   d.OldValue,
			NewValue:   d.NewValue,
			Actor:      actor,
			Device:     d.Device,
			OccurredAt: now,
		}
		switch d.TargetType {
		case string(models.TargetSession):
			if d.Device == "" || d.PeerIP == "" {
				res.Warnings = append(res.Warnings, fmt.Sprintf("diff entry %d: session change missing device or peer_ip", i))
				continue
			}
			ev.TargetType = models.TargetSession
			ev.TargetKey = models.SessionKey(d.Device, d.PeerIP)
		case string(models.TargetRouteMap):
			if d.Name == "" {
				res.Warnings = append(res.Warnings, fmt.Sprintf("diff entry %d: route-map change missing name", i))
				continue
			}
			ev.TargetType = models.TargetRouteMap
			ev.TargetKey = d.Name
		case string(models.TargetPolicy):
			if d.Name == "" {
				res.Warnings = append(res.Warnings, fmt.Sprintf("diff entry %d: policy change missing name", i))
				continue
			}
			ev.TargetType = models.TargetPolicy
			ev.TargetKey = d.Name
			ev.Scope = d.Scope
			if ev.Scope == "" {
				ev.Scope = d.Device
			}
		default:
			res.Warnings = append(res.Warnings, fmt.Sprintf("diff entry %d: unknown target type %q", i, d.TargetType))
			continue
		}
		if err := ev.Validate(); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("diff entry %d: %v", i, err))
			continue
		}
		res.Events = append(res.Events, ev)
	}

	return res, nil
}

func deviceFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".yaml")
	base = strings.TrimSuffix(base, ".yml")
	return base
}
