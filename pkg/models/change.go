// Package models defines data structures for BGP change events and conflicts.
package models

import (
	"fmt"
	"time"
)

// ChangeSource identifies which side of the detection a change came from.
type ChangeSource string

const (
	// SourceGitDiff marks the proposed change under test.
	SourceGitDiff ChangeSource = "git_diff"
	// SourceGraphLog marks changes already committed to live network state.
	SourceGraphLog ChangeSource = "graph_log"
)

// TargetType identifies the kind of BGP object a change touches.
type TargetType string

const (
	TargetSession  TargetType = "session"
	TargetRouteMap TargetType = "route_map"
	TargetPolicy   TargetType = "policy"
)

// ScopeNetwork marks a policy applied network-wide rather than per device.
const ScopeNetwork = "network"

// BGPSessionRef identifies a peering session. Immutable; the session key is
// the join key across both change sources.
type BGPSessionRef struct {
	Device     string `json:"device"`
	SessionKey string `json:"session_key"` // device_peerIP
	LocalASN   uint32 `json:"local_asn"`
	PeerASN    uint32 `json:"peer_asn"`
	PeerIP     string `json:"peer_ip"`
}

// SessionKey builds the canonical session key for a device/peer pair.
func SessionKey(device, peerIP string) string {
	return device + "_" + peerIP
}

// RouteMapRef names a route-map and the sessions it is currently attached to.
// AppliedSessionKeys is resolved from the state source at query time; the
// fan-out is what makes route-map collisions possible.
type RouteMapRef struct {
	Name               string   `json:"name"`
	AppliedSessionKeys []string `json:"applied_session_keys"`
}

// ChangeEvent is a single observed modification to a BGP object.
// Events are immutable once captured.
type ChangeEvent struct {
	Source     ChangeSource `json:"source"`
	TargetType TargetType   `json:"target_type"`
	TargetKey  string       `json:"target_key"`
	Field      string       `json:"field,omitempty"`
	OldValue   string       `json:"old_value,omitempty"`
	NewValue   string       `json:"new_value,omitempty"`
	Actor      string       `json:"actor,omitempty"`
	Device     string       `json:"device,omitempty"`
	// Scope is set for policy events: ScopeNetwork or a device name.
	Scope      string    `json:"scope,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks the invariants every captured event must satisfy.
func (e ChangeEvent) Validate() error {
	if e.TargetKey == "" {
		return fmt.Errorf("change event has empty target key")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("change event %s has no timestamp", e.TargetKey)
	}
	switch e.TargetType {
	case TargetSession, TargetRouteMap, TargetPolicy:
	default:
		return fmt.Errorf("change event %s has unknown target type %q", e.TargetKey, e.TargetType)
	}
	return nil
}
