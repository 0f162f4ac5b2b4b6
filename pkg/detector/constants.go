// Package detector classifies overlapping BGP changes into conflicts.
package detector

import "github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"

// RecommendedActions maps each conflict type to the action an engineer should
// take before merging.
var RecommendedActions = map[models.ConflictType]string{
	models.ConflictDirectSession:     "Coordinate with the other engineer before merging; their change to this session landed within the detection window.",
	models.ConflictRouteMapCollision: "Review every session attached to this route-map before merging; a shared route-map change fans out to all of them.",
	models.ConflictPolicy:            "Reconcile the network-wide policy with the device-specific overrides before merging.",
	models.ConflictFlappingBlock:     "Do not modify an unstable session; investigate and stabilize it before any configuration change.",
}
