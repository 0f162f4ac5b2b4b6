// Package server exposes conflict detection over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/config"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/engine"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/extractor"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/statesource"
)

// CheckRequest is the body of POST /bgp/check-conflicts. Callers identify
// what they are about to change: explicit session keys and route-maps, a
// structured field diff, or just device names for a sweep of recent changes.
type CheckRequest struct {
	DeviceNames       []string        `json:"device_names"`
	SessionKeys       []string        `json:"session_keys"`
	RouteMaps         []string        `json:"route_maps"`
	Diff              json.RawMessage `json:"diff,omitempty"` // structured field diff document
	TimeWindowMinutes int             `json:"time_window_minutes"`
	CheckRouteMaps    *bool           `json:"check_route_maps"`
}

// Server wires the engine into a gin router shared by all requests. The flap
// tracker behind the engine is shared mutable state; its own per-key locking
// keeps concurrent requests safe.
type Server struct {
	cfg    config.Config
	engine *engine.Engine
	router *gin.Engine

	// Stats
	checksRun         uint64
	conflictsDetected uint64
	indeterminateRuns uint64
}

// New creates the HTTP server around a configured engine.
func New(cfg config.Config, eng *engine.Engine) *Server {
	s := &Server{cfg: cfg, engine: eng}

	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/bgp/check-conflicts", s.checkConflicts)
	router.GET("/health", s.health)
	s.router = router

	return s
}

// Router returns the underlying gin router, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	log.Printf("HTTP server listening on %s", addr)
	return s.router.Run(addr)
}

// Stats returns request counters for the stats logger.
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"checks_run":         atomic.LoadUint64(&s.checksRun),
		"conflicts_detected": atomic.LoadUint64(&s.conflictsDetected),
		"indeterminate_runs": atomic.LoadUint64(&s.indeterminateRuns),
	}
}

func (s *Server) checkConflicts(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.TimeWindowMinutes < 0 || req.TimeWindowMinutes > 60 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "time_window_minutes must be between 1 and 60"})
		return
	}

	run := engine.Request{
		Devices:          req.DeviceNames,
		Window:           time.Duration(req.TimeWindowMinutes) * time.Minute,
		ResolveRouteMaps: req.CheckRouteMaps == nil || *req.CheckRouteMaps,
	}
	run.Proposed, run.Warnings = proposalsFrom(req)

	atomic.AddUint64(&s.checksRun, 1)

	result, err := s.engine.Run(c.Request.Context(), run)
	if err != nil {
		var unavailable *statesource.StateSourceUnavailableError
		if errors.As(err, &unavailable) {
			atomic.AddUint64(&s.indeterminateRuns, 1)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":         unavailable.Error(),
				"indeterminate": true,
			})
			return
		}
		var invalid *config.InvalidConfigurationError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	atomic.AddUint64(&s.conflictsDetected, uint64(result.ConflictCount))
	c.JSON(http.StatusOK, result)
}

func (s *Server) health(c *gin.Context) {
	// Liveness only; dependency health belongs to the surrounding platform.
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// proposalsFrom builds proposed change events from the explicit request
// fields. Session keys that do not follow device_peerIP become warnings.
func proposalsFrom(req CheckRequest) ([]models.ChangeEvent, []string) {
	var proposed []models.ChangeEvent
	var warnings []string
	now := time.Now().UTC()

	for _, key := range req.SessionKeys {
		device := deviceOfKey(key)
		if device == "" {
			warnings = append(warnings, "session key \""+key+"\" is not device_peerIP; skipped")
			continue
		}
		proposed = append(proposed, models.ChangeEvent{
			Source:     models.SourceGitDiff,
			TargetType: models.TargetSession,
			TargetKey:  key,
			Device:     device,
			OccurredAt: now,
		})
	}
	for _, name := range req.RouteMaps {
		if name == "" {
			continue
		}
		proposed = append(proposed, models.ChangeEvent{
			Source:     models.SourceGitDiff,
			TargetType: models.TargetRouteMap,
			TargetKey:  name,
			OccurredAt: now,
		})
	}

	if len(req.Diff) > 0 {
		res, err := extractor.New("", nil).ExtractDiff(req.Diff)
		if err != nil {
			warnings = append(warnings, err.Error())
		} else {
			proposed = append(proposed, res.Events...)
			warnings = append(warnings, res.Warnings...)
		}
	}
	return proposed, warnings
}

// deviceOfKey extracts the device part of a device_peerIP session key.
func deviceOfKey(key string) string {
	i := strings.LastIndex(key, "_")
	if i <= 0 {
		return ""
	}
	return key[:i]
}
