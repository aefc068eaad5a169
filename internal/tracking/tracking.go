// Package tracking owns the periodic position-fix worker: one
// ticker at tracking_hz that snapshots the Range Cache per tag, resolves
// anchor positions, invokes the trilateration solver, and publishes
// results under a stable per-tag topic.
package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthillco/uwb-tracker/internal/anchors"
	"github.com/anthillco/uwb-tracker/internal/publish"
	"github.com/anthillco/uwb-tracker/internal/rangecache"
	"github.com/anthillco/uwb-tracker/internal/trilateration"
)

// TagState is a tag's current tracking classification.
type TagState string

const (
	Tracking TagState = "TRACKING"
	Stale    TagState = "STALE"
	Lost     TagState = "LOST"
)

// Position is the latest known fix for one tag, whatever its current state.
type Position struct {
	TagID       string
	State       TagState
	PositionCm  *trilateration.Point
	AnchorsUsed []string
	ResidualM   float64
	Outliers    []string
	Reason      string
	TsMs        int64
	lastFixMs   int64 // internal: timestamp of the last successful fix, used for STALE/LOST aging
}

// Config tunes the tracking worker; New replaces any zero or negative field
// with its default.
type Config struct {
	TrackingHz     int
	StaleTimeoutMs int64
	LostTimeoutMs  int64
	ResidMaxM      float64
}

// Engine runs the tracking worker.
type Engine struct {
	cache    *rangecache.Cache
	registry *anchors.Registry
	pub      publish.Publisher
	cfg      Config

	knownTags func() []string

	mu        sync.RWMutex
	positions map[string]*Position

	stopChan chan struct{}
	running  bool
}

// New creates an Engine. knownTags supplements rangecache.KnownTags with
// any declared tag set the caller wants tracked even before its first
// sample arrives; pass nil to rely solely on the cache.
func New(cache *rangecache.Cache, registry *anchors.Registry, pub publish.Publisher, cfg Config, knownTags func() []string) *Engine {
	if cfg.TrackingHz <= 0 {
		cfg.TrackingHz = 10
	}
	if cfg.StaleTimeoutMs <= 0 {
		cfg.StaleTimeoutMs = 1500
	}
	if cfg.LostTimeoutMs <= 0 {
		cfg.LostTimeoutMs = 4000
	}
	if cfg.ResidMaxM <= 0 {
		cfg.ResidMaxM = 5.0
	}
	return &Engine{
		cache:     cache,
		registry:  registry,
		pub:       pub,
		cfg:       cfg,
		knownTags: knownTags,
		positions: make(map[string]*Position),
		stopChan:  make(chan struct{}),
	}
}

// Start begins the tick loop in a new goroutine.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.loop()
}

// Stop halts the tick loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()
}

func (e *Engine) loop() {
	interval := time.Second / time.Duration(e.cfg.TrackingHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	nowMs := time.Now().UnixMilli()
	for _, tagID := range e.enumerateTags() {
		e.tickOne(ctx, tagID, nowMs)
	}
}

func (e *Engine) enumerateTags() []string {
	seen := make(map[string]bool)
	var tags []string
	for _, t := range e.cache.KnownTags() {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	if e.knownTags != nil {
		for _, t := range e.knownTags() {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return tags
}

func (e *Engine) tickOne(ctx context.Context, tagID string, nowMs int64) {
	samples := e.cache.Snapshot(tagID, nowMs, e.cfg.StaleTimeoutMs)

	effective, err := e.registry.EffectivePositions(ctx)
	if err != nil {
		e.ageOut(tagID, nowMs, "")
		return
	}

	measured := make(map[string]float64)
	anchorPositions := make(map[string]trilateration.Point)
	for _, s := range samples {
		pos, ok := effective[s.AnchorID]
		if !ok {
			continue
		}
		corr, _ := e.registry.Correction(ctx, s.AnchorID)
		correctedM := corr.Apply(s.DistanceM)
		measured[s.AnchorID] = correctedM * 100.0 // meters to cm
		anchorPositions[s.AnchorID] = trilateration.Point{XCm: pos.XCm, YCm: pos.YCm, ZCm: pos.ZCm}
	}

	if len(measured) < 4 {
		e.ageOut(tagID, nowMs, "")
		return
	}

	result := trilateration.Solve(anchorPositions, measured, trilateration.Options{ResidMaxM: e.cfg.ResidMaxM})
	if result.Reason != "" {
		e.ageOut(tagID, nowMs, result.Reason)
		return
	}

	posM := trilateration.Point{XCm: result.PositionCm.XCm, YCm: result.PositionCm.YCm, ZCm: result.PositionCm.ZCm}
	pos := &Position{
		TagID:       tagID,
		State:       Tracking,
		PositionCm:  &posM,
		AnchorsUsed: result.AnchorsUsed,
		ResidualM:   result.ResidualM,
		Outliers:    result.Outliers,
		TsMs:        nowMs,
		lastFixMs:   nowMs,
	}

	e.mu.Lock()
	e.positions[tagID] = pos
	e.mu.Unlock()

	e.pub.Publish(publish.Topic(fmt.Sprintf("tracking/%s/position", tagID)), map[string]any{
		"tag_id":       tagID,
		"state":        string(Tracking),
		"position_cm":  posM,
		"anchors_used": result.AnchorsUsed,
		"residual_m":   result.ResidualM,
		"outliers":     result.Outliers,
		"ts_ms":        nowMs,
	})
}

// ageOut classifies a tag STALE or LOST based on time since its last
// successful fix, and clears its published position: no position is
// emitted for STALE/LOST.
func (e *Engine) ageOut(tagID string, nowMs int64, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.positions[tagID]
	lastFixMs := int64(0)
	if ok {
		lastFixMs = prev.lastFixMs
	}

	state := Lost
	if nowMs-lastFixMs <= e.cfg.LostTimeoutMs {
		state = Stale
	}

	e.positions[tagID] = &Position{
		TagID:     tagID,
		State:     state,
		Reason:    reason,
		TsMs:      nowMs,
		lastFixMs: lastFixMs,
	}
}

// Position returns the latest known position/state for a tag, or nil if
// the tag has never been seen.
func (e *Engine) Position(tagID string) *Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.positions[tagID]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// MostRecentlyTracked returns the tag ID currently in TRACKING state whose
// last fix is most recent, or "" if none is tracking. Used by the DMX
// engine when tracking.tag_mac is unset.
func (e *Engine) MostRecentlyTracked() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	best := ""
	var bestTs int64 = -1
	for id, p := range e.positions {
		if p.State == Tracking && p.lastFixMs > bestTs {
			best = id
			bestTs = p.lastFixMs
		}
	}
	return best
}

// CountTracking returns the number of tags currently in TRACKING state —
// used by the state manager's LIVE readiness check.
func (e *Engine) CountTracking() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, p := range e.positions {
		if p.State == Tracking {
			n++
		}
	}
	return n
}
