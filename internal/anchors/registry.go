// Package anchors is the anchor registry: effective anchor
// positions (base position plus calibration offset) and online status,
// cached briefly so the tracking and DMX loops don't hit the database on
// every tick.
package anchors

import (
	"context"
	"sync"
	"time"

	"github.com/anthillco/uwb-tracker/internal/database/models"
	"github.com/anthillco/uwb-tracker/internal/database/repositories"
)

// Position is an anchor's effective position in centimeters: base position
// plus calibration offset.
type Position struct {
	AnchorID string
	XCm      float64
	YCm      float64
	ZCm      float64
}

// RangeCorrection is the per-anchor distance correction. RangeOffsetCm is
// stored and fitted in centimeters; Apply takes and returns meters, doing
// the cm<->m conversion internally so callers never have to reason about
// the mixed units themselves.
type RangeCorrection struct {
	AnchorID      string
	RangeScale    float64
	RangeOffsetCm float64
}

// cacheTTL bounds how stale the registry's view of the database can be.
// Kept short and polled rather than wiring a change-notify path for every
// write path into the database.
const cacheTTL = 1 * time.Second

// Registry caches effective anchor positions, online status and range
// corrections, invalidated either by TTL or explicitly after a write (e.g.
// calibration committing a new offset).
type Registry struct {
	repo *repositories.AnchorRepository

	mu          sync.RWMutex
	positions   map[string]Position
	corrections map[string]RangeCorrection
	online      map[string]bool
	loadedAt    time.Time
}

// New creates a Registry backed by repo.
func New(repo *repositories.AnchorRepository) *Registry {
	return &Registry{
		repo:        repo,
		positions:   make(map[string]Position),
		corrections: make(map[string]RangeCorrection),
		online:      make(map[string]bool),
	}
}

// Invalidate forces the next read to reload from the database. Called after
// any write to anchor position, offset, or status outside this package.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadedAt = time.Time{}
}

func (r *Registry) ensureFresh(ctx context.Context) error {
	r.mu.RLock()
	fresh := !r.loadedAt.IsZero() && time.Since(r.loadedAt) < cacheTTL
	r.mu.RUnlock()
	if fresh {
		return nil
	}
	return r.reload(ctx)
}

func (r *Registry) reload(ctx context.Context) error {
	anchorRows, err := r.repo.FindAll(ctx)
	if err != nil {
		return err
	}
	offsetRows, err := r.repo.FindAllOffsets(ctx)
	if err != nil {
		return err
	}
	correctionRows, err := r.repo.FindAllRangeCorrections(ctx)
	if err != nil {
		return err
	}

	offsetByAnchor := make(map[string]models.AnchorPositionOffset, len(offsetRows))
	for _, o := range offsetRows {
		offsetByAnchor[o.AnchorID] = o
	}

	positions := make(map[string]Position, len(anchorRows))
	online := make(map[string]bool, len(anchorRows))
	for _, a := range anchorRows {
		pos := Position{AnchorID: a.ID, XCm: a.XCm, YCm: a.YCm, ZCm: a.ZCm}
		if off, ok := offsetByAnchor[a.ID]; ok {
			pos.XCm += off.DxCm
			pos.YCm += off.DyCm
			pos.ZCm += off.DzCm
		}
		positions[a.ID] = pos
		online[a.ID] = a.Status == "ONLINE"
	}

	corrections := make(map[string]RangeCorrection, len(correctionRows))
	for _, c := range correctionRows {
		scale := c.RangeScale
		if scale == 0 {
			scale = 1
		}
		corrections[c.AnchorID] = RangeCorrection{AnchorID: c.AnchorID, RangeScale: scale, RangeOffsetCm: c.RangeOffset}
	}

	r.mu.Lock()
	r.positions = positions
	r.online = online
	r.corrections = corrections
	r.loadedAt = time.Now()
	r.mu.Unlock()
	return nil
}

// EffectivePositions returns every anchor's current effective position
// (base + offset).
func (r *Registry) EffectivePositions(ctx context.Context) (map[string]Position, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Position, len(r.positions))
	for k, v := range r.positions {
		out[k] = v
	}
	return out, nil
}

// IsOnline reports whether anchorID is currently marked ONLINE.
func (r *Registry) IsOnline(ctx context.Context, anchorID string) (bool, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[anchorID], nil
}

// CountOnline returns the number of anchors currently marked ONLINE.
func (r *Registry) CountOnline(ctx context.Context) (int, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, v := range r.online {
		if v {
			n++
		}
	}
	return n, nil
}

// Correction returns the range correction for anchorID, defaulting to an
// identity correction (scale 1, offset 0) if none is configured.
func (r *Registry) Correction(ctx context.Context, anchorID string) (RangeCorrection, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return RangeCorrection{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.corrections[anchorID]; ok {
		return c, nil
	}
	return RangeCorrection{AnchorID: anchorID, RangeScale: 1, RangeOffsetCm: 0}, nil
}

// Apply corrects a raw distance reading (meters), computing
// corrected_cm = range_scale * measured_cm + range_offset_cm in
// centimeters and converting back to meters.
func (c RangeCorrection) Apply(rawM float64) float64 {
	correctedCm := rawM*100.0*c.RangeScale + c.RangeOffsetCm
	return correctedCm / 100.0
}

// UpdateLastSeen records a fresh last-seen timestamp for anchorID and
// invalidates the cache so the next read picks up the new online status.
func (r *Registry) UpdateLastSeen(ctx context.Context, anchorID string, nowMs int64, staleTimeoutMs int64) error {
	online := true
	if err := r.repo.UpdateLastSeen(ctx, anchorID, nowMs, online); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// MarkOfflineIfStale transitions anchors whose last_seen_ms predates the
// stale cutoff to OFFLINE. The ingestion service calls it from its
// periodic offline sweep.
func (r *Registry) MarkOfflineIfStale(ctx context.Context, nowMs int64, staleTimeoutMs int64) error {
	rows, err := r.repo.FindAll(ctx)
	if err != nil {
		return err
	}
	changed := false
	for _, a := range rows {
		if a.Status == "ONLINE" && nowMs-a.LastSeenMs > staleTimeoutMs {
			if err := r.repo.UpdateLastSeen(ctx, a.ID, a.LastSeenMs, false); err != nil {
				return err
			}
			changed = true
		}
	}
	if changed {
		r.Invalidate()
	}
	return nil
}
