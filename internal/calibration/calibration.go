// Package calibration implements the two calibration modes:
// a single-tag bias snapshot that samples the Range Cache over a bounded
// window, and a multi-point solve that fits per-anchor range corrections
// and position offsets from a set of finished bias-snapshot runs tagged as
// venue points.
package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lucsky/cuid"

	"github.com/anthillco/uwb-tracker/internal/database/models"
	"github.com/anthillco/uwb-tracker/internal/database/repositories"
	"github.com/anthillco/uwb-tracker/internal/publish"
	"github.com/anthillco/uwb-tracker/internal/rangecache"
	"github.com/anthillco/uwb-tracker/internal/statemachine"
	"github.com/anthillco/uwb-tracker/internal/trilateration"
)

// Config tunes the bias-snapshot sampling cadence.
type Config struct {
	SampleInterval time.Duration
}

// Manager runs calibration sessions and the multi-point solve.
type Manager struct {
	repo              *repositories.CalibrationRepository
	anchorRepo        *repositories.AnchorRepository
	deviceSettingRepo *repositories.DeviceSettingRepository
	eventRepo         *repositories.EventRepository
	cache             *rangecache.Cache
	sm                *statemachine.Machine
	pub               publish.Publisher

	sampleInterval time.Duration

	mu     sync.Mutex
	active *activeRun
}

type activeRun struct {
	runID      string
	tagID      string
	startedMs  int64
	durationMs int64
	stopChan   chan struct{}
	doneChan   chan struct{}
	samples    map[string][]float64 // anchor ID -> distance samples, in cm
}

// New creates a Manager.
func New(repo *repositories.CalibrationRepository, anchorRepo *repositories.AnchorRepository, deviceSettingRepo *repositories.DeviceSettingRepository, eventRepo *repositories.EventRepository, cache *rangecache.Cache, sm *statemachine.Machine, pub publish.Publisher, cfg Config) *Manager {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 100 * time.Millisecond
	}
	return &Manager{
		repo:              repo,
		anchorRepo:        anchorRepo,
		deviceSettingRepo: deviceSettingRepo,
		eventRepo:         eventRepo,
		cache:             cache,
		sm:                sm,
		pub:               pub,
		sampleInterval:    cfg.SampleInterval,
	}
}

// Status is a snapshot of the currently active bias-snapshot run, if any.
type Status struct {
	Running          bool
	RunID            string
	TagID            string
	StartedMs        int64
	SamplesCollected int
}

// Status reports whether a bias snapshot is currently running.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Status{}
	}
	n := 0
	for _, v := range m.active.samples {
		n += len(v)
	}
	return Status{Running: true, RunID: m.active.runID, TagID: m.active.tagID, StartedMs: m.active.startedMs, SamplesCollected: n}
}

func clampDuration(ms int64) int64 {
	if ms < 100 {
		return 100
	}
	if ms > 60000 {
		return 60000
	}
	return ms
}

// StartBiasSnapshot begins a single-tag bias-snapshot run.
// Refuses if a run is already active or the system is LIVE.
func (m *Manager) StartBiasSnapshot(ctx context.Context, tagID string, durationMs int64) (string, error) {
	durationMs = clampDuration(durationMs)

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("calibration: a run is already active")
	}
	m.mu.Unlock()

	if m.sm.Current() == statemachine.Live {
		return "", fmt.Errorf("calibration: cannot start while LIVE")
	}
	if err := m.sm.EnterCalibration(ctx); err != nil {
		return "", err
	}

	nowMs := time.Now().UnixMilli()
	params, err := json.Marshal(map[string]any{"duration_ms": durationMs})
	if err != nil {
		_ = m.sm.ExitCalibration(ctx)
		return "", err
	}

	run := &models.CalibrationRun{
		TagID:      tagID,
		StartedMs:  nowMs,
		Status:     "running",
		ParamsJSON: string(params),
	}
	if err := m.repo.Create(ctx, run); err != nil {
		_ = m.sm.ExitCalibration(ctx)
		return "", err
	}

	active := &activeRun{
		runID:      run.ID,
		tagID:      tagID,
		startedMs:  nowMs,
		durationMs: durationMs,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		samples:    make(map[string][]float64),
	}

	m.mu.Lock()
	m.active = active
	m.mu.Unlock()

	if m.eventRepo != nil {
		_ = m.eventRepo.Append(ctx, "calibration_started", fmt.Sprintf("tag %s for %dms", tagID, durationMs), nil)
	}

	go m.runLoop(context.Background(), active)

	return run.ID, nil
}

// AbortActive stops the active run immediately; the worker finalizes it as
// ABORTED within one sample interval.
func (m *Manager) AbortActive(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active == nil {
		return fmt.Errorf("calibration: no active run")
	}
	close(active.stopChan)
	<-active.doneChan
	return nil
}

func (m *Manager) runLoop(ctx context.Context, run *activeRun) {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()
	defer close(run.doneChan)

	for {
		select {
		case <-run.stopChan:
			m.finish(ctx, run, true)
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			if now-run.startedMs >= run.durationMs {
				m.finish(ctx, run, false)
				return
			}
			m.collectSample(run, now)
		}
	}
}

func (m *Manager) collectSample(run *activeRun, nowMs int64) {
	snaps := m.cache.Snapshot(run.tagID, nowMs, run.durationMs)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		run.samples[s.AnchorID] = append(run.samples[s.AnchorID], s.DistanceM*100.0)
	}
}

type anchorStats struct {
	MedianCm float64 `json:"median_cm"`
	MeanCm   float64 `json:"mean_cm"`
	MinCm    float64 `json:"min_cm"`
	MaxCm    float64 `json:"max_cm"`
	Count    int     `json:"count"`
}

func computeStats(vals []float64) anchorStats {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	sum, min, max := 0.0, sorted[0], sorted[0]
	for _, v := range sorted {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return anchorStats{MedianCm: median, MeanCm: sum / float64(n), MinCm: min, MaxCm: max, Count: n}
}

type biasSummary struct {
	Samples     int                    `json:"samples"`
	AnchorsUsed []string               `json:"anchors_used"`
	DurationMs  int64                  `json:"duration_ms"`
	Result      string                 `json:"result"`
	PerAnchor   map[string]anchorStats `json:"per_anchor"`
}

func (m *Manager) finish(ctx context.Context, run *activeRun, aborted bool) {
	nowMs := time.Now().UnixMilli()
	dbRun, err := m.repo.FindByID(ctx, run.runID)
	if err != nil || dbRun == nil {
		m.clearActive()
		return
	}

	if aborted {
		result := "ABORTED"
		dbRun.Status = "aborted"
		dbRun.Result = &result
		dbRun.EndedMs = &nowMs
		_ = m.repo.Update(ctx, dbRun)
		if m.eventRepo != nil {
			_ = m.eventRepo.Append(ctx, "calibration_aborted", fmt.Sprintf("tag %s", run.tagID), nil)
		}
		_ = m.sm.ExitCalibration(ctx)
		m.clearActive()
		return
	}

	m.mu.Lock()
	samplesCopy := make(map[string][]float64, len(run.samples))
	for k, v := range run.samples {
		samplesCopy[k] = append([]float64(nil), v...)
	}
	m.mu.Unlock()

	perAnchor := make(map[string]anchorStats)
	var anchorsUsed []string
	total := 0
	for anchorID, distances := range samplesCopy {
		if len(distances) == 0 {
			continue
		}
		anchorsUsed = append(anchorsUsed, anchorID)
		perAnchor[anchorID] = computeStats(distances)
		total += len(distances)
	}
	sort.Strings(anchorsUsed)

	result := "FAILED"
	if len(anchorsUsed) >= 2 {
		result = "OK"
	}
	summary := biasSummary{
		Samples:     total,
		AnchorsUsed: anchorsUsed,
		DurationMs:  run.durationMs,
		Result:      result,
		PerAnchor:   perAnchor,
	}
	summaryJSON, err := json.Marshal(summary)
	if err == nil {
		s := string(summaryJSON)
		dbRun.SummaryJSON = &s
	}

	dbRun.Status = "finished"
	dbRun.Result = &result
	dbRun.EndedMs = &nowMs
	_ = m.repo.Update(ctx, dbRun)
	if m.eventRepo != nil {
		_ = m.eventRepo.Append(ctx, "calibration_finished", fmt.Sprintf("tag %s result %s", run.tagID, result), nil)
	}

	_ = m.sm.ExitCalibration(ctx)
	m.clearActive()
}

func (m *Manager) clearActive() {
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
}

// VenuePoint is one operator-surveyed position, stashed into a finished
// bias-snapshot run's params so the multi-point solve can pick it up.
type VenuePoint struct {
	PointID    string
	PositionCm trilateration.Point
}

// TagVenuePoint annotates a finished run as contributing to the multi-point
// solve.
func (m *Manager) TagVenuePoint(ctx context.Context, runID string, vp VenuePoint) error {
	run, err := m.repo.FindByID(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("calibration: run %s not found", runID)
	}
	if run.Status != "finished" {
		return fmt.Errorf("calibration: run %s is not finished", runID)
	}

	var params map[string]any
	if run.ParamsJSON != "" {
		_ = json.Unmarshal([]byte(run.ParamsJSON), &params)
	}
	if params == nil {
		params = map[string]any{}
	}
	params["type"] = "venue_point"
	params["point_id"] = vp.PointID
	params["position_cm"] = map[string]float64{"x_cm": vp.PositionCm.XCm, "y_cm": vp.PositionCm.YCm, "z_cm": vp.PositionCm.ZCm}

	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	run.ParamsJSON = string(b)
	return m.repo.Update(ctx, run)
}

// RangeCorrectionFit is a fitted per-anchor linear range correction.
type RangeCorrectionFit struct {
	Scale   float64
	Offset  float64
	RMS     float64
	Samples int
}

// MultiPointResult is the output of MultiPointSolve, exposed even when
// apply is false so the operator can preview the effect.
type MultiPointResult struct {
	Corrections map[string]RangeCorrectionFit
	Offsets     map[string]trilateration.Point
	PointsUsed  int
	Applied     bool
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func distance(a, b trilateration.Point) float64 {
	dx, dy, dz := a.XCm-b.XCm, a.YCm-b.YCm, a.ZCm-b.ZCm
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// olsFit fits true = scale*measured + offset by ordinary least squares over
// (measured, true) pairs, returning the fit's RMS residual.
func olsFit(pairs [][2]float64) (scale, offset, rms float64) {
	n := float64(len(pairs))
	var sumX, sumY, sumXX, sumXY float64
	for _, p := range pairs {
		sumX += p[0]
		sumY += p[1]
		sumXX += p[0] * p[0]
		sumXY += p[0] * p[1]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 1.0, 0, 0
	}
	scale = (n*sumXY - sumX*sumY) / denom
	offset = (sumY - scale*sumX) / n

	var sumSqErr float64
	for _, p := range pairs {
		diff := p[1] - (scale*p[0] + offset)
		sumSqErr += diff * diff
	}
	return scale, offset, math.Sqrt(sumSqErr / n)
}

type venueSample struct {
	pointID           string
	position          trilateration.Point
	perAnchorMedianCm map[string]float64
}

func (m *Manager) loadVenuePoints(ctx context.Context, tagID string) ([]venueSample, error) {
	runs, err := m.repo.FindFinishedForTag(ctx, tagID)
	if err != nil {
		return nil, err
	}

	var points []venueSample
	for _, run := range runs {
		var params map[string]any
		if err := json.Unmarshal([]byte(run.ParamsJSON), &params); err != nil {
			continue
		}
		if kind, _ := params["type"].(string); kind != "venue_point" {
			continue
		}
		pointID, _ := params["point_id"].(string)
		posRaw, ok := params["position_cm"].(map[string]any)
		if !ok {
			continue
		}
		position := trilateration.Point{XCm: toFloat(posRaw["x_cm"]), YCm: toFloat(posRaw["y_cm"]), ZCm: toFloat(posRaw["z_cm"])}

		if run.SummaryJSON == nil {
			continue
		}
		var summary biasSummary
		if err := json.Unmarshal([]byte(*run.SummaryJSON), &summary); err != nil {
			continue
		}
		medians := make(map[string]float64, len(summary.PerAnchor))
		for anchorID, stats := range summary.PerAnchor {
			medians[anchorID] = stats.MedianCm
		}
		points = append(points, venueSample{pointID: pointID, position: position, perAnchorMedianCm: medians})
	}
	return points, nil
}

func (m *Manager) loadBaseAnchorPositions(ctx context.Context) (map[string]trilateration.Point, error) {
	all, err := m.anchorRepo.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]trilateration.Point, len(all))
	for _, a := range all {
		out[a.ID] = trilateration.Point{XCm: a.XCm, YCm: a.YCm, ZCm: a.ZCm}
	}
	return out, nil
}

// MultiPointSolve fits per-anchor range corrections from finished
// venue-point runs, and — for anchors with enough points — a new anchor
// position estimate by invoking the trilateration solver with the venue
// points as known positions. If apply is true, the fitted
// corrections and offsets are persisted and dispatched to the anchors.
func (m *Manager) MultiPointSolve(ctx context.Context, tagID string, minPoints int, apply bool) (MultiPointResult, error) {
	if minPoints <= 0 {
		minPoints = 4
	}

	points, err := m.loadVenuePoints(ctx, tagID)
	if err != nil {
		return MultiPointResult{}, err
	}
	if len(points) < 2 {
		return MultiPointResult{PointsUsed: len(points)}, nil
	}

	baseAnchorPositions, err := m.loadBaseAnchorPositions(ctx)
	if err != nil {
		return MultiPointResult{}, err
	}

	perAnchorPairs := make(map[string][][2]float64)
	for _, p := range points {
		for anchorID, measured := range p.perAnchorMedianCm {
			basePos, ok := baseAnchorPositions[anchorID]
			if !ok {
				continue
			}
			perAnchorPairs[anchorID] = append(perAnchorPairs[anchorID], [2]float64{measured, distance(p.position, basePos)})
		}
	}

	corrections := make(map[string]RangeCorrectionFit)
	for anchorID, pairs := range perAnchorPairs {
		if len(pairs) < 2 {
			continue
		}
		scale, offset, rms := olsFit(pairs)
		if scale <= 0 {
			scale = 1.0
		}
		corrections[anchorID] = RangeCorrectionFit{Scale: scale, Offset: offset, RMS: rms, Samples: len(pairs)}
	}

	offsets := make(map[string]trilateration.Point)
	for anchorID, pairs := range perAnchorPairs {
		if len(pairs) < minPoints {
			continue
		}
		corr, ok := corrections[anchorID]
		if !ok {
			continue
		}

		anchorPositions := make(map[string]trilateration.Point)
		measured := make(map[string]float64)
		for _, p := range points {
			rawMedian, ok := p.perAnchorMedianCm[anchorID]
			if !ok {
				continue
			}
			anchorPositions[p.pointID] = p.position
			measured[p.pointID] = corr.Scale*rawMedian + corr.Offset
		}
		if len(measured) < 4 {
			continue
		}

		result := trilateration.Solve(anchorPositions, measured, trilateration.Options{})
		if result.Reason != "" || result.PositionCm == nil {
			continue
		}

		base := baseAnchorPositions[anchorID]
		offsets[anchorID] = trilateration.Point{
			XCm: result.PositionCm.XCm - base.XCm,
			YCm: result.PositionCm.YCm - base.YCm,
			ZCm: result.PositionCm.ZCm - base.ZCm,
		}
	}

	res := MultiPointResult{Corrections: corrections, Offsets: offsets, PointsUsed: len(points)}

	if apply {
		if err := m.applyCorrections(ctx, corrections, offsets); err != nil {
			return res, err
		}
		res.Applied = true
	}

	return res, nil
}

func (m *Manager) applyCorrections(ctx context.Context, corrections map[string]RangeCorrectionFit, offsets map[string]trilateration.Point) error {
	for anchorID, corr := range corrections {
		rc := models.RangeCorrection{AnchorID: anchorID, RangeScale: corr.Scale, RangeOffset: corr.Offset}
		if err := m.anchorRepo.UpsertRangeCorrection(ctx, rc); err != nil {
			return err
		}
		if err := m.deviceSettingRepo.Upsert(ctx, anchorID, "range_scale", fmt.Sprintf("%g", corr.Scale)); err != nil {
			return err
		}
		if err := m.deviceSettingRepo.Upsert(ctx, anchorID, "range_offset_cm", fmt.Sprintf("%g", corr.Offset)); err != nil {
			return err
		}

		cmdID := cuid.New()
		payload := map[string]any{
			"type":   "cmd",
			"cmd":    "apply_settings",
			"cmd_id": cmdID,
			"settings": map[string]any{
				"range_scale":     corr.Scale,
				"range_offset_cm": corr.Offset,
			},
		}
		m.pub.Publish(publish.Topic(fmt.Sprintf("dev/%s/cmd", anchorID)), payload)
	}

	for anchorID, off := range offsets {
		apOff := models.AnchorPositionOffset{AnchorID: anchorID, DxCm: off.XCm, DyCm: off.YCm, DzCm: off.ZCm}
		if err := m.anchorRepo.UpsertOffset(ctx, apOff); err != nil {
			return err
		}
	}

	return nil
}
