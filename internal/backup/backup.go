// Package backup provides venue snapshot export and import: a JSON capture
// of anchor positions and offsets, range corrections, fixtures and fixture
// profiles, settings, and finished-OK calibration runs, so a device can be
// reflashed or swapped without losing its site survey.
package backup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthillco/uwb-tracker/internal/database/models"
	"github.com/anthillco/uwb-tracker/internal/database/repositories"
)

// Snapshot is a full venue backup. Matches the anthillco gateway's
// persistence contract field-for-field; unmarshals cleanly from a snapshot
// taken by an older version as long as tables haven't been dropped.
type Snapshot struct {
	Version           string                       `json:"version"`
	ExportedAtMs      int64                        `json:"exportedAtMs"`
	Anchors           []SnapshotAnchor             `json:"anchors"`
	AnchorOffsets     []models.AnchorPositionOffset `json:"anchorOffsets,omitempty"`
	RangeCorrections  []models.RangeCorrection      `json:"rangeCorrections,omitempty"`
	FixtureProfiles   []SnapshotFixtureProfile      `json:"fixtureProfiles"`
	Fixtures          []models.Fixture             `json:"fixtures"`
	Settings          []models.Setting             `json:"settings"`
	CalibrationRuns   []SnapshotCalibrationRun     `json:"calibrationRuns,omitempty"`
}

// SnapshotAnchor carries only the fields a reflashed device needs restored;
// LastSeenMs/Status are runtime state, not venue survey data.
type SnapshotAnchor struct {
	ID    string  `json:"id"`
	Alias *string `json:"alias,omitempty"`
	XCm   float64 `json:"xCm"`
	YCm   float64 `json:"yCm"`
	ZCm   float64 `json:"zCm"`
}

// SnapshotFixtureProfile mirrors models.FixtureProfile without the
// created/updated timestamps, which are meaningless across a restore.
type SnapshotFixtureProfile struct {
	Key               string  `json:"key"`
	Label             string  `json:"label"`
	Channels          int     `json:"channels"`
	PanCoarse         *int    `json:"panCoarse,omitempty"`
	PanFine           *int    `json:"panFine,omitempty"`
	TiltCoarse        *int    `json:"tiltCoarse,omitempty"`
	TiltFine          *int    `json:"tiltFine,omitempty"`
	NamedChannelsJSON *string `json:"namedChannelsJson,omitempty"`
}

// SnapshotCalibrationRun is a trimmed calibration_runs row: only OK,
// non-invalidated runs are worth carrying across a restore, since they are
// what MultiPointSolve reads back to refit corrections.
type SnapshotCalibrationRun struct {
	ID          string  `json:"id"`
	TagID       string  `json:"tagId"`
	StartedMs   int64   `json:"startedMs"`
	EndedMs     *int64  `json:"endedMs,omitempty"`
	Status      string  `json:"status"`
	Result      *string `json:"result,omitempty"`
	ParamsJSON  string  `json:"paramsJson"`
	SummaryJSON *string `json:"summaryJson,omitempty"`
}

const formatVersion = "1.0"

// Service handles venue snapshot export and import.
type Service struct {
	anchorRepo      *repositories.AnchorRepository
	fixtureRepo     *repositories.FixtureRepository
	settingRepo     *repositories.SettingRepository
	calibrationRepo *repositories.CalibrationRepository
	eventRepo       *repositories.EventRepository
}

// NewService creates a new backup service.
func NewService(
	anchorRepo *repositories.AnchorRepository,
	fixtureRepo *repositories.FixtureRepository,
	settingRepo *repositories.SettingRepository,
	calibrationRepo *repositories.CalibrationRepository,
	eventRepo *repositories.EventRepository,
) *Service {
	return &Service{
		anchorRepo:      anchorRepo,
		fixtureRepo:     fixtureRepo,
		settingRepo:     settingRepo,
		calibrationRepo: calibrationRepo,
		eventRepo:       eventRepo,
	}
}

// Stats summarizes a snapshot's contents, reported identically by Export
// and Import so the caller can log what changed.
type Stats struct {
	AnchorsCount          int
	AnchorOffsetsCount    int
	RangeCorrectionsCount int
	FixtureProfilesCount  int
	FixturesCount         int
	SettingsCount         int
	CalibrationRunsCount  int
}

func statsOf(s *Snapshot) Stats {
	return Stats{
		AnchorsCount:          len(s.Anchors),
		AnchorOffsetsCount:    len(s.AnchorOffsets),
		RangeCorrectionsCount: len(s.RangeCorrections),
		FixtureProfilesCount:  len(s.FixtureProfiles),
		FixturesCount:         len(s.Fixtures),
		SettingsCount:         len(s.Settings),
		CalibrationRunsCount:  len(s.CalibrationRuns),
	}
}

// Export builds a full venue snapshot, at exportedAtMs (caller-supplied so
// the package stays a pure function over its repositories and does not
// call time.Now itself).
func (s *Service) Export(ctx context.Context, exportedAtMs int64) (*Snapshot, Stats, error) {
	anchors, err := s.anchorRepo.FindAll(ctx)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("backup: find anchors: %w", err)
	}
	offsets, err := s.anchorRepo.FindAllOffsets(ctx)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("backup: find anchor offsets: %w", err)
	}
	corrections, err := s.anchorRepo.FindAllRangeCorrections(ctx)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("backup: find range corrections: %w", err)
	}
	profiles, err := s.fixtureRepo.FindAllProfiles(ctx)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("backup: find fixture profiles: %w", err)
	}
	fixtures, err := s.fixtureRepo.FindAll(ctx)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("backup: find fixtures: %w", err)
	}
	settings, err := s.settingRepo.FindAll(ctx)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("backup: find settings: %w", err)
	}
	runs, err := s.calibrationRepo.FindOKNonInvalidated(ctx)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("backup: find calibration runs: %w", err)
	}

	snap := &Snapshot{
		Version:      formatVersion,
		ExportedAtMs: exportedAtMs,
	}
	for _, a := range anchors {
		snap.Anchors = append(snap.Anchors, SnapshotAnchor{ID: a.ID, Alias: a.Alias, XCm: a.XCm, YCm: a.YCm, ZCm: a.ZCm})
	}
	snap.AnchorOffsets = offsets
	snap.RangeCorrections = corrections
	for _, p := range profiles {
		snap.FixtureProfiles = append(snap.FixtureProfiles, SnapshotFixtureProfile{
			Key: p.Key, Label: p.Label, Channels: p.Channels,
			PanCoarse: p.PanCoarse, PanFine: p.PanFine, TiltCoarse: p.TiltCoarse, TiltFine: p.TiltFine,
			NamedChannelsJSON: p.NamedChannelsJSON,
		})
	}
	snap.Fixtures = fixtures
	snap.Settings = settings
	for _, r := range runs {
		snap.CalibrationRuns = append(snap.CalibrationRuns, SnapshotCalibrationRun{
			ID: r.ID, TagID: r.TagID, StartedMs: r.StartedMs, EndedMs: r.EndedMs,
			Status: r.Status, Result: r.Result, ParamsJSON: r.ParamsJSON, SummaryJSON: r.SummaryJSON,
		})
	}

	return snap, statsOf(snap), nil
}

// ToJSON serializes a snapshot for writing to a file or HTTP response body.
func (s *Snapshot) ToJSON() (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseSnapshot parses a previously exported snapshot.
func ParseSnapshot(jsonContent string) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(jsonContent), &snap); err != nil {
		return nil, fmt.Errorf("backup: parse snapshot: %w", err)
	}
	if snap.Version == "" {
		return nil, fmt.Errorf("backup: snapshot missing version")
	}
	return &snap, nil
}

// Import restores a snapshot by upserting every row into its table. There
// is no ID remapping: anchor MACs, fixture IDs, profile keys, and setting
// keys are the venue's actual identifiers, so importing the same snapshot
// twice is idempotent.
// Calibration runs are inserted only if no row with that ID already
// exists, since FindOKNonInvalidated/MultiPointSolve key off run identity.
func (s *Service) Import(ctx context.Context, snap *Snapshot) (Stats, error) {
	for _, a := range snap.Anchors {
		if _, err := s.anchorRepo.Upsert(ctx, a.ID); err != nil {
			return Stats{}, fmt.Errorf("backup: upsert anchor %s: %w", a.ID, err)
		}
		if err := s.anchorRepo.UpdatePosition(ctx, a.ID, a.XCm, a.YCm, a.ZCm); err != nil {
			return Stats{}, fmt.Errorf("backup: position anchor %s: %w", a.ID, err)
		}
	}
	for _, off := range snap.AnchorOffsets {
		if err := s.anchorRepo.UpsertOffset(ctx, off); err != nil {
			return Stats{}, fmt.Errorf("backup: upsert offset %s: %w", off.AnchorID, err)
		}
	}
	for _, rc := range snap.RangeCorrections {
		if err := s.anchorRepo.UpsertRangeCorrection(ctx, rc); err != nil {
			return Stats{}, fmt.Errorf("backup: upsert range correction %s: %w", rc.AnchorID, err)
		}
	}
	for _, p := range snap.FixtureProfiles {
		row := models.FixtureProfile{
			Key: p.Key, Label: p.Label, Channels: p.Channels,
			PanCoarse: p.PanCoarse, PanFine: p.PanFine, TiltCoarse: p.TiltCoarse, TiltFine: p.TiltFine,
			NamedChannelsJSON: p.NamedChannelsJSON,
		}
		if err := s.fixtureRepo.UpsertProfile(ctx, &row); err != nil {
			return Stats{}, fmt.Errorf("backup: upsert fixture profile %s: %w", p.Key, err)
		}
	}
	for i := range snap.Fixtures {
		f := snap.Fixtures[i]
		if existing, err := s.fixtureRepo.FindByID(ctx, f.ID); err != nil {
			return Stats{}, fmt.Errorf("backup: find fixture %s: %w", f.ID, err)
		} else if existing == nil {
			if err := s.fixtureRepo.Create(ctx, &f); err != nil {
				return Stats{}, fmt.Errorf("backup: create fixture %s: %w", f.ID, err)
			}
		} else {
			f.CreatedAt = existing.CreatedAt
			if err := s.fixtureRepo.Update(ctx, &f); err != nil {
				return Stats{}, fmt.Errorf("backup: update fixture %s: %w", f.ID, err)
			}
		}
	}
	for _, st := range snap.Settings {
		if err := s.settingRepo.Upsert(ctx, st.Key, st.Value); err != nil {
			return Stats{}, fmt.Errorf("backup: upsert setting %s: %w", st.Key, err)
		}
	}
	for _, r := range snap.CalibrationRuns {
		existing, err := s.calibrationRepo.FindByID(ctx, r.ID)
		if err != nil {
			return Stats{}, fmt.Errorf("backup: find calibration run %s: %w", r.ID, err)
		}
		if existing != nil {
			continue
		}
		run := models.CalibrationRun{
			ID: r.ID, TagID: r.TagID, StartedMs: r.StartedMs, EndedMs: r.EndedMs,
			Status: r.Status, Result: r.Result, ParamsJSON: r.ParamsJSON, SummaryJSON: r.SummaryJSON,
		}
		if err := s.calibrationRepo.Create(ctx, &run); err != nil {
			return Stats{}, fmt.Errorf("backup: create calibration run %s: %w", r.ID, err)
		}
	}

	if s.eventRepo != nil {
		_ = s.eventRepo.Append(ctx, "backup.restored", fmt.Sprintf("restored venue snapshot version %s", snap.Version), nil)
	}

	return statsOf(snap), nil
}
