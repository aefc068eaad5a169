// Package fixtureprofile loads the bundled moving-head fixture profile
// definitions used by the DMX frame assembler. Unlike the fixture-library
// importer it is adapted from, there is no network fetch: profiles ship
// with the binary as a JSON bundle and are imported into the database once
// at startup if not already present.
package fixtureprofile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthillco/uwb-tracker/internal/database/models"
	"github.com/anthillco/uwb-tracker/internal/database/repositories"
	"github.com/anthillco/uwb-tracker/internal/dmxframe"
)

// Definition is the bundled, on-disk shape of one fixture profile.
type Definition struct {
	Key           string         `json:"key"`
	Label         string         `json:"label"`
	Channels      int            `json:"channels"`
	PanCoarse     *int           `json:"pan_coarse,omitempty"`
	PanFine       *int           `json:"pan_fine,omitempty"`
	TiltCoarse    *int           `json:"tilt_coarse,omitempty"`
	TiltFine      *int           `json:"tilt_fine,omitempty"`
	NamedChannels map[string]int `json:"named_channels,omitempty"`
}

// Bundled is the set of profiles shipped with the binary. A real venue may
// add more via Importer.Import with operator-supplied JSON, but these
// cover the common moving-head layouts and the "light on/off" open-format
// test fixture used by the aim-test API.
var Bundled = []Definition{
	{
		Key:        "generic_moving_head_16bit",
		Label:      "Generic 16-bit Pan/Tilt Moving Head",
		Channels:   4,
		PanCoarse:  intPtr(0),
		PanFine:    intPtr(1),
		TiltCoarse: intPtr(2),
		TiltFine:   intPtr(3),
	},
	{
		Key:        "generic_moving_head_16bit_dimmer",
		Label:      "Generic 16-bit Pan/Tilt Moving Head with Dimmer",
		Channels:   5,
		PanCoarse:  intPtr(0),
		PanFine:    intPtr(1),
		TiltCoarse: intPtr(2),
		TiltFine:   intPtr(3),
		NamedChannels: map[string]int{
			"dimmer": 4,
		},
	},
	{
		Key:           "test_light_on_off",
		Label:         "Test Fixture (On/Off)",
		Channels:      1,
		NamedChannels: map[string]int{"on_off": 0},
	},
}

func intPtr(v int) *int { return &v }

// Importer loads Definitions into the fixture_profiles table.
type Importer struct {
	repo *repositories.FixtureRepository
}

// NewImporter creates an Importer backed by repo.
func NewImporter(repo *repositories.FixtureRepository) *Importer {
	return &Importer{repo: repo}
}

// EnsureBundled imports every bundled profile that isn't already present.
// Safe to call on every startup.
func (im *Importer) EnsureBundled(ctx context.Context) error {
	for _, def := range Bundled {
		existing, err := im.repo.FindProfileByKey(ctx, def.Key)
		if err != nil {
			return fmt.Errorf("fixtureprofile: lookup %s: %w", def.Key, err)
		}
		if existing != nil {
			continue
		}
		if err := im.Import(ctx, def); err != nil {
			return fmt.Errorf("fixtureprofile: import %s: %w", def.Key, err)
		}
	}
	return nil
}

// Import writes one Definition, upserting by key.
func (im *Importer) Import(ctx context.Context, def Definition) error {
	row := models.FixtureProfile{
		Key:        def.Key,
		Label:      def.Label,
		Channels:   def.Channels,
		PanCoarse:  def.PanCoarse,
		PanFine:    def.PanFine,
		TiltCoarse: def.TiltCoarse,
		TiltFine:   def.TiltFine,
	}
	if def.NamedChannels != nil {
		b, err := json.Marshal(def.NamedChannels)
		if err != nil {
			return err
		}
		s := string(b)
		row.NamedChannelsJSON = &s
	}
	return im.repo.UpsertProfile(ctx, &row)
}

// ToFrameProfile converts a persisted FixtureProfile row into the shape
// internal/dmxframe needs to place channels.
func ToFrameProfile(row models.FixtureProfile) (dmxframe.Profile, error) {
	profile := dmxframe.Profile{
		Channels:   row.Channels,
		PanCoarse:  row.PanCoarse,
		PanFine:    row.PanFine,
		TiltCoarse: row.TiltCoarse,
		TiltFine:   row.TiltFine,
	}
	if row.NamedChannelsJSON != nil && *row.NamedChannelsJSON != "" {
		var named map[string]int
		if err := json.Unmarshal([]byte(*row.NamedChannelsJSON), &named); err != nil {
			return dmxframe.Profile{}, fmt.Errorf("fixtureprofile: parse named channels for %s: %w", row.Key, err)
		}
		profile.NamedChannels = named
	}
	return profile, nil
}
