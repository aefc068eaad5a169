// Package rangecache is the latest-per-(tag,anchor) range sample store.
// It is the one hot concurrent structure in the core; a single coarse
// mutex is sufficient at expected rates, so that's all this uses.
package rangecache

import (
	"strconv"
	"sync"
	"time"

	"github.com/anthillco/uwb-tracker/internal/ids"
)

// Sample is one range reading from an anchor to a tag.
type Sample struct {
	TagID      string
	AnchorID   string
	DistanceM  float64
	TimestampMs int64
	Quality    *float64
}

// RawRange is one entry of an ingested batch, as parsed from the message
// bus payload: distance in meters, or in millimeters, optionally
// with its own timestamp overriding the batch timestamp.
type RawRange struct {
	TagMAC       string
	DistanceM    *float64
	DistanceMM   *float64
	Quality      *float64
	TimestampMs  *int64
}

type cacheKey struct {
	tag    string
	anchor string
}

// Cache is a thread-safe latest-sample-per-(tag,anchor) store.
type Cache struct {
	mu      sync.Mutex
	samples map[cacheKey]Sample
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{samples: make(map[cacheKey]Sample)}
}

// Ingest processes one anchor's range batch. Entries with an unparsable
// distance or missing tag MAC are dropped silently. A cell
// is replaced only if the new sample's timestamp is >= the stored one, so
// that ingesting a batch followed by an older, already-applied prefix of
// that batch is a no-op (round-trip property).
func (c *Cache) Ingest(anchorMAC string, batchTsMs int64, ranges []RawRange) {
	anchorID, err := ids.CanonicalMAC(anchorMAC)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range ranges {
		if r.TagMAC == "" {
			continue
		}
		tagID, err := ids.CanonicalMAC(r.TagMAC)
		if err != nil {
			continue
		}

		distM, ok := normalizeDistance(r)
		if !ok {
			continue
		}

		ts := batchTsMs
		if r.TimestampMs != nil {
			ts = *r.TimestampMs
		}

		key := cacheKey{tag: tagID, anchor: anchorID}
		if existing, found := c.samples[key]; found && existing.TimestampMs > ts {
			continue
		}

		c.samples[key] = Sample{
			TagID:       tagID,
			AnchorID:    anchorID,
			DistanceM:   distM,
			TimestampMs: ts,
			Quality:     r.Quality,
		}
	}
}

func normalizeDistance(r RawRange) (float64, bool) {
	if r.DistanceM != nil {
		return *r.DistanceM, true
	}
	if r.DistanceMM != nil {
		return *r.DistanceMM / 1000.0, true
	}
	return 0, false
}

// Snapshot returns at most one sample per anchor for tagMAC, restricted to
// samples no older than maxAgeMs relative to nowMs. Order is unspecified.
// Pruning is lazy: entries older than maxAgeMs are simply excluded here,
// never evicted from the map by this call.
func (c *Cache) Snapshot(tagMAC string, nowMs int64, maxAgeMs int64) []Sample {
	tagID, err := ids.CanonicalMAC(tagMAC)
	if err != nil {
		return nil
	}

	cutoff := nowMs - maxAgeMs

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Sample
	for key, s := range c.samples {
		if key.tag != tagID {
			continue
		}
		if s.TimestampMs < cutoff {
			continue
		}
		out = append(out, s)
	}
	return out
}

// KnownTags returns every distinct tag ID with at least one cached sample,
// regardless of freshness.
func (c *Cache) KnownTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for key := range c.samples {
		if !seen[key.tag] {
			seen[key.tag] = true
			out = append(out, key.tag)
		}
	}
	return out
}

// Prune removes every sample older than maxAgeMs, relative to nowMs. It is
// safe to call this periodically to bound memory for tags that have gone
// fully silent; it is never required for correctness since Snapshot already
// filters by age.
func (c *Cache) Prune(nowMs int64, maxAgeMs int64) {
	cutoff := nowMs - maxAgeMs

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, s := range c.samples {
		if s.TimestampMs < cutoff {
			delete(c.samples, key)
		}
	}
}

// NowMs is the canonical "milliseconds since epoch" clock used across the
// core so tests can reason about timestamps as plain int64 arithmetic.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// NormalizeBatchTimestamp replaces a batch timestamp that looks like
// device uptime (< 10^12 ms, i.e. before ~2001) with nowMs.
func NormalizeBatchTimestamp(tsMs int64, nowMs int64) int64 {
	if tsMs < 1_000_000_000_000 {
		return nowMs
	}
	return tsMs
}

// ParseDistance accepts either a decimal string in meters or millimeters
// (used by some message-bus payload decoders that hand distances over as
// strings); kept here rather than in the ingestion boundary so both have a
// single parsing rule for "what counts as a distance".
func ParseDistance(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
