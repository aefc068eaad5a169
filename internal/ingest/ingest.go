// Package ingest is the message-bus ingestion boundary: it decodes the
// loosely-typed per-anchor range batch payload into a typed Batch, feeds
// the range cache, and keeps device first-seen/last-seen state current.
// The message-bus adapter itself lives outside this module; it delivers
// already-parsed JSON bodies here through the in-process pubsub.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anthillco/uwb-tracker/internal/anchors"
	"github.com/anthillco/uwb-tracker/internal/database/repositories"
	"github.com/anthillco/uwb-tracker/internal/ids"
	"github.com/anthillco/uwb-tracker/internal/publish"
	"github.com/anthillco/uwb-tracker/internal/rangecache"
)

// TopicRangeBatches is the in-process topic a message-bus adapter publishes
// inbound range batches to. Payloads may be Batch values or raw JSON bytes.
const TopicRangeBatches publish.Topic = "ingest/ranges"

// Entry is one tag's range within a batch. DistanceM and DistanceMM are
// decoded independently, so either, both or neither may be set; the range
// cache uses DistanceM when both are present.
type Entry struct {
	TagMAC      string
	DistanceM   *float64
	DistanceMM  *float64
	Quality     *float64
	TimestampMs *int64
}

// Batch is one anchor's decoded range batch.
type Batch struct {
	AnchorMAC string
	TsMs      int64
	Ranges    []Entry
}

type rawEntry struct {
	TagMAC      string   `json:"tag_mac"`
	DM          any      `json:"d_m"`
	DistanceMM  any      `json:"distance_mm"`
	Quality     *float64 `json:"q"`
	TimestampMs *int64   `json:"ts_ms"`
}

type rawBatch struct {
	AnchorMAC string     `json:"anchor_mac"`
	TsMs      int64      `json:"ts_ms"`
	Ranges    []rawEntry `json:"ranges"`
}

// numeric coerces a permissively typed distance field: JSON number or a
// decimal string. Firmware revisions disagree on which they send.
func numeric(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case string:
		if f, ok := rangecache.ParseDistance(n); ok {
			return &f
		}
	}
	return nil
}

// DecodeBatch parses a range-batch JSON body. Entries with no usable
// distance survive decoding and are dropped later by the cache, so a batch
// with one bad entry still delivers the rest.
func DecodeBatch(body []byte) (Batch, error) {
	var raw rawBatch
	if err := json.Unmarshal(body, &raw); err != nil {
		return Batch{}, fmt.Errorf("ingest: decode batch: %w", err)
	}
	if raw.AnchorMAC == "" {
		return Batch{}, fmt.Errorf("ingest: batch missing anchor_mac")
	}

	b := Batch{AnchorMAC: raw.AnchorMAC, TsMs: raw.TsMs}
	for _, r := range raw.Ranges {
		b.Ranges = append(b.Ranges, Entry{
			TagMAC:      r.TagMAC,
			DistanceM:   numeric(r.DM),
			DistanceMM:  numeric(r.DistanceMM),
			Quality:     r.Quality,
			TimestampMs: r.TimestampMs,
		})
	}
	return b, nil
}

// Config tunes the ingestion service.
type Config struct {
	// OfflineAfterMs is the last-seen window after which an anchor is
	// swept OFFLINE. Zero falls back to 5000.
	OfflineAfterMs int64
	// SweepInterval is the cadence of the offline sweep. Zero falls back
	// to one second.
	SweepInterval time.Duration
}

// Service feeds decoded batches into the range cache and the anchor
// registry. One Service handles every subscription; cache ingestion is
// safe under concurrent delivery.
type Service struct {
	cache      *rangecache.Cache
	registry   *anchors.Registry
	anchorRepo *repositories.AnchorRepository
	cfg        Config

	mu          sync.Mutex
	lastBatchMs int64

	stopChan chan struct{}
	doneChan chan struct{}
}

// New creates a Service.
func New(cache *rangecache.Cache, registry *anchors.Registry, anchorRepo *repositories.AnchorRepository, cfg Config) *Service {
	if cfg.OfflineAfterMs <= 0 {
		cfg.OfflineAfterMs = 5000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Service{
		cache:      cache,
		registry:   registry,
		anchorRepo: anchorRepo,
		cfg:        cfg,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// HandleBatch applies one decoded batch: creates the anchor row on
// first-seen, refreshes its last-seen timestamp, and ingests the ranges.
// Batch timestamps below the epoch plausibility floor are treated as
// device uptime and replaced with now.
func (s *Service) HandleBatch(ctx context.Context, b Batch) error {
	nowMs := time.Now().UnixMilli()
	tsMs := rangecache.NormalizeBatchTimestamp(b.TsMs, nowMs)

	anchorID, err := ids.CanonicalMAC(b.AnchorMAC)
	if err != nil {
		return err
	}
	if _, err := s.anchorRepo.Upsert(ctx, anchorID); err != nil {
		return fmt.Errorf("ingest: upsert anchor %s: %w", anchorID, err)
	}
	if err := s.registry.UpdateLastSeen(ctx, anchorID, nowMs, s.cfg.OfflineAfterMs); err != nil {
		return fmt.Errorf("ingest: last-seen %s: %w", anchorID, err)
	}

	raws := make([]rangecache.RawRange, 0, len(b.Ranges))
	for _, e := range b.Ranges {
		raws = append(raws, rangecache.RawRange{
			TagMAC:      e.TagMAC,
			DistanceM:   e.DistanceM,
			DistanceMM:  e.DistanceMM,
			Quality:     e.Quality,
			TimestampMs: e.TimestampMs,
		})
	}
	s.cache.Ingest(anchorID, tsMs, raws)

	s.mu.Lock()
	s.lastBatchMs = nowMs
	s.mu.Unlock()
	return nil
}

// LastBatchAtMs reports when the most recent batch was handled, or 0 if
// none has arrived yet. The readiness surface uses recent ingest traffic
// as its message-bus connectivity signal.
func (s *Service) LastBatchAtMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBatchMs
}

// Run consumes batches from sub until Stop is called, sweeping stale
// anchors OFFLINE between deliveries. Payloads may be Batch values (from
// in-process producers) or []byte JSON bodies (from a bus adapter);
// anything else is dropped silently, matching the malformed-input policy.
func (s *Service) Run(ctx context.Context, sub *publish.Subscriber) {
	defer close(s.doneChan)

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-sweep.C:
			_ = s.registry.MarkOfflineIfStale(ctx, time.Now().UnixMilli(), s.cfg.OfflineAfterMs)
		case payload, ok := <-sub.Channel:
			if !ok {
				return
			}
			switch v := payload.(type) {
			case Batch:
				_ = s.HandleBatch(ctx, v)
			case []byte:
				if b, err := DecodeBatch(v); err == nil {
					_ = s.HandleBatch(ctx, b)
				}
			}
		}
	}
}

// Stop halts a running Run loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stopChan)
	<-s.doneChan
}
