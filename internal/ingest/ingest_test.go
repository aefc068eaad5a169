package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/anthillco/uwb-tracker/internal/anchors"
	"github.com/anthillco/uwb-tracker/internal/publish"
	"github.com/anthillco/uwb-tracker/internal/rangecache"
	"github.com/anthillco/uwb-tracker/internal/testutil"
)

func TestDecodeBatchAcceptsMetersAndMillimeters(t *testing.T) {
	body := []byte(`{
		"anchor_mac": "aa:bb:cc:dd:ee:01",
		"ts_ms": 1700000000000,
		"ranges": [
			{"tag_mac": "ABCDEF012345", "d_m": 2.5},
			{"tag_mac": "ABCDEF012346", "distance_mm": 3100, "q": 0.9},
			{"tag_mac": "ABCDEF012347", "d_m": "4.25"}
		]
	}`)

	b, err := DecodeBatch(body)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if b.AnchorMAC != "aa:bb:cc:dd:ee:01" || b.TsMs != 1700000000000 {
		t.Fatalf("unexpected batch header: %+v", b)
	}
	if len(b.Ranges) != 3 {
		t.Fatalf("expected 3 ranges, got %d", len(b.Ranges))
	}
	if b.Ranges[0].DistanceM == nil || *b.Ranges[0].DistanceM != 2.5 {
		t.Fatalf("expected d_m 2.5, got %+v", b.Ranges[0])
	}
	if b.Ranges[1].DistanceMM == nil || *b.Ranges[1].DistanceMM != 3100 {
		t.Fatalf("expected distance_mm 3100, got %+v", b.Ranges[1])
	}
	if b.Ranges[1].Quality == nil || *b.Ranges[1].Quality != 0.9 {
		t.Fatalf("expected quality 0.9, got %+v", b.Ranges[1])
	}
	if b.Ranges[2].DistanceM == nil || *b.Ranges[2].DistanceM != 4.25 {
		t.Fatalf("expected string d_m 4.25 parsed, got %+v", b.Ranges[2])
	}
}

func TestDecodeBatchRejectsMissingAnchor(t *testing.T) {
	if _, err := DecodeBatch([]byte(`{"ts_ms": 1, "ranges": []}`)); err == nil {
		t.Fatal("expected an error for a batch without anchor_mac")
	}
}

func TestHandleBatchCreatesAnchorAndFillsCache(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	cache := rangecache.New()
	registry := anchors.New(db.AnchorRepo)
	svc := New(cache, registry, db.AnchorRepo, Config{})

	dM := 3.0
	err := svc.HandleBatch(ctx, Batch{
		AnchorMAC: "aa-bb-cc-dd-ee-01",
		TsMs:      5000, // below the epoch floor: treated as uptime
		Ranges:    []Entry{{TagMAC: "ABCDEF012345", DistanceM: &dM}},
	})
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}

	a, err := db.AnchorRepo.FindByID(ctx, "AABBCCDDEE01")
	if err != nil || a == nil {
		t.Fatalf("expected anchor created on first-seen, got %v err %v", a, err)
	}
	if a.Status != "ONLINE" || a.LastSeenMs == 0 {
		t.Fatalf("expected anchor ONLINE with a fresh last-seen, got %+v", a)
	}

	samples := cache.Snapshot("ABCDEF012345", time.Now().UnixMilli(), 2000)
	if len(samples) != 1 {
		t.Fatalf("expected 1 cached sample, got %d", len(samples))
	}
	if samples[0].DistanceM != 3.0 {
		t.Fatalf("expected distance 3.0m, got %v", samples[0].DistanceM)
	}
}

func TestHandleBatchRejectsBadAnchorMAC(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	cache := rangecache.New()
	registry := anchors.New(db.AnchorRepo)
	svc := New(cache, registry, db.AnchorRepo, Config{})

	if err := svc.HandleBatch(context.Background(), Batch{AnchorMAC: "not-a-mac"}); err == nil {
		t.Fatal("expected an error for an unparsable anchor MAC")
	}
}

func TestRunConsumesPublishedBatches(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	cache := rangecache.New()
	registry := anchors.New(db.AnchorRepo)
	svc := New(cache, registry, db.AnchorRepo, Config{})

	pubsub := publish.New()
	sub := pubsub.Subscribe(TopicRangeBatches, 16)
	go svc.Run(context.Background(), sub)
	defer svc.Stop()

	pubsub.Publish(TopicRangeBatches, []byte(`{
		"anchor_mac": "AABBCCDDEE02",
		"ts_ms": 1700000000000,
		"ranges": [{"tag_mac": "ABCDEF012345", "d_m": 1.5}]
	}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(cache.KnownTags()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the run loop to ingest the published batch")
}
