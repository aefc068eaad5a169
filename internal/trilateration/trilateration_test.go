package trilateration

import (
	"math"
	"testing"
)

func dist(a, b Point) float64 {
	dx, dy, dz := a.XCm-b.XCm, a.YCm-b.YCm, a.ZCm-b.ZCm
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// roomAnchors is a non-degenerate four-anchor layout: two diagonally
// opposite corners raised so the anchors are not coplanar and the geometry
// constrains all three axes.
func roomAnchors() map[string]Point {
	return map[string]Point{
		"A": {XCm: 0, YCm: 0, ZCm: 0},
		"B": {XCm: 1000, YCm: 0, ZCm: 200},
		"C": {XCm: 1000, YCm: 1000, ZCm: 0},
		"D": {XCm: 0, YCm: 1000, ZCm: 200},
	}
}

func TestSolveRecoversExactPosition(t *testing.T) {
	anchors := roomAnchors()
	target := Point{XCm: 500, YCm: 500, ZCm: 300}

	measured := make(map[string]float64)
	for id, a := range anchors {
		measured[id] = dist(target, a)
	}

	res := Solve(anchors, measured, Options{})
	if res.Reason != "" {
		t.Fatalf("expected success, got reason %q", res.Reason)
	}
	if res.PositionCm == nil {
		t.Fatal("expected a position")
	}
	if math.Abs(res.PositionCm.XCm-target.XCm) > 1 ||
		math.Abs(res.PositionCm.YCm-target.YCm) > 1 ||
		math.Abs(res.PositionCm.ZCm-target.ZCm) > 1 {
		t.Fatalf("expected ~%v, got %v", target, *res.PositionCm)
	}
	if len(res.AnchorsUsed) != 4 {
		t.Fatalf("expected 4 anchors used, got %d", len(res.AnchorsUsed))
	}
	if res.ResidualM > 0.01 {
		t.Fatalf("expected near-zero residual for exact input, got %v", res.ResidualM)
	}
}

func TestSolveInsufficientAnchors(t *testing.T) {
	anchors := map[string]Point{
		"A": {XCm: 0, YCm: 0, ZCm: 0},
		"B": {XCm: 1000, YCm: 0, ZCm: 0},
		"C": {XCm: 1000, YCm: 1000, ZCm: 0},
	}
	measured := map[string]float64{"A": 500, "B": 500, "C": 500}

	res := Solve(anchors, measured, Options{})
	if res.Reason != "insufficient_anchors" {
		t.Fatalf("expected insufficient_anchors, got %q", res.Reason)
	}
	if res.PositionCm != nil {
		t.Fatal("expected nil position")
	}
}

func TestSolveCornerAnchorsZeroNoise(t *testing.T) {
	anchors := map[string]Point{
		"A": {XCm: 0, YCm: 0, ZCm: 0},
		"B": {XCm: 100, YCm: 0, ZCm: 0},
		"C": {XCm: 0, YCm: 100, ZCm: 0},
		"D": {XCm: 0, YCm: 0, ZCm: 100},
	}
	target := Point{XCm: 50, YCm: 50, ZCm: 50}

	measured := make(map[string]float64)
	for id, a := range anchors {
		measured[id] = dist(target, a) // all ~86.60
	}

	res := Solve(anchors, measured, Options{})
	if res.Reason != "" {
		t.Fatalf("expected success, got reason %q", res.Reason)
	}
	if math.Abs(res.PositionCm.XCm-50) > 1 ||
		math.Abs(res.PositionCm.YCm-50) > 1 ||
		math.Abs(res.PositionCm.ZCm-50) > 1 {
		t.Fatalf("expected (50,50,50) within 1cm, got %v", *res.PositionCm)
	}
	if res.ResidualM > 0.001 {
		t.Fatalf("expected residual below 1mm for exact distances, got %v", res.ResidualM)
	}
}

func TestSolveDropsOutOfRangeDistances(t *testing.T) {
	anchors := roomAnchors()
	target := Point{XCm: 500, YCm: 500, ZCm: 300}

	measured := make(map[string]float64)
	for id, a := range anchors {
		measured[id] = dist(target, a)
	}
	measured["D"] = 999999 // out of [d_min, d_max]

	res := Solve(anchors, measured, Options{})
	if res.Reason != "insufficient_anchors" {
		t.Fatalf("expected insufficient_anchors once D is filtered out, got %q (pos=%v)", res.Reason, res.PositionCm)
	}
}

func TestSolveDropsOutlierAnchorWithFiveAnchors(t *testing.T) {
	anchors := roomAnchors()
	anchors["E"] = Point{XCm: 500, YCm: 0, ZCm: 100}
	target := Point{XCm: 500, YCm: 500, ZCm: 300}

	measured := make(map[string]float64)
	for id, a := range anchors {
		measured[id] = dist(target, a)
	}
	// Corrupt one anchor's distance badly so RMS exceeds resid_max_m.
	measured["E"] += 500

	res := Solve(anchors, measured, Options{ResidMaxM: 0.5})
	if res.Reason != "" {
		t.Fatalf("expected recovery by dropping the outlier, got reason %q", res.Reason)
	}
	if len(res.Outliers) != 1 || res.Outliers[0] != "E" {
		t.Fatalf("expected E flagged as outlier, got %v", res.Outliers)
	}
	if len(res.AnchorsUsed) != 4 {
		t.Fatalf("expected 4 anchors used after dropping outlier, got %d", len(res.AnchorsUsed))
	}
}

func TestSolveSingularWithCollinearAnchors(t *testing.T) {
	anchors := map[string]Point{
		"A": {XCm: 0, YCm: 0, ZCm: 0},
		"B": {XCm: 100, YCm: 0, ZCm: 0},
		"C": {XCm: 200, YCm: 0, ZCm: 0},
		"D": {XCm: 300, YCm: 0, ZCm: 0},
	}
	// Distances consistent with a point on the same line; no geometry
	// exists to pin down a 3-D fix.
	measured := map[string]float64{"A": 150, "B": 50, "C": 50, "D": 150}

	res := Solve(anchors, measured, Options{})
	if res.Reason != "singular" {
		t.Fatalf("expected singular for collinear anchors, got %q (pos=%v)", res.Reason, res.PositionCm)
	}
	if res.PositionCm != nil {
		t.Fatal("expected nil position")
	}
}

func TestSolveSingularWhenAnchorsCoincide(t *testing.T) {
	anchors := map[string]Point{
		"A": {XCm: 0, YCm: 0, ZCm: 0},
		"B": {XCm: 0, YCm: 0, ZCm: 0},
		"C": {XCm: 0, YCm: 0, ZCm: 0},
		"D": {XCm: 0, YCm: 0, ZCm: 0},
	}
	measured := map[string]float64{"A": 500, "B": 500, "C": 500, "D": 500}

	res := Solve(anchors, measured, Options{InitialCm: &Point{XCm: 0, YCm: 0, ZCm: 0}})
	if res.Reason != "singular" {
		t.Fatalf("expected singular, got %q (pos=%v)", res.Reason, res.PositionCm)
	}
}
