// Package pantilt computes pan/tilt angles for a moving-head fixture
// aimed at a target position, and slew-rate-limits angle changes between
// DMX ticks.
package pantilt

import "math"

// Point is a position in centimeters.
type Point struct {
	XCm float64
	YCm float64
	ZCm float64
}

// Geometry is the fixture-specific parameters applied after the raw
// pan/tilt angle computation.
type Geometry struct {
	PanOffsetDeg  float64
	TiltOffsetDeg float64
	PanZeroDeg    float64
	InvertPan     bool
	InvertTilt    bool
	PanMinDeg     float64
	PanMaxDeg     float64
	TiltMinDeg    float64
	TiltMaxDeg    float64
}

// Angles is a resolved pan/tilt pair in degrees.
type Angles struct {
	PanDeg  float64
	TiltDeg float64
}

// Aim computes the pan/tilt angles for a fixture mounted at mount,
// aimed at target.
func Aim(mount, target Point, g Geometry) Angles {
	vx := target.XCm - mount.XCm
	vy := target.YCm - mount.YCm
	vz := target.ZCm - mount.ZCm

	panDeg := radToDeg(math.Atan2(vy, vx))
	tiltDeg := radToDeg(math.Atan2(vz, math.Sqrt(vx*vx+vy*vy)))

	panDeg += g.PanOffsetDeg
	tiltDeg += g.TiltOffsetDeg

	panDeg = wrapAroundZero(panDeg, g.PanZeroDeg)

	if g.InvertPan {
		panDeg = -panDeg
	}
	if g.InvertTilt {
		tiltDeg = -tiltDeg
	}

	panDeg = clamp(panDeg, g.PanMinDeg, g.PanMaxDeg)
	tiltDeg = clamp(tiltDeg, g.TiltMinDeg, g.TiltMaxDeg)

	return Angles{PanDeg: panDeg, TiltDeg: tiltDeg}
}

func radToDeg(rad float64) float64 { return rad * 180.0 / math.Pi }

// wrapAroundZero rotates deg so that zero becomes the reference via
// shortest-arc wrap into (zero-180, zero+180].
func wrapAroundZero(deg, zero float64) float64 {
	d := deg - zero
	for d <= -180 {
		d += 360
	}
	for d > 180 {
		d -= 360
	}
	return d + zero
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// SlewLimit bounds the change from prev to target to at most maxDegPerS *
// dtS, taking the shortest-arc delta wrapped into (-180, 180] when wrap is
// true. Tilt is never wrapped; pan always is.
func SlewLimit(prev, target, maxDegPerS, dtS float64, wrap bool) float64 {
	delta := target - prev
	if wrap {
		for delta <= -180 {
			delta += 360
		}
		for delta > 180 {
			delta -= 360
		}
	}

	if maxDegPerS <= 0 {
		// Zero/negative max rate means "no limit" — a fixture with no
		// configured slew rate snaps straight to target.
		return target
	}

	maxStep := maxDegPerS * dtS
	if math.Abs(delta) <= maxStep {
		return prev + delta
	}

	sign := 1.0
	if delta < 0 {
		sign = -1.0
	}
	return prev + sign*maxStep
}
