// Package trilateration implements the damped Gauss-Newton trilateration
// solver. It is a pure function over its inputs: no I/O, no
// shared state, safe to call concurrently from any number of tracking
// workers.
package trilateration

import "math"

// Point is a position in centimeters.
type Point struct {
	XCm float64
	YCm float64
	ZCm float64
}

const (
	defaultEpsStepCm = 0.2
	defaultMaxIter   = 12
	defaultDMinCm    = 1.0
	defaultDMaxCm    = 10000.0
	singularDet      = 1e-12
	minAnchors       = 4
)

// Options tunes the solver away from its defaults; zero values fall back
// to the package defaults.
type Options struct {
	ResidMaxM  float64
	EpsStepCm  float64
	MaxIter    int
	DMinCm     float64
	DMaxCm     float64
	InitialCm  *Point
}

func (o Options) residMaxM() float64 {
	if o.ResidMaxM > 0 {
		return o.ResidMaxM
	}
	return 5.0
}

func (o Options) epsStepCm() float64 {
	if o.EpsStepCm > 0 {
		return o.EpsStepCm
	}
	return defaultEpsStepCm
}

func (o Options) maxIter() int {
	if o.MaxIter > 0 {
		return o.MaxIter
	}
	return defaultMaxIter
}

func (o Options) dMinCm() float64 {
	if o.DMinCm > 0 {
		return o.DMinCm
	}
	return defaultDMinCm
}

func (o Options) dMaxCm() float64 {
	if o.DMaxCm > 0 {
		return o.DMaxCm
	}
	return defaultDMaxCm
}

// Result is the solver's output.
type Result struct {
	PositionCm  *Point
	AnchorsUsed []string
	ResidualM   float64
	Iterations  int
	Outliers    []string
	Reason      string // "" on success; "insufficient_anchors", "singular", "resid_gated" otherwise
}

// Solve estimates a 3D position from anchor positions and measured
// distances.
func Solve(anchorPositions map[string]Point, measuredCm map[string]float64, opts Options) Result {
	ids, positions, distances := filterUsable(anchorPositions, measuredCm, opts)
	if len(ids) < minAnchors {
		return Result{Reason: "insufficient_anchors"}
	}
	if collinear(positions) {
		return Result{Reason: "singular"}
	}

	initial := centroid(positions)
	if opts.InitialCm != nil {
		initial = *opts.InitialCm
	}

	x, iterations, residuals, reason := gaussNewton(positions, distances, initial, opts)
	if reason != "" {
		return Result{Reason: reason}
	}

	residM := rmsResidualM(residuals)
	if residM <= opts.residMaxM() {
		return Result{
			PositionCm:  &x,
			AnchorsUsed: ids,
			ResidualM:   residM,
			Iterations:  iterations,
		}
	}

	if len(ids) > minAnchors {
		dropIdx := worstResidualIndex(residuals)
		dropped := ids[dropIdx]

		redIDs := removeAt(ids, dropIdx)
		redPositions := removeAtPoint(positions, dropIdx)
		redDistances := removeAtFloat(distances, dropIdx)

		x2, iterations2, residuals2, reason2 := gaussNewton(redPositions, redDistances, x, opts)
		if reason2 == "" {
			residM2 := rmsResidualM(residuals2)
			if residM2 <= opts.residMaxM() {
				return Result{
					PositionCm:  &x2,
					AnchorsUsed: redIDs,
					ResidualM:   residM2,
					Iterations:  iterations + iterations2,
					Outliers:    []string{dropped},
				}
			}
		}
	}

	return Result{Reason: "resid_gated"}
}

func filterUsable(anchorPositions map[string]Point, measuredCm map[string]float64, opts Options) ([]string, []Point, []float64) {
	dMin, dMax := opts.dMinCm(), opts.dMaxCm()

	var ids []string
	var positions []Point
	var distances []float64

	for id, d := range measuredCm {
		pos, ok := anchorPositions[id]
		if !ok {
			continue
		}
		if d < dMin || d > dMax {
			continue
		}
		ids = append(ids, id)
		positions = append(positions, pos)
		distances = append(distances, d)
	}
	return ids, positions, distances
}

func centroid(positions []Point) Point {
	var c Point
	for _, p := range positions {
		c.XCm += p.XCm
		c.YCm += p.YCm
		c.ZCm += p.ZCm
	}
	n := float64(len(positions))
	if n == 0 {
		return c
	}
	c.XCm /= n
	c.YCm /= n
	c.ZCm /= n
	return c
}

// collinear reports whether all anchors lie on a single line (or a single
// point). Such geometry leaves the normal equations rank-deficient at
// every iterate, so the solve refuses it up front instead of letting
// damping drag the iteration to a meaningless fix.
func collinear(positions []Point) bool {
	base := positions[0]
	var dir Point
	haveDir := false
	for _, p := range positions[1:] {
		v := Point{XCm: p.XCm - base.XCm, YCm: p.YCm - base.YCm, ZCm: p.ZCm - base.ZCm}
		n := math.Sqrt(v.XCm*v.XCm + v.YCm*v.YCm + v.ZCm*v.ZCm)
		if n < 1e-9 {
			continue
		}
		if !haveDir {
			dir = Point{XCm: v.XCm / n, YCm: v.YCm / n, ZCm: v.ZCm / n}
			haveDir = true
			continue
		}
		cx := dir.YCm*v.ZCm - dir.ZCm*v.YCm
		cy := dir.ZCm*v.XCm - dir.XCm*v.ZCm
		cz := dir.XCm*v.YCm - dir.YCm*v.XCm
		if math.Sqrt(cx*cx+cy*cy+cz*cz) > 1e-6*n {
			return false
		}
	}
	return true
}

// gaussNewton runs damped Gauss-Newton from initial until convergence or
// max_iter. Returns the final estimate, iteration count, per-anchor
// residuals (cm) at the final estimate, and a failure reason ("singular")
// or "" on success.
func gaussNewton(positions []Point, distances []float64, initial Point, opts Options) (Point, int, []float64, string) {
	x := initial
	lambda := 1.0
	eps := opts.epsStepCm()
	maxIter := opts.maxIter()

	r := residuals(positions, distances, x)
	iterations := 0

	for iterations < maxIter {
		iterations++

		jTj, jTr := buildNormalEquations(positions, x, r)
		for i := 0; i < 3; i++ {
			jTj[i][i] += lambda
		}

		delta, det, ok := solve3x3(jTj, jTr)
		if !ok || math.Abs(det) < singularDet {
			return x, iterations, r, "singular"
		}

		candidate := Point{
			XCm: x.XCm - delta[0],
			YCm: x.YCm - delta[1],
			ZCm: x.ZCm - delta[2],
		}
		candidateR := residuals(positions, distances, candidate)

		if norm(candidateR) < norm(r) {
			stepNorm := math.Sqrt(delta[0]*delta[0] + delta[1]*delta[1] + delta[2]*delta[2])
			x = candidate
			r = candidateR
			lambda /= 10
			if stepNorm < eps {
				break
			}
		} else {
			lambda *= 10
		}
	}

	return x, iterations, r, ""
}

// residuals computes rᵢ = ‖x − aᵢ‖ − dᵢ for each anchor.
func residuals(positions []Point, distances []float64, x Point) []float64 {
	out := make([]float64, len(positions))
	for i, a := range positions {
		dx := x.XCm - a.XCm
		dy := x.YCm - a.YCm
		dz := x.ZCm - a.ZCm
		dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
		out[i] = dist - distances[i]
	}
	return out
}

// buildNormalEquations builds JᵀJ (3x3) and Jᵀr for the current residuals,
// with Jacobian row i = (x − aᵢ)/‖x − aᵢ‖.
func buildNormalEquations(positions []Point, x Point, r []float64) ([3][3]float64, [3]float64) {
	var jTj [3][3]float64
	var jTr [3]float64

	for i, a := range positions {
		dx := x.XCm - a.XCm
		dy := x.YCm - a.YCm
		dz := x.ZCm - a.ZCm
		dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if dist < 1e-9 {
			dist = 1e-9
		}
		j := [3]float64{dx / dist, dy / dist, dz / dist}

		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				jTj[row][col] += j[row] * j[col]
			}
			jTr[row] += j[row] * r[i]
		}
	}
	return jTj, jTr
}

// solve3x3 solves A·x = b via Cramer's rule, returning the determinant so
// the caller can test for singularity.
func solve3x3(a [3][3]float64, b [3]float64) ([3]float64, float64, bool) {
	det := det3(a)
	if det == 0 {
		return [3]float64{}, 0, false
	}

	var x [3]float64
	for col := 0; col < 3; col++ {
		m := a
		for row := 0; row < 3; row++ {
			m[row][col] = b[row]
		}
		x[col] = det3(m) / det
	}
	return x, det, true
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

func norm(r []float64) float64 {
	var sum float64
	for _, v := range r {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// rmsResidualM computes the RMS of per-anchor residuals, converted from
// centimeters to meters.
func rmsResidualM(residualsCm []float64) float64 {
	if len(residualsCm) == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range residualsCm {
		sumSq += v * v
	}
	rmsCm := math.Sqrt(sumSq / float64(len(residualsCm)))
	return rmsCm / 100.0
}

func worstResidualIndex(residualsCm []float64) int {
	worst := 0
	worstAbs := math.Abs(residualsCm[0])
	for i, v := range residualsCm {
		if math.Abs(v) > worstAbs {
			worst = i
			worstAbs = math.Abs(v)
		}
	}
	return worst
}

func removeAt(s []string, i int) []string {
	out := make([]string, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

func removeAtPoint(s []Point, i int) []Point {
	out := make([]Point, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

func removeAtFloat(s []float64, i int) []float64 {
	out := make([]float64, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}
