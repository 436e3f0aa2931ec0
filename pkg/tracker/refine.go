package tracker

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"speckletrack/internal/grid"
	"speckletrack/pkg/filter"
)

// RefineOptions controls one displacement-map refinement pass.
type RefineOptions struct {
	// Window is the search half-width W: integer offsets in [-W, W] along
	// both axes are evaluated around each pixel's current mapped
	// coordinate.
	Window int

	// Subpixel enables bilinear reference sampling and a per-axis
	// parabolic fit around the best integer offset.
	Subpixel bool

	// QuadraticRefinement upgrades the subpixel step to a full 2-D
	// quadratic surface fit over the 3x3 cost neighborhood of the best
	// integer offset.
	QuadraticRefinement bool

	// FillBadPixels interpolates the displacement of masked-out pixels
	// from the refined values of their valid neighbors instead of leaving
	// them stale.
	FillBadPixels bool

	// Integrate projects the aberration part of the refined map onto a
	// curl-free field. Lens aberrations are phase gradients, so their
	// displacement field carries no rotational component.
	Integrate bool

	// SmoothSigma, when positive, applies a Gaussian regularization of
	// that width to the full updated map after the per-pixel search.
	SmoothSigma float64

	// Workers bounds the number of goroutines used for the per-pixel
	// search.
	Workers int
}

// RefineMap performs one correlation-search refinement of the displacement
// map: for every valid detector pixel, independently, it searches integer
// offsets within the window around the current mapped coordinate for the
// one minimizing the mean squared residual across frames against the
// reference image, with optional subpixel refinement. The offset (0, 0) is
// always a candidate, so a pixel's local residual never increases; among
// equal-cost candidates the smallest-magnitude offset wins. A pixel whose
// entire search window falls outside the reference's valid region keeps its
// previous displacement. The input map is not modified.
func RefineMap[T grid.Float](data grid.Stack[T], mask grid.Mask, wf grid.Grid[T],
	ref Reference[T], pm grid.Map[T], di, dj []float64, opts RefineOptions) grid.Map[T] {

	out := pm.Clone()
	rows, cols := pm.Rows(), pm.Cols()
	workers := clampWorkers(opts.Workers, rows)
	rowsPerWorker := (rows + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if end > rows {
			end = rows
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				for j := 0; j < cols; j++ {
					if !mask.At(i, j) || float64(wf.At(i, j)) <= 0 {
						continue
					}
					dy, dx, ok := searchPixel(data, wf, ref, pm, di, dj, i, j, opts)
					if !ok {
						continue
					}
					out.Y.Set(i, j, T(float64(pm.Y.At(i, j))+dy))
					out.X.Set(i, j, T(float64(pm.X.At(i, j))+dx))
				}
			}
		}(start, end)
	}
	wg.Wait()

	if opts.FillBadPixels {
		fillBadPixels(out, mask, wf)
	}
	if opts.SmoothSigma > 0 {
		applyToAberration(out, func(dy, dx grid.Grid[T]) (grid.Grid[T], grid.Grid[T]) {
			return filter.GaussianSmooth(dy, opts.SmoothSigma), filter.GaussianSmooth(dx, opts.SmoothSigma)
		})
	}
	if opts.Integrate {
		applyToAberration(out, filter.IntegrateField[T])
	}
	return out
}

// searchPixel finds the window offset minimizing the mean squared residual
// for one detector pixel. It reports !ok when no candidate offset produced
// a valid reference sample in any frame.
func searchPixel[T grid.Float](data grid.Stack[T], wf grid.Grid[T], ref Reference[T],
	pm grid.Map[T], di, dj []float64, i, j int, opts RefineOptions) (float64, float64, bool) {

	cost := func(offY, offX float64) (float64, bool) {
		return offsetCost(data, wf, ref, pm, di, dj, i, j, offY, offX, opts.Subpixel)
	}

	bestY, bestX := 0, 0
	bestCost := math.Inf(1)
	bestMag := math.MaxInt64
	found := false
	for dy := -opts.Window; dy <= opts.Window; dy++ {
		for dx := -opts.Window; dx <= opts.Window; dx++ {
			c, ok := cost(float64(dy), float64(dx))
			if !ok {
				continue
			}
			mag := dy*dy + dx*dx
			if !found || c < bestCost || (c == bestCost && mag < bestMag) {
				bestY, bestX = dy, dx
				bestCost = c
				bestMag = mag
				found = true
			}
		}
	}
	if !found {
		return 0, 0, false
	}

	offY, offX := float64(bestY), float64(bestX)
	if opts.QuadraticRefinement {
		if sy, sx, ok := quadraticPeak(cost, offY, offX); ok {
			return offY + sy, offX + sx, true
		}
	}
	if opts.Subpixel {
		offY += parabolicPeak(cost, offY, offX, true)
		offX += parabolicPeak(cost, offY, offX, false)
	}
	return offY, offX, true
}

// offsetCost evaluates the mean squared residual of pixel (i, j) across all
// frames with the candidate offset applied to its mapped coordinate.
func offsetCost[T grid.Float](data grid.Stack[T], wf grid.Grid[T], ref Reference[T],
	pm grid.Map[T], di, dj []float64, i, j int, offY, offX float64, subpixel bool) (float64, bool) {

	w0 := float64(wf.At(i, j))
	y0 := float64(pm.Y.At(i, j)) + offY
	x0 := float64(pm.X.At(i, j)) + offX

	sum := 0.0
	count := 0
	for n := 0; n < data.Frames; n++ {
		v := float64(data.At(n, i, j))
		if v != v {
			continue
		}
		i0, ok := ref.Sample(y0-di[n], x0-dj[n], subpixel)
		if !ok {
			continue
		}
		r := v - w0*i0
		sum += r * r
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// parabolicPeak fits a parabola through the cost at the best offset and its
// two axis neighbors and returns the sub-integer correction, clamped to
// half a pixel. A non-convex or incomplete triple returns zero.
func parabolicPeak(cost func(float64, float64) (float64, bool), offY, offX float64, alongY bool) float64 {
	var cm, c0, cp float64
	var okm, ok0, okp bool
	if alongY {
		cm, okm = cost(offY-1, offX)
		c0, ok0 = cost(offY, offX)
		cp, okp = cost(offY+1, offX)
	} else {
		cm, okm = cost(offY, offX-1)
		c0, ok0 = cost(offY, offX)
		cp, okp = cost(offY, offX+1)
	}
	if !okm || !ok0 || !okp {
		return 0
	}
	den := cm - 2*c0 + cp
	if den <= 0 {
		return 0
	}
	d := 0.5 * (cm - cp) / den
	return math.Max(-0.5, math.Min(0.5, d))
}

// quadraticPeak fits the quadratic surface
// c0 + c1 y + c2 x + c3 y^2 + c4 yx + c5 x^2 to the 3x3 cost neighborhood
// of the best offset by least squares and returns its stationary point when
// it is a minimum within one pixel of the center.
func quadraticPeak(cost func(float64, float64) (float64, bool), offY, offX float64) (float64, float64, bool) {
	var rowsA []float64
	var rowsB []float64
	for dy := -1.0; dy <= 1; dy++ {
		for dx := -1.0; dx <= 1; dx++ {
			c, ok := cost(offY+dy, offX+dx)
			if !ok {
				continue
			}
			rowsA = append(rowsA, 1, dy, dx, dy*dy, dy*dx, dx*dx)
			rowsB = append(rowsB, c)
		}
	}
	m := len(rowsB)
	if m < 6 {
		return 0, 0, false
	}

	a := mat.NewDense(m, 6, rowsA)
	b := mat.NewVecDense(m, rowsB)
	var coef mat.VecDense
	if err := coef.SolveVec(a, b); err != nil {
		return 0, 0, false
	}

	c1, c2 := coef.AtVec(1), coef.AtVec(2)
	c3, c4, c5 := coef.AtVec(3), coef.AtVec(4), coef.AtVec(5)
	det := 4*c3*c5 - c4*c4
	if c3 <= 0 || det <= 0 {
		return 0, 0, false
	}
	// Solve [2c3 c4; c4 2c5] [y x]^T = -[c1 c2]^T.
	sy := (-2*c5*c1 + c4*c2) / det
	sx := (-2*c3*c2 + c4*c1) / det
	if math.Abs(sy) > 1 || math.Abs(sx) > 1 {
		return 0, 0, false
	}
	return sy, sx, true
}

// fillBadPixels replaces the displacement of masked-out pixels with an
// inverse-square-distance average of the nearest refined valid neighbors,
// expressed relative to the identity grid so the fill interpolates the
// distortion, not raw coordinates.
func fillBadPixels[T grid.Float](pm grid.Map[T], mask grid.Mask, wf grid.Grid[T]) {
	rows, cols := pm.Rows(), pm.Cols()
	valid := func(i, j int) bool {
		return mask.At(i, j) && float64(wf.At(i, j)) > 0
	}
	maxR := rows
	if cols > maxR {
		maxR = cols
	}

	type fill struct {
		i, j int
		y, x float64
	}
	var fills []fill
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if valid(i, j) {
				continue
			}
			var sumY, sumX, sumW float64
			for r := 1; r <= maxR; r++ {
				for _, p := range ring(i, j, r, rows, cols) {
					if !valid(p[0], p[1]) {
						continue
					}
					d2 := float64((p[0]-i)*(p[0]-i) + (p[1]-j)*(p[1]-j))
					w := 1 / d2
					sumY += w * (float64(pm.Y.At(p[0], p[1])) - float64(p[0]))
					sumX += w * (float64(pm.X.At(p[0], p[1])) - float64(p[1]))
					sumW += w
				}
				if sumW > 0 {
					break
				}
			}
			if sumW > 0 {
				fills = append(fills, fill{i, j, float64(i) + sumY/sumW, float64(j) + sumX/sumW})
			}
		}
	}
	// Apply after scanning so fills never feed other fills.
	for _, f := range fills {
		pm.Y.Set(f.i, f.j, T(f.y))
		pm.X.Set(f.i, f.j, T(f.x))
	}
}

// ring lists the in-bounds pixels at Chebyshev distance r from (i, j).
func ring(i, j, r, rows, cols int) [][2]int {
	var out [][2]int
	add := func(y, x int) {
		if y >= 0 && y < rows && x >= 0 && x < cols {
			out = append(out, [2]int{y, x})
		}
	}
	for x := j - r; x <= j+r; x++ {
		add(i-r, x)
		add(i+r, x)
	}
	for y := i - r + 1; y <= i+r-1; y++ {
		add(y, j-r)
		add(y, j+r)
	}
	return out
}

// applyToAberration runs fn on the aberration component of the map (the
// deviation from the identity grid) and writes the result back on top of
// the identity, so border effects of the filter do not distort the
// coordinate ramp itself.
func applyToAberration[T grid.Float](pm grid.Map[T], fn func(dy, dx grid.Grid[T]) (grid.Grid[T], grid.Grid[T])) {
	rows, cols := pm.Rows(), pm.Cols()
	dy := grid.New[T](rows, cols)
	dx := grid.New[T](rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dy.Set(i, j, pm.Y.At(i, j)-T(i))
			dx.Set(i, j, pm.X.At(i, j)-T(j))
		}
	}
	dy, dx = fn(dy, dx)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			pm.Y.Set(i, j, T(i)+dy.At(i, j))
			pm.X.Set(i, j, T(j)+dx.At(i, j))
		}
	}
}
