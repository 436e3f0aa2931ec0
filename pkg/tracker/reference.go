package tracker

import (
	"math"
	"sync"

	"speckletrack/internal/grid"
)

// Reference holds the reconstructed reference (object) image together with
// its normalization accumulators and the offset that translates mapped
// detector coordinates into reference array indices.
type Reference[T grid.Float] struct {
	// Image is the reference speckle pattern estimate. Cells that received
	// no back-projected intensity hold the no-data sentinel.
	Image grid.Grid[T]

	// Weight accumulates the squared whitefield weight per reference cell
	// and normalizes Image.
	Weight grid.Grid[T]

	// Hits accumulates the raw scatter weight per reference cell: how many
	// detector samples landed there.
	Hits grid.Grid[T]

	// OffsetY and OffsetX translate a mapped detector coordinate into a
	// reference array index: index = coordinate + offset.
	OffsetY, OffsetX float64
}

// Sample interpolates the reference image at the mapped detector coordinate
// (y, x). It reports failure when the coordinate falls outside the
// reference extent or touches cells without data.
func (r Reference[T]) Sample(y, x float64, subpixel bool) (float64, bool) {
	return r.Image.Sample(y+r.OffsetY, x+r.OffsetX, subpixel)
}

// Reconstruct builds the reference image by back-projecting every valid,
// whitefield-normalized detector pixel of every frame onto the reference
// plane at the coordinate given by the displacement map minus the frame's
// pixel-space translation. With subpixel set the intensity is scattered
// bilinearly over the four neighboring reference cells; otherwise it lands
// on the nearest cell. The reconstruction is a pure function of its inputs:
// the extent, accumulators, and image are recomputed wholesale on every
// call.
func Reconstruct[T grid.Float](data grid.Stack[T], mask grid.Mask, wf grid.Grid[T],
	pm grid.Map[T], di, dj []float64, subpixel bool, workers int) Reference[T] {

	minY, maxY, minX, maxX, any := mapExtent(mask, wf, pm, di, dj)
	if !any {
		return Reference[T]{
			Image:  grid.NewFilled(1, 1, grid.NoData[T]()),
			Weight: grid.New[T](1, 1),
			Hits:   grid.New[T](1, 1),
		}
	}

	offY := -math.Floor(minY)
	offX := -math.Floor(minX)
	rows := int(math.Ceil(maxY+offY)) + 2
	cols := int(math.Ceil(maxX+offX)) + 2

	workers = clampWorkers(workers, data.Frames*data.Rows)
	partials := make([]refAccum, workers)

	// Each worker accumulates into private buffers over a chunk of the
	// (frame, row) work list; the buffers are merged afterwards, so no two
	// goroutines ever write the same cell.
	items := data.Frames * data.Rows
	perWorker := (items + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if end > items {
			end = items
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			p := refAccum{
				intens: make([]float64, rows*cols),
				weight: make([]float64, rows*cols),
				hits:   make([]float64, rows*cols),
			}
			for item := start; item < end; item++ {
				n := item / data.Rows
				i := item % data.Rows
				for j := 0; j < data.Cols; j++ {
					w0 := float64(wf.At(i, j))
					if !mask.At(i, j) || w0 <= 0 {
						continue
					}
					v := float64(data.At(n, i, j))
					if v != v {
						continue
					}
					y := float64(pm.Y.At(i, j)) - di[n] + offY
					x := float64(pm.X.At(i, j)) - dj[n] + offX
					scatter(&p, rows, cols, y, x, v, w0, subpixel)
				}
			}
			partials[w] = p
		}(w, start, end)
	}
	wg.Wait()

	ref := Reference[T]{
		Image:   grid.New[T](rows, cols),
		Weight:  grid.New[T](rows, cols),
		Hits:    grid.New[T](rows, cols),
		OffsetY: offY,
		OffsetX: offX,
	}
	for idx := 0; idx < rows*cols; idx++ {
		var intens, weight, hits float64
		for w := range partials {
			if partials[w].intens == nil {
				continue
			}
			intens += partials[w].intens[idx]
			weight += partials[w].weight[idx]
			hits += partials[w].hits[idx]
		}
		ref.Weight.Data[idx] = T(weight)
		ref.Hits.Data[idx] = T(hits)
		if weight > 0 {
			ref.Image.Data[idx] = T(intens / weight)
		} else {
			ref.Image.Data[idx] = grid.NoData[T]()
		}
	}
	return ref
}

// refAccum is one worker's private set of reconstruction accumulators.
type refAccum struct {
	intens, weight, hits []float64
}

// scatter deposits one whitefield-weighted sample at the continuous
// reference coordinate (y, x). Targets outside the accumulator extent are
// excluded, never wrapped or clamped.
func scatter(p *refAccum, rows, cols int, y, x, v, w0 float64, subpixel bool) {
	deposit := func(i, j int, ws float64) {
		if i < 0 || i >= rows || j < 0 || j >= cols || ws == 0 {
			return
		}
		idx := i*cols + j
		p.intens[idx] += ws * w0 * v
		p.weight[idx] += ws * w0 * w0
		p.hits[idx] += ws
	}

	if !subpixel {
		deposit(int(math.Round(y)), int(math.Round(x)), 1)
		return
	}
	i0 := int(math.Floor(y))
	j0 := int(math.Floor(x))
	fy := y - float64(i0)
	fx := x - float64(j0)
	deposit(i0, j0, (1-fy)*(1-fx))
	deposit(i0, j0+1, (1-fy)*fx)
	deposit(i0+1, j0, fy*(1-fx))
	deposit(i0+1, j0+1, fy*fx)
}

// mapExtent returns the bounding box of mapped reference coordinates over
// all valid detector pixels and all frames. Non-finite map entries are
// ignored.
func mapExtent[T grid.Float](mask grid.Mask, wf grid.Grid[T], pm grid.Map[T], di, dj []float64) (minY, maxY, minX, maxX float64, any bool) {
	minU, maxU := math.Inf(1), math.Inf(-1)
	minV, maxV := math.Inf(1), math.Inf(-1)
	for i := 0; i < pm.Rows(); i++ {
		for j := 0; j < pm.Cols(); j++ {
			if !mask.At(i, j) || float64(wf.At(i, j)) <= 0 {
				continue
			}
			y := float64(pm.Y.At(i, j))
			x := float64(pm.X.At(i, j))
			if math.IsNaN(y) || math.IsInf(y, 0) || math.IsNaN(x) || math.IsInf(x, 0) {
				continue
			}
			any = true
			minU = math.Min(minU, y)
			maxU = math.Max(maxU, y)
			minV = math.Min(minV, x)
			maxV = math.Max(maxV, x)
		}
	}
	if !any || len(di) == 0 {
		return 0, 0, 0, 0, false
	}
	minDi, maxDi := di[0], di[0]
	minDj, maxDj := dj[0], dj[0]
	for n := 1; n < len(di); n++ {
		minDi = math.Min(minDi, di[n])
		maxDi = math.Max(maxDi, di[n])
		minDj = math.Min(minDj, dj[n])
		maxDj = math.Max(maxDj, dj[n])
	}
	return minU - maxDi, maxU - minDi, minV - maxDj, maxV - minDj, true
}
