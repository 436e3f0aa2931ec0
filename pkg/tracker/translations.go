package tracker

import (
	"math"
	"sync"

	"speckletrack/internal/grid"
)

// RefineTranslations re-estimates each frame's global pixel-space
// translation by the same correlation-search principle as the displacement
// map refiner, holding the per-pixel map fixed and varying only the
// frame-level offset. Frames are scored independently on a worker pool.
// A frame whose search window produced no valid reference sample keeps its
// previous translation.
func RefineTranslations[T grid.Float](data grid.Stack[T], mask grid.Mask, wf grid.Grid[T],
	ref Reference[T], pm grid.Map[T], di, dj []float64, opts RefineOptions) ([]float64, []float64) {

	newDi := make([]float64, len(di))
	newDj := make([]float64, len(dj))
	copy(newDi, di)
	copy(newDj, dj)

	type job struct{ frame int }
	jobs := make(chan job, data.Frames)
	var wg sync.WaitGroup

	workers := clampWorkers(opts.Workers, data.Frames)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jb := range jobs {
				n := jb.frame
				cost := func(offY, offX float64) (float64, bool) {
					return frameCost(data, mask, wf, ref, pm, di[n]-offY, dj[n]-offX, n, opts.Subpixel)
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
					continue
				}

				offY, offX := float64(bestY), float64(bestX)
				if opts.QuadraticRefinement {
					if sy, sx, ok := quadraticPeak(cost, offY, offX); ok {
						offY += sy
						offX += sx
					}
				} else if opts.Subpixel {
					offY += parabolicPeak(cost, offY, offX, true)
					offX += parabolicPeak(cost, offY, offX, false)
				}
				// An offset of the mapped coordinate by +d is a translation
				// change of -d, since coordinates are map minus translation.
				newDi[n] = di[n] - offY
				newDj[n] = dj[n] - offX
			}
		}()
	}

	for n := 0; n < data.Frames; n++ {
		jobs <- job{frame: n}
	}
	close(jobs)
	wg.Wait()
	return newDi, newDj
}

// frameCost evaluates the mean squared residual of one frame under a
// candidate translation.
func frameCost[T grid.Float](data grid.Stack[T], mask grid.Mask, wf grid.Grid[T],
	ref Reference[T], pm grid.Map[T], di, dj float64, n int, subpixel bool) (float64, bool) {

	sum := 0.0
	count := 0
	for i := 0; i < data.Rows; i++ {
		for j := 0; j < data.Cols; j++ {
			w0 := float64(wf.At(i, j))
			if !mask.At(i, j) || w0 <= 0 {
				continue
			}
			v := float64(data.At(n, i, j))
			if v != v {
				continue
			}
			y := float64(pm.Y.At(i, j)) - di
			x := float64(pm.X.At(i, j)) - dj
			i0, ok := ref.Sample(y, x, subpixel)
			if !ok {
				continue
			}
			r := v - w0*i0
			sum += r * r
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}
