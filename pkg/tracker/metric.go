package tracker

import (
	"sync"

	"gonum.org/v1/gonum/floats"

	"speckletrack/internal/grid"
)

// Evaluate computes the total registration error of the current model: the
// sum over all valid pixels and frames of the squared residual between the
// observed intensity and the whitefield-scaled reference sampled at the
// pixel's mapped coordinate. Pixels whose mapped coordinate falls outside
// the reference's valid region are excluded from the accumulation. Returns
// the total and the per-frame breakdown.
func Evaluate[T grid.Float](data grid.Stack[T], mask grid.Mask, wf grid.Grid[T],
	ref Reference[T], pm grid.Map[T], di, dj []float64, subpixel bool, workers int) (float64, []float64) {

	perFrame := make([]float64, data.Frames)
	workers = clampWorkers(workers, data.Rows)
	rowsPerWorker := (data.Rows + workers - 1) / workers

	for n := 0; n < data.Frames; n++ {
		sums := make([]float64, workers)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			start := w * rowsPerWorker
			end := start + rowsPerWorker
			if end > data.Rows {
				end = data.Rows
			}
			if start >= end {
				continue
			}
			wg.Add(1)
			go func(w, start, end int) {
				defer wg.Done()
				sum := 0.0
				for i := start; i < end; i++ {
					for j := 0; j < data.Cols; j++ {
						w0 := float64(wf.At(i, j))
						if !mask.At(i, j) || w0 <= 0 {
							continue
						}
						v := float64(data.At(n, i, j))
						if v != v {
							continue
						}
						y := float64(pm.Y.At(i, j)) - di[n]
						x := float64(pm.X.At(i, j)) - dj[n]
						i0, ok := ref.Sample(y, x, subpixel)
						if !ok {
							continue
						}
						r := v - w0*i0
						sum += r * r
					}
				}
				sums[w] = sum
			}(w, start, end)
		}
		wg.Wait()
		perFrame[n] = floats.Sum(sums)
	}
	return floats.Sum(perFrame), perFrame
}
