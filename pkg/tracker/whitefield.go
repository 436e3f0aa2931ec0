package tracker

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"speckletrack/internal/grid"
)

// Whitefield estimates the per-pixel illumination profile of the frame
// stack: the median across frames of every valid pixel. Pixels excluded by
// the mask, or with no finite samples, get zero, which marks them invalid
// for all later stages. The estimate is symmetric under any reordering of
// the frames.
func Whitefield[T grid.Float](data grid.Stack[T], mask grid.Mask, workers int) grid.Grid[T] {
	wf := grid.New[T](data.Rows, data.Cols)
	workers = clampWorkers(workers, data.Rows)

	var wg sync.WaitGroup
	rowsPerWorker := (data.Rows + workers - 1) / workers
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
		go func(start, end int) {
			defer wg.Done()
			buf := make([]float64, 0, data.Frames)
			for i := start; i < end; i++ {
				for j := 0; j < data.Cols; j++ {
					if !mask.At(i, j) {
						continue
					}
					buf = buf[:0]
					for n := 0; n < data.Frames; n++ {
						v := float64(data.At(n, i, j))
						if v == v {
							buf = append(buf, v)
						}
					}
					if len(buf) == 0 {
						continue
					}
					sort.Float64s(buf)
					wf.Set(i, j, T(stat.Quantile(0.5, stat.Empirical, buf, nil)))
				}
			}
		}(start, end)
	}
	wg.Wait()
	return wf
}

// clampWorkers bounds a worker count to [1, limit].
func clampWorkers(workers, limit int) int {
	if workers < 1 {
		workers = 1
	}
	if limit >= 1 && workers > limit {
		workers = limit
	}
	return workers
}
