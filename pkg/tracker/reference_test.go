package tracker

import (
	"math"
	"math/rand"
	"testing"

	"speckletrack/internal/grid"
)

// Shifted integer views of one random pattern with a unit whitefield must
// reconstruct the pattern exactly wherever any frame deposited intensity.
func TestReconstructShiftedViews(t *testing.T) {
	const rows, cols = 12, 14
	pattern := randomReference(rows+8, cols+8, 0, 0, 11)

	di := []float64{-2, 0, 2}
	dj := []float64{1, 0, -1}
	data := grid.NewStack[float64](3, rows, cols)
	for n := 0; n < 3; n++ {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				y := i - int(di[n]) + 4
				x := j - int(dj[n]) + 4
				data.Set(n, i, j, pattern.Image.At(y, x))
			}
		}
	}

	mask := fullMask(rows, cols)
	wf := onesGrid(rows, cols)
	pm := grid.Identity[float64](rows, cols)

	ref := Reconstruct(data, mask, wf, pm, di, dj, false, 4)

	for n := 0; n < 3; n++ {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				got, ok := ref.Sample(float64(i)-di[n], float64(j)-dj[n], false)
				if !ok {
					t.Fatalf("frame %d pixel (%d,%d) has no reconstructed value", n, i, j)
				}
				want := data.At(n, i, j)
				if math.Abs(got-want) > 1e-12 {
					t.Fatalf("frame %d pixel (%d,%d): reconstructed %v, want %v", n, i, j, got, want)
				}
			}
		}
	}
}

// The reconstruction is a pure function of its inputs: two calls with the
// same inputs agree cell for cell, whatever the worker count.
func TestReconstructDeterministic(t *testing.T) {
	const frames, rows, cols = 4, 10, 10
	rng := rand.New(rand.NewSource(7))
	data := grid.NewStack[float64](frames, rows, cols)
	for i := range data.Data {
		data.Data[i] = rng.Float64() * 10
	}
	di := []float64{0.5, -0.5, 1.5, -1.5}
	dj := []float64{-1, 1, 0, 0}
	mask := fullMask(rows, cols)
	wf := onesGrid(rows, cols)
	pm := grid.Identity[float64](rows, cols)

	a := Reconstruct(data, mask, wf, pm, di, dj, true, 1)
	b := Reconstruct(data, mask, wf, pm, di, dj, true, 6)

	if a.Image.Rows != b.Image.Rows || a.Image.Cols != b.Image.Cols {
		t.Fatalf("shapes differ: %dx%d vs %dx%d", a.Image.Rows, a.Image.Cols, b.Image.Rows, b.Image.Cols)
	}
	for idx := range a.Image.Data {
		av, bv := a.Image.Data[idx], b.Image.Data[idx]
		if grid.IsNoData(av) != grid.IsNoData(bv) {
			t.Fatalf("cell %d: no-data disagreement", idx)
		}
		if !grid.IsNoData(av) && math.Abs(av-bv) > 1e-9 {
			t.Fatalf("cell %d: %v vs %v", idx, av, bv)
		}
	}
}

func TestReconstructWhitefieldNormalization(t *testing.T) {
	// One frame, identity map, zero translation: the model I = w * I0 gives
	// I0 = I/w wherever the whitefield is positive.
	const rows, cols = 6, 6
	rng := rand.New(rand.NewSource(5))
	data := grid.NewStack[float64](1, rows, cols)
	wf := grid.New[float64](rows, cols)
	for i := range data.Data {
		wf.Data[i] = 1 + rng.Float64()
		data.Data[i] = wf.Data[i] * (2 + rng.Float64())
	}
	mask := fullMask(rows, cols)
	pm := grid.Identity[float64](rows, cols)

	ref := Reconstruct(data, mask, wf, pm, []float64{0}, []float64{0}, false, 2)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			got, ok := ref.Sample(float64(i), float64(j), false)
			if !ok {
				t.Fatalf("pixel (%d,%d) missing from reconstruction", i, j)
			}
			want := data.At(0, i, j) / wf.At(i, j)
			if math.Abs(got-want) > 1e-12 {
				t.Errorf("pixel (%d,%d): I0 = %v, want %v", i, j, got, want)
			}
		}
	}
}

func TestReconstructEmptyInput(t *testing.T) {
	data := grid.NewStack[float64](2, 4, 4)
	mask := grid.NewMask(4, 4, false)
	wf := onesGrid(4, 4)
	pm := grid.Identity[float64](4, 4)

	ref := Reconstruct(data, mask, wf, pm, []float64{0, 0}, []float64{0, 0}, true, 2)
	if ref.Image.Rows != 1 || ref.Image.Cols != 1 {
		t.Fatalf("empty reconstruction is %dx%d, want 1x1", ref.Image.Rows, ref.Image.Cols)
	}
	if !grid.IsNoData(ref.Image.At(0, 0)) {
		t.Errorf("empty reconstruction cell = %v, want no-data", ref.Image.At(0, 0))
	}
	if _, ok := ref.Sample(0, 0, false); ok {
		t.Error("sampling an empty reconstruction succeeded")
	}
}

func TestReconstructHitsAndWeight(t *testing.T) {
	// Two identical frames at zero translation: every target cell gets two
	// nearest-neighbor deposits of weight 1 and weight w^2 each.
	const rows, cols = 3, 3
	data := grid.NewStack[float64](2, rows, cols)
	wf := grid.NewFilled[float64](rows, cols, 2)
	for i := range data.Data {
		data.Data[i] = 6
	}
	mask := fullMask(rows, cols)
	pm := grid.Identity[float64](rows, cols)

	ref := Reconstruct(data, mask, wf, pm, []float64{0, 0}, []float64{0, 0}, false, 1)
	y := int(0 + ref.OffsetY)
	x := int(0 + ref.OffsetX)
	if got := float64(ref.Hits.At(y, x)); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := float64(ref.Weight.At(y, x)); got != 8 {
		t.Errorf("weight = %v, want 8", got)
	}
	if got := float64(ref.Image.At(y, x)); math.Abs(got-3) > 1e-12 {
		t.Errorf("image = %v, want 3", got)
	}
}

func TestReconstructSkipsNonFiniteMapEntries(t *testing.T) {
	const rows, cols = 5, 5
	data := grid.NewStack[float64](1, rows, cols)
	for i := range data.Data {
		data.Data[i] = 1
	}
	mask := fullMask(rows, cols)
	wf := onesGrid(rows, cols)
	pm := grid.Identity[float64](rows, cols)
	pm.Y.Set(2, 2, grid.NoData[float64]())

	ref := Reconstruct(data, mask, wf, pm, []float64{0}, []float64{0}, false, 1)
	if ref.Image.Rows > rows+2 || ref.Image.Cols > cols+2 {
		t.Errorf("non-finite map entry inflated the extent to %dx%d", ref.Image.Rows, ref.Image.Cols)
	}
}
