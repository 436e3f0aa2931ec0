package filter

import (
	"math"
	"testing"

	"speckletrack/internal/grid"
)

// convolveDirect is the quadratic-time reference used to validate the FFT
// path, with the same reflect boundary handling.
func convolveDirect(data, kernel []float64) []float64 {
	r := len(kernel) / 2
	out := make([]float64, len(data))
	for i := range data {
		sum := 0.0
		for k := range kernel {
			src := i + k - r
			if src < 0 {
				src = -src
			}
			if src >= len(data) {
				src = 2*(len(data)-1) - src
			}
			if src < 0 {
				src = 0
			}
			sum += kernel[len(kernel)-1-k] * data[src]
		}
		out[i] = sum
	}
	return out
}

func TestConvolveMatchesDirect(t *testing.T) {
	data := []float64{1, 4, 2, 8, 5, 7, 3, 6, 9, 0, 2, 4}
	kernel := []float64{0.25, 0.5, 0.25}

	got := Convolve(data, kernel)
	want := convolveDirect(data, kernel)

	if len(got) != len(want) {
		t.Fatalf("length mismatch: expected %d, got %d", len(want), len(got))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("index %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestGaussianKernelNormalized(t *testing.T) {
	for _, sigma := range []float64{0.5, 1.0, 2.5} {
		k := GaussianKernel(sigma)
		if len(k)%2 == 0 {
			t.Errorf("sigma %v: kernel length should be odd, got %d", sigma, len(k))
		}
		sum := 0.0
		for _, v := range k {
			sum += v
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("sigma %v: kernel should sum to 1, got %v", sigma, sum)
		}
		// Symmetry around the center tap.
		for i := 0; i < len(k)/2; i++ {
			if math.Abs(k[i]-k[len(k)-1-i]) > 1e-12 {
				t.Errorf("sigma %v: kernel not symmetric at %d", sigma, i)
			}
		}
	}
}

func TestGaussianSmoothConstant(t *testing.T) {
	g := grid.NewFilled[float64](8, 10, 3.5)
	out := GaussianSmooth(g, 1.2)
	for i := 0; i < g.Rows; i++ {
		for j := 0; j < g.Cols; j++ {
			if math.Abs(out.At(i, j)-3.5) > 1e-9 {
				t.Fatalf("constant field changed at (%d,%d): %v", i, j, out.At(i, j))
			}
		}
	}
}

func TestGaussianSmoothReducesVariance(t *testing.T) {
	g := grid.New[float64](16, 16)
	for i := 0; i < 16; i++ {
		for j := 0; j < 16; j++ {
			// Checkerboard: the roughest signal on the grid.
			if (i+j)%2 == 0 {
				g.Set(i, j, 1)
			} else {
				g.Set(i, j, -1)
			}
		}
	}

	out := GaussianSmooth(g, 1.0)
	varIn, varOut := 0.0, 0.0
	for idx := range g.Data {
		varIn += g.Data[idx] * g.Data[idx]
		varOut += out.Data[idx] * out.Data[idx]
	}
	if varOut >= varIn/2 {
		t.Errorf("smoothing should damp a checkerboard strongly: in %v, out %v", varIn, varOut)
	}
}

func TestGaussianSmoothNoopSigma(t *testing.T) {
	g := grid.New[float64](4, 4)
	g.Set(2, 2, 5)
	out := GaussianSmooth(g, 0)
	for idx := range g.Data {
		if out.Data[idx] != g.Data[idx] {
			t.Fatal("sigma <= 0 should return an unmodified copy")
		}
	}
}

// gradientField builds the analytic gradient of
// phi = sin(2*pi*i/rows) * sin(2*pi*j/cols), which is exactly representable
// in the DFT basis used by IntegrateField.
func gradientField(rows, cols int) (grid.Grid[float64], grid.Grid[float64]) {
	a := 2 * math.Pi / float64(rows)
	b := 2 * math.Pi / float64(cols)
	dy := grid.New[float64](rows, cols)
	dx := grid.New[float64](rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dy.Set(i, j, a*math.Cos(a*float64(i))*math.Sin(b*float64(j)))
			dx.Set(i, j, b*math.Sin(a*float64(i))*math.Cos(b*float64(j)))
		}
	}
	return dy, dx
}

func TestIntegrateFieldPreservesGradient(t *testing.T) {
	dy, dx := gradientField(16, 12)
	outY, outX := IntegrateField(dy, dx)
	for idx := range dy.Data {
		if math.Abs(outY.Data[idx]-dy.Data[idx]) > 1e-9 ||
			math.Abs(outX.Data[idx]-dx.Data[idx]) > 1e-9 {
			t.Fatalf("gradient field should pass through unchanged at %d: (%v,%v) vs (%v,%v)",
				idx, outY.Data[idx], outX.Data[idx], dy.Data[idx], dx.Data[idx])
		}
	}
}

func TestIntegrateFieldRemovesRotation(t *testing.T) {
	rows, cols := 16, 12
	dy, dx := gradientField(rows, cols)

	// Add a divergence-free perturbation built from a stream function
	// psi = sin(2*pi*i/rows) * sin(2*pi*j/cols).
	a := 2 * math.Pi / float64(rows)
	b := 2 * math.Pi / float64(cols)
	py := dy.Clone()
	px := dx.Clone()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			py.Add(i, j, b*math.Sin(a*float64(i))*math.Cos(b*float64(j)))
			px.Add(i, j, -a*math.Cos(a*float64(i))*math.Sin(b*float64(j)))
		}
	}

	outY, outX := IntegrateField(py, px)
	for idx := range dy.Data {
		if math.Abs(outY.Data[idx]-dy.Data[idx]) > 1e-9 ||
			math.Abs(outX.Data[idx]-dx.Data[idx]) > 1e-9 {
			t.Fatalf("rotational component should be removed at %d", idx)
		}
	}
}

func TestIntegrateFieldDiscardsMean(t *testing.T) {
	dy := grid.NewFilled[float64](8, 8, 2)
	dx := grid.NewFilled[float64](8, 8, -1)
	outY, outX := IntegrateField(dy, dx)
	for idx := range dy.Data {
		if math.Abs(outY.Data[idx]) > 1e-9 || math.Abs(outX.Data[idx]) > 1e-9 {
			t.Fatal("constant fields live in the discarded zero-frequency bin")
		}
	}
}
