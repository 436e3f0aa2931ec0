package tracker

import (
	"math"
	"math/rand"

	"speckletrack/internal/grid"
)

// randomReference builds a reference image with independent random cell
// values in [1, 2), unit weights, and the given index offset.
func randomReference(rows, cols int, offY, offX float64, seed int64) Reference[float64] {
	rng := rand.New(rand.NewSource(seed))
	ref := Reference[float64]{
		Image:   grid.New[float64](rows, cols),
		Weight:  grid.NewFilled[float64](rows, cols, 1),
		Hits:    grid.NewFilled[float64](rows, cols, 1),
		OffsetY: offY,
		OffsetX: offX,
	}
	for i := range ref.Image.Data {
		ref.Image.Data[i] = 1 + rng.Float64()
	}
	return ref
}

// specklePattern evaluates a band-limited pseudo-speckle field: a positive
// sum of fixed-seed random-phase sinusoids, smooth at the pixel scale.
type specklePattern struct {
	ky, kx, phase []float64
}

func newSpecklePattern(seed int64) specklePattern {
	rng := rand.New(rand.NewSource(seed))
	const waves = 20
	p := specklePattern{
		ky:    make([]float64, waves),
		kx:    make([]float64, waves),
		phase: make([]float64, waves),
	}
	for i := 0; i < waves; i++ {
		p.ky[i] = (rng.Float64()*2 - 1) * 0.3 * math.Pi
		p.kx[i] = (rng.Float64()*2 - 1) * 0.3 * math.Pi
		p.phase[i] = rng.Float64() * 2 * math.Pi
	}
	return p
}

func (p specklePattern) at(y, x float64) float64 {
	v := 0.0
	for i := range p.ky {
		v += math.Sin(p.ky[i]*y + p.kx[i]*x + p.phase[i])
	}
	return 2 + v/math.Sqrt(float64(len(p.ky)))
}

func fullMask(rows, cols int) grid.Mask {
	return grid.NewMask(rows, cols, true)
}

func onesGrid(rows, cols int) grid.Grid[float64] {
	return grid.NewFilled[float64](rows, cols, 1)
}
