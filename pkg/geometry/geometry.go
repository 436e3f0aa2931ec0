// Package geometry converts the physical description of a speckle-tracking
// scan — detector basis vectors, pixel pitches, sample-to-detector and
// defocus distances, stage translations — into detector-pixel-space
// quantities, and seeds the initial per-pixel displacement map.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"speckletrack/internal/grid"
)

// ErrDegenerate reports a geometry whose pixel-space conversion would divide
// by zero or produce non-finite values.
var ErrDegenerate = errors.New("geometry: degenerate setup")

// Setup describes the experimental geometry of a scan. Basis vectors give
// the orientation of the detector's slow (Y) and fast (X) axes in the lab
// frame; distances are in the same physical unit as the stage translations.
type Setup struct {
	// BasisY and BasisX are the detector-plane basis vectors for the slow
	// and fast detector axes.
	BasisY [3]float64
	BasisX [3]float64

	// PitchY and PitchX are the detector pixel pitches along each axis.
	PitchY float64
	PitchX float64

	// Distance is the sample-to-detector distance.
	Distance float64

	// DefocusY and DefocusX are the defocus distances for each detector
	// axis. Together with Distance they set the magnification that maps
	// stage motion onto the detector.
	DefocusY float64
	DefocusX float64
}

// Validate checks the setup for degenerate values: zero or non-finite
// pitches, distances, defocus, zero-length or parallel basis vectors.
func (s Setup) Validate() error {
	for name, v := range map[string]float64{
		"x pixel pitch": s.PitchX,
		"y pixel pitch": s.PitchY,
		"distance":      s.Distance,
		"defocus x":     s.DefocusX,
		"defocus y":     s.DefocusY,
	} {
		if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is %v", ErrDegenerate, name, v)
		}
	}

	by := mat.NewVecDense(3, s.BasisY[:])
	bx := mat.NewVecDense(3, s.BasisX[:])
	ny, nx := mat.Norm(by, 2), mat.Norm(bx, 2)
	if ny == 0 || nx == 0 || math.IsNaN(ny) || math.IsNaN(nx) {
		return fmt.Errorf("%w: zero-length basis vector", ErrDegenerate)
	}
	// Parallel basis vectors collapse the detector plane to a line.
	cosAngle := mat.Dot(by, bx) / (ny * nx)
	if math.Abs(cosAngle) > 1-1e-9 {
		return fmt.Errorf("%w: basis vectors are parallel", ErrDegenerate)
	}
	return nil
}

// PixelTranslations converts per-frame physical stage translations into
// detector-pixel translations. Each translation is projected onto the
// transverse components of the detector basis vectors and divided by the
// pixel pitch times the magnification factor defocus/distance, then the
// per-axis mean over all frames is subtracted so the translations are
// zero-centered. With a single frame the mean subtraction is the identity.
func (s Setup) PixelTranslations(translations [][2]float64) (di, dj []float64, err error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}

	n := len(translations)
	di = make([]float64, n)
	dj = make([]float64, n)
	if n == 0 {
		return di, dj, nil
	}

	by := mat.NewVecDense(2, []float64{s.BasisY[0], s.BasisY[1]})
	bx := mat.NewVecDense(2, []float64{s.BasisX[0], s.BasisX[1]})
	ny, nx := mat.Norm(by, 2), mat.Norm(bx, 2)
	if ny == 0 || nx == 0 {
		return nil, nil, fmt.Errorf("%w: basis vector has no transverse component", ErrDegenerate)
	}

	// Stage motion of one defocus-magnified unit moves the speckle by
	// distance/defocus pitches across the detector.
	scaleY := 1.0 / (s.PitchY * math.Abs(s.DefocusY/s.Distance))
	scaleX := 1.0 / (s.PitchX * math.Abs(s.DefocusX/s.Distance))

	var meanI, meanJ float64
	for k, tr := range translations {
		t := mat.NewVecDense(2, []float64{tr[0], tr[1]})
		di[k] = mat.Dot(t, by) / ny * scaleY
		dj[k] = mat.Dot(t, bx) / nx * scaleX
		meanI += di[k]
		meanJ += dj[k]
	}
	meanI /= float64(n)
	meanJ /= float64(n)
	for k := range di {
		di[k] -= meanI
		dj[k] -= meanJ
		if math.IsNaN(di[k]) || math.IsInf(di[k], 0) || math.IsNaN(dj[k]) || math.IsInf(dj[k], 0) {
			return nil, nil, fmt.Errorf("%w: non-finite pixel translation for frame %d", ErrDegenerate, k)
		}
	}
	return di, dj, nil
}

// Initial seeds the alternating-minimization loop: an identity displacement
// map, the pixel-space translations, and a residual diagnostic.
type Initial[T grid.Float] struct {
	// Map is the initial displacement map; pixel (i, j) maps to reference
	// coordinate (i, j) unless prior knowledge is supplied downstream.
	Map grid.Map[T]

	// Di and Dj are the zero-centered pixel-space translations per frame.
	Di, Dj []float64

	// Residual is the RMS magnitude of the pixel translations: how far the
	// scan moves the speckle across the detector, the span the correlation
	// search has to cover.
	Residual float64
}

// InitDisplacement builds the initial displacement map and pixel-space
// translations for a detector of the given shape.
func InitDisplacement[T grid.Float](rows, cols int, s Setup, translations [][2]float64) (Initial[T], error) {
	di, dj, err := s.PixelTranslations(translations)
	if err != nil {
		return Initial[T]{}, err
	}

	var sum float64
	for k := range di {
		sum += di[k]*di[k] + dj[k]*dj[k]
	}
	res := 0.0
	if len(di) > 0 {
		res = math.Sqrt(sum / float64(len(di)))
	}

	return Initial[T]{
		Map:      grid.Identity[T](rows, cols),
		Di:       di,
		Dj:       dj,
		Residual: res,
	}, nil
}
