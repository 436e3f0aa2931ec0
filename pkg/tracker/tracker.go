// Package tracker implements speckle-tracking wavefront reconstruction: an
// alternating minimization that jointly estimates a per-pixel displacement
// map of the detector grid and a super-resolved reference speckle image
// from a stack of detector frames recorded under known stage translations.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"

	"speckletrack/internal/grid"
	"speckletrack/pkg/geometry"
)

// ErrShapeMismatch reports inputs whose dimensions disagree: frame stack,
// mask, and translation list must describe the same scan.
var ErrShapeMismatch = errors.New("tracker: shape mismatch")

// ErrInvalidOption reports an option value no run can satisfy.
var ErrInvalidOption = errors.New("tracker: invalid option")

// Options controls a full speckle-tracking run.
type Options struct {
	// Iterations is the number of alternating-minimization iterations.
	Iterations int

	// SearchWindow is the half-width, in pixels, of the correlation search
	// around each pixel's current mapped coordinate.
	SearchWindow int

	// Subpixel enables bilinear sampling and scattering plus a per-axis
	// parabolic subpixel fit in the searches.
	Subpixel bool

	// QuadraticRefinement upgrades the subpixel fit to a full 2-D quadratic
	// surface fit over the 3x3 cost neighborhood.
	QuadraticRefinement bool

	// FillBadPixels interpolates the displacement of masked-out pixels from
	// their refined valid neighbors after every refinement pass.
	FillBadPixels bool

	// Integrate projects the aberration part of the refined map onto a
	// curl-free field after every refinement pass.
	Integrate bool

	// UpdateTranslations re-estimates the per-frame pixel translations at
	// the end of every iteration.
	UpdateTranslations bool

	// SmoothSigma, when positive, Gaussian-regularizes the refined map's
	// aberration component with that width.
	SmoothSigma float64

	// Workers bounds the number of goroutines used by the parallel stages.
	// Zero or negative means one per CPU.
	Workers int

	// Verbose logs per-iteration progress.
	Verbose bool
}

// DefaultOptions returns the option set used when the caller has no scan-
// specific preferences.
func DefaultOptions() Options {
	return Options{
		Iterations:   5,
		SearchWindow: 5,
		Subpixel:     true,
		Workers:      runtime.NumCPU(),
	}
}

// Result is the output of a tracking run.
type Result[T grid.Float] struct {
	// PixelMap is the final displacement map: pixel (i, j) observes the
	// reference at coordinate PixelMap minus the frame translation.
	PixelMap grid.Map[T]

	// Aberrations is the zero-mean deviation of the pixel map from the
	// identity grid, the quantity a lens aberration produces.
	Aberrations grid.Map[T]

	// Reference is the final reconstructed reference image.
	Reference Reference[T]

	// Whitefield is the per-pixel illumination estimate.
	Whitefield grid.Grid[T]

	// Di and Dj are the final per-frame pixel-space translations.
	Di, Dj []float64

	// Errors is the total registration error recorded at the start of each
	// iteration, one entry per iteration.
	Errors []float64

	// InitialResidual is the RMS pixel-translation magnitude of the scan, a
	// scale for choosing the search window.
	InitialResidual float64
}

// Tracker carries the immutable inputs of one speckle-tracking run.
type Tracker[T grid.Float] struct {
	data         grid.Stack[T]
	mask         grid.Mask
	setup        geometry.Setup
	translations [][2]float64
	opts         Options
	whitefield   *grid.Grid[T]
}

// New validates the inputs and prepares a run. The mask must match the frame
// shape and the translation list must have one entry per frame.
func New[T grid.Float](data grid.Stack[T], mask grid.Mask, setup geometry.Setup,
	translations [][2]float64, opts Options) (*Tracker[T], error) {

	if data.Frames == 0 || data.Rows == 0 || data.Cols == 0 {
		return nil, fmt.Errorf("%w: empty frame stack", ErrShapeMismatch)
	}
	if mask.Rows != data.Rows || mask.Cols != data.Cols {
		return nil, fmt.Errorf("%w: mask is %dx%d, frames are %dx%d",
			ErrShapeMismatch, mask.Rows, mask.Cols, data.Rows, data.Cols)
	}
	if len(translations) != data.Frames {
		return nil, fmt.Errorf("%w: %d translations for %d frames",
			ErrShapeMismatch, len(translations), data.Frames)
	}
	if err := setup.Validate(); err != nil {
		return nil, err
	}
	if opts.Iterations < 0 {
		return nil, fmt.Errorf("%w: negative iteration count %d", ErrInvalidOption, opts.Iterations)
	}
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}

	return &Tracker[T]{
		data:         data,
		mask:         mask,
		setup:        setup,
		translations: translations,
		opts:         opts,
	}, nil
}

// SetWhitefield supplies a measured flat-field in place of the median
// estimate, as when a separate flat-field acquisition exists for the scan.
// The grid must match the frame shape.
func (t *Tracker[T]) SetWhitefield(wf grid.Grid[T]) error {
	if wf.Rows != t.data.Rows || wf.Cols != t.data.Cols {
		return fmt.Errorf("%w: whitefield is %dx%d, frames are %dx%d",
			ErrShapeMismatch, wf.Rows, wf.Cols, t.data.Rows, t.data.Cols)
	}
	t.whitefield = &wf
	return nil
}

// Run executes the alternating minimization: seed the whitefield (the
// supplied flat-field when set, the median estimate otherwise), identity
// displacement map, and pixel translations, reconstruct an initial reference,
// then for each iteration record the current error, refine the map,
// reconstruct the reference, and optionally refine the translations. The
// context is checked between iterations; an in-flight iteration always
// completes.
func (t *Tracker[T]) Run(ctx context.Context) (*Result[T], error) {
	var wf grid.Grid[T]
	if t.whitefield != nil {
		wf = *t.whitefield
	} else {
		wf = Whitefield(t.data, t.mask, t.opts.Workers)
	}

	init, err := geometry.InitDisplacement[T](t.data.Rows, t.data.Cols, t.setup, t.translations)
	if err != nil {
		return nil, err
	}
	pm := init.Map
	di, dj := init.Di, init.Dj

	if t.opts.Verbose {
		log.Printf("tracker: %d frames of %dx%d, rms pixel translation %.3f px",
			t.data.Frames, t.data.Rows, t.data.Cols, init.Residual)
	}

	ref := Reconstruct(t.data, t.mask, wf, pm, di, dj, t.opts.Subpixel, t.opts.Workers)

	refineOpts := RefineOptions{
		Window:              t.opts.SearchWindow,
		Subpixel:            t.opts.Subpixel,
		QuadraticRefinement: t.opts.QuadraticRefinement,
		FillBadPixels:       t.opts.FillBadPixels,
		Integrate:           t.opts.Integrate,
		SmoothSigma:         t.opts.SmoothSigma,
		Workers:             t.opts.Workers,
	}

	errs := make([]float64, 0, t.opts.Iterations)
	for iter := 0; iter < t.opts.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		total, _ := Evaluate(t.data, t.mask, wf, ref, pm, di, dj, t.opts.Subpixel, t.opts.Workers)
		errs = append(errs, total)
		if t.opts.Verbose {
			log.Printf("tracker: iteration %d/%d, error %.6g", iter+1, t.opts.Iterations, total)
		}

		pm = RefineMap(t.data, t.mask, wf, ref, pm, di, dj, refineOpts)
		ref = Reconstruct(t.data, t.mask, wf, pm, di, dj, t.opts.Subpixel, t.opts.Workers)

		if t.opts.UpdateTranslations {
			di, dj = RefineTranslations(t.data, t.mask, wf, ref, pm, di, dj, refineOpts)
			ref = Reconstruct(t.data, t.mask, wf, pm, di, dj, t.opts.Subpixel, t.opts.Workers)
		}
	}

	return &Result[T]{
		PixelMap:        pm,
		Aberrations:     aberrations(pm, t.mask),
		Reference:       ref,
		Whitefield:      wf,
		Di:              di,
		Dj:              dj,
		Errors:          errs,
		InitialResidual: init.Residual,
	}, nil
}

// aberrations extracts the deviation of the displacement map from the
// identity grid and removes its mean over valid pixels, so a rigid shift of
// the whole reference does not register as an aberration.
func aberrations[T grid.Float](pm grid.Map[T], mask grid.Mask) grid.Map[T] {
	rows, cols := pm.Rows(), pm.Cols()
	ab := grid.NewMap[T](rows, cols)

	var sumY, sumX float64
	count := 0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dy := float64(pm.Y.At(i, j)) - float64(i)
			dx := float64(pm.X.At(i, j)) - float64(j)
			ab.Y.Set(i, j, T(dy))
			ab.X.Set(i, j, T(dx))
			if mask.At(i, j) {
				sumY += dy
				sumX += dx
				count++
			}
		}
	}
	if count == 0 {
		return ab
	}
	meanY := T(sumY / float64(count))
	meanX := T(sumX / float64(count))
	for idx := range ab.Y.Data {
		ab.Y.Data[idx] -= meanY
		ab.X.Data[idx] -= meanX
	}
	return ab
}
