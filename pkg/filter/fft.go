// Package filter provides the frequency-domain building blocks used by the
// speckle tracking pipeline: separable FFT convolution for smoothing the
// displacement map, and a spectral projection that makes a displacement
// field curl-free.
package filter

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"speckletrack/internal/grid"
)

// Convolve computes the 'same'-sized convolution of data with kernel using
// an FFT, with reflect padding at the boundaries. The kernel length must be
// odd.
func Convolve(data, kernel []float64) []float64 {
	if len(data) == 0 || len(kernel) == 0 {
		return nil
	}
	r := len(kernel) / 2

	// Reflect-pad the sequence by the kernel radius on both ends so the
	// circular FFT convolution does not wrap real data around.
	padded := make([]float64, len(data)+2*r)
	for i := range padded {
		src := i - r
		if src < 0 {
			src = -src
		}
		if src >= len(data) {
			src = 2*(len(data)-1) - src
		}
		if src < 0 {
			src = 0
		}
		padded[i] = data[src]
	}

	n := len(padded) + len(kernel) - 1
	fft := fourier.NewFFT(n)

	a := make([]float64, n)
	copy(a, padded)
	b := make([]float64, n)
	copy(b, kernel)

	ca := fft.Coefficients(nil, a)
	cb := fft.Coefficients(nil, b)
	for i := range ca {
		ca[i] *= cb[i]
	}

	seq := fft.Sequence(nil, ca)
	out := make([]float64, len(data))
	scale := 1 / float64(n)
	for i := range out {
		out[i] = seq[i+2*r] * scale
	}
	return out
}

// GaussianKernel returns a normalized Gaussian kernel of standard deviation
// sigma, truncated at three sigma.
func GaussianKernel(sigma float64) []float64 {
	r := int(math.Ceil(3 * sigma))
	if r < 1 {
		r = 1
	}
	k := make([]float64, 2*r+1)
	sum := 0.0
	for i := range k {
		x := float64(i - r)
		k[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// GaussianSmooth returns a copy of g convolved with a separable Gaussian of
// standard deviation sigma. A non-positive sigma returns an unmodified copy.
func GaussianSmooth[T grid.Float](g grid.Grid[T], sigma float64) grid.Grid[T] {
	out := g.Clone()
	if sigma <= 0 || g.Rows == 0 || g.Cols == 0 {
		return out
	}
	kernel := GaussianKernel(sigma)

	row := make([]float64, g.Cols)
	for i := 0; i < g.Rows; i++ {
		for j := 0; j < g.Cols; j++ {
			row[j] = float64(out.At(i, j))
		}
		for j, v := range Convolve(row, kernel) {
			out.Set(i, j, T(v))
		}
	}

	col := make([]float64, g.Rows)
	for j := 0; j < g.Cols; j++ {
		for i := 0; i < g.Rows; i++ {
			col[i] = float64(out.At(i, j))
		}
		for i, v := range Convolve(col, kernel) {
			out.Set(i, j, T(v))
		}
	}
	return out
}

// fft2 computes an in-place 2-D FFT of a rows-by-cols complex array stored
// row-major. With inverse set it computes the unnormalized inverse
// transform; callers divide by rows*cols.
func fft2(data []complex128, rows, cols int, inverse bool) {
	rowFFT := fourier.NewCmplxFFT(cols)
	buf := make([]complex128, cols)
	for i := 0; i < rows; i++ {
		r := data[i*cols : (i+1)*cols]
		if inverse {
			rowFFT.Sequence(buf, r)
		} else {
			rowFFT.Coefficients(buf, r)
		}
		copy(r, buf)
	}

	colFFT := fourier.NewCmplxFFT(rows)
	in := make([]complex128, rows)
	out := make([]complex128, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			in[i] = data[i*cols+j]
		}
		if inverse {
			colFFT.Sequence(out, in)
		} else {
			colFFT.Coefficients(out, in)
		}
		for i := 0; i < rows; i++ {
			data[i*cols+j] = out[i]
		}
	}
}

// angularFreq returns the angular frequency of DFT bin i out of n.
func angularFreq(i, n int) float64 {
	if i > n/2 {
		i -= n
	}
	return 2 * math.Pi * float64(i) / float64(n)
}

// IntegrateField projects the displacement field (dy, dx) onto the nearest
// curl-free field, the gradient of a scalar potential, via an FFT Poisson
// solve. The zero-frequency (mean) component of the field is discarded.
// Both grids must share one shape.
func IntegrateField[T grid.Float](dy, dx grid.Grid[T]) (grid.Grid[T], grid.Grid[T]) {
	rows, cols := dy.Rows, dy.Cols
	outY := grid.New[T](rows, cols)
	outX := grid.New[T](rows, cols)
	if rows == 0 || cols == 0 {
		return outY, outX
	}

	fy := make([]complex128, rows*cols)
	fx := make([]complex128, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			fy[i*cols+j] = complex(float64(dy.At(i, j)), 0)
			fx[i*cols+j] = complex(float64(dx.At(i, j)), 0)
		}
	}
	fft2(fy, rows, cols, false)
	fft2(fx, rows, cols, false)

	// phiHat = (-i ky FyHat - i kx FxHat) / (ky^2 + kx^2); the spectral
	// gradient of phi is the curl-free component of the input field.
	gy := make([]complex128, rows*cols)
	gx := make([]complex128, rows*cols)
	for i := 0; i < rows; i++ {
		ky := angularFreq(i, rows)
		for j := 0; j < cols; j++ {
			kx := angularFreq(j, cols)
			k2 := ky*ky + kx*kx
			if k2 == 0 {
				continue
			}
			idx := i*cols + j
			phi := (complex(0, -ky)*fy[idx] + complex(0, -kx)*fx[idx]) / complex(k2, 0)
			gy[idx] = complex(0, ky) * phi
			gx[idx] = complex(0, kx) * phi
		}
	}

	fft2(gy, rows, cols, true)
	fft2(gx, rows, cols, true)
	scale := 1 / float64(rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			idx := i*cols + j
			outY.Set(i, j, T(real(gy[idx])*scale))
			outX.Set(i, j, T(real(gx[idx])*scale))
		}
	}
	return outY, outX
}
