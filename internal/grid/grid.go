// Package grid provides the dense data containers shared by the speckle
// tracking pipeline: 2-D grids, frame stacks, validity masks, and per-pixel
// displacement maps. Grids are generic over the floating-point element type
// so the numeric kernels can be instantiated at float32 or float64.
//
// Cells without data hold NaN; all sampling functions treat NaN cells as
// absent and report failure instead of propagating it.
package grid

import "math"

// Float constrains grid element types.
type Float interface {
	~float32 | ~float64
}

// NoData returns the sentinel value marking a cell without data.
func NoData[T Float]() T {
	return T(math.NaN())
}

// IsNoData reports whether v is the no-data sentinel.
func IsNoData[T Float](v T) bool {
	return v != v
}

// Grid is a dense 2-D array in row-major order.
type Grid[T Float] struct {
	Rows, Cols int
	Data       []T
}

// New returns a zero-filled grid of the given shape.
func New[T Float](rows, cols int) Grid[T] {
	return Grid[T]{Rows: rows, Cols: cols, Data: make([]T, rows*cols)}
}

// NewFilled returns a grid of the given shape with every cell set to v.
func NewFilled[T Float](rows, cols int, v T) Grid[T] {
	g := New[T](rows, cols)
	for i := range g.Data {
		g.Data[i] = v
	}
	return g
}

// At returns the value at row i, column j.
func (g Grid[T]) At(i, j int) T {
	return g.Data[i*g.Cols+j]
}

// Set stores v at row i, column j.
func (g Grid[T]) Set(i, j int, v T) {
	g.Data[i*g.Cols+j] = v
}

// Add accumulates v into the cell at row i, column j.
func (g Grid[T]) Add(i, j int, v T) {
	g.Data[i*g.Cols+j] += v
}

// Inside reports whether (i, j) addresses a cell of the grid.
func (g Grid[T]) Inside(i, j int) bool {
	return i >= 0 && i < g.Rows && j >= 0 && j < g.Cols
}

// Clone returns a deep copy of the grid.
func (g Grid[T]) Clone() Grid[T] {
	out := New[T](g.Rows, g.Cols)
	copy(out.Data, g.Data)
	return out
}

// Fill sets every cell to v.
func (g Grid[T]) Fill(v T) {
	for i := range g.Data {
		g.Data[i] = v
	}
}

// Nearest samples the grid at the continuous coordinate (y, x) by rounding
// to the nearest cell. It reports failure when the coordinate falls outside
// the grid or the cell holds no data.
func (g Grid[T]) Nearest(y, x float64) (float64, bool) {
	i := int(math.Round(y))
	j := int(math.Round(x))
	if !g.Inside(i, j) {
		return 0, false
	}
	v := g.At(i, j)
	if IsNoData(v) {
		return 0, false
	}
	return float64(v), true
}

// Bilinear samples the grid at the continuous coordinate (y, x) with
// bilinear interpolation. Corner cells that receive zero weight are ignored,
// so coordinates on the last row or column remain addressable. It reports
// failure when the coordinate falls outside the grid or any contributing
// cell holds no data.
func (g Grid[T]) Bilinear(y, x float64) (float64, bool) {
	i0 := int(math.Floor(y))
	j0 := int(math.Floor(x))
	fy := y - float64(i0)
	fx := x - float64(j0)

	var sum, wsum float64
	for di := 0; di < 2; di++ {
		for dj := 0; dj < 2; dj++ {
			w := weight(fy, di) * weight(fx, dj)
			if w == 0 {
				continue
			}
			i, j := i0+di, j0+dj
			if !g.Inside(i, j) {
				return 0, false
			}
			v := g.At(i, j)
			if IsNoData(v) {
				return 0, false
			}
			sum += w * float64(v)
			wsum += w
		}
	}
	if wsum == 0 {
		return 0, false
	}
	return sum / wsum, true
}

// Sample dispatches to Bilinear or Nearest according to subpixel.
func (g Grid[T]) Sample(y, x float64, subpixel bool) (float64, bool) {
	if subpixel {
		return g.Bilinear(y, x)
	}
	return g.Nearest(y, x)
}

func weight(f float64, idx int) float64 {
	if idx == 0 {
		return 1 - f
	}
	return f
}

// Stack is an ordered sequence of frames sharing one shape, stored
// contiguously frame-major.
type Stack[T Float] struct {
	Frames, Rows, Cols int
	Data               []T
}

// NewStack returns a zero-filled stack of the given shape.
func NewStack[T Float](frames, rows, cols int) Stack[T] {
	return Stack[T]{Frames: frames, Rows: rows, Cols: cols, Data: make([]T, frames*rows*cols)}
}

// At returns the value of frame n at row i, column j.
func (s Stack[T]) At(n, i, j int) T {
	return s.Data[(n*s.Rows+i)*s.Cols+j]
}

// Set stores v in frame n at row i, column j.
func (s Stack[T]) Set(n, i, j int, v T) {
	s.Data[(n*s.Rows+i)*s.Cols+j] = v
}

// Frame returns frame n as a grid view sharing the stack's backing array.
func (s Stack[T]) Frame(n int) Grid[T] {
	size := s.Rows * s.Cols
	return Grid[T]{Rows: s.Rows, Cols: s.Cols, Data: s.Data[n*size : (n+1)*size]}
}

// Mask marks which detector pixels are usable for registration.
type Mask struct {
	Rows, Cols int
	Bits       []bool
}

// NewMask returns a mask of the given shape with every pixel set to v.
func NewMask(rows, cols int, v bool) Mask {
	m := Mask{Rows: rows, Cols: cols, Bits: make([]bool, rows*cols)}
	if v {
		for i := range m.Bits {
			m.Bits[i] = true
		}
	}
	return m
}

// At reports whether the pixel at row i, column j is valid.
func (m Mask) At(i, j int) bool {
	return m.Bits[i*m.Cols+j]
}

// Set marks the validity of the pixel at row i, column j.
func (m Mask) Set(i, j int, v bool) {
	m.Bits[i*m.Cols+j] = v
}

// Count returns the number of valid pixels.
func (m Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Map is a per-pixel displacement map: for each detector pixel it holds the
// continuous (row, column) coordinate in the reference frame the pixel maps
// to.
type Map[T Float] struct {
	Y, X Grid[T]
}

// NewMap returns a zero-filled displacement map of the given shape.
func NewMap[T Float](rows, cols int) Map[T] {
	return Map[T]{Y: New[T](rows, cols), X: New[T](rows, cols)}
}

// Identity returns the displacement map of an undistorted detector: pixel
// (i, j) maps to reference coordinate (i, j).
func Identity[T Float](rows, cols int) Map[T] {
	m := NewMap[T](rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Y.Set(i, j, T(i))
			m.X.Set(i, j, T(j))
		}
	}
	return m
}

// Clone returns a deep copy of the map.
func (m Map[T]) Clone() Map[T] {
	return Map[T]{Y: m.Y.Clone(), X: m.X.Clone()}
}

// Rows returns the number of detector rows covered by the map.
func (m Map[T]) Rows() int { return m.Y.Rows }

// Cols returns the number of detector columns covered by the map.
func (m Map[T]) Cols() int { return m.Y.Cols }
