package grid

import (
	"math"
	"testing"
)

func TestGridAtSet(t *testing.T) {
	g := New[float64](3, 4)
	g.Set(1, 2, 7.5)
	g.Add(1, 2, 0.5)

	if got := g.At(1, 2); got != 8.0 {
		t.Errorf("At(1,2): expected 8.0, got %v", got)
	}
	if got := g.At(0, 0); got != 0 {
		t.Errorf("At(0,0): expected 0, got %v", got)
	}
}

func TestGridInside(t *testing.T) {
	g := New[float64](2, 3)
	cases := []struct {
		i, j int
		want bool
	}{
		{0, 0, true},
		{1, 2, true},
		{-1, 0, false},
		{0, -1, false},
		{2, 0, false},
		{0, 3, false},
	}
	for _, tc := range cases {
		if got := g.Inside(tc.i, tc.j); got != tc.want {
			t.Errorf("Inside(%d,%d): expected %v, got %v", tc.i, tc.j, tc.want, got)
		}
	}
}

func TestNoDataSentinel(t *testing.T) {
	if !IsNoData(NoData[float64]()) {
		t.Error("NoData[float64] should be detected by IsNoData")
	}
	if !IsNoData(NoData[float32]()) {
		t.Error("NoData[float32] should be detected by IsNoData")
	}
	if IsNoData(float64(1.5)) {
		t.Error("1.5 should not be treated as no-data")
	}
}

func TestBilinearInterior(t *testing.T) {
	// A plane f(i,j) = 2i + 3j is reproduced exactly by bilinear sampling.
	g := New[float64](4, 4)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			g.Set(i, j, float64(2*i+3*j))
		}
	}

	cases := []struct{ y, x, want float64 }{
		{0, 0, 0},
		{1, 2, 8},
		{0.5, 0.5, 2.5},
		{2.25, 1.75, 9.75},
		{3, 3, 15}, // last row and column stay addressable
	}
	for _, tc := range cases {
		got, ok := g.Bilinear(tc.y, tc.x)
		if !ok {
			t.Errorf("Bilinear(%v,%v): unexpected failure", tc.y, tc.x)
			continue
		}
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("Bilinear(%v,%v): expected %v, got %v", tc.y, tc.x, tc.want, got)
		}
	}
}

func TestBilinearOutOfBounds(t *testing.T) {
	g := NewFilled[float64](3, 3, 1)
	for _, c := range [][2]float64{{-0.5, 1}, {1, -0.5}, {2.5, 1}, {1, 2.5}} {
		if _, ok := g.Bilinear(c[0], c[1]); ok {
			t.Errorf("Bilinear(%v,%v): expected out-of-bounds failure", c[0], c[1])
		}
	}
}

func TestBilinearNoData(t *testing.T) {
	g := NewFilled[float64](3, 3, 1)
	g.Set(1, 1, NoData[float64]())

	if _, ok := g.Bilinear(0.5, 0.5); ok {
		t.Error("sample touching a no-data cell should fail")
	}
	// A sample whose support avoids the hole still succeeds.
	if v, ok := g.Bilinear(2, 2); !ok || v != 1 {
		t.Errorf("Bilinear(2,2): expected (1,true), got (%v,%v)", v, ok)
	}
	// Zero-weight corners are ignored: (0, 1) puts no weight on (1,1).
	if v, ok := g.Bilinear(0, 1); !ok || v != 1 {
		t.Errorf("Bilinear(0,1): expected (1,true), got (%v,%v)", v, ok)
	}
}

func TestNearest(t *testing.T) {
	g := New[float64](3, 3)
	g.Set(1, 2, 5)

	if v, ok := g.Nearest(1.2, 1.8); !ok || v != 5 {
		t.Errorf("Nearest(1.2,1.8): expected (5,true), got (%v,%v)", v, ok)
	}
	if _, ok := g.Nearest(3.2, 1.0); ok {
		t.Error("Nearest outside the grid should fail")
	}
	g.Set(0, 0, NoData[float64]())
	if _, ok := g.Nearest(0.1, 0.1); ok {
		t.Error("Nearest on a no-data cell should fail")
	}
}

func TestBilinearFloat32(t *testing.T) {
	g := New[float32](2, 2)
	g.Set(0, 0, 0)
	g.Set(0, 1, 1)
	g.Set(1, 0, 2)
	g.Set(1, 1, 3)

	got, ok := g.Bilinear(0.5, 0.5)
	if !ok || math.Abs(got-1.5) > 1e-6 {
		t.Errorf("float32 Bilinear(0.5,0.5): expected 1.5, got (%v,%v)", got, ok)
	}
}

func TestStackFrameView(t *testing.T) {
	s := NewStack[float64](2, 2, 3)
	s.Set(1, 1, 2, 9)

	f := s.Frame(1)
	if f.At(1, 2) != 9 {
		t.Errorf("Frame(1).At(1,2): expected 9, got %v", f.At(1, 2))
	}

	// The view shares the backing array.
	f.Set(0, 0, 4)
	if s.At(1, 0, 0) != 4 {
		t.Error("frame view should alias the stack's storage")
	}
}

func TestMask(t *testing.T) {
	m := NewMask(2, 2, true)
	if m.Count() != 4 {
		t.Errorf("Count: expected 4, got %d", m.Count())
	}
	m.Set(0, 1, false)
	if m.At(0, 1) {
		t.Error("pixel (0,1) should be invalid after Set(false)")
	}
	if m.Count() != 3 {
		t.Errorf("Count: expected 3, got %d", m.Count())
	}
}

func TestIdentityMap(t *testing.T) {
	m := Identity[float64](3, 4)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			if m.Y.At(i, j) != float64(i) || m.X.At(i, j) != float64(j) {
				t.Fatalf("identity map at (%d,%d): got (%v,%v)", i, j, m.Y.At(i, j), m.X.At(i, j))
			}
		}
	}

	c := m.Clone()
	c.Y.Set(0, 0, 99)
	if m.Y.At(0, 0) == 99 {
		t.Error("Clone should not alias the original map")
	}
}
