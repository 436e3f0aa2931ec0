// Package dataset loads scan frames from a directory of detector images and
// derives the pixel validity mask used by the tracker. Frames are decoded
// from TIFF, PNG, or JPEG files and ordered by the numeric part of their
// filenames so the scan sequence matches the stage translation list.
package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"

	"speckletrack/internal/grid"
)

// Load reads every supported image in dir, sorted by the numbers embedded in
// the filenames, and returns them as a frame stack. All frames must share
// one shape.
func Load(dir string) (grid.Stack[float64], error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return grid.Stack[float64]{}, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".tif", ".tiff", ".png", ".jpg", ".jpeg":
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return grid.Stack[float64]{}, fmt.Errorf("no detector images found in %s", dir)
	}

	// Order frames by the numeric part of their filenames so the stack
	// lines up with the stage translation list.
	sort.Slice(names, func(i, j int) bool {
		ni, nj := extractNumber(names[i]), extractNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})

	var stack grid.Stack[float64]
	for n, name := range names {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return grid.Stack[float64]{}, fmt.Errorf("failed to load frame %s: %w", name, err)
		}
		b := img.Bounds()
		if n == 0 {
			stack = grid.NewStack[float64](len(names), b.Dy(), b.Dx())
		} else if b.Dy() != stack.Rows || b.Dx() != stack.Cols {
			return grid.Stack[float64]{}, fmt.Errorf("frame %s is %dx%d, expected %dx%d",
				name, b.Dy(), b.Dx(), stack.Rows, stack.Cols)
		}
		for i := 0; i < stack.Rows; i++ {
			for j := 0; j < stack.Cols; j++ {
				r, g, bl, _ := img.At(b.Min.X+j, b.Min.Y+i).RGBA()
				stack.Set(n, i, j, float64(r+g+bl)/3)
			}
		}
	}
	return stack, nil
}

// LoadGrid reads a single detector image, such as a measured flat-field, as
// a grid of luminance values.
func LoadGrid(path string) (grid.Grid[float64], error) {
	img, err := loadImage(path)
	if err != nil {
		return grid.Grid[float64]{}, err
	}
	b := img.Bounds()
	g := grid.New[float64](b.Dy(), b.Dx())
	for i := 0; i < g.Rows; i++ {
		for j := 0; j < g.Cols; j++ {
			r, gr, bl, _ := img.At(b.Min.X+j, b.Min.Y+i).RGBA()
			g.Set(i, j, float64(r+gr+bl)/3)
		}
	}
	return g, nil
}

// loadImage opens and decodes a single detector image.
func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}

// extractNumber extracts the concatenated digits of a filename, so
// frame_2.tif sorts before frame_10.tif.
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr != "" {
		if num, err := strconv.Atoi(numStr); err == nil {
			return num
		}
	}
	return 0
}

// RangeMask marks as invalid every pixel whose intensity leaves [min, max]
// in any frame, on top of non-finite samples. With min == max == 0 only the
// non-finite check applies.
func RangeMask(data grid.Stack[float64], min, max float64) grid.Mask {
	mask := grid.NewMask(data.Rows, data.Cols, true)
	ranged := min != 0 || max != 0
	for i := 0; i < data.Rows; i++ {
		for j := 0; j < data.Cols; j++ {
			for n := 0; n < data.Frames; n++ {
				v := data.At(n, i, j)
				if math.IsNaN(v) || math.IsInf(v, 0) || (ranged && (v < min || v > max)) {
					mask.Set(i, j, false)
					break
				}
			}
		}
	}
	return mask
}

// GoodFrames lists the frames carrying any valid signal: a frame whose
// masked pixels sum to zero is a shutter miss and is dropped from the scan.
func GoodFrames(data grid.Stack[float64], mask grid.Mask) []int {
	var good []int
	for n := 0; n < data.Frames; n++ {
		sum := 0.0
		for i := 0; i < data.Rows; i++ {
			for j := 0; j < data.Cols; j++ {
				if !mask.At(i, j) {
					continue
				}
				if v := data.At(n, i, j); v == v {
					sum += v
				}
			}
		}
		if sum > 0 {
			good = append(good, n)
		}
	}
	return good
}

// SelectFrames returns the sub-stack and translation list restricted to the
// given frame indices.
func SelectFrames(data grid.Stack[float64], translations [][2]float64, frames []int) (grid.Stack[float64], [][2]float64) {
	out := grid.NewStack[float64](len(frames), data.Rows, data.Cols)
	tr := make([][2]float64, len(frames))
	for k, n := range frames {
		copy(out.Frame(k).Data, data.Frame(n).Data)
		if n < len(translations) {
			tr[k] = translations[n]
		}
	}
	return out, tr
}
