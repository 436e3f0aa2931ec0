// Package visualization renders the tracker's outputs, displacement maps,
// whitefields, and reconstructed reference images, as 16-bit grayscale
// images for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"speckletrack/internal/grid"
)

// Render converts a grid to a 16-bit grayscale image, linearly stretching
// the finite value range to the full intensity scale. No-data cells render
// black.
func Render[T grid.Float](g grid.Grid[T]) *image.Gray16 {
	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range g.Data {
		f := float64(v)
		if f != f {
			continue
		}
		min = math.Min(min, f)
		max = math.Max(max, f)
	}

	img := image.NewGray16(image.Rect(0, 0, g.Cols, g.Rows))
	if min > max {
		return img
	}
	scale := 0.0
	if max > min {
		scale = 65535 / (max - min)
	}
	for i := 0; i < g.Rows; i++ {
		for j := 0; j < g.Cols; j++ {
			f := float64(g.At(i, j))
			if f != f {
				continue
			}
			img.SetGray16(j, i, color.Gray16{Y: uint16(math.Round((f - min) * scale))})
		}
	}
	return img
}

// RenderMap renders the two displacement components of a map side by side,
// Y on the left and X on the right, each stretched independently.
func RenderMap[T grid.Float](m grid.Map[T]) *image.Gray16 {
	left := Render(m.Y)
	right := Render(m.X)
	rows, cols := m.Rows(), m.Cols()

	img := image.NewGray16(image.Rect(0, 0, 2*cols, rows))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			img.SetGray16(j, i, left.Gray16At(j, i))
			img.SetGray16(cols+j, i, right.Gray16At(j, i))
		}
	}
	return img
}

// SaveImage writes an image as PNG or TIFF according to the file extension.
func SaveImage(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return png.Encode(file, img)
	case ".tif", ".tiff":
		return tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported image format: %s", filename)
	}
}

// SaveGrid renders and writes a grid in one step.
func SaveGrid[T grid.Float](g grid.Grid[T], filename string) error {
	return SaveImage(Render(g), filename)
}

// SaveMap renders and writes a displacement map in one step.
func SaveMap[T grid.Float](m grid.Map[T], filename string) error {
	return SaveImage(RenderMap(m), filename)
}
