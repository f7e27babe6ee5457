// Package embedding turns quantized embedding samples into unit feature
// vectors laid out north-up.
package embedding

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/akhenakh/embedsim/geotiff"
	"github.com/akhenakh/embedsim/utm"
)

// Bands is the number of components of an annual embedding vector.
const Bands = 64

// NoData is the raw byte marking a pixel without data, -128 as int8.
const NoData byte = 0x80

var (
	ErrOutOfBounds = errors.New("coordinates outside the grid bounds")
	ErrMaskedPixel = errors.New("pixel has no data or is outside the region of interest")
)

// lut maps every raw byte to its dequantized value.
var lut = func() (t [256]float32) {
	for i := range t {
		r := float64(int8(uint8(i)))
		v := (math.Abs(r) / 127.5) * (math.Abs(r) / 127.5)
		if r < 0 {
			v = -v
		}
		t[i] = float32(v)
	}
	return t
}()

// Dequantized returns the dequantized value of one raw sample.
func Dequantized(raw byte) float32 { return lut[raw] }

// Grid holds one unit vector per pixel, row 0 being the northern row.
type Grid struct {
	// Vectors is band interleaved, Width*Height*Bands values.
	Vectors []float32
	// Valid is false for pixels without data, their vector is zero.
	Valid []bool
	// InROI is nil when no polygon restricts the grid.
	InROI []bool

	Width  int
	Height int
	Bands  int
	Bounds utm.GeoBox
}

// Len returns the number of pixels.
func (g *Grid) Len() int { return g.Width * g.Height }

// Vector returns the vector of pixel i, aliasing the grid storage.
func (g *Grid) Vector(i int) []float32 {
	return g.Vectors[i*g.Bands : (i+1)*g.Bands]
}

// Scorable reports whether pixel i has data and is inside the region of
// interest.
func (g *Grid) Scorable(i int) bool {
	if !g.Valid[i] {
		return false
	}
	return g.InROI == nil || g.InROI[i]
}

// CellCenter returns the geographic center of cell (x, y).
func (g *Grid) CellCenter(x, y int) (lat, lon float64) {
	dx := (g.Bounds.MaxLng - g.Bounds.MinLng) / float64(g.Width)
	dy := (g.Bounds.MaxLat - g.Bounds.MinLat) / float64(g.Height)
	return g.Bounds.MaxLat - (float64(y)+0.5)*dy, g.Bounds.MinLng + (float64(x)+0.5)*dx
}

// PixelAt returns the cell holding the point. Points on the east or south
// edge belong to the last column or row.
func (g *Grid) PixelAt(lat, lon float64) (x, y int, err error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || !g.Bounds.Contains(lat, lon) {
		return 0, 0, fmt.Errorf("%w: (%f, %f) not in %s", ErrOutOfBounds, lat, lon, g.Bounds)
	}
	if w := g.Bounds.MaxLng - g.Bounds.MinLng; w > 0 {
		x = int(math.Floor((lon - g.Bounds.MinLng) / w * float64(g.Width)))
	}
	if h := g.Bounds.MaxLat - g.Bounds.MinLat; h > 0 {
		y = int(math.Floor((g.Bounds.MaxLat - lat) / h * float64(g.Height)))
	}
	return min(x, g.Width-1), min(y, g.Height-1), nil
}

// Dequantize converts a block of signed 8-bit samples in native bottom-up
// row order into a north-up Grid covering bounds.
//
// A pixel holding NoData in any band is invalid and keeps a zero vector.
// Other samples r decode to sign(r)*(|r|/127.5)^2 and every pixel vector is
// scaled to unit length unless it is exactly zero.
func Dequantize(block *geotiff.SampleBlock, bounds utm.GeoBox) (*Grid, error) {
	if block == nil {
		return nil, errors.New("nil sample block")
	}
	if block.BytesPerSample != 1 {
		return nil, fmt.Errorf("expected 8-bit samples, got %d bytes per sample", block.BytesPerSample)
	}
	w, h, bands := block.Width, block.Height, block.Bands
	if w <= 0 || h <= 0 || bands <= 0 {
		return nil, fmt.Errorf("invalid block shape %dx%dx%d", w, h, bands)
	}
	if len(block.Data) != w*h*bands {
		return nil, fmt.Errorf("block holds %d samples, want %d", len(block.Data), w*h*bands)
	}

	g := &Grid{
		Vectors: make([]float32, w*h*bands),
		Valid:   make([]bool, w*h),
		Width:   w,
		Height:  h,
		Bands:   bands,
		Bounds:  bounds,
	}

	for ny := 0; ny < h; ny++ {
		y := h - 1 - ny
		for x := 0; x < w; x++ {
			src := block.Data[(ny*w+x)*bands : (ny*w+x+1)*bands]
			if bytes.IndexByte(src, NoData) >= 0 {
				continue
			}
			i := y*w + x
			v := g.Vector(i)
			for b, s := range src {
				v[b] = lut[s]
			}
			vec := blas32.Vector{N: bands, Inc: 1, Data: v}
			if n := blas32.Nrm2(vec); n > 0 {
				blas32.Scal(1/n, vec)
			}
			g.Valid[i] = true
		}
	}
	return g, nil
}

// Reference is the vector of one selected pixel.
type Reference struct {
	Vector []float32
	X, Y   int
}

// PickReference copies the vector of the pixel under (lat, lon).
func PickReference(g *Grid, lat, lon float64) (Reference, error) {
	x, y, err := g.PixelAt(lat, lon)
	if err != nil {
		return Reference{}, err
	}
	i := y*g.Width + x
	if !g.Scorable(i) {
		return Reference{}, fmt.Errorf("%w: pixel (%d, %d)", ErrMaskedPixel, x, y)
	}
	v := make([]float32, g.Bands)
	copy(v, g.Vector(i))
	return Reference{Vector: v, X: x, Y: y}, nil
}
