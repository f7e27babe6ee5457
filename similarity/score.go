// Package similarity scores embedding grids against a reference vector on a
// dedicated worker goroutine.
package similarity

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/akhenakh/embedsim/embedding"
	"github.com/akhenakh/embedsim/utm"
)

// NoScore is written for pixels without data or outside the region of
// interest. It is also the lowest valid score.
const NoScore float32 = -1

// Grid holds one score per pixel, row 0 being the northern row.
type Grid struct {
	Scores []float32
	Width  int
	Height int
	Bounds utm.GeoBox
}

// Score computes the dot product of every scorable pixel with ref. Vectors
// are unit length so the product is the cosine similarity.
func Score(g *embedding.Grid, ref embedding.Reference) (*Grid, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: no grid", ErrWorker)
	}
	if len(ref.Vector) != g.Bands {
		return nil, fmt.Errorf("reference has %d bands, grid has %d", len(ref.Vector), g.Bands)
	}

	out := &Grid{
		Scores: make([]float32, g.Len()),
		Width:  g.Width,
		Height: g.Height,
		Bounds: g.Bounds,
	}
	r := blas32.Vector{N: g.Bands, Inc: 1, Data: ref.Vector}
	for i := range out.Scores {
		if !g.Scorable(i) {
			out.Scores[i] = NoScore
			continue
		}
		s := blas32.Dot(blas32.Vector{N: g.Bands, Inc: 1, Data: g.Vector(i)}, r)
		out.Scores[i] = max(-1, min(1, s))
	}
	return out, nil
}

// Summary describes the scores of the scorable pixels of a grid.
type Summary struct {
	Count int     `json:"count"`
	Min   float32 `json:"min"`
	Max   float32 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Summarize aggregates the scores where scorable is true. A nil mask takes
// every score into account.
func (g *Grid) Summarize(scorable []bool) Summary {
	s := Summary{Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	var sum float64
	for i, v := range g.Scores {
		if scorable != nil && !scorable[i] {
			continue
		}
		s.Count++
		sum += float64(v)
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	if s.Count == 0 {
		return Summary{}
	}
	s.Mean = sum / float64(s.Count)
	return s
}
