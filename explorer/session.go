package explorer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akhenakh/embedsim/catalog"
	"github.com/akhenakh/embedsim/embedding"
	"github.com/akhenakh/embedsim/similarity"
	"github.com/akhenakh/embedsim/utm"
)

// Session is one loaded window and the worker scoring it.
type Session struct {
	ID             string
	Tile           catalog.TileRecord
	FullyContained bool
	Bounds         utm.GeoBox
	Width          int
	Height         int
	// Scorable counts the pixels with data inside the region of interest.
	Scorable int
	Created  time.Time

	engine   *similarity.Engine
	scorable []bool

	mu     sync.Mutex
	last   similarity.Reply
	result *similarity.Grid
	closed bool
}

// NewSession resolves box, loads its window and hands it to a new worker.
func (e *Explorer) NewSession(ctx context.Context, box utm.GeoBox, poly embedding.Polygon) (*Session, error) {
	match, err := e.ResolveTile(ctx, box)
	if err != nil {
		return nil, err
	}
	grid, err := e.LoadWindow(ctx, match.Tile, box, poly)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:             uuid.NewString(),
		Tile:           match.Tile,
		FullyContained: match.FullyContained,
		Bounds:         grid.Bounds,
		Width:          grid.Width,
		Height:         grid.Height,
		Created:        time.Now(),
		scorable:       make([]bool, grid.Len()),
	}
	for i := range s.scorable {
		if grid.Scorable(i) {
			s.scorable[i] = true
			s.Scorable++
		}
	}

	s.engine = similarity.NewEngine(e.opts.ScoreMetrics)
	if err := s.engine.Load(grid); err != nil {
		s.engine.Close()
		return nil, err
	}
	slog.Info("session created",
		"session", s.ID,
		"locator", s.Tile.Locator,
		"width", s.Width,
		"height", s.Height,
		"scorable", s.Scorable,
	)
	return s, nil
}

// Submit picks the reference under (lat, lon) and issues a scoring request
// without waiting for it.
func (s *Session) Submit(ctx context.Context, lat, lon float64) (uint64, error) {
	ref, err := s.engine.Pick(ctx, lat, lon)
	if err != nil {
		return 0, err
	}
	return s.engine.Submit(ref), nil
}

// Await returns the scores of request id. It fails with ErrSuperseded when
// a newer request was issued before id completed.
func (s *Session) Await(ctx context.Context, id uint64) (*similarity.Grid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last.ID < id {
		r, err := s.engine.Await(ctx)
		if r.ID == 0 {
			return nil, err
		}
		s.last = r
		if r.Err == nil {
			s.result = r.Result
		}
	}
	if s.last.ID != id {
		return nil, fmt.Errorf("%w: request %d, latest %d", ErrSuperseded, id, s.last.ID)
	}
	return s.last.Result, s.last.Err
}

// Score is Submit followed by Await.
func (s *Session) Score(ctx context.Context, lat, lon float64) (uint64, *similarity.Grid, error) {
	id, err := s.Submit(ctx, lat, lon)
	if err != nil {
		return 0, nil, err
	}
	g, err := s.Await(ctx, id)
	return id, g, err
}

// Result returns the last completed scores.
func (s *Session) Result() (*similarity.Grid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, ErrNoResult
	}
	return s.result, nil
}

// Summarize computes statistics of g over the scorable pixels.
func (s *Session) Summarize(g *similarity.Grid) similarity.Summary {
	return g.Summarize(s.scorable)
}

// Close stops the worker, it is safe to call more than once.
func (s *Session) Close() {
	s.shutdown()
}

// shutdown stops the worker and reports whether this call did it.
func (s *Session) shutdown() bool {
	s.engine.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	slog.Debug("session closed", "session", s.ID)
	return true
}
