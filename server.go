package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/health"

	"github.com/akhenakh/embedsim/catalog"
	"github.com/akhenakh/embedsim/embedding"
	"github.com/akhenakh/embedsim/explorer"
	"github.com/akhenakh/embedsim/similarity"
	"github.com/akhenakh/embedsim/utm"
)

// errBadRequest marks malformed requests.
var errBadRequest = errors.New("bad request")

// Server implements the operations shared by the REST and gRPC surfaces.
type Server struct {
	explorer     *explorer.Explorer
	sessions     *explorer.Sessions
	healthServer *health.Server
}

type boxRequest struct {
	BBox    utm.GeoBox        `json:"bbox"`
	Polygon embedding.Polygon `json:"polygon,omitempty"`
}

type sessionResponse struct {
	ID             string             `json:"id"`
	Tile           catalog.TileRecord `json:"tile"`
	FullyContained bool               `json:"fullyContained"`
	Bounds         utm.GeoBox         `json:"bounds"`
	Width          int                `json:"width"`
	Height         int                `json:"height"`
	Scorable       int                `json:"scorable"`
}

type scoreRequest struct {
	Session       string  `json:"session,omitempty"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	IncludeScores bool    `json:"includeScores,omitempty"`
}

type scoreResponse struct {
	Session   string             `json:"session"`
	RequestID uint64             `json:"requestId"`
	Width     int                `json:"width"`
	Height    int                `json:"height"`
	Bounds    utm.GeoBox         `json:"bounds"`
	Summary   similarity.Summary `json:"summary"`
	// Scores are row major, north row first, -1 where nothing was scored.
	Scores []float32 `json:"scores,omitempty"`
}

func (s *Server) resolve(ctx context.Context, req boxRequest) (catalog.Match, error) {
	return s.explorer.ResolveTile(ctx, req.BBox)
}

func (s *Server) createSession(ctx context.Context, req boxRequest) (sessionResponse, error) {
	if len(req.Polygon) == 0 {
		req.Polygon = nil
	}
	sess, err := s.explorer.NewSession(ctx, req.BBox, req.Polygon)
	if err != nil {
		return sessionResponse{}, err
	}
	s.sessions.Add(sess)
	return sessionResponse{
		ID:             sess.ID,
		Tile:           sess.Tile,
		FullyContained: sess.FullyContained,
		Bounds:         sess.Bounds,
		Width:          sess.Width,
		Height:         sess.Height,
		Scorable:       sess.Scorable,
	}, nil
}

func (s *Server) score(ctx context.Context, req scoreRequest) (scoreResponse, error) {
	if req.Session == "" {
		return scoreResponse{}, fmt.Errorf("%w: missing session id", errBadRequest)
	}
	sess, err := s.sessions.Get(req.Session)
	if err != nil {
		return scoreResponse{}, err
	}
	id, g, err := sess.Score(ctx, req.Lat, req.Lon)
	if err != nil {
		return scoreResponse{}, err
	}
	resp := scoreResponse{
		Session:   sess.ID,
		RequestID: id,
		Width:     g.Width,
		Height:    g.Height,
		Bounds:    g.Bounds,
		Summary:   sess.Summarize(g),
	}
	if req.IncludeScores {
		resp.Scores = g.Scores
	}
	slog.Debug("similarity computed", "session", sess.ID, "request", id, "scored", resp.Summary.Count)
	return resp, nil
}

func (s *Server) export(id string) ([]byte, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	g, err := sess.Result()
	if err != nil {
		return nil, err
	}
	return s.explorer.ExportRaster(g)
}

func (s *Server) deleteSession(id string) error {
	if !s.sessions.Delete(id) {
		return fmt.Errorf("%w: %s", explorer.ErrSessionNotFound, id)
	}
	return nil
}

func (s *Server) reloadCatalog() {
	s.explorer.ReloadCatalog()
}
