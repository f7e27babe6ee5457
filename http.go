package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/akhenakh/embedsim/catalog"
	"github.com/akhenakh/embedsim/embedding"
	"github.com/akhenakh/embedsim/explorer"
	"github.com/akhenakh/embedsim/geotiff"
	"github.com/akhenakh/embedsim/utm"
)

const maxBodySize = 1 << 20

func newRESTMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/resolve", resolveHandler(s))
	mux.HandleFunc("POST /api/v1/sessions", createSessionHandler(s))
	mux.HandleFunc("POST /api/v1/sessions/{id}/score", scoreHandler(s))
	mux.HandleFunc("GET /api/v1/sessions/{id}/export", exportHandler(s))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", deleteSessionHandler(s))
	mux.HandleFunc("POST /api/v1/catalog/reload", reloadHandler(s))
	return mux
}

func resolveHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req boxRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		m, err := s.resolve(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func createSessionHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req boxRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		resp, err := s.createSession(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func scoreHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		req.Session = r.PathValue("id")
		resp, err := s.score(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func exportHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		data, err := s.export(id)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/tiff")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "similarity-"+id+".tif"))
		w.Write(data)
	}
}

func deleteSessionHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deleteSession(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func reloadHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.reloadCatalog()
		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// httpStatus maps an error to the status code of its kind.
func httpStatus(err error) int {
	switch {
	// Timeouts are reported as such even when wrapped in a decode error.
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, errBadRequest),
		errors.Is(err, utm.ErrInvalidBox),
		errors.Is(err, catalog.ErrZoneCrossing),
		errors.Is(err, explorer.ErrInvalidWindow),
		errors.Is(err, embedding.ErrOutOfBounds),
		errors.Is(err, embedding.ErrMaskedPixel):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrTileNotFound),
		errors.Is(err, explorer.ErrSessionNotFound),
		errors.Is(err, explorer.ErrNoResult):
		return http.StatusNotFound
	case errors.Is(err, explorer.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, geotiff.ErrDecode):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
