package telemetry

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/yottalabsai/verl/checkpoint"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listCheckpointsResponse wraps the paginated list response.
type listCheckpointsResponse struct {
	Checkpoints []*checkpoint.Handle `json:"checkpoints"`
	Total       int                  `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	handles, total, err := s.ckpts.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list checkpoints", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}

	if handles == nil {
		handles = []*checkpoint.Handle{}
	}

	s.writeJSON(w, http.StatusOK, listCheckpointsResponse{
		Checkpoints: handles,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	h, err := s.ckpts.Latest(r.Context())
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		s.writeError(w, http.StatusNotFound, "no checkpoint available")
		return
	}
	if err != nil {
		s.logger.Error("latest checkpoint", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve latest checkpoint")
		return
	}

	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleCheckpointStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ckpts.Stats(r.Context())
	if err != nil {
		s.logger.Error("checkpoint stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get checkpoint stats")
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
