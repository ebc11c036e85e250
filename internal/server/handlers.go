package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/ledger"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/retriever"
	"github.com/hyperjump/shirabe/internal/snapshot"
)

const (
	maxSearchBody = 1 << 20
	maxChunksBody = 64 << 20
	defaultRuns   = 20
)

type addChunksRequest struct {
	Chunks []*models.Chunk `json:"chunks"`
}

type statusResponse struct {
	Index   retriever.Stats  `json:"index"`
	Files   *snapshot.Status `json:"files"`
	LastRun *ledger.Run      `json:"last_run,omitempty"`
}

func decodeStrict(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := decodeStrict(w, r, maxSearchBody, &query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("top_k", query.TopK))
	response, err := s.live.Search(r.Context(), &query)
	if err != nil {
		s.fail(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleAddChunks(w http.ResponseWriter, r *http.Request) {
	var req addChunksRequest
	if err := decodeStrict(w, r, maxChunksBody, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.logger.Debug("add chunks request", zap.Int("chunks", len(req.Chunks)))
	report, err := s.ingest(r.Context(), req.Chunks)
	if err != nil {
		s.fail(w, "update failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.live.Reload(); err != nil {
		s.fail(w, "reload failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.live.Stats())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	files, err := s.repo.Stat()
	if err != nil {
		s.fail(w, "status failed", err)
		return
	}
	resp := statusResponse{Index: s.live.Stats(), Files: files}
	if s.ledger != nil {
		last, err := s.ledger.LastSuccessful()
		if err != nil {
			s.logger.Warn("status: read ledger failed", zap.Error(err))
		}
		resp.LastRun = last
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, http.StatusNotImplemented, "run ledger not enabled")
		return
	}
	limit := defaultRuns
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.ledger.List(limit)
	if err != nil {
		s.fail(w, "list runs failed", err)
		return
	}
	if runs == nil {
		runs = []*ledger.Run{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidQuery), errors.Is(err, models.ErrInvalidChunk):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrEmptyIndex), errors.Is(err, models.ErrDimensionMismatch),
		errors.Is(err, models.ErrModelMismatch):
		return http.StatusConflict
	case errors.Is(err, models.ErrEncoding):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
