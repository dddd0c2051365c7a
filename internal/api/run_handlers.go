package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/history"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	storeTimeout    = 3 * time.Second
)

// listRuns handles GET /v1/runs?status=&limit=&offset=. It returns a JSON
// object {"runs": [...]} on success, 400 for invalid filters, or 500 if the
// store call fails.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *history.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	runs, err := s.runs.List(ctx, status, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// getRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} on success,
// 400 for malformed IDs, 404 when the store reports history.ErrNotFound, or
// 500 otherwise.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	rec, err := s.runs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(rec)})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (history.RunStatus, error) {
	status := history.RunStatus(strings.ToLower(input))
	if !status.Valid() {
		return "", errors.New("invalid status")
	}
	return status, nil
}

func toRunDTOs(in []history.RunRecord) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, toRunDTO(rec))
	}
	return out
}

func toRunDTO(rec history.RunRecord) runDTO {
	return runDTO{
		ID:          rec.ID.String(),
		RootURI:     rec.RootURI,
		MaxDepth:    rec.MaxDepth,
		Strategy:    rec.Strategy,
		Status:      string(rec.Status),
		TotalImages: rec.TotalImages,
		ElapsedMS:   rec.ElapsedMS,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		Error:       rec.Error,
	}
}

type runDTO struct {
	ID          string     `json:"id"`
	RootURI     string     `json:"root_uri"`
	MaxDepth    int        `json:"max_depth"`
	Strategy    string     `json:"strategy,omitempty"`
	Status      string     `json:"status"`
	TotalImages int64      `json:"total_images"`
	ElapsedMS   int64      `json:"elapsed_ms"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

type workerDTO struct {
	Worker    int    `json:"worker"`
	State     string `json:"state"`
	ActiveRun string `json:"active_run,omitempty"`
}
