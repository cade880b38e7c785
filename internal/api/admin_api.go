package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-pipeline/internal/queue"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// AdminAPI inspects queue state. Inspector is nil for backends whose dead
// letters live elsewhere (Pub/Sub), in which case every route answers 501.
type AdminAPI struct {
	Inspector queue.Inspector
	Logger    *slog.Logger
}

func NewAdminAPI(inspector queue.Inspector, logger *slog.Logger) *AdminAPI {
	return &AdminAPI{
		Inspector: inspector,
		Logger:    logger.With("component", "AdminAPI"),
	}
}

func (api *AdminAPI) Stats(w http.ResponseWriter, r *http.Request) {
	if !api.available(w) {
		return
	}
	stats, err := api.Inspector.Stats(r.Context())
	if err != nil {
		api.Logger.Error("Failed to read queue stats", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DeadLetters lists the newest dead letters; ?limit=N caps the page.
func (api *AdminAPI) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if !api.available(w) {
		return
	}

	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.WriteJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	dead, err := api.Inspector.DeadLetters(r.Context(), limit)
	if err != nil {
		api.Logger.Error("Failed to list dead letters", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (api *AdminAPI) Replay(w http.ResponseWriter, r *http.Request) {
	if !api.available(w) {
		return
	}

	jobID := r.PathValue("id")
	err := api.Inspector.Replay(r.Context(), jobID)
	switch {
	case err == nil:
		api.Logger.Info("Dead letter replayed", "job_id", jobID)
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, queue.ErrJobNotFound):
		response.WriteJSONError(w, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, queue.ErrNotReplayable):
		response.WriteJSONError(w, http.StatusConflict, "dead letter has no decodable job")
	case errors.Is(err, queue.ErrUnsupported):
		response.WriteJSONError(w, http.StatusNotImplemented, "replay not supported by queue backend")
	default:
		api.Logger.Error("Replay failed", "job_id", jobID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "queue unavailable")
	}
}

func (api *AdminAPI) available(w http.ResponseWriter) bool {
	if api.Inspector == nil {
		response.WriteJSONError(w, http.StatusNotImplemented, "queue backend does not support inspection")
		return false
	}
	return true
}
