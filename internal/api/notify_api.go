package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-pipeline/pkg/notify"
)

// Enqueuer is satisfied by *notify.Notifier.
type Enqueuer interface {
	Enqueue(ctx context.Context, recipientID, title, body string, data map[string]any) (notify.JobHandle, error)
}

// NotifyAPI exposes Enqueue to services that cannot link the library.
type NotifyAPI struct {
	Notifier Enqueuer
	Logger   *slog.Logger
}

func NewNotifyAPI(notifier Enqueuer, logger *slog.Logger) *NotifyAPI {
	return &NotifyAPI{
		Notifier: notifier,
		Logger:   logger.With("component", "NotifyAPI"),
	}
}

type EnqueueRequest struct {
	RecipientID string         `json:"recipient_id"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
}

type EnqueueResponse struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (api *NotifyAPI) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	handle, err := api.Notifier.Enqueue(r.Context(), req.RecipientID, req.Title, req.Body, req.Data)
	if errors.Is(err, notify.ErrMissingRecipient) {
		response.WriteJSONError(w, http.StatusBadRequest, "missing recipient_id")
		return
	}
	if errors.Is(err, notify.ErrInvalidData) {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid data")
		return
	}
	if err != nil {
		api.Logger.Error("Enqueue failed", "recipient_id", req.RecipientID, "err", err)
		response.WriteJSONError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, EnqueueResponse{JobID: handle.ID, EnqueuedAt: handle.EnqueuedAt})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
