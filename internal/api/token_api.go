package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// TokenAPI lets an authenticated user manage their own device tokens.
type TokenAPI struct {
	Store  dispatch.TokenRegistry
	Logger *slog.Logger
}

func NewTokenAPI(store dispatch.TokenRegistry, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Store:  store,
		Logger: logger.With("component", "TokenAPI"),
	}
}

type RegisterTokenRequest struct {
	Token      string `json:"token"`
	DeviceType string `json:"device_type"`
}

type UnregisterTokenRequest struct {
	Token string `json:"token"`
}

func (api *TokenAPI) RegisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserIDFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req RegisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}
	deviceType := dispatch.DeviceType(req.DeviceType)
	if !deviceType.Valid() {
		response.WriteJSONError(w, http.StatusBadRequest, "device_type must be one of ios, android, web")
		return
	}

	err := api.Store.RegisterToken(ctx, dispatch.DeviceToken{Token: req.Token, UserID: userID, DeviceType: deviceType})
	if err != nil {
		api.Logger.Error("Failed to register token", "user_id", userID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Token registered", "user_id", userID, "device_type", deviceType, "token", dispatch.MaskToken(req.Token))

	w.WriteHeader(http.StatusNoContent)
}

// UnregisterToken removes a token the caller owns. Unknown tokens succeed so
// that clients can retry freely.
func (api *TokenAPI) UnregisterToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserIDFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnregisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	owned, err := api.Store.ListTokensForUser(ctx, userID)
	if err != nil {
		api.Logger.Error("Failed to list tokens", "user_id", userID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	for _, t := range owned {
		if t.Token != req.Token {
			continue
		}
		if err := api.Store.DeleteTokens(ctx, []string{req.Token}); err != nil {
			api.Logger.Error("Failed to unregister token", "user_id", userID, "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
			return
		}
		api.Logger.Info("Token unregistered", "user_id", userID, "token", dispatch.MaskToken(req.Token))
		break
	}

	w.WriteHeader(http.StatusNoContent)
}
