// Package httpapi exposes the REST surface for key management, device
// pairing and device lifecycle, plus the WebSocket upgrade endpoint for the
// real-time transport.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/logging"
	"github.com/seclink/server/internal/server/config"
	"github.com/seclink/server/internal/server/services"
	"github.com/seclink/server/internal/server/ws"
)

// Handler carries the handler dependencies.
type Handler struct {
	keys     *services.KeyService
	pairing  *services.PairingService
	delivery *services.DeliveryService
	hub      *ws.Hub
	config   *config.Config
	validate *validator.Validate
	logger   logging.Logger
}

func NewHandler(keys *services.KeyService, pairing *services.PairingService, delivery *services.DeliveryService, hub *ws.Hub, cfg *config.Config, logger logging.Logger) *Handler {
	return &Handler{
		keys:     keys,
		pairing:  pairing,
		delivery: delivery,
		hub:      hub,
		config:   cfg,
		validate: validator.New(),
		logger:   logger.With("component", "httpapi"),
	}
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error(context.Background(), "failed to marshal response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":500,"message":"internal error"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// respondWithServiceError maps the error taxonomy to HTTP status codes.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrValidation):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, common.ErrInvalidToken):
		h.respondWithError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, common.ErrForbidden):
		h.respondWithError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, common.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, common.ErrExpired):
		h.respondWithError(w, http.StatusGone, err.Error())
	case errors.Is(err, common.ErrConflict), errors.Is(err, common.ErrVersionConflict):
		h.respondWithError(w, http.StatusConflict, err.Error())
	default:
		h.respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeAndValidate decodes the JSON body into req and runs the validator.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
