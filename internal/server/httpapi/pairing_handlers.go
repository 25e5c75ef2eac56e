package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seclink/server/internal/server/models"
	"github.com/seclink/server/internal/server/services"
)

type deviceRequest struct {
	DeviceID   string `json:"device_id" validate:"required"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	PublicKey  string `json:"public_key" validate:"required"`
}

type pairingSessionResponse struct {
	Status               string `json:"status"`
	UserID               string `json:"user_id"`
	NewDeviceID          string `json:"new_device_id,omitempty"`
	NewDeviceName        string `json:"new_device_name,omitempty"`
	NewDeviceFingerprint string `json:"new_device_fingerprint,omitempty"`
	WrappedDEKForDevice  string `json:"wrapped_dek_for_device,omitempty"`
	DEKWrapNonce         string `json:"dek_wrap_nonce,omitempty"`
	ExpiresAt            string `json:"expires_at"`
}

func toPairingResponse(s *models.PairingSession) *pairingSessionResponse {
	return &pairingSessionResponse{
		Status:               s.Status,
		UserID:               s.UserID,
		NewDeviceID:          s.NewDeviceID,
		NewDeviceName:        s.NewDeviceName,
		NewDeviceFingerprint: s.NewDeviceFingerprint,
		WrappedDEKForDevice:  s.WrappedDEKForDevice,
		DEKWrapNonce:         s.DEKWrapNonce,
		ExpiresAt:            s.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// handleRegisterPrimaryDevice (POST /v1/devices/primary)
func (h *Handler) handleRegisterPrimaryDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req deviceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	d, err := h.pairing.RegisterPrimaryDevice(r.Context(), claims.UserID, services.NewDeviceInfo{
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		DeviceType: req.DeviceType,
		PublicKey:  req.PublicKey,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, map[string]any{
		"device_id":   d.DeviceID,
		"fingerprint": d.Fingerprint,
		"is_primary":  d.IsPrimary,
	})
}

// handleInitPairing (POST /v1/pairing/init)
func (h *Handler) handleInitPairing(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	session, qr, err := h.pairing.InitPairing(r.Context(), claims.UserID, claims.DeviceID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, map[string]any{
		"session":    toPairingResponse(session),
		"qr_payload": qr,
	})
}

// handleScanPairing (POST /v1/pairing/scan) — authenticated by the pairing
// token itself; the scanning device has no JWT yet.
func (h *Handler) handleScanPairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token" validate:"required"`
		deviceRequest
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	session, err := h.pairing.ScanPairing(r.Context(), req.Token, services.NewDeviceInfo{
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		DeviceType: req.DeviceType,
		PublicKey:  req.PublicKey,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, toPairingResponse(session))
}

// handleApprovePairing (POST /v1/pairing/approve)
func (h *Handler) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		Token        string `json:"token" validate:"required"`
		WrappedDEK   string `json:"wrapped_dek" validate:"required"`
		DEKWrapNonce string `json:"dek_wrap_nonce" validate:"required"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	session, err := h.pairing.ApprovePairing(r.Context(), req.Token, claims.DeviceID, req.WrappedDEK, req.DEKWrapNonce)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, toPairingResponse(session))
}

// handleCompletePairing (POST /v1/pairing/complete)
func (h *Handler) handleCompletePairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token" validate:"required"`
		DeviceID string `json:"device_id" validate:"required"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	session, err := h.pairing.CompletePairing(r.Context(), req.Token, req.DeviceID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, toPairingResponse(session))
}

// handleRejectPairing (POST /v1/pairing/reject)
func (h *Handler) handleRejectPairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token" validate:"required"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.pairing.RejectPairing(r.Context(), req.Token); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// handlePairingStatus (GET /v1/pairing/status?token=...)
func (h *Handler) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.respondWithError(w, http.StatusBadRequest, "missing token")
		return
	}

	session, err := h.pairing.PairingStatus(r.Context(), token)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, toPairingResponse(session))
}

// handleListDevices (GET /v1/devices)
func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	activeOnly := r.URL.Query().Get("all") == ""
	list, err := h.pairing.ListDevices(r.Context(), claims.UserID, activeOnly)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	type deviceResponse struct {
		DeviceID    string `json:"device_id"`
		DeviceName  string `json:"device_name"`
		DeviceType  string `json:"device_type"`
		Fingerprint string `json:"fingerprint"`
		IsActive    bool   `json:"is_active"`
		IsPrimary   bool   `json:"is_primary"`
		LastSeenAt  string `json:"last_seen_at,omitempty"`
	}

	out := make([]deviceResponse, 0, len(list))
	for _, d := range list {
		item := deviceResponse{
			DeviceID:    d.DeviceID,
			DeviceName:  d.DeviceName,
			DeviceType:  d.DeviceType,
			Fingerprint: d.Fingerprint,
			IsActive:    d.IsActive,
			IsPrimary:   d.IsPrimary,
		}
		if d.LastSeenAt != nil {
			item.LastSeenAt = d.LastSeenAt.UTC().Format(time.RFC3339)
		}
		out = append(out, item)
	}

	h.respondWithJSON(w, http.StatusOK, out)
}

// handleRevocationLog (GET /v1/devices/revocations?limit=N)
func (h *Handler) handleRevocationLog(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			h.respondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := h.pairing.RevocationLog(r.Context(), claims.UserID, limit)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	type revocationItem struct {
		RevokedDeviceID string `json:"revoked_device_id"`
		RevokedByDevice string `json:"revoked_by_device,omitempty"`
		Reason          string `json:"reason,omitempty"`
		DEKRotated      bool   `json:"dek_rotated"`
		CreatedAt       string `json:"created_at"`
	}
	out := make([]revocationItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, revocationItem{
			RevokedDeviceID: e.RevokedDeviceID,
			RevokedByDevice: e.RevokedByDevice,
			Reason:          e.Reason,
			DEKRotated:      e.DEKRotated,
			CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	h.respondWithJSON(w, http.StatusOK, out)
}

// handleRevokeDevice (POST /v1/devices/{deviceID}/revoke)
func (h *Handler) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		Reason string `json:"reason"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	err := h.pairing.RevokeDevice(r.Context(), claims.UserID, deviceID, claims.DeviceID, req.Reason)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
