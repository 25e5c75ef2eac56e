package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seclink/server/internal/server/models"
	"github.com/seclink/server/internal/server/services"
)

type wrappedKeyRequest struct {
	WrappedDEK string `json:"wrapped_dek" validate:"required"`
	Nonce      string `json:"nonce" validate:"required"`
	Algorithm  string `json:"algorithm"`
}

func (r wrappedKeyRequest) toInput() services.WrappedKeyInput {
	return services.WrappedKeyInput{WrappedDEK: r.WrappedDEK, Nonce: r.Nonce, Algorithm: r.Algorithm}
}

type dekResponse struct {
	WrappedDEK string `json:"wrapped_dek"`
	Nonce      string `json:"nonce"`
	Algorithm  string `json:"algorithm"`
	Version    int64  `json:"version"`
	IsActive   bool   `json:"is_active"`
	CreatedAt  string `json:"created_at"`
	RotatedAt  string `json:"rotated_at,omitempty"`
}

func toDEKResponse(k *models.DataEncryptionKey) *dekResponse {
	resp := &dekResponse{
		WrappedDEK: k.WrappedDEK,
		Nonce:      k.Nonce,
		Algorithm:  k.Algorithm,
		Version:    k.Version,
		IsActive:   k.IsActive,
		CreatedAt:  k.CreatedAt.UTC().Format(time.RFC3339),
	}
	if k.RotatedAt != nil {
		resp.RotatedAt = k.RotatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type sessionKeyResponse struct {
	ConversationID    string `json:"conversation_id"`
	WrappedSessionKey string `json:"wrapped_session_key"`
	SessionKeyNonce   string `json:"session_key_nonce"`
	Algorithm         string `json:"algorithm"`
	DEKVersion        int64  `json:"dek_version"`
	KeyVersion        int64  `json:"key_version"`
	MessageCount      int64  `json:"message_count"`
}

func toSessionKeyResponse(k *models.EncryptedSessionKey) *sessionKeyResponse {
	return &sessionKeyResponse{
		ConversationID:    k.ConversationID,
		WrappedSessionKey: k.WrappedSessionKey,
		SessionKeyNonce:   k.SessionKeyNonce,
		Algorithm:         k.Algorithm,
		DEKVersion:        k.DEKVersion,
		KeyVersion:        k.KeyVersion,
		MessageCount:      k.MessageCount,
	}
}

// handleCreateDEK (POST /v1/keys/dek)
func (h *Handler) handleCreateDEK(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req wrappedKeyRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	dek, err := h.keys.CreateDEK(r.Context(), claims.UserID, req.toInput())
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, toDEKResponse(dek))
}

// handleGetActiveDEK (GET /v1/keys/dek)
func (h *Handler) handleGetActiveDEK(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	dek, err := h.keys.GetActiveDEK(r.Context(), claims.UserID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, toDEKResponse(dek))
}

// handleListDEKVersions (GET /v1/keys/dek/versions)
func (h *Handler) handleListDEKVersions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	versions, err := h.keys.ListDEKVersions(r.Context(), claims.UserID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	out := make([]*dekResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, toDEKResponse(v))
	}
	h.respondWithJSON(w, http.StatusOK, out)
}

// handleRotateDEK (POST /v1/keys/dek/rotate)
func (h *Handler) handleRotateDEK(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		wrappedKeyRequest
		ExpectedVersion int64 `json:"expected_version" validate:"required,min=1"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	dek, err := h.keys.RotateDEK(r.Context(), claims.UserID, req.ExpectedVersion, req.toInput())
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, toDEKResponse(dek))
}

// handleRecoverDEK (GET /v1/keys/dek/recover) returns the wrapping for the
// calling device when one exists, otherwise the active DEK record.
func (h *Handler) handleRecoverDEK(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	wrapped, dek, err := h.keys.RecoverDEK(r.Context(), claims.UserID, claims.DeviceID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	if wrapped != nil {
		h.respondWithJSON(w, http.StatusOK, map[string]any{
			"source":      "device_wrap",
			"wrapped_dek": wrapped.WrappedDEK,
			"wrap_nonce":  wrapped.WrapNonce,
			"algorithm":   wrapped.Algorithm,
			"dek_version": wrapped.DEKVersion,
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"source": "dek",
		"dek":    toDEKResponse(dek),
	})
}

// handleWrapForDevice (POST /v1/keys/device-wrap)
func (h *Handler) handleWrapForDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		DeviceID string `json:"device_id" validate:"required"`
		wrappedKeyRequest
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.keys.WrapForDevice(r.Context(), claims.UserID, req.DeviceID, req.toInput()); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, map[string]string{"status": "wrapped"})
}

// handleGetDeviceWrappedDEK (GET /v1/keys/device-wrap)
func (h *Handler) handleGetDeviceWrappedDEK(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	wrapped, err := h.keys.GetDeviceWrappedDEK(r.Context(), claims.UserID, claims.DeviceID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"wrapped_dek": wrapped.WrappedDEK,
		"wrap_nonce":  wrapped.WrapNonce,
		"algorithm":   wrapped.Algorithm,
		"dek_version": wrapped.DEKVersion,
	})
}

// handleStoreSessionKey (POST /v1/keys/sessions)
func (h *Handler) handleStoreSessionKey(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		ConversationID string `json:"conversation_id" validate:"required"`
		wrappedKeyRequest
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	key, err := h.keys.StoreSessionKey(r.Context(), claims.UserID, req.ConversationID, req.toInput())
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, toSessionKeyResponse(key))
}

// handleGetSessionKey (GET /v1/keys/sessions/{conversationID})
func (h *Handler) handleGetSessionKey(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	key, err := h.keys.GetSessionKey(r.Context(), claims.UserID, conversationID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, toSessionKeyResponse(key))
}

// handleListSessionKeysForRewrap (GET /v1/keys/sessions/rewrap?dek_version=N)
func (h *Handler) handleListSessionKeysForRewrap(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	oldVersion, err := strconv.ParseInt(r.URL.Query().Get("dek_version"), 10, 64)
	if err != nil || oldVersion < 1 {
		h.respondWithError(w, http.StatusBadRequest, "invalid dek_version")
		return
	}

	keys, err := h.keys.ListSessionKeysForRewrap(r.Context(), claims.UserID, oldVersion)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	type rewrapItem struct {
		ID                int64  `json:"id"`
		ConversationID    string `json:"conversation_id"`
		WrappedSessionKey string `json:"wrapped_session_key"`
		SessionKeyNonce   string `json:"session_key_nonce"`
		DEKVersion        int64  `json:"dek_version"`
	}
	out := make([]rewrapItem, 0, len(keys))
	for _, k := range keys {
		out = append(out, rewrapItem{
			ID:                k.ID,
			ConversationID:    k.ConversationID,
			WrappedSessionKey: k.WrappedSessionKey,
			SessionKeyNonce:   k.SessionKeyNonce,
			DEKVersion:        k.DEKVersion,
		})
	}

	h.respondWithJSON(w, http.StatusOK, out)
}

// handleRewrapSessionKeys (POST /v1/keys/sessions/rewrap)
func (h *Handler) handleRewrapSessionKeys(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		OldVersion int64 `json:"old_version" validate:"required,min=1"`
		NewVersion int64 `json:"new_version" validate:"required,min=1"`
		Keys       []struct {
			ID                int64  `json:"id" validate:"required"`
			WrappedSessionKey string `json:"wrapped_session_key" validate:"required"`
			SessionKeyNonce   string `json:"session_key_nonce" validate:"required"`
		} `json:"keys" validate:"required,dive"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	batch := make([]*models.RewrappedSessionKey, 0, len(req.Keys))
	for _, k := range req.Keys {
		batch = append(batch, &models.RewrappedSessionKey{
			ID:                k.ID,
			WrappedSessionKey: k.WrappedSessionKey,
			SessionKeyNonce:   k.SessionKeyNonce,
		})
	}

	moved, err := h.keys.RewrapSessionKeys(r.Context(), claims.UserID, req.OldVersion, req.NewVersion, batch)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]int64{"rewrapped": moved})
}

// handleStoreRecoveryBackup (POST /v1/keys/recovery-backup)
func (h *Handler) handleStoreRecoveryBackup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req struct {
		EncryptedDEK    string `json:"encrypted_dek" validate:"required"`
		EncryptionNonce string `json:"encryption_nonce" validate:"required"`
		Algorithm       string `json:"algorithm"`
		KDFSalt         string `json:"kdf_salt" validate:"required"`
		KDFAlgorithm    string `json:"kdf_algorithm" validate:"required"`
		KDFIterations   int64  `json:"kdf_iterations" validate:"required,min=1"`
		KDFMemory       *int64 `json:"kdf_memory"`
		KDFParallelism  *int64 `json:"kdf_parallelism"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	err := h.keys.StoreRecoveryBackup(r.Context(), claims.UserID, &models.RecoveryKeyBackup{
		EncryptedDEK:    req.EncryptedDEK,
		EncryptionNonce: req.EncryptionNonce,
		Algorithm:       req.Algorithm,
		KDFSalt:         req.KDFSalt,
		KDFAlgorithm:    req.KDFAlgorithm,
		KDFIterations:   req.KDFIterations,
		KDFMemory:       req.KDFMemory,
		KDFParallelism:  req.KDFParallelism,
	})
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

// handleGetRecoveryBackup (GET /v1/keys/recovery-backup)
func (h *Handler) handleGetRecoveryBackup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	b, err := h.keys.GetRecoveryBackup(r.Context(), claims.UserID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"encrypted_dek":    b.EncryptedDEK,
		"encryption_nonce": b.EncryptionNonce,
		"algorithm":        b.Algorithm,
		"kdf_salt":         b.KDFSalt,
		"kdf_algorithm":    b.KDFAlgorithm,
		"kdf_iterations":   b.KDFIterations,
		"kdf_memory":       b.KDFMemory,
		"kdf_parallelism":  b.KDFParallelism,
		"dek_version":      b.DEKVersion,
	})
}

// handleRotationLog (GET /v1/keys/rotation-log?limit=N)
func (h *Handler) handleRotationLog(w http.ResponseWriter, r *http.Request) {
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

	entries, err := h.keys.RotationLog(r.Context(), claims.UserID, limit)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	type logItem struct {
		RotationType      string `json:"rotation_type"`
		OldKeyFingerprint string `json:"old_key_fingerprint,omitempty"`
		NewKeyFingerprint string `json:"new_key_fingerprint,omitempty"`
		OldDEKVersion     *int64 `json:"old_dek_version,omitempty"`
		NewDEKVersion     *int64 `json:"new_dek_version,omitempty"`
		DeviceID          string `json:"device_id,omitempty"`
		Success           bool   `json:"success"`
		ErrorMessage      string `json:"error_message,omitempty"`
		CreatedAt         string `json:"created_at"`
	}
	out := make([]logItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, logItem{
			RotationType:      e.RotationType,
			OldKeyFingerprint: e.OldKeyFingerprint,
			NewKeyFingerprint: e.NewKeyFingerprint,
			OldDEKVersion:     e.OldDEKVersion,
			NewDEKVersion:     e.NewDEKVersion,
			DeviceID:          e.DeviceID,
			Success:           e.Success,
			ErrorMessage:      e.ErrorMessage,
			CreatedAt:         e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	h.respondWithJSON(w, http.StatusOK, out)
}

// handleReadReceiptSync (GET /v1/messages/read-ids?conversation_id=...) lets a
// freshly paired device reconcile read state it missed while offline.
func (h *Handler) handleReadReceiptSync(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		h.respondWithError(w, http.StatusBadRequest, "missing conversation_id")
		return
	}

	ids, err := h.delivery.ReadReceiptSync(r.Context(), claims.UserID, conversationID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}

	h.respondWithJSON(w, http.StatusOK, map[string]any{"message_ids": ids})
}
