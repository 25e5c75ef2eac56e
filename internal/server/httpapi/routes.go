package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the chi router for the whole API surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/v1", func(r chi.Router) {
		// Reached by a device that holds only a pairing token.
		r.Post("/pairing/scan", h.handleScanPairing)
		r.Post("/pairing/complete", h.handleCompletePairing)
		r.Get("/pairing/status", h.handlePairingStatus)

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Post("/devices/primary", h.handleRegisterPrimaryDevice)
			r.Get("/devices", h.handleListDevices)
			r.Post("/devices/{deviceID}/revoke", h.handleRevokeDevice)
			r.Get("/devices/revocations", h.handleRevocationLog)

			r.Post("/pairing/init", h.handleInitPairing)
			r.Post("/pairing/approve", h.handleApprovePairing)
			r.Post("/pairing/reject", h.handleRejectPairing)

			r.Post("/keys/dek", h.handleCreateDEK)
			r.Get("/keys/dek", h.handleGetActiveDEK)
			r.Get("/keys/dek/versions", h.handleListDEKVersions)
			r.Post("/keys/dek/rotate", h.handleRotateDEK)
			r.Get("/keys/dek/recover", h.handleRecoverDEK)

			r.Post("/keys/device-wrap", h.handleWrapForDevice)
			r.Get("/keys/device-wrap", h.handleGetDeviceWrappedDEK)

			r.Post("/keys/sessions", h.handleStoreSessionKey)
			r.Get("/keys/sessions/{conversationID}", h.handleGetSessionKey)
			r.Get("/keys/sessions/rewrap", h.handleListSessionKeysForRewrap)
			r.Post("/keys/sessions/rewrap", h.handleRewrapSessionKeys)

			r.Post("/keys/recovery-backup", h.handleStoreRecoveryBackup)
			r.Get("/keys/recovery-backup", h.handleGetRecoveryBackup)

			r.Get("/keys/rotation-log", h.handleRotationLog)

			r.Get("/messages/read-ids", h.handleReadReceiptSync)
		})
	})

	// The upgrade handler authenticates on its own: browsers cannot attach
	// an Authorization header to a WebSocket handshake.
	r.Get("/v1/ws", h.handleWebSocket)

	return r
}
