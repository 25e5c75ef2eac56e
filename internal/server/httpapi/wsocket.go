package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/server/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients authenticate with a bearer token, not cookies, so cross-origin
	// handshakes carry no ambient authority.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and pumps inbound envelopes into
// the delivery service until the peer goes away.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	if err := h.pairing.AuthorizeConnection(r.Context(), claims.UserID, claims.DeviceID); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	ep := ws.NewEndpoint(conn, h.config.WriteTimeout)
	h.hub.Register(r.Context(), claims.UserID, claims.DeviceID, ep)
	defer h.hub.Unregister(r.Context(), claims.UserID, claims.DeviceID, ep)

	conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug(r.Context(), "websocket closed unexpectedly",
					"user_id", claims.UserID, "device_id", claims.DeviceID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))

		env, err := ws.ParseEnvelope(raw)
		if err != nil {
			// A peer speaking garbage gets disconnected, not argued with.
			ep.Close()
			return
		}

		if err := h.delivery.HandleEnvelope(r.Context(), claims.UserID, claims.DeviceID, env); err != nil {
			if errors.Is(err, common.ErrTransport) {
				ep.Close()
				return
			}
			h.sendErrorFrame(ep, err)
		}
	}
}

func (h *Handler) sendErrorFrame(ep ws.Endpoint, cause error) {
	env, err := ws.NewEnvelope(ws.TypeError, &ws.ErrorPayload{Code: "request_failed", Message: cause.Error()})
	if err != nil {
		return
	}
	ep.Send(env)
}
