// Package ws implements the real-time transport: the WebSocket connection
// registry with per-user device slots, the wire envelope, and call
// signaling. All payloads passing through here are opaque ciphertext;
// the hub only routes.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/seclink/server/internal/common"
)

// Envelope types. Unknown types received from a client are ignored so older
// servers tolerate newer clients; malformed JSON closes the connection.
const (
	TypeMessage         = "message"
	TypeDeliveryReceipt = "delivery_receipt"
	TypeReadReceipt     = "read_receipt"
	TypeTyping          = "typing"
	TypePresence        = "presence"
	TypeCallOffer       = "call_offer"
	TypeCallAnswer      = "call_answer"
	TypeCallReject      = "call_reject"
	TypeCallEnd         = "call_end"
	TypeICECandidate    = "ice_candidate"
	TypeContactsSync    = "contacts_sync"
	TypeReadStateSync   = "read_state_sync"
	TypePresenceSub     = "presence_subscribe"
	TypeError           = "error"
)

// Envelope is the tagged union framing every WebSocket frame. Data holds the
// type-specific payload and is decoded lazily by the handler for the type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessagePayload carries one encrypted message.
type MessagePayload struct {
	ID             int64  `json:"id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
	RecipientID    string `json:"recipient_id"`
	ConversationID string `json:"conversation_id"`
	Ciphertext     string `json:"ciphertext"`
	Nonce          string `json:"nonce"`
	KeyVersion     int64  `json:"key_version"`
	SentAt         string `json:"sent_at,omitempty"`
}

// ReceiptPayload acknowledges delivery or read of one or more messages.
type ReceiptPayload struct {
	MessageIDs     []int64 `json:"message_ids"`
	ConversationID string  `json:"conversation_id,omitempty"`
	From           string  `json:"from,omitempty"`
}

// TypingPayload signals typing state inside a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	RecipientID    string `json:"recipient_id"`
	From           string `json:"from,omitempty"`
	Typing         bool   `json:"typing"`
}

// PresencePayload announces a contact going online or offline.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// CallPayload carries call signaling. SDP and candidates are opaque blobs
// relayed between the two ends, encrypted like everything else.
type CallPayload struct {
	CallID    string `json:"call_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	CallType  string `json:"call_type,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ContactsPayload is the client's full contact-id list, replacing the stored
// set and refreshing the presence fan-out audience.
type ContactsPayload struct {
	ContactIDs []string `json:"contact_ids"`
}

// ReadStatePayload is the snapshot of already-read incoming message ids
// pushed to a device on connect, so it does not re-surface read items.
type ReadStatePayload struct {
	MessageIDs []int64 `json:"message_ids"`
}

// PresenceSubPayload asks for the current presence of a set of users.
type PresenceSubPayload struct {
	UserIDs []string `json:"user_ids"`
}

// ErrorPayload is sent to a client whose request could not be served.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals a payload under the given type tag.
func NewEnvelope(envType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshalling %s payload: %w", envType, err)
	}
	return &Envelope{Type: envType, Data: data}, nil
}

// ParseEnvelope decodes one frame. A frame that is not valid JSON or has no
// type tag is a protocol violation and maps to common.ErrTransport, which
// terminates the connection.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", common.ErrTransport)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope without type: %w", common.ErrTransport)
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope data into the typed payload.
func DecodePayload(env *Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("empty %s payload: %w", env.Type, common.ErrValidation)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, common.ErrValidation)
	}
	return nil
}
