package models

import "time"

// MessageStatus is the delivery lifecycle of a message. Transitions only
// move forward; a later status never regresses to an earlier one.
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageExpired   MessageStatus = "expired"
	MessageDeleted   MessageStatus = "deleted"
)

var statusRank = map[MessageStatus]int{
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
	MessageExpired:   4,
	MessageDeleted:   5,
}

// Rank returns the ordinal position of the status in the lifecycle,
// or 0 for an unknown status.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// Message is an end-to-end encrypted message as the server sees it:
// opaque ciphertext plus routing and delivery metadata.
type Message struct {
	ID             int64
	SenderID       string
	RecipientID    string
	ConversationID string
	Ciphertext     string
	Nonce          string
	KeyVersion     int64
	Status         MessageStatus
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	ExpiresAt      *time.Time
}

// CallLog records one signaled call between two users.
type CallLog struct {
	ID        int64
	CallID    string
	CallerID  string
	CalleeID  string
	CallType  string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Contact is one edge of a user's contact list, used to scope presence
// fan-out and reconnect notifications.
type Contact struct {
	UserID    string
	ContactID string
	CreatedAt time.Time
}
