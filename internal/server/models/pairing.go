package models

import "time"

// Pairing session statuses. A session reaches completed only via
// pending → scanned → approved → completed; expired and rejected are
// terminal.
const (
	PairingPending   = "pending"
	PairingScanned   = "scanned"
	PairingApproved  = "approved"
	PairingCompleted = "completed"
	PairingExpired   = "expired"
	PairingRejected  = "rejected"
)

// PairingSession is an ephemeral, single-use session admitting a new device
// to an account's key hierarchy. The token is the capability secret carried
// across devices in the QR payload.
type PairingSession struct {
	ID        int64
	UserID    string
	Token     string
	Challenge string
	Status    string

	// New-device identity, captured on scan.
	NewDeviceID          string
	NewDeviceName        string
	NewDeviceType        string
	NewDevicePublicKey   string
	NewDeviceFingerprint string

	InitiatorDeviceID string

	// DEK re-wrapped client-side for the new device, set on approval.
	WrappedDEKForDevice string
	DEKWrapNonce        string

	CreatedAt   time.Time
	ExpiresAt   time.Time
	ScannedAt   *time.Time
	ApprovedAt  *time.Time
	CompletedAt *time.Time
}

// QRPayload is the JSON document encoded into the pairing QR code — the sole
// channel carrying the pairing token across devices.
type QRPayload struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	Challenge string `json:"challenge"`
	UserID    string `json:"user_id"`
	Expires   string `json:"expires"`
}
