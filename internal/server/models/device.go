package models

import "time"

// DeviceAuthorization is one authorized device of a user: its public key,
// derived fingerprint and lifecycle metadata. Unique per (user, device).
type DeviceAuthorization struct {
	ID           int64
	UserID       string
	DeviceID     string
	DeviceName   string
	DeviceType   string
	PublicKey    string
	Fingerprint  string
	IsActive     bool
	IsPrimary    bool
	LastSeenAt   *time.Time
	LastIP       string
	AuthorizedAt time.Time
	RevokedAt    *time.Time
	RevokeReason string
}

// RevocationLogEntry records one device revocation for the audit trail.
type RevocationLogEntry struct {
	ID              int64
	UserID          string
	RevokedDeviceID string
	RevokedByDevice string
	Reason          string
	DEKRotated      bool
	OldDEKVersion   *int64
	NewDEKVersion   *int64
	CreatedAt       time.Time
}
