package models

import "time"

// DataEncryptionKey is one version of a user's DEK, stored wrapped under the
// user's identity key. The server never holds the plaintext key: rotation
// replaces the wrapping, never the key itself.
//
// Exactly one row per user is active at a time; old versions are retained
// read-only so history encrypted under them stays reachable.
type DataEncryptionKey struct {
	ID         int64
	UserID     string
	WrappedDEK string
	Nonce      string
	Algorithm  string
	Version    int64
	IsActive   bool
	CreatedAt  time.Time
	RotatedAt  *time.Time
}

// DeviceWrappedDEK is the DEK wrapped for a specific device's public key.
// Keyed by (user, device, version); deactivated, not deleted, on revoke.
type DeviceWrappedDEK struct {
	ID         int64
	UserID     string
	DeviceID   string
	WrappedDEK string
	WrapNonce  string
	Algorithm  string
	DEKVersion int64
	IsActive   bool
	CreatedAt  time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}

// EncryptedSessionKey is a per-conversation key wrapped under the DEK,
// together with the message-id range it covers so rotation never orphans
// history.
type EncryptedSessionKey struct {
	ID                int64
	UserID            string
	ConversationID    string
	WrappedSessionKey string
	SessionKeyNonce   string
	Algorithm         string
	DEKVersion        int64
	KeyVersion        int64
	IsActive          bool
	FirstMessageID    *int64
	LastMessageID     *int64
	MessageCount      int64
	CreatedAt         time.Time
	RotatedAt         *time.Time
}

// RewrappedSessionKey is one row of a batch rewrap after a DEK rotation:
// the session key identified by ID, re-wrapped client-side under the new DEK.
type RewrappedSessionKey struct {
	ID                int64
	WrappedSessionKey string
	SessionKeyNonce   string
}

// RotationLogEntry is one append-only audit record for a key-hierarchy
// mutation. Failures are recorded too, with the error text attached.
type RotationLogEntry struct {
	ID                int64
	UserID            string
	RotationType      string
	OldKeyFingerprint string
	NewKeyFingerprint string
	OldDEKVersion     *int64
	NewDEKVersion     *int64
	DeviceID          string
	Success           bool
	ErrorMessage      string
	CreatedAt         time.Time
}

// RecoveryKeyBackup holds the DEK encrypted under a password-derived key.
// The server stores only the ciphertext and the KDF parameters needed to
// re-derive the key client-side; it never sees the password.
type RecoveryKeyBackup struct {
	ID              int64
	UserID          string
	EncryptedDEK    string
	EncryptionNonce string
	Algorithm       string
	KDFSalt         string
	KDFAlgorithm    string
	KDFIterations   int64
	KDFMemory       *int64
	KDFParallelism  *int64
	DEKVersion      int64
	IsActive        bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}
