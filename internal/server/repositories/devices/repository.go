package devices

import (
	"context"
	"time"

	"github.com/seclink/server/internal/server/models"
)

// PairingUpdate carries the optional columns written alongside a pairing
// status transition. Nil fields are left untouched.
type PairingUpdate struct {
	NewDeviceID          *string
	NewDeviceName        *string
	NewDeviceType        *string
	NewDevicePublicKey   *string
	NewDeviceFingerprint *string
	WrappedDEKForDevice  *string
	DEKWrapNonce         *string
}

// Repository is the persistence surface for device authorizations,
// pairing sessions and the revocation audit log.
type Repository interface {
	UpsertAuthorization(ctx context.Context, d *models.DeviceAuthorization) error
	GetAuthorization(ctx context.Context, userID, deviceID string) (*models.DeviceAuthorization, error)
	ListAuthorizations(ctx context.Context, userID string, activeOnly bool) ([]*models.DeviceAuthorization, error)
	CountActiveAuthorizations(ctx context.Context, userID string) (int64, error)
	RevokeAuthorization(ctx context.Context, userID, deviceID, reason string) error
	IsAuthorized(ctx context.Context, userID, deviceID string) (bool, error)
	UpdateLastSeen(ctx context.Context, userID, deviceID, ip string) error

	InsertPairingSession(ctx context.Context, s *models.PairingSession) (*models.PairingSession, error)
	GetPairingSessionByToken(ctx context.Context, token string) (*models.PairingSession, error)
	TransitionPairing(ctx context.Context, id int64, from, to string, upd *PairingUpdate) error
	ExpirePendingSessions(ctx context.Context, userID string) (int64, error)
	CountRecentSessions(ctx context.Context, userID string, since time.Time) (int64, error)

	AppendRevocationLog(ctx context.Context, e *models.RevocationLogEntry) error
	ListRevocationLog(ctx context.Context, userID string, limit int) ([]*models.RevocationLogEntry, error)
}
