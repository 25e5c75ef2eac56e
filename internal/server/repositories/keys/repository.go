package keys

import (
	"context"

	"github.com/seclink/server/internal/server/models"
)

// Repository is the persistence surface for the key hierarchy: DEK versions,
// per-device wrappings, session keys, the rotation audit log and recovery
// backups.
type Repository interface {
	InsertDEK(ctx context.Context, dek *models.DataEncryptionKey) (*models.DataEncryptionKey, error)
	GetActiveDEK(ctx context.Context, userID string) (*models.DataEncryptionKey, error)
	GetDEKByVersion(ctx context.Context, userID string, version int64) (*models.DataEncryptionKey, error)
	ListDEKVersions(ctx context.Context, userID string) ([]*models.DataEncryptionKey, error)
	DeactivateDEK(ctx context.Context, userID string, version int64) error

	UpsertDeviceWrappedDEK(ctx context.Context, w *models.DeviceWrappedDEK) error
	GetDeviceWrappedDEK(ctx context.Context, userID, deviceID string) (*models.DeviceWrappedDEK, error)
	DeactivateDeviceWrappings(ctx context.Context, userID, deviceID string) (int64, error)
	TouchDeviceWrappedDEK(ctx context.Context, userID, deviceID string) error

	InsertSessionKey(ctx context.Context, k *models.EncryptedSessionKey) (*models.EncryptedSessionKey, error)
	GetActiveSessionKey(ctx context.Context, userID, conversationID string) (*models.EncryptedSessionKey, error)
	ListSessionKeysByDEKVersion(ctx context.Context, userID string, dekVersion int64) ([]*models.EncryptedSessionKey, error)
	RewrapSessionKey(ctx context.Context, userID string, oldDEKVersion, newDEKVersion int64, k *models.RewrappedSessionKey) error
	TouchSessionKeyRange(ctx context.Context, userID, conversationID string, messageID int64) error

	AppendRotationLog(ctx context.Context, e *models.RotationLogEntry) error
	ListRotationLog(ctx context.Context, userID string, limit int) ([]*models.RotationLogEntry, error)
	LastSuccessfulRotation(ctx context.Context, userID string) (*models.RotationLogEntry, error)

	UpsertRecoveryBackup(ctx context.Context, b *models.RecoveryKeyBackup) error
	GetActiveRecoveryBackup(ctx context.Context, userID string) (*models.RecoveryKeyBackup, error)
	TouchRecoveryBackup(ctx context.Context, userID string) error
}
