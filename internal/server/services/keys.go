package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/dbx"
	"github.com/seclink/server/internal/logging"
	"github.com/seclink/server/internal/server/config"
	"github.com/seclink/server/internal/server/models"
	"github.com/seclink/server/internal/server/repositories/repomanager"
	"github.com/seclink/server/internal/shared"
)

// Rotation log entry types.
const (
	RotationTypeDEKCreated  = "dek_created"
	RotationTypeDEKRotation = "dek_rotation"
	RotationTypeDeviceWrap  = "device_wrap"
	RotationTypeRecovery    = "recovery_backup"
)

// WrappedKeyInput is the client-supplied ciphertext for one wrapped key.
type WrappedKeyInput struct {
	WrappedDEK string
	Nonce      string
	Algorithm  string
}

// KeyService manages the server side of the key hierarchy. All key material
// passing through here is ciphertext produced by clients; the service only
// versions, stores and audits it.
type KeyService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *config.Config
	logger      logging.Logger
}

func NewKeyService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) *KeyService {
	return &KeyService{
		db:          db,
		repomanager: m,
		config:      cfg,
		logger:      logger.With("service", "keys"),
	}
}

// CreateDEK initializes the key hierarchy for a user at version 1.
// A user that already has an active DEK gets common.ErrConflict.
func (s *KeyService) CreateDEK(ctx context.Context, userID string, in WrappedKeyInput) (*models.DataEncryptionKey, error) {
	repo := s.repomanager.Keys(s.db)

	_, err := repo.GetActiveDEK(ctx, userID)
	if err == nil {
		return nil, fmt.Errorf("dek already exists: %w", common.ErrConflict)
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("error checking active dek: %w", err)
	}

	var dek *models.DataEncryptionKey
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txRepo := s.repomanager.Keys(tx)

		dek, err = txRepo.InsertDEK(ctx, &models.DataEncryptionKey{
			UserID:     userID,
			WrappedDEK: in.WrappedDEK,
			Nonce:      in.Nonce,
			Algorithm:  in.Algorithm,
			Version:    1,
			IsActive:   true,
		})
		if err != nil {
			return fmt.Errorf("error creating dek: %w", err)
		}

		v := dek.Version
		return txRepo.AppendRotationLog(ctx, &models.RotationLogEntry{
			UserID:            userID,
			RotationType:      RotationTypeDEKCreated,
			NewKeyFingerprint: shared.Fingerprint(in.WrappedDEK),
			NewDEKVersion:     &v,
			Success:           true,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "dek created", "user_id", userID, "version", dek.Version)
	return dek, nil
}

// GetActiveDEK returns the user's current DEK wrapping.
func (s *KeyService) GetActiveDEK(ctx context.Context, userID string) (*models.DataEncryptionKey, error) {
	return s.repomanager.Keys(s.db).GetActiveDEK(ctx, userID)
}

// ListDEKVersions returns the full version history, newest first.
func (s *KeyService) ListDEKVersions(ctx context.Context, userID string) ([]*models.DataEncryptionKey, error) {
	return s.repomanager.Keys(s.db).ListDEKVersions(ctx, userID)
}

// RotateDEK replaces the active DEK wrapping with the next version.
// expectedVersion must match the live active version; a mismatch means the
// client rotated against a stale view and gets common.ErrVersionConflict.
// Both outcomes are recorded in the rotation log, failures included.
func (s *KeyService) RotateDEK(ctx context.Context, userID string, expectedVersion int64, in WrappedKeyInput) (*models.DataEncryptionKey, error) {
	repo := s.repomanager.Keys(s.db)

	current, err := repo.GetActiveDEK(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error loading active dek: %w", err)
	}

	if current.Version != expectedVersion {
		s.auditFailure(ctx, userID, RotationTypeDEKRotation, current.Version,
			fmt.Sprintf("version mismatch: expected %d, active %d", expectedVersion, current.Version))
		return nil, fmt.Errorf("dek version mismatch: %w", common.ErrVersionConflict)
	}

	var next *models.DataEncryptionKey
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txRepo := s.repomanager.Keys(tx)

		if err := txRepo.DeactivateDEK(ctx, userID, current.Version); err != nil {
			return fmt.Errorf("error deactivating dek v%d: %w", current.Version, err)
		}

		next, err = txRepo.InsertDEK(ctx, &models.DataEncryptionKey{
			UserID:     userID,
			WrappedDEK: in.WrappedDEK,
			Nonce:      in.Nonce,
			Algorithm:  in.Algorithm,
			Version:    current.Version + 1,
			IsActive:   true,
		})
		if err != nil {
			return fmt.Errorf("error inserting dek v%d: %w", current.Version+1, err)
		}

		oldV, newV := current.Version, next.Version
		return txRepo.AppendRotationLog(ctx, &models.RotationLogEntry{
			UserID:            userID,
			RotationType:      RotationTypeDEKRotation,
			OldKeyFingerprint: shared.Fingerprint(current.WrappedDEK),
			NewKeyFingerprint: shared.Fingerprint(in.WrappedDEK),
			OldDEKVersion:     &oldV,
			NewDEKVersion:     &newV,
			Success:           true,
		})
	})
	if err != nil {
		s.auditFailure(ctx, userID, RotationTypeDEKRotation, current.Version, err.Error())
		return nil, err
	}

	s.logger.Info(ctx, "dek rotated",
		"user_id", userID, "old_version", current.Version, "new_version", next.Version)
	return next, nil
}

// auditFailure best-effort appends a failed rotation entry outside any
// transaction, so the record survives the rollback that caused it.
func (s *KeyService) auditFailure(ctx context.Context, userID, rotationType string, oldVersion int64, msg string) {
	err := s.repomanager.Keys(s.db).AppendRotationLog(ctx, &models.RotationLogEntry{
		UserID:        userID,
		RotationType:  rotationType,
		OldDEKVersion: &oldVersion,
		Success:       false,
		ErrorMessage:  msg,
	})
	if err != nil {
		s.logger.Error(ctx, "failed to append rotation audit entry", "error", err)
	}
}

// WrapForDevice stores the DEK wrapped for one device. The device must be an
// authorized device of the user, and the wrapping is pinned to the active
// DEK version.
func (s *KeyService) WrapForDevice(ctx context.Context, userID, deviceID string, in WrappedKeyInput) error {
	ok, err := s.repomanager.Devices(s.db).IsAuthorized(ctx, userID, deviceID)
	if err != nil {
		return fmt.Errorf("error checking device authorization: %w", err)
	}
	if !ok {
		return fmt.Errorf("device %s not authorized: %w", deviceID, common.ErrForbidden)
	}

	repo := s.repomanager.Keys(s.db)
	dek, err := repo.GetActiveDEK(ctx, userID)
	if err != nil {
		return fmt.Errorf("error loading active dek: %w", err)
	}

	err = repo.UpsertDeviceWrappedDEK(ctx, &models.DeviceWrappedDEK{
		UserID:     userID,
		DeviceID:   deviceID,
		WrappedDEK: in.WrappedDEK,
		WrapNonce:  in.Nonce,
		Algorithm:  in.Algorithm,
		DEKVersion: dek.Version,
	})
	if err != nil {
		return fmt.Errorf("error storing device wrapping: %w", err)
	}

	s.logger.Info(ctx, "dek wrapped for device",
		"user_id", userID, "device_id", deviceID, "dek_version", dek.Version)
	return nil
}

// GetDeviceWrappedDEK returns the active wrapping for the device and stamps
// last_used_at.
func (s *KeyService) GetDeviceWrappedDEK(ctx context.Context, userID, deviceID string) (*models.DeviceWrappedDEK, error) {
	repo := s.repomanager.Keys(s.db)

	w, err := repo.GetDeviceWrappedDEK(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if err := repo.TouchDeviceWrappedDEK(ctx, userID, deviceID); err != nil {
		s.logger.Warn(ctx, "failed to touch device wrapping", "error", err)
	}
	return w, nil
}

// ListSessionKeysForRewrap returns the session keys still wrapped under
// oldVersion, the client's work list after a rotation.
func (s *KeyService) ListSessionKeysForRewrap(ctx context.Context, userID string, oldVersion int64) ([]*models.EncryptedSessionKey, error) {
	return s.repomanager.Keys(s.db).ListSessionKeysByDEKVersion(ctx, userID, oldVersion)
}

// RewrapSessionKeys applies a batch of client-rewrapped session keys in one
// transaction and returns how many rows moved to the new version. Every row
// is individually guarded on still carrying the old version, so a concurrent
// rewrap cannot double-apply.
func (s *KeyService) RewrapSessionKeys(ctx context.Context, userID string, oldVersion, newVersion int64, batch []*models.RewrappedSessionKey) (int64, error) {
	var count int64
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txRepo := s.repomanager.Keys(tx)
		for _, k := range batch {
			err := txRepo.RewrapSessionKey(ctx, userID, oldVersion, newVersion, k)
			if errors.Is(err, common.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return fmt.Errorf("error rewrapping session key %d: %w", k.ID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info(ctx, "session keys rewrapped",
		"user_id", userID, "old_version", oldVersion, "new_version", newVersion, "count", count)
	return count, nil
}

// StoreSessionKey persists a new wrapped conversation key pinned to the
// active DEK version.
func (s *KeyService) StoreSessionKey(ctx context.Context, userID, conversationID string, in WrappedKeyInput) (*models.EncryptedSessionKey, error) {
	repo := s.repomanager.Keys(s.db)

	dek, err := repo.GetActiveDEK(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error loading active dek: %w", err)
	}

	keyVersion := int64(1)
	if prev, err := repo.GetActiveSessionKey(ctx, userID, conversationID); err == nil {
		keyVersion = prev.KeyVersion + 1
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("error loading session key: %w", err)
	}

	return repo.InsertSessionKey(ctx, &models.EncryptedSessionKey{
		UserID:            userID,
		ConversationID:    conversationID,
		WrappedSessionKey: in.WrappedDEK,
		SessionKeyNonce:   in.Nonce,
		Algorithm:         in.Algorithm,
		DEKVersion:        dek.Version,
		KeyVersion:        keyVersion,
	})
}

// GetSessionKey returns the active wrapped key for a conversation.
func (s *KeyService) GetSessionKey(ctx context.Context, userID, conversationID string) (*models.EncryptedSessionKey, error) {
	return s.repomanager.Keys(s.db).GetActiveSessionKey(ctx, userID, conversationID)
}

// RecoverDEK resolves the wrapping a device should use to unlock the account,
// preferring the device's own wrapping and falling back to the identity-key
// wrapping of the active DEK.
func (s *KeyService) RecoverDEK(ctx context.Context, userID, deviceID string) (*models.DeviceWrappedDEK, *models.DataEncryptionKey, error) {
	repo := s.repomanager.Keys(s.db)

	w, err := repo.GetDeviceWrappedDEK(ctx, userID, deviceID)
	if err == nil {
		return w, nil, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, nil, fmt.Errorf("error loading device wrapping: %w", err)
	}

	dek, err := repo.GetActiveDEK(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading active dek: %w", err)
	}
	return nil, dek, nil
}

// StoreRecoveryBackup saves the password-encrypted DEK with its KDF
// parameters, replacing any previous backup.
func (s *KeyService) StoreRecoveryBackup(ctx context.Context, userID string, b *models.RecoveryKeyBackup) error {
	repo := s.repomanager.Keys(s.db)

	dek, err := repo.GetActiveDEK(ctx, userID)
	if err != nil {
		return fmt.Errorf("error loading active dek: %w", err)
	}
	b.UserID = userID
	b.DEKVersion = dek.Version

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txRepo := s.repomanager.Keys(tx)
		if err := txRepo.UpsertRecoveryBackup(ctx, b); err != nil {
			return fmt.Errorf("error storing recovery backup: %w", err)
		}
		v := dek.Version
		return txRepo.AppendRotationLog(ctx, &models.RotationLogEntry{
			UserID:            userID,
			RotationType:      RotationTypeRecovery,
			NewKeyFingerprint: shared.Fingerprint(b.EncryptedDEK),
			NewDEKVersion:     &v,
			Success:           true,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "recovery backup stored", "user_id", userID, "dek_version", dek.Version)
	return nil
}

// GetRecoveryBackup returns the active backup and stamps last_used_at.
func (s *KeyService) GetRecoveryBackup(ctx context.Context, userID string) (*models.RecoveryKeyBackup, error) {
	repo := s.repomanager.Keys(s.db)

	b, err := repo.GetActiveRecoveryBackup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := repo.TouchRecoveryBackup(ctx, userID); err != nil {
		s.logger.Warn(ctx, "failed to touch recovery backup", "error", err)
	}
	return b, nil
}

// RotationLog returns the audit history, newest first.
func (s *KeyService) RotationLog(ctx context.Context, userID string, limit int) ([]*models.RotationLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repomanager.Keys(s.db).ListRotationLog(ctx, userID, limit)
}

// LastRotatedAt returns when the DEK last rotated successfully, or the zero
// time when it never has.
func (s *KeyService) LastRotatedAt(ctx context.Context, userID string) (time.Time, error) {
	e, err := s.repomanager.Keys(s.db).LastSuccessfulRotation(ctx, userID)
	if errors.Is(err, common.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return e.CreatedAt, nil
}
