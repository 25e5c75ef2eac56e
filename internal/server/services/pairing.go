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
	"github.com/seclink/server/internal/server/repositories/devices"
	"github.com/seclink/server/internal/server/repositories/repomanager"
	"github.com/seclink/server/internal/shared"
)

const (
	pairingTokenBytes     = 48
	pairingChallengeBytes = 32
)

// NewDeviceInfo is the identity a new device presents when scanning a
// pairing QR code.
type NewDeviceInfo struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	PublicKey  string
}

// PairingService drives the QR-based device pairing state machine and device
// lifecycle. The pairing token is a single-use capability: it only ever
// travels inside the QR payload, and every step is guarded on the expected
// current status so replays and races lose cleanly.
type PairingService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *config.Config
	logger      logging.Logger
}

func NewPairingService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) *PairingService {
	return &PairingService{
		db:          db,
		repomanager: m,
		config:      cfg,
		logger:      logger.With("service", "pairing"),
	}
}

// RegisterPrimaryDevice authorizes a user's first device without pairing.
// Only allowed while the user has no active devices.
func (s *PairingService) RegisterPrimaryDevice(ctx context.Context, userID string, info NewDeviceInfo) (*models.DeviceAuthorization, error) {
	repo := s.repomanager.Devices(s.db)

	n, err := repo.CountActiveAuthorizations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error counting devices: %w", err)
	}
	if n > 0 {
		return nil, fmt.Errorf("user already has devices, use pairing: %w", common.ErrConflict)
	}

	d := &models.DeviceAuthorization{
		UserID:      userID,
		DeviceID:    info.DeviceID,
		DeviceName:  info.DeviceName,
		DeviceType:  info.DeviceType,
		PublicKey:   info.PublicKey,
		Fingerprint: shared.Fingerprint(info.PublicKey),
		IsPrimary:   true,
	}
	if err := repo.UpsertAuthorization(ctx, d); err != nil {
		return nil, fmt.Errorf("error registering primary device: %w", err)
	}

	s.logger.Info(ctx, "primary device registered",
		"user_id", userID, "device_id", info.DeviceID, "fingerprint", d.Fingerprint)
	return d, nil
}

// InitPairing starts a pairing session from an existing authorized device
// and returns the session plus the QR payload for the new device to scan.
// Any still-open session of the user is expired first, and session starts
// are rate limited per hour.
func (s *PairingService) InitPairing(ctx context.Context, userID, initiatorDeviceID string) (*models.PairingSession, *models.QRPayload, error) {
	repo := s.repomanager.Devices(s.db)

	ok, err := repo.IsAuthorized(ctx, userID, initiatorDeviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("error checking initiator: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("initiator device not authorized: %w", common.ErrForbidden)
	}

	since := time.Now().Add(-time.Hour)
	recent, err := repo.CountRecentSessions(ctx, userID, since)
	if err != nil {
		return nil, nil, fmt.Errorf("error counting recent sessions: %w", err)
	}
	if recent >= int64(s.config.PairingRateLimit) {
		return nil, nil, fmt.Errorf("too many pairing attempts: %w", common.ErrConflict)
	}

	token, err := shared.MakeRandToken(pairingTokenBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating token: %w", err)
	}
	challenge, err := shared.MakeRandHexString(pairingChallengeBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating challenge: %w", err)
	}

	session := &models.PairingSession{
		UserID:            userID,
		Token:             token,
		Challenge:         challenge,
		Status:            models.PairingPending,
		InitiatorDeviceID: initiatorDeviceID,
		ExpiresAt:         time.Now().Add(s.config.PairingSessionTTL),
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txRepo := s.repomanager.Devices(tx)
		if _, err := txRepo.ExpirePendingSessions(ctx, userID); err != nil {
			return fmt.Errorf("error expiring prior sessions: %w", err)
		}
		session, err = txRepo.InsertPairingSession(ctx, session)
		if err != nil {
			return fmt.Errorf("error creating pairing session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	qr := &models.QRPayload{
		Type:      "device_pairing",
		Token:     token,
		Challenge: challenge,
		UserID:    userID,
		Expires:   session.ExpiresAt.UTC().Format(time.RFC3339),
	}

	s.logger.Info(ctx, "pairing session started",
		"user_id", userID, "initiator_device_id", initiatorDeviceID)
	return session, qr, nil
}

// resolveLive loads a session by token and lazily expires it when its
// deadline passed. Expired, rejected and completed sessions are not live.
func (s *PairingService) resolveLive(ctx context.Context, token string) (*models.PairingSession, error) {
	repo := s.repomanager.Devices(s.db)

	session, err := repo.GetPairingSessionByToken(ctx, token)
	if errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("unknown pairing token: %w", common.ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading pairing session: %w", err)
	}

	switch session.Status {
	case models.PairingExpired, models.PairingRejected, models.PairingCompleted:
		return nil, fmt.Errorf("pairing session is %s: %w", session.Status, common.ErrInvalidToken)
	}

	if time.Now().After(session.ExpiresAt) {
		if err := repo.TransitionPairing(ctx, session.ID, session.Status, models.PairingExpired, nil); err != nil &&
			!errors.Is(err, common.ErrVersionConflict) {
			s.logger.Warn(ctx, "failed to expire pairing session", "error", err)
		}
		return nil, fmt.Errorf("pairing session expired: %w", common.ErrExpired)
	}

	return session, nil
}

// ScanPairing is the new device redeeming the QR token. The session moves
// pending → scanned and captures the device identity for approval.
func (s *PairingService) ScanPairing(ctx context.Context, token string, info NewDeviceInfo) (*models.PairingSession, error) {
	session, err := s.resolveLive(ctx, token)
	if err != nil {
		return nil, err
	}

	fingerprint := shared.Fingerprint(info.PublicKey)
	upd := &PairingUpdateInput{
		NewDeviceID:          info.DeviceID,
		NewDeviceName:        info.DeviceName,
		NewDeviceType:        info.DeviceType,
		NewDevicePublicKey:   info.PublicKey,
		NewDeviceFingerprint: fingerprint,
	}

	err = s.repomanager.Devices(s.db).TransitionPairing(ctx, session.ID,
		models.PairingPending, models.PairingScanned, upd.toRepo())
	if errors.Is(err, common.ErrVersionConflict) {
		return nil, fmt.Errorf("pairing session already scanned: %w", common.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning pairing session: %w", err)
	}

	s.logger.Info(ctx, "pairing session scanned",
		"user_id", session.UserID, "new_device_id", info.DeviceID, "fingerprint", fingerprint)
	return s.repomanager.Devices(s.db).GetPairingSessionByToken(ctx, token)
}

// ApprovePairing is the initiator device confirming the scanned device after
// fingerprint verification, attaching the DEK it re-wrapped for the new
// device's public key. Only the initiator may approve.
func (s *PairingService) ApprovePairing(ctx context.Context, token, approverDeviceID, wrappedDEK, wrapNonce string) (*models.PairingSession, error) {
	if wrappedDEK == "" || wrapNonce == "" {
		return nil, fmt.Errorf("approval requires the wrapped dek and nonce: %w", common.ErrValidation)
	}

	session, err := s.resolveLive(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.InitiatorDeviceID != approverDeviceID {
		return nil, fmt.Errorf("only the initiator device can approve: %w", common.ErrForbidden)
	}

	upd := &PairingUpdateInput{
		WrappedDEKForDevice: wrappedDEK,
		DEKWrapNonce:        wrapNonce,
	}
	err = s.repomanager.Devices(s.db).TransitionPairing(ctx, session.ID,
		models.PairingScanned, models.PairingApproved, upd.toRepo())
	if errors.Is(err, common.ErrVersionConflict) {
		return nil, fmt.Errorf("pairing session not in scanned state: %w", common.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("error approving pairing session: %w", err)
	}

	s.logger.Info(ctx, "pairing session approved",
		"user_id", session.UserID, "new_device_id", session.NewDeviceID)
	return s.repomanager.Devices(s.db).GetPairingSessionByToken(ctx, token)
}

// CompletePairing is the new device finishing the flow: it becomes an
// authorized device and receives its wrapping of the DEK at the active
// version. Authorization and wrapping commit atomically.
func (s *PairingService) CompletePairing(ctx context.Context, token, deviceID string) (*models.PairingSession, error) {
	session, err := s.resolveLive(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Status != models.PairingApproved {
		return nil, fmt.Errorf("pairing session not approved yet: %w", common.ErrConflict)
	}
	if session.NewDeviceID != deviceID {
		return nil, fmt.Errorf("token belongs to a different device: %w", common.ErrForbidden)
	}
	// No device gets authorized without its key material.
	if session.WrappedDEKForDevice == "" {
		return nil, fmt.Errorf("pairing session carries no wrapped dek: %w", common.ErrConflict)
	}

	dek, err := s.repomanager.Keys(s.db).GetActiveDEK(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("error loading active dek: %w", err)
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		devRepo := s.repomanager.Devices(tx)
		keyRepo := s.repomanager.Keys(tx)

		if err := devRepo.TransitionPairing(ctx, session.ID,
			models.PairingApproved, models.PairingCompleted, nil); err != nil {
			if errors.Is(err, common.ErrVersionConflict) {
				return fmt.Errorf("pairing session moved concurrently: %w", common.ErrConflict)
			}
			return fmt.Errorf("error completing pairing session: %w", err)
		}

		err := devRepo.UpsertAuthorization(ctx, &models.DeviceAuthorization{
			UserID:      session.UserID,
			DeviceID:    session.NewDeviceID,
			DeviceName:  session.NewDeviceName,
			DeviceType:  session.NewDeviceType,
			PublicKey:   session.NewDevicePublicKey,
			Fingerprint: session.NewDeviceFingerprint,
		})
		if err != nil {
			return fmt.Errorf("error authorizing device: %w", err)
		}

		err = keyRepo.UpsertDeviceWrappedDEK(ctx, &models.DeviceWrappedDEK{
			UserID:     session.UserID,
			DeviceID:   session.NewDeviceID,
			WrappedDEK: session.WrappedDEKForDevice,
			WrapNonce:  session.DEKWrapNonce,
			Algorithm:  s.config.DeviceWrapAlgorithm,
			DEKVersion: dek.Version,
		})
		if err != nil {
			return fmt.Errorf("error storing device wrapping: %w", err)
		}

		v := dek.Version
		return keyRepo.AppendRotationLog(ctx, &models.RotationLogEntry{
			UserID:            session.UserID,
			RotationType:      RotationTypeDeviceWrap,
			NewKeyFingerprint: session.NewDeviceFingerprint,
			NewDEKVersion:     &v,
			DeviceID:          session.NewDeviceID,
			Success:           true,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "pairing completed",
		"user_id", session.UserID, "device_id", session.NewDeviceID, "dek_version", dek.Version)
	return s.repomanager.Devices(s.db).GetPairingSessionByToken(ctx, token)
}

// RejectPairing terminates a live session from either side.
func (s *PairingService) RejectPairing(ctx context.Context, token string) error {
	session, err := s.resolveLive(ctx, token)
	if err != nil {
		return err
	}

	err = s.repomanager.Devices(s.db).TransitionPairing(ctx, session.ID,
		session.Status, models.PairingRejected, nil)
	if errors.Is(err, common.ErrVersionConflict) {
		return fmt.Errorf("pairing session moved concurrently: %w", common.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("error rejecting pairing session: %w", err)
	}

	s.logger.Info(ctx, "pairing session rejected", "user_id", session.UserID)
	return nil
}

// PairingStatus reports the session state by token, lazily expiring it when
// the deadline passed. Polled by both devices during the flow, so terminal
// sessions are returned as-is: every poll of the same session sees the same
// answer, not an error.
func (s *PairingService) PairingStatus(ctx context.Context, token string) (*models.PairingSession, error) {
	repo := s.repomanager.Devices(s.db)

	session, err := repo.GetPairingSessionByToken(ctx, token)
	if errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("unknown pairing token: %w", common.ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading pairing session: %w", err)
	}

	switch session.Status {
	case models.PairingExpired, models.PairingRejected, models.PairingCompleted:
		return session, nil
	}

	if time.Now().After(session.ExpiresAt) {
		if err := repo.TransitionPairing(ctx, session.ID, session.Status, models.PairingExpired, nil); err != nil &&
			!errors.Is(err, common.ErrVersionConflict) {
			s.logger.Warn(ctx, "failed to expire pairing session", "error", err)
		}
		session.Status = models.PairingExpired
	}
	return session, nil
}

// RevocationLog returns the user's device revocation history, newest first.
func (s *PairingService) RevocationLog(ctx context.Context, userID string, limit int) ([]*models.RevocationLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repomanager.Devices(s.db).ListRevocationLog(ctx, userID, limit)
}

// AuthorizeConnection gates a transport connection on the device still being
// an active authorization. Tokens outlive revocations, so this check cannot
// live in the JWT alone.
func (s *PairingService) AuthorizeConnection(ctx context.Context, userID, deviceID string) error {
	ok, err := s.repomanager.Devices(s.db).IsAuthorized(ctx, userID, deviceID)
	if err != nil {
		return fmt.Errorf("error checking device authorization: %w", err)
	}
	if !ok {
		return fmt.Errorf("device not authorized: %w", common.ErrForbidden)
	}
	return nil
}

// ListDevices returns the user's devices.
func (s *PairingService) ListDevices(ctx context.Context, userID string, activeOnly bool) ([]*models.DeviceAuthorization, error) {
	return s.repomanager.Devices(s.db).ListAuthorizations(ctx, userID, activeOnly)
}

// RevokeDevice removes a device from the account: its authorization and DEK
// wrappings are deactivated atomically and the revocation is logged. A user
// cannot revoke their only active device.
func (s *PairingService) RevokeDevice(ctx context.Context, userID, deviceID, byDeviceID, reason string) error {
	repo := s.repomanager.Devices(s.db)

	n, err := repo.CountActiveAuthorizations(ctx, userID)
	if err != nil {
		return fmt.Errorf("error counting devices: %w", err)
	}
	if n <= 1 {
		return fmt.Errorf("cannot revoke the only device: %w", common.ErrConflict)
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		devRepo := s.repomanager.Devices(tx)
		keyRepo := s.repomanager.Keys(tx)

		if err := devRepo.RevokeAuthorization(ctx, userID, deviceID, reason); err != nil {
			if errors.Is(err, common.ErrVersionConflict) {
				return fmt.Errorf("device not active: %w", common.ErrNotFound)
			}
			return fmt.Errorf("error revoking device: %w", err)
		}

		if _, err := keyRepo.DeactivateDeviceWrappings(ctx, userID, deviceID); err != nil {
			return fmt.Errorf("error deactivating wrappings: %w", err)
		}

		return devRepo.AppendRevocationLog(ctx, &models.RevocationLogEntry{
			UserID:          userID,
			RevokedDeviceID: deviceID,
			RevokedByDevice: byDeviceID,
			Reason:          reason,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "device revoked",
		"user_id", userID, "device_id", deviceID, "by_device", byDeviceID)
	return nil
}

// PairingUpdateInput mirrors the repository's optional-column update in
// plain strings; empty fields are not written.
type PairingUpdateInput struct {
	NewDeviceID          string
	NewDeviceName        string
	NewDeviceType        string
	NewDevicePublicKey   string
	NewDeviceFingerprint string
	WrappedDEKForDevice  string
	DEKWrapNonce         string
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (u *PairingUpdateInput) toRepo() *devices.PairingUpdate {
	return &devices.PairingUpdate{
		NewDeviceID:          strPtr(u.NewDeviceID),
		NewDeviceName:        strPtr(u.NewDeviceName),
		NewDeviceType:        strPtr(u.NewDeviceType),
		NewDevicePublicKey:   strPtr(u.NewDevicePublicKey),
		NewDeviceFingerprint: strPtr(u.NewDeviceFingerprint),
		WrappedDEKForDevice:  strPtr(u.WrappedDEKForDevice),
		DEKWrapNonce:         strPtr(u.DEKWrapNonce),
	}
}
