// Package devices provides PostgreSQL-backed storage for device
// authorizations, pairing sessions and the revocation audit log.
package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/dbx"
	"github.com/seclink/server/internal/server/models"
)

// PostgresRepository implements device storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const authColumns = `id, user_id, device_id, device_name, device_type, public_key, fingerprint,
	is_active, is_primary, last_seen_at, last_ip, authorized_at, revoked_at, revoke_reason`

func scanAuthorization(row interface{ Scan(...any) error }) (*models.DeviceAuthorization, error) {
	var d models.DeviceAuthorization
	err := row.Scan(&d.ID, &d.UserID, &d.DeviceID, &d.DeviceName, &d.DeviceType,
		&d.PublicKey, &d.Fingerprint, &d.IsActive, &d.IsPrimary,
		&d.LastSeenAt, &d.LastIP, &d.AuthorizedAt, &d.RevokedAt, &d.RevokeReason)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertAuthorization records a device as authorized. Re-pairing a previously
// revoked device reactivates the row with the fresh public key.
func (r *PostgresRepository) UpsertAuthorization(ctx context.Context, d *models.DeviceAuthorization) error {
	query := `
		INSERT INTO device_authorizations
			(user_id, device_id, device_name, device_type, public_key, fingerprint, is_active, is_primary)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (user_id, device_id)
		DO UPDATE SET
			device_name = EXCLUDED.device_name,
			device_type = EXCLUDED.device_type,
			public_key = EXCLUDED.public_key,
			fingerprint = EXCLUDED.fingerprint,
			is_active = TRUE,
			revoked_at = NULL,
			revoke_reason = '',
			authorized_at = now()
	`
	res, err := r.db.ExecContext(ctx, query,
		d.UserID, d.DeviceID, d.DeviceName, d.DeviceType, d.PublicKey, d.Fingerprint, d.IsPrimary)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

// GetAuthorization returns the device row regardless of active state,
// or common.ErrNotFound.
func (r *PostgresRepository) GetAuthorization(ctx context.Context, userID, deviceID string) (*models.DeviceAuthorization, error) {
	query := `SELECT ` + authColumns + ` FROM device_authorizations WHERE user_id=$1 AND device_id=$2`
	d, err := scanAuthorization(r.db.QueryRowContext(ctx, query, userID, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}

// ListAuthorizations returns the user's devices, primary first then by
// authorization time.
func (r *PostgresRepository) ListAuthorizations(ctx context.Context, userID string, activeOnly bool) ([]*models.DeviceAuthorization, error) {
	query := `SELECT ` + authColumns + ` FROM device_authorizations WHERE user_id=$1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY is_primary DESC, authorized_at`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select devices: %w", err)
	}
	defer rows.Close()

	var result []*models.DeviceAuthorization
	for rows.Next() {
		d, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) CountActiveAuthorizations(ctx context.Context, userID string) (int64, error) {
	var n int64
	query := `SELECT count(*) FROM device_authorizations WHERE user_id=$1 AND is_active`
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

// RevokeAuthorization deactivates the device, guarded on it still being
// active. Revoking an already revoked or unknown device returns
// common.ErrVersionConflict.
func (r *PostgresRepository) RevokeAuthorization(ctx context.Context, userID, deviceID, reason string) error {
	query := `
		UPDATE device_authorizations SET is_active=FALSE, revoked_at=now(), revoke_reason=$3
		WHERE user_id=$1 AND device_id=$2 AND is_active
	`
	res, err := r.db.ExecContext(ctx, query, userID, deviceID, reason)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (r *PostgresRepository) IsAuthorized(ctx context.Context, userID, deviceID string) (bool, error) {
	var ok bool
	query := `SELECT EXISTS (SELECT 1 FROM device_authorizations WHERE user_id=$1 AND device_id=$2 AND is_active)`
	if err := r.db.QueryRowContext(ctx, query, userID, deviceID).Scan(&ok); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}

// UpdateLastSeen is best-effort presence bookkeeping; a missing row is not
// an error.
func (r *PostgresRepository) UpdateLastSeen(ctx context.Context, userID, deviceID, ip string) error {
	query := `
		UPDATE device_authorizations SET last_seen_at=now(), last_ip=$3
		WHERE user_id=$1 AND device_id=$2 AND is_active
	`
	if _, err := r.db.ExecContext(ctx, query, userID, deviceID, ip); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const pairingColumns = `id, user_id, token, challenge, status,
	new_device_id, new_device_name, new_device_type, new_device_public_key, new_device_fingerprint,
	initiator_device_id, wrapped_dek_for_device, dek_wrap_nonce,
	created_at, expires_at, scanned_at, approved_at, completed_at`

func scanPairing(row interface{ Scan(...any) error }) (*models.PairingSession, error) {
	var s models.PairingSession
	err := row.Scan(&s.ID, &s.UserID, &s.Token, &s.Challenge, &s.Status,
		&s.NewDeviceID, &s.NewDeviceName, &s.NewDeviceType, &s.NewDevicePublicKey, &s.NewDeviceFingerprint,
		&s.InitiatorDeviceID, &s.WrappedDEKForDevice, &s.DEKWrapNonce,
		&s.CreatedAt, &s.ExpiresAt, &s.ScannedAt, &s.ApprovedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) InsertPairingSession(ctx context.Context, s *models.PairingSession) (*models.PairingSession, error) {
	query := `
		INSERT INTO pairing_sessions (user_id, token, challenge, status, initiator_device_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		s.UserID, s.Token, s.Challenge, s.Status, s.InitiatorDeviceID, s.ExpiresAt,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

// GetPairingSessionByToken resolves the opaque pairing token,
// or common.ErrNotFound.
func (r *PostgresRepository) GetPairingSessionByToken(ctx context.Context, token string) (*models.PairingSession, error) {
	query := `SELECT ` + pairingColumns + ` FROM pairing_sessions WHERE token=$1`
	s, err := scanPairing(r.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

// TransitionPairing moves the session from one status to another, guarded on
// the current status. A session that moved concurrently (or was expired)
// surfaces as common.ErrVersionConflict. Timestamps for the target status
// are stamped server-side; upd carries the payload columns for the step.
func (r *PostgresRepository) TransitionPairing(ctx context.Context, id int64, from, to string, upd *PairingUpdate) error {
	if upd == nil {
		upd = &PairingUpdate{}
	}
	query := `
		UPDATE pairing_sessions SET
			status = $3,
			new_device_id = COALESCE($4, new_device_id),
			new_device_name = COALESCE($5, new_device_name),
			new_device_type = COALESCE($6, new_device_type),
			new_device_public_key = COALESCE($7, new_device_public_key),
			new_device_fingerprint = COALESCE($8, new_device_fingerprint),
			wrapped_dek_for_device = COALESCE($9, wrapped_dek_for_device),
			dek_wrap_nonce = COALESCE($10, dek_wrap_nonce),
			scanned_at = CASE WHEN $3 = 'scanned' THEN now() ELSE scanned_at END,
			approved_at = CASE WHEN $3 = 'approved' THEN now() ELSE approved_at END,
			completed_at = CASE WHEN $3 = 'completed' THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, from, to,
		upd.NewDeviceID, upd.NewDeviceName, upd.NewDeviceType,
		upd.NewDevicePublicKey, upd.NewDeviceFingerprint,
		upd.WrappedDEKForDevice, upd.DEKWrapNonce)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

// ExpirePendingSessions marks every still-open session of the user expired.
// Called before starting a new session so one user has at most one live
// pairing flow.
func (r *PostgresRepository) ExpirePendingSessions(ctx context.Context, userID string) (int64, error) {
	query := `
		UPDATE pairing_sessions SET status='expired'
		WHERE user_id=$1 AND status IN ('pending', 'scanned', 'approved')
	`
	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

// CountRecentSessions counts sessions started since the given time,
// the input to the pairing rate limit.
func (r *PostgresRepository) CountRecentSessions(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	query := `SELECT count(*) FROM pairing_sessions WHERE user_id=$1 AND created_at > $2`
	if err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) AppendRevocationLog(ctx context.Context, e *models.RevocationLogEntry) error {
	query := `
		INSERT INTO device_revocation_log
			(user_id, revoked_device_id, revoked_by_device, reason, dek_rotated, old_dek_version, new_dek_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		e.UserID, e.RevokedDeviceID, e.RevokedByDevice, e.Reason,
		e.DEKRotated, e.OldDEKVersion, e.NewDEKVersion,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListRevocationLog(ctx context.Context, userID string, limit int) ([]*models.RevocationLogEntry, error) {
	query := `
		SELECT id, user_id, revoked_device_id, revoked_by_device, reason, dek_rotated, old_dek_version, new_dek_version, created_at
		FROM device_revocation_log
		WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select revocation log: %w", err)
	}
	defer rows.Close()

	var result []*models.RevocationLogEntry
	for rows.Next() {
		var e models.RevocationLogEntry
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.RevokedDeviceID, &e.RevokedByDevice, &e.Reason,
			&e.DEKRotated, &e.OldDEKVersion, &e.NewDEKVersion, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
