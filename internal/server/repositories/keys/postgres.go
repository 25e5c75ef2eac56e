// Package keys provides PostgreSQL-backed storage for the key hierarchy:
// DEK versions, device wrappings, session keys, rotation audit and recovery
// backups.
package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/dbx"
	"github.com/seclink/server/internal/server/models"
)

// PostgresRepository implements key storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const dekColumns = `id, user_id, wrapped_dek, nonce, algorithm, version, is_active, created_at, rotated_at`

func scanDEK(row interface{ Scan(...any) error }) (*models.DataEncryptionKey, error) {
	var d models.DataEncryptionKey
	err := row.Scan(&d.ID, &d.UserID, &d.WrappedDEK, &d.Nonce, &d.Algorithm,
		&d.Version, &d.IsActive, &d.CreatedAt, &d.RotatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// InsertDEK stores a new DEK version. The partial unique index on
// (user_id) WHERE is_active rejects a second active row, so callers must
// deactivate the current version first when rotating.
func (r *PostgresRepository) InsertDEK(ctx context.Context, dek *models.DataEncryptionKey) (*models.DataEncryptionKey, error) {
	query := `
		INSERT INTO data_encryption_keys (user_id, wrapped_dek, nonce, algorithm, version, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		dek.UserID, dek.WrappedDEK, dek.Nonce, dek.Algorithm, dek.Version, dek.IsActive,
	).Scan(&dek.ID, &dek.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return dek, nil
}

// GetActiveDEK returns the single active DEK row for the user,
// or common.ErrNotFound when the user has no key hierarchy yet.
func (r *PostgresRepository) GetActiveDEK(ctx context.Context, userID string) (*models.DataEncryptionKey, error) {
	query := `SELECT ` + dekColumns + ` FROM data_encryption_keys WHERE user_id=$1 AND is_active`
	d, err := scanDEK(r.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) GetDEKByVersion(ctx context.Context, userID string, version int64) (*models.DataEncryptionKey, error) {
	query := `SELECT ` + dekColumns + ` FROM data_encryption_keys WHERE user_id=$1 AND version=$2`
	d, err := scanDEK(r.db.QueryRowContext(ctx, query, userID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}

// ListDEKVersions returns all DEK versions for the user, newest first.
func (r *PostgresRepository) ListDEKVersions(ctx context.Context, userID string) ([]*models.DataEncryptionKey, error) {
	query := `SELECT ` + dekColumns + ` FROM data_encryption_keys WHERE user_id=$1 ORDER BY version DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select dek versions: %w", err)
	}
	defer rows.Close()

	var result []*models.DataEncryptionKey
	for rows.Next() {
		d, err := scanDEK(rows)
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

// DeactivateDEK retires the given version, guarded on it still being active.
// Returns common.ErrVersionConflict when the version was already retired or
// never existed, so concurrent rotations cannot both proceed.
func (r *PostgresRepository) DeactivateDEK(ctx context.Context, userID string, version int64) error {
	query := `
		UPDATE data_encryption_keys SET is_active=FALSE, rotated_at=now()
		WHERE user_id=$1 AND version=$2 AND is_active
	`
	res, err := r.db.ExecContext(ctx, query, userID, version)
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

// UpsertDeviceWrappedDEK stores the DEK wrapped for one device at one DEK
// version. Any previously active wrapping for the device is deactivated
// first so the device always has at most one live wrapping.
func (r *PostgresRepository) UpsertDeviceWrappedDEK(ctx context.Context, w *models.DeviceWrappedDEK) error {
	deactivate := `
		UPDATE device_wrapped_deks SET is_active=FALSE, revoked_at=now()
		WHERE user_id=$1 AND device_id=$2 AND is_active
	`
	if _, err := r.db.ExecContext(ctx, deactivate, w.UserID, w.DeviceID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	insert := `
		INSERT INTO device_wrapped_deks (user_id, device_id, wrapped_dek, wrap_nonce, algorithm, dek_version, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (user_id, device_id, dek_version)
		DO UPDATE SET
			wrapped_dek = EXCLUDED.wrapped_dek,
			wrap_nonce = EXCLUDED.wrap_nonce,
			algorithm = EXCLUDED.algorithm,
			is_active = TRUE,
			revoked_at = NULL
	`
	res, err := r.db.ExecContext(ctx, insert,
		w.UserID, w.DeviceID, w.WrappedDEK, w.WrapNonce, w.Algorithm, w.DEKVersion)
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

// GetDeviceWrappedDEK returns the active wrapping for the device,
// or common.ErrNotFound.
func (r *PostgresRepository) GetDeviceWrappedDEK(ctx context.Context, userID, deviceID string) (*models.DeviceWrappedDEK, error) {
	query := `
		SELECT id, user_id, device_id, wrapped_dek, wrap_nonce, algorithm, dek_version, is_active, created_at, revoked_at, last_used_at
		FROM device_wrapped_deks
		WHERE user_id=$1 AND device_id=$2 AND is_active
	`
	var w models.DeviceWrappedDEK
	err := r.db.QueryRowContext(ctx, query, userID, deviceID).Scan(
		&w.ID, &w.UserID, &w.DeviceID, &w.WrappedDEK, &w.WrapNonce, &w.Algorithm,
		&w.DEKVersion, &w.IsActive, &w.CreatedAt, &w.RevokedAt, &w.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &w, nil
}

// DeactivateDeviceWrappings retires every live wrapping for the device and
// returns how many rows were affected. Zero is not an error here; revocation
// must succeed for devices that never finished pairing.
func (r *PostgresRepository) DeactivateDeviceWrappings(ctx context.Context, userID, deviceID string) (int64, error) {
	query := `
		UPDATE device_wrapped_deks SET is_active=FALSE, revoked_at=now()
		WHERE user_id=$1 AND device_id=$2 AND is_active
	`
	res, err := r.db.ExecContext(ctx, query, userID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

// TouchDeviceWrappedDEK records that the device fetched its wrapping.
func (r *PostgresRepository) TouchDeviceWrappedDEK(ctx context.Context, userID, deviceID string) error {
	query := `
		UPDATE device_wrapped_deks SET last_used_at=now()
		WHERE user_id=$1 AND device_id=$2 AND is_active
	`
	if _, err := r.db.ExecContext(ctx, query, userID, deviceID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertSessionKey(ctx context.Context, k *models.EncryptedSessionKey) (*models.EncryptedSessionKey, error) {
	query := `
		INSERT INTO encrypted_session_keys
			(user_id, conversation_id, wrapped_session_key, session_key_nonce, algorithm, dek_version, key_version, is_active, first_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		k.UserID, k.ConversationID, k.WrappedSessionKey, k.SessionKeyNonce,
		k.Algorithm, k.DEKVersion, k.KeyVersion, k.FirstMessageID,
	).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return k, nil
}

func (r *PostgresRepository) GetActiveSessionKey(ctx context.Context, userID, conversationID string) (*models.EncryptedSessionKey, error) {
	query := `
		SELECT id, user_id, conversation_id, wrapped_session_key, session_key_nonce, algorithm,
		       dek_version, key_version, is_active, first_message_id, last_message_id, message_count, created_at, rotated_at
		FROM encrypted_session_keys
		WHERE user_id=$1 AND conversation_id=$2 AND is_active
		ORDER BY key_version DESC LIMIT 1
	`
	var k models.EncryptedSessionKey
	err := r.db.QueryRowContext(ctx, query, userID, conversationID).Scan(
		&k.ID, &k.UserID, &k.ConversationID, &k.WrappedSessionKey, &k.SessionKeyNonce, &k.Algorithm,
		&k.DEKVersion, &k.KeyVersion, &k.IsActive, &k.FirstMessageID, &k.LastMessageID, &k.MessageCount,
		&k.CreatedAt, &k.RotatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &k, nil
}

// ListSessionKeysByDEKVersion returns the session keys still wrapped under
// the given DEK version, the work list for a post-rotation rewrap.
func (r *PostgresRepository) ListSessionKeysByDEKVersion(ctx context.Context, userID string, dekVersion int64) ([]*models.EncryptedSessionKey, error) {
	query := `
		SELECT id, user_id, conversation_id, wrapped_session_key, session_key_nonce, algorithm,
		       dek_version, key_version, is_active, first_message_id, last_message_id, message_count, created_at, rotated_at
		FROM encrypted_session_keys
		WHERE user_id=$1 AND dek_version=$2 AND is_active
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, userID, dekVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to select session keys: %w", err)
	}
	defer rows.Close()

	var result []*models.EncryptedSessionKey
	for rows.Next() {
		var k models.EncryptedSessionKey
		if err := rows.Scan(
			&k.ID, &k.UserID, &k.ConversationID, &k.WrappedSessionKey, &k.SessionKeyNonce, &k.Algorithm,
			&k.DEKVersion, &k.KeyVersion, &k.IsActive, &k.FirstMessageID, &k.LastMessageID, &k.MessageCount,
			&k.CreatedAt, &k.RotatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// TouchSessionKeyRange extends the message-id range covered by the
// conversation's active session key. The first id is pinned once; the last id
// and the count advance with every message. Zero rows means the conversation
// has no stored key yet, which is not an error.
func (r *PostgresRepository) TouchSessionKeyRange(ctx context.Context, userID, conversationID string, messageID int64) error {
	query := `
		UPDATE encrypted_session_keys
		SET first_message_id=COALESCE(first_message_id, $3),
		    last_message_id=$3,
		    message_count=message_count+1
		WHERE user_id=$1 AND conversation_id=$2 AND is_active
	`
	if _, err := r.db.ExecContext(ctx, query, userID, conversationID, messageID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// RewrapSessionKey swaps one session key's ciphertext to the new DEK version,
// guarded on the row still being at the old version. A concurrent rewrap of
// the same row surfaces as common.ErrVersionConflict.
func (r *PostgresRepository) RewrapSessionKey(ctx context.Context, userID string, oldDEKVersion, newDEKVersion int64, k *models.RewrappedSessionKey) error {
	query := `
		UPDATE encrypted_session_keys
		SET wrapped_session_key=$1, session_key_nonce=$2, dek_version=$3, rotated_at=now()
		WHERE id=$4 AND user_id=$5 AND dek_version=$6 AND is_active
	`
	res, err := r.db.ExecContext(ctx, query,
		k.WrappedSessionKey, k.SessionKeyNonce, newDEKVersion, k.ID, userID, oldDEKVersion)
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

// AppendRotationLog writes one audit record. The log is append-only.
func (r *PostgresRepository) AppendRotationLog(ctx context.Context, e *models.RotationLogEntry) error {
	query := `
		INSERT INTO key_rotation_log
			(user_id, rotation_type, old_key_fingerprint, new_key_fingerprint, old_dek_version, new_dek_version, device_id, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		e.UserID, e.RotationType, e.OldKeyFingerprint, e.NewKeyFingerprint,
		e.OldDEKVersion, e.NewDEKVersion, e.DeviceID, e.Success, e.ErrorMessage,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListRotationLog(ctx context.Context, userID string, limit int) ([]*models.RotationLogEntry, error) {
	query := `
		SELECT id, user_id, rotation_type, old_key_fingerprint, new_key_fingerprint,
		       old_dek_version, new_dek_version, device_id, success, error_message, created_at
		FROM key_rotation_log
		WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select rotation log: %w", err)
	}
	defer rows.Close()

	var result []*models.RotationLogEntry
	for rows.Next() {
		var e models.RotationLogEntry
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.RotationType, &e.OldKeyFingerprint, &e.NewKeyFingerprint,
			&e.OldDEKVersion, &e.NewDEKVersion, &e.DeviceID, &e.Success, &e.ErrorMessage, &e.CreatedAt,
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

// LastSuccessfulRotation returns the newest successful dek_rotation entry,
// or common.ErrNotFound when the user never rotated.
func (r *PostgresRepository) LastSuccessfulRotation(ctx context.Context, userID string) (*models.RotationLogEntry, error) {
	query := `
		SELECT id, user_id, rotation_type, old_key_fingerprint, new_key_fingerprint,
		       old_dek_version, new_dek_version, device_id, success, error_message, created_at
		FROM key_rotation_log
		WHERE user_id=$1 AND rotation_type='dek_rotation' AND success
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	var e models.RotationLogEntry
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&e.ID, &e.UserID, &e.RotationType, &e.OldKeyFingerprint, &e.NewKeyFingerprint,
		&e.OldDEKVersion, &e.NewDEKVersion, &e.DeviceID, &e.Success, &e.ErrorMessage, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &e, nil
}

// UpsertRecoveryBackup replaces the user's recovery backup: the previous
// active backup is retired and the new ciphertext stored with its KDF params.
func (r *PostgresRepository) UpsertRecoveryBackup(ctx context.Context, b *models.RecoveryKeyBackup) error {
	deactivate := `UPDATE recovery_key_backups SET is_active=FALSE WHERE user_id=$1 AND is_active`
	if _, err := r.db.ExecContext(ctx, deactivate, b.UserID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	insert := `
		INSERT INTO recovery_key_backups
			(user_id, encrypted_dek, encryption_nonce, algorithm, kdf_salt, kdf_algorithm, kdf_iterations, kdf_memory, kdf_parallelism, dek_version, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, insert,
		b.UserID, b.EncryptedDEK, b.EncryptionNonce, b.Algorithm,
		b.KDFSalt, b.KDFAlgorithm, b.KDFIterations, b.KDFMemory, b.KDFParallelism, b.DEKVersion,
	).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetActiveRecoveryBackup(ctx context.Context, userID string) (*models.RecoveryKeyBackup, error) {
	query := `
		SELECT id, user_id, encrypted_dek, encryption_nonce, algorithm, kdf_salt, kdf_algorithm,
		       kdf_iterations, kdf_memory, kdf_parallelism, dek_version, is_active, created_at, last_used_at
		FROM recovery_key_backups
		WHERE user_id=$1 AND is_active
	`
	var b models.RecoveryKeyBackup
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&b.ID, &b.UserID, &b.EncryptedDEK, &b.EncryptionNonce, &b.Algorithm,
		&b.KDFSalt, &b.KDFAlgorithm, &b.KDFIterations, &b.KDFMemory, &b.KDFParallelism,
		&b.DEKVersion, &b.IsActive, &b.CreatedAt, &b.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &b, nil
}

func (r *PostgresRepository) TouchRecoveryBackup(ctx context.Context, userID string) error {
	query := `UPDATE recovery_key_backups SET last_used_at=now() WHERE user_id=$1 AND is_active`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
