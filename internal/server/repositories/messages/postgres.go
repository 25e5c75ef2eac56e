// Package messages provides PostgreSQL-backed storage for encrypted
// messages, call logs and contact edges.
package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/dbx"
	"github.com/seclink/server/internal/server/models"
)

// PostgresRepository implements message storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const messageColumns = `id, sender_id, recipient_id, conversation_id, ciphertext, nonce, key_version,
	status, created_at, delivered_at, read_at, expires_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.ConversationID,
		&m.Ciphertext, &m.Nonce, &m.KeyVersion, &m.Status,
		&m.CreatedAt, &m.DeliveredAt, &m.ReadAt, &m.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Insert persists a message in status sent before any delivery is attempted.
func (r *PostgresRepository) Insert(ctx context.Context, m *models.Message) (*models.Message, error) {
	query := `
		INSERT INTO messages (sender_id, recipient_id, conversation_id, ciphertext, nonce, key_version, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		m.SenderID, m.RecipientID, m.ConversationID, m.Ciphertext, m.Nonce,
		m.KeyVersion, m.Status, m.ExpiresAt,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id=$1`
	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

// statusRankSQL mirrors models.MessageStatus.Rank so the monotonicity guard
// runs inside the UPDATE itself rather than read-modify-write.
const statusRankSQL = `
	CASE %s
		WHEN 'sent' THEN 1
		WHEN 'delivered' THEN 2
		WHEN 'read' THEN 3
		WHEN 'expired' THEN 4
		WHEN 'deleted' THEN 5
		ELSE 0
	END`

// UpdateStatus advances the message lifecycle. A transition that would move
// the status backwards (or sideways) affects no rows and returns
// common.ErrVersionConflict; an unknown id does the same.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id int64, status models.MessageStatus) error {
	query := `
		UPDATE messages SET
			status = $2,
			delivered_at = CASE WHEN $2 = 'delivered' THEN now() ELSE delivered_at END,
			read_at = CASE WHEN $2 = 'read' THEN now() ELSE read_at END
		WHERE id = $1 AND ` +
		fmt.Sprintf(statusRankSQL, "$2") + ` > ` + fmt.Sprintf(statusRankSQL, "status")

	res, err := r.db.ExecContext(ctx, query, id, status)
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

// ListUndelivered returns queued messages for the recipient in send order,
// the backlog flushed on reconnect.
func (r *PostgresRepository) ListUndelivered(ctx context.Context, recipientID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE recipient_id=$1 AND status='sent' AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at, id
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select undelivered: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkDelivered advances a batch of messages to delivered in one statement.
// Rows already past sent are skipped, so the returned count can be lower
// than len(ids).
func (r *PostgresRepository) MarkDelivered(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `
		UPDATE messages SET status='delivered', delivered_at=now()
		WHERE id IN (` + strings.Join(placeholders, ", ") + `) AND status='sent'
	`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

// ListReadIDs returns the ids of the sender's messages in the conversation
// that the recipient has read, for read-receipt sync after reconnect.
func (r *PostgresRepository) ListReadIDs(ctx context.Context, senderID, conversationID string) ([]int64, error) {
	query := `
		SELECT id FROM messages
		WHERE sender_id=$1 AND conversation_id=$2 AND status='read'
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, senderID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to select read ids: %w", err)
	}
	defer rows.Close()

	var result []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListReadIncomingIDs returns the ids of the newest read messages addressed
// to the recipient, the read-state snapshot pushed to a connecting device.
func (r *PostgresRepository) ListReadIncomingIDs(ctx context.Context, recipientID string, limit int) ([]int64, error) {
	query := `
		SELECT id FROM messages
		WHERE recipient_id=$1 AND status='read'
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select read incoming ids: %w", err)
	}
	defer rows.Close()

	var result []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) InsertCallLog(ctx context.Context, c *models.CallLog) (*models.CallLog, error) {
	query := `
		INSERT INTO call_logs (call_id, caller_id, callee_id, call_type, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, started_at
	`
	err := r.db.QueryRowContext(ctx, query,
		c.CallID, c.CallerID, c.CalleeID, c.CallType, c.Status,
	).Scan(&c.ID, &c.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

// CloseCallLog finalizes a call with its terminal status. Closing an already
// closed call is a conflict.
func (r *PostgresRepository) CloseCallLog(ctx context.Context, callID, status string) error {
	query := `
		UPDATE call_logs SET status=$2, ended_at=now()
		WHERE call_id=$1 AND ended_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, callID, status)
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

// ListContactIDs returns the ids of the user's contacts, the audience for
// presence fan-out.
func (r *PostgresRepository) ListContactIDs(ctx context.Context, userID string) ([]string, error) {
	query := `SELECT contact_id FROM contacts WHERE user_id=$1 ORDER BY contact_id`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select contacts: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ReplaceContacts swaps the user's contact set for the given list. Run inside
// a transaction so the set is never observed half-replaced.
func (r *PostgresRepository) ReplaceContacts(ctx context.Context, userID string, contactIDs []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if len(contactIDs) == 0 {
		return nil
	}

	placeholders := make([]string, len(contactIDs))
	args := make([]any, 0, len(contactIDs)+1)
	args = append(args, userID)
	for i, id := range contactIDs {
		placeholders[i] = fmt.Sprintf("($1, $%d)", i+2)
		args = append(args, id)
	}
	query := `INSERT INTO contacts (user_id, contact_id) VALUES ` +
		strings.Join(placeholders, ", ") + ` ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
