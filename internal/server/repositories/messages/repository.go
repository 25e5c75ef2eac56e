package messages

import (
	"context"

	"github.com/seclink/server/internal/server/models"
)

// Repository is the persistence surface for encrypted messages, call logs
// and contact edges.
type Repository interface {
	Insert(ctx context.Context, m *models.Message) (*models.Message, error)
	GetByID(ctx context.Context, id int64) (*models.Message, error)
	UpdateStatus(ctx context.Context, id int64, status models.MessageStatus) error
	ListUndelivered(ctx context.Context, recipientID string, limit int) ([]*models.Message, error)
	MarkDelivered(ctx context.Context, ids []int64) (int64, error)
	ListReadIDs(ctx context.Context, senderID, conversationID string) ([]int64, error)
	ListReadIncomingIDs(ctx context.Context, recipientID string, limit int) ([]int64, error)

	InsertCallLog(ctx context.Context, c *models.CallLog) (*models.CallLog, error)
	CloseCallLog(ctx context.Context, callID, status string) error

	ListContactIDs(ctx context.Context, userID string) ([]string, error)
	ReplaceContacts(ctx context.Context, userID string, contactIDs []string) error
}
