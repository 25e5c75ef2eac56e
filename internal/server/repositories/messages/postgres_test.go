package messages

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestInsert_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO messages .* RETURNING id, created_at`).
		WithArgs("alice", "bob", "c1", "cipher", "nonce", int64(1), models.MessageSent, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), time.Now()))

	m, err := repo.Insert(context.Background(), &models.Message{
		SenderID:       "alice",
		RecipientID:    "bob",
		ConversationID: "c1",
		Ciphertext:     "cipher",
		Nonce:          "nonce",
		KeyVersion:     1,
		Status:         models.MessageSent,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != 42 {
		t.Fatalf("want id 42, got %d", m.ID)
	}
}

func TestUpdateStatus_Forward(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE messages SET\s+status = \$2`).
		WithArgs(int64(42), models.MessageDelivered).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateStatus(context.Background(), 42, models.MessageDelivered); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateStatus_BackwardsRejected(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	// The rank guard in the WHERE clause filters out the row.
	mock.ExpectExec(`UPDATE messages SET\s+status = \$2`).
		WithArgs(int64(42), models.MessageDelivered).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), 42, models.MessageDelivered)
	if !errors.Is(err, common.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
}

func TestListUndelivered_Order(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	cols := []string{
		"id", "sender_id", "recipient_id", "conversation_id", "ciphertext", "nonce", "key_version",
		"status", "created_at", "delivered_at", "read_at", "expires_at",
	}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(1), "alice", "bob", "c1", "x1", "n1", int64(1), "sent", time.Now(), nil, nil, nil).
		AddRow(int64(2), "alice", "bob", "c1", "x2", "n2", int64(1), "sent", time.Now(), nil, nil, nil)

	mock.ExpectQuery(`FROM messages\s+WHERE recipient_id=\$1 AND status='sent'`).
		WithArgs("bob", 100).
		WillReturnRows(rows)

	got, err := repo.ListUndelivered(context.Background(), "bob", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestMarkDelivered_Batch(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE messages SET status='delivered', delivered_at=now\(\)\s+WHERE id IN \(\$1, \$2, \$3\) AND status='sent'`).
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.MarkDelivered(context.Background(), []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 rows, got %d", n)
	}
}

func TestMarkDelivered_EmptyBatchSkipsDB(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	n, err := repo.MarkDelivered(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("want 0, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCloseCallLog_AlreadyClosed(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE call_logs SET status=\$2, ended_at=now\(\)`).
		WithArgs("call-1", "ended").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CloseCallLog(context.Background(), "call-1", "ended")
	if !errors.Is(err, common.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
}

func TestListReadIncomingIDs_NewestFirst(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id FROM messages\s+WHERE recipient_id=\$1 AND status='read'\s+ORDER BY id DESC`).
		WithArgs("bob", 500).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)).AddRow(int64(4)))

	got, err := repo.ListReadIncomingIDs(context.Background(), "bob", 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != 9 {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestReplaceContacts(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM contacts WHERE user_id=\$1`).
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO contacts \(user_id, contact_id\) VALUES \(\$1, \$2\), \(\$1, \$3\)`).
		WithArgs("alice", "bob", "carol").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.ReplaceContacts(context.Background(), "alice", []string{"bob", "carol"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReplaceContacts_EmptyListOnlyDeletes(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM contacts WHERE user_id=\$1`).
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.ReplaceContacts(context.Background(), "alice", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListContactIDs(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT contact_id FROM contacts WHERE user_id=\$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow("bob").AddRow("carol"))

	got, err := repo.ListContactIDs(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "bob" {
		t.Fatalf("unexpected result: %v", got)
	}
}
