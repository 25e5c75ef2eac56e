package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/dbx"
	"github.com/seclink/server/internal/logging"
	"github.com/seclink/server/internal/server/config"
	"github.com/seclink/server/internal/server/models"
	"github.com/seclink/server/internal/server/repositories/devices"
	"github.com/seclink/server/internal/server/repositories/keys"
	"github.com/seclink/server/internal/server/repositories/messages"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DeliveryRetryAttempts = 1
	cfg.DeliveryRetryBackoff = time.Millisecond
	return cfg
}

// newTestDB returns a sqlmock database that accepts any number of
// transactions; the fakes below ignore the handles entirely.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 64; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectRollback()
	}
	return db
}

// fakeRepoManager hands out the same in-memory repos for every handle.
type fakeRepoManager struct {
	keys     *fakeKeysRepo
	devices  *fakeDevicesRepo
	messages *fakeMessagesRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		keys:     newFakeKeysRepo(),
		devices:  newFakeDevicesRepo(),
		messages: newFakeMessagesRepo(),
	}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Keys(dbx.DBTX) keys.Repository               { return m.keys }
func (m *fakeRepoManager) Devices(dbx.DBTX) devices.Repository         { return m.devices }
func (m *fakeRepoManager) Messages(dbx.DBTX) messages.Repository       { return m.messages }

type fakeKeysRepo struct {
	mu        sync.Mutex
	deks      []*models.DataEncryptionKey
	wrappings map[string]*models.DeviceWrappedDEK
	sessions  []*models.EncryptedSessionKey
	log       []*models.RotationLogEntry
	backups   map[string]*models.RecoveryKeyBackup
	nextID    int64

	insertDEKErr     error
	deactivateDEKErr error
}

func newFakeKeysRepo() *fakeKeysRepo {
	return &fakeKeysRepo{
		wrappings: make(map[string]*models.DeviceWrappedDEK),
		backups:   make(map[string]*models.RecoveryKeyBackup),
	}
}

func (r *fakeKeysRepo) id() int64 { r.nextID++; return r.nextID }

func (r *fakeKeysRepo) InsertDEK(_ context.Context, dek *models.DataEncryptionKey) (*models.DataEncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertDEKErr != nil {
		return nil, r.insertDEKErr
	}
	dek.ID = r.id()
	dek.CreatedAt = time.Now()
	r.deks = append(r.deks, dek)
	return dek, nil
}

func (r *fakeKeysRepo) GetActiveDEK(_ context.Context, userID string) (*models.DataEncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deks {
		if d.UserID == userID && d.IsActive {
			return d, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *fakeKeysRepo) GetDEKByVersion(_ context.Context, userID string, version int64) (*models.DataEncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deks {
		if d.UserID == userID && d.Version == version {
			return d, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *fakeKeysRepo) ListDEKVersions(_ context.Context, userID string) ([]*models.DataEncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DataEncryptionKey
	for _, d := range r.deks {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (r *fakeKeysRepo) DeactivateDEK(_ context.Context, userID string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deactivateDEKErr != nil {
		return r.deactivateDEKErr
	}
	for _, d := range r.deks {
		if d.UserID == userID && d.Version == version && d.IsActive {
			d.IsActive = false
			now := time.Now()
			d.RotatedAt = &now
			return nil
		}
	}
	return common.ErrVersionConflict
}

func (r *fakeKeysRepo) UpsertDeviceWrappedDEK(_ context.Context, w *models.DeviceWrappedDEK) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.ID = r.id()
	w.IsActive = true
	w.CreatedAt = time.Now()
	r.wrappings[w.UserID+"|"+w.DeviceID] = w
	return nil
}

func (r *fakeKeysRepo) GetDeviceWrappedDEK(_ context.Context, userID, deviceID string) (*models.DeviceWrappedDEK, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wrappings[userID+"|"+deviceID]
	if !ok || !w.IsActive {
		return nil, common.ErrNotFound
	}
	return w, nil
}

func (r *fakeKeysRepo) DeactivateDeviceWrappings(_ context.Context, userID, deviceID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wrappings[userID+"|"+deviceID]
	if !ok || !w.IsActive {
		return 0, nil
	}
	w.IsActive = false
	return 1, nil
}

func (r *fakeKeysRepo) TouchDeviceWrappedDEK(context.Context, string, string) error { return nil }

func (r *fakeKeysRepo) InsertSessionKey(_ context.Context, k *models.EncryptedSessionKey) (*models.EncryptedSessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k.ID = r.id()
	k.IsActive = true
	k.CreatedAt = time.Now()
	r.sessions = append(r.sessions, k)
	return k, nil
}

func (r *fakeKeysRepo) GetActiveSessionKey(_ context.Context, userID, conversationID string) (*models.EncryptedSessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.EncryptedSessionKey
	for _, k := range r.sessions {
		if k.UserID == userID && k.ConversationID == conversationID && k.IsActive {
			if best == nil || k.KeyVersion > best.KeyVersion {
				best = k
			}
		}
	}
	if best == nil {
		return nil, common.ErrNotFound
	}
	return best, nil
}

func (r *fakeKeysRepo) ListSessionKeysByDEKVersion(_ context.Context, userID string, dekVersion int64) ([]*models.EncryptedSessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.EncryptedSessionKey
	for _, k := range r.sessions {
		if k.UserID == userID && k.DEKVersion == dekVersion && k.IsActive {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *fakeKeysRepo) TouchSessionKeyRange(_ context.Context, userID, conversationID string, messageID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.sessions {
		if k.UserID == userID && k.ConversationID == conversationID && k.IsActive {
			if k.FirstMessageID == nil {
				first := messageID
				k.FirstMessageID = &first
			}
			last := messageID
			k.LastMessageID = &last
			k.MessageCount++
		}
	}
	return nil
}

func (r *fakeKeysRepo) RewrapSessionKey(_ context.Context, userID string, oldV, newV int64, upd *models.RewrappedSessionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.sessions {
		if k.ID == upd.ID && k.UserID == userID && k.DEKVersion == oldV && k.IsActive {
			k.WrappedSessionKey = upd.WrappedSessionKey
			k.SessionKeyNonce = upd.SessionKeyNonce
			k.DEKVersion = newV
			return nil
		}
	}
	return common.ErrVersionConflict
}

func (r *fakeKeysRepo) AppendRotationLog(_ context.Context, e *models.RotationLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = r.id()
	e.CreatedAt = time.Now()
	r.log = append(r.log, e)
	return nil
}

func (r *fakeKeysRepo) ListRotationLog(_ context.Context, userID string, limit int) ([]*models.RotationLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RotationLogEntry
	for i := len(r.log) - 1; i >= 0 && len(out) < limit; i-- {
		if r.log[i].UserID == userID {
			out = append(out, r.log[i])
		}
	}
	return out, nil
}

func (r *fakeKeysRepo) LastSuccessfulRotation(_ context.Context, userID string) (*models.RotationLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.log) - 1; i >= 0; i-- {
		e := r.log[i]
		if e.UserID == userID && e.RotationType == RotationTypeDEKRotation && e.Success {
			return e, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *fakeKeysRepo) UpsertRecoveryBackup(_ context.Context, b *models.RecoveryKeyBackup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.ID = r.id()
	b.IsActive = true
	b.CreatedAt = time.Now()
	r.backups[b.UserID] = b
	return nil
}

func (r *fakeKeysRepo) GetActiveRecoveryBackup(_ context.Context, userID string) (*models.RecoveryKeyBackup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backups[userID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return b, nil
}

func (r *fakeKeysRepo) TouchRecoveryBackup(context.Context, string) error { return nil }

type fakeDevicesRepo struct {
	mu       sync.Mutex
	auths    map[string]*models.DeviceAuthorization
	sessions map[int64]*models.PairingSession
	byToken  map[string]int64
	revlog   []*models.RevocationLogEntry
	nextID   int64
}

func newFakeDevicesRepo() *fakeDevicesRepo {
	return &fakeDevicesRepo{
		auths:    make(map[string]*models.DeviceAuthorization),
		sessions: make(map[int64]*models.PairingSession),
		byToken:  make(map[string]int64),
	}
}

func (r *fakeDevicesRepo) UpsertAuthorization(_ context.Context, d *models.DeviceAuthorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.IsActive = true
	d.AuthorizedAt = time.Now()
	r.auths[d.UserID+"|"+d.DeviceID] = d
	return nil
}

func (r *fakeDevicesRepo) GetAuthorization(_ context.Context, userID, deviceID string) (*models.DeviceAuthorization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.auths[userID+"|"+deviceID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return d, nil
}

func (r *fakeDevicesRepo) ListAuthorizations(_ context.Context, userID string, activeOnly bool) ([]*models.DeviceAuthorization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DeviceAuthorization
	for _, d := range r.auths {
		if d.UserID == userID && (!activeOnly || d.IsActive) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *fakeDevicesRepo) CountActiveAuthorizations(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, d := range r.auths {
		if d.UserID == userID && d.IsActive {
			n++
		}
	}
	return n, nil
}

func (r *fakeDevicesRepo) RevokeAuthorization(_ context.Context, userID, deviceID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.auths[userID+"|"+deviceID]
	if !ok || !d.IsActive {
		return common.ErrVersionConflict
	}
	d.IsActive = false
	d.RevokeReason = reason
	now := time.Now()
	d.RevokedAt = &now
	return nil
}

func (r *fakeDevicesRepo) IsAuthorized(_ context.Context, userID, deviceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.auths[userID+"|"+deviceID]
	return ok && d.IsActive, nil
}

func (r *fakeDevicesRepo) UpdateLastSeen(context.Context, string, string, string) error { return nil }

func (r *fakeDevicesRepo) InsertPairingSession(_ context.Context, s *models.PairingSession) (*models.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s.ID = r.nextID
	s.CreatedAt = time.Now()
	r.sessions[s.ID] = s
	r.byToken[s.Token] = s.ID
	return s, nil
}

func (r *fakeDevicesRepo) GetPairingSessionByToken(_ context.Context, token string) (*models.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byToken[token]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *r.sessions[id]
	return &cp, nil
}

func (r *fakeDevicesRepo) TransitionPairing(_ context.Context, id int64, from, to string, upd *devices.PairingUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != from {
		return common.ErrVersionConflict
	}
	s.Status = to
	if upd != nil {
		set := func(dst *string, src *string) {
			if src != nil {
				*dst = *src
			}
		}
		set(&s.NewDeviceID, upd.NewDeviceID)
		set(&s.NewDeviceName, upd.NewDeviceName)
		set(&s.NewDeviceType, upd.NewDeviceType)
		set(&s.NewDevicePublicKey, upd.NewDevicePublicKey)
		set(&s.NewDeviceFingerprint, upd.NewDeviceFingerprint)
		set(&s.WrappedDEKForDevice, upd.WrappedDEKForDevice)
		set(&s.DEKWrapNonce, upd.DEKWrapNonce)
	}
	return nil
}

func (r *fakeDevicesRepo) ExpirePendingSessions(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		switch s.Status {
		case models.PairingPending, models.PairingScanned, models.PairingApproved:
			if s.UserID == userID {
				s.Status = models.PairingExpired
				n++
			}
		}
	}
	return n, nil
}

func (r *fakeDevicesRepo) CountRecentSessions(_ context.Context, userID string, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.UserID == userID && s.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (r *fakeDevicesRepo) AppendRevocationLog(_ context.Context, e *models.RevocationLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.CreatedAt = time.Now()
	r.revlog = append(r.revlog, e)
	return nil
}

func (r *fakeDevicesRepo) ListRevocationLog(_ context.Context, userID string, limit int) ([]*models.RevocationLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RevocationLogEntry
	for i := len(r.revlog) - 1; i >= 0 && len(out) < limit; i-- {
		if r.revlog[i].UserID == userID {
			out = append(out, r.revlog[i])
		}
	}
	return out, nil
}

type fakeMessagesRepo struct {
	mu       sync.Mutex
	messages map[int64]*models.Message
	calls    map[string]*models.CallLog
	contacts map[string][]string
	nextID   int64

	insertErr error
}

func newFakeMessagesRepo() *fakeMessagesRepo {
	return &fakeMessagesRepo{
		messages: make(map[int64]*models.Message),
		calls:    make(map[string]*models.CallLog),
		contacts: make(map[string][]string),
	}
}

func (r *fakeMessagesRepo) Insert(_ context.Context, m *models.Message) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return nil, r.insertErr
	}
	r.nextID++
	m.ID = r.nextID
	m.CreatedAt = time.Now()
	r.messages[m.ID] = m
	return m, nil
}

func (r *fakeMessagesRepo) GetByID(_ context.Context, id int64) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *fakeMessagesRepo) UpdateStatus(_ context.Context, id int64, status models.MessageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || status.Rank() <= m.Status.Rank() {
		return common.ErrVersionConflict
	}
	m.Status = status
	return nil
}

func (r *fakeMessagesRepo) ListUndelivered(_ context.Context, recipientID string, limit int) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Message
	for id := int64(1); id <= r.nextID && len(out) < limit; id++ {
		m, ok := r.messages[id]
		if ok && m.RecipientID == recipientID && m.Status == models.MessageSent {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeMessagesRepo) MarkDelivered(_ context.Context, ids []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		m, ok := r.messages[id]
		if ok && m.Status == models.MessageSent {
			m.Status = models.MessageDelivered
			n++
		}
	}
	return n, nil
}

func (r *fakeMessagesRepo) ListReadIDs(_ context.Context, senderID, conversationID string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for id := int64(1); id <= r.nextID; id++ {
		m, ok := r.messages[id]
		if ok && m.SenderID == senderID && m.ConversationID == conversationID && m.Status == models.MessageRead {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *fakeMessagesRepo) InsertCallLog(_ context.Context, c *models.CallLog) (*models.CallLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[c.CallID]; exists {
		return nil, fmt.Errorf("duplicate call: %w", common.ErrConflict)
	}
	c.StartedAt = time.Now()
	r.calls[c.CallID] = c
	return c, nil
}

func (r *fakeMessagesRepo) CloseCallLog(_ context.Context, callID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok || c.EndedAt != nil {
		return common.ErrVersionConflict
	}
	c.Status = status
	now := time.Now()
	c.EndedAt = &now
	return nil
}

func (r *fakeMessagesRepo) ListReadIncomingIDs(_ context.Context, recipientID string, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for id := r.nextID; id >= 1 && len(out) < limit; id-- {
		m, ok := r.messages[id]
		if ok && m.RecipientID == recipientID && m.Status == models.MessageRead {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *fakeMessagesRepo) ListContactIDs(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contacts[userID], nil
}

func (r *fakeMessagesRepo) ReplaceContacts(_ context.Context, userID string, contactIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[userID] = contactIDs
	return nil
}
