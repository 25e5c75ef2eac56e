package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/dbx"
	"github.com/seclink/server/internal/logging"
	"github.com/seclink/server/internal/server/auth"
	"github.com/seclink/server/internal/server/config"
	"github.com/seclink/server/internal/server/models"
	"github.com/seclink/server/internal/server/repositories/devices"
	"github.com/seclink/server/internal/server/repositories/keys"
	"github.com/seclink/server/internal/server/repositories/messages"
	"github.com/seclink/server/internal/server/services"
	"github.com/seclink/server/internal/server/ws"
)

// The fakes embed the repository interfaces and override only what the
// endpoints under test reach; anything else panics loudly.

type fakeKeysRepo struct {
	keys.Repository
	mu     sync.Mutex
	deks   map[string]*models.DataEncryptionKey
	log    []*models.RotationLogEntry
	nextID int64
}

func (r *fakeKeysRepo) GetActiveDEK(_ context.Context, userID string) (*models.DataEncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dek, ok := r.deks[userID]
	if !ok {
		return nil, common.ErrNotFound
	}
	return dek, nil
}

func (r *fakeKeysRepo) InsertDEK(_ context.Context, dek *models.DataEncryptionKey) (*models.DataEncryptionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	dek.ID = r.nextID
	dek.IsActive = true
	dek.CreatedAt = time.Now()
	r.deks[dek.UserID] = dek
	return dek, nil
}

func (r *fakeKeysRepo) AppendRotationLog(_ context.Context, entry *models.RotationLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, entry)
	return nil
}

type fakeDevicesRepo struct {
	devices.Repository
	mu    sync.Mutex
	auths map[string][]*models.DeviceAuthorization
}

func (r *fakeDevicesRepo) CountActiveAuthorizations(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, d := range r.auths[userID] {
		if d.IsActive {
			n++
		}
	}
	return n, nil
}

func (r *fakeDevicesRepo) UpsertAuthorization(_ context.Context, d *models.DeviceAuthorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.IsActive = true
	r.auths[d.UserID] = append(r.auths[d.UserID], d)
	return nil
}

func (r *fakeDevicesRepo) ListAuthorizations(_ context.Context, userID string, activeOnly bool) ([]*models.DeviceAuthorization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DeviceAuthorization
	for _, d := range r.auths[userID] {
		if !activeOnly || d.IsActive {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *fakeDevicesRepo) IsAuthorized(_ context.Context, userID, deviceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.auths[userID] {
		if d.DeviceID == deviceID && d.IsActive {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeDevicesRepo) GetPairingSessionByToken(context.Context, string) (*models.PairingSession, error) {
	return nil, common.ErrNotFound
}

type fakeMessagesRepo struct {
	messages.Repository
}

type fakeRepoManager struct {
	keys     *fakeKeysRepo
	devices  *fakeDevicesRepo
	messages *fakeMessagesRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Keys(dbx.DBTX) keys.Repository               { return m.keys }
func (m *fakeRepoManager) Devices(dbx.DBTX) devices.Repository         { return m.devices }
func (m *fakeRepoManager) Messages(dbx.DBTX) messages.Repository       { return m.messages }

type apiFixture struct {
	handler *Handler
	router  http.Handler
	config  *config.Config
	repos   *fakeRepoManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 16; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectRollback()
	}

	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg := &config.Config{}
	cfg.LoadDefaults()

	m := &fakeRepoManager{
		keys:     &fakeKeysRepo{deks: map[string]*models.DataEncryptionKey{}},
		devices:  &fakeDevicesRepo{auths: map[string][]*models.DeviceAuthorization{}},
		messages: &fakeMessagesRepo{},
	}

	hub := ws.NewHub(cfg.MaxDevicesPerUser, logger)
	calls := ws.NewCallManager(hub, m.messages, logger)

	keySvc := services.NewKeyService(db, m, cfg, logger)
	pairSvc := services.NewPairingService(db, m, cfg, logger)
	delivSvc := services.NewDeliveryService(db, m, cfg, hub, calls, logger)

	h := NewHandler(keySvc, pairSvc, delivSvc, hub, cfg, logger)
	return &apiFixture{handler: h, router: h.Routes(), config: cfg, repos: m}
}

func (f *apiFixture) token(t *testing.T, userID, deviceID string) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, deviceID, []byte(f.config.SecretKey), time.Hour)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware_RejectsMissingAndBadTokens(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/devices", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/devices", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterPrimaryDevice_ThenList(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "u1", "d1")

	body := `{"device_id":"d1","device_name":"laptop","device_type":"desktop","public_key":"pk1"}`
	rec := f.do(t, http.MethodPost, "/v1/devices/primary", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "d1", created["device_id"])
	assert.Equal(t, true, created["is_primary"])
	assert.NotEmpty(t, created["fingerprint"])

	// a second primary registration must be refused
	rec = f.do(t, http.MethodPost, "/v1/devices/primary", token, body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/devices", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "laptop", list[0]["device_name"])
}

func TestCreateDEK_ConflictOnSecondCreate(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "u1", "d1")

	body := `{"wrapped_dek":"blob","nonce":"n1","algorithm":"xchacha20"}`
	rec := f.do(t, http.MethodPost, "/v1/keys/dek", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var dek map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dek))
	assert.Equal(t, float64(1), dek["version"])
	assert.Equal(t, true, dek["is_active"])

	rec = f.do(t, http.MethodPost, "/v1/keys/dek", token, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetActiveDEK_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "u1", "d1")

	rec := f.do(t, http.MethodGet, "/v1/keys/dek", token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRotateDEK_StaleVersionConflicts(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "u1", "d1")

	rec := f.do(t, http.MethodPost, "/v1/keys/dek", token,
		`{"wrapped_dek":"blob","nonce":"n1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/keys/dek/rotate", token,
		`{"wrapped_dek":"blob2","nonce":"n2","expected_version":7}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPairingStatus_TokenHandling(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/pairing/status", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/pairing/status?token=bogus", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeDevice_OnlyDeviceRefused(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "u1", "d1")

	rec := f.do(t, http.MethodPost, "/v1/devices/primary", token,
		`{"device_id":"d1","public_key":"pk1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/devices/d1/revoke", token, `{"reason":"lost"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebSocket_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/ws", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebSocket_RevokedDeviceForbidden(t *testing.T) {
	f := newAPIFixture(t)

	// valid JWT but the device was never authorized
	token := f.token(t, "u1", "ghost")
	rec := f.do(t, http.MethodGet, "/v1/ws?token="+token, "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDecodeAndValidate_BadJSON(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "u1", "d1")

	rec := f.do(t, http.MethodPost, "/v1/keys/dek", token, `{"wrapped_dek":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// missing required fields fails validation, not decoding
	rec = f.do(t, http.MethodPost, "/v1/keys/dek", token, `{"algorithm":"xchacha20"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
