package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"winedispense-backend/config"
	"winedispense-backend/internal/db"
	"winedispense-backend/internal/logger"
	"winedispense-backend/internal/model"
	"winedispense-backend/internal/mw"
	"winedispense-backend/internal/notification"
	"winedispense-backend/internal/security"
	"winedispense-backend/internal/store"
	"winedispense-backend/internal/token"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recordingNotifier) Dispatch(alert notification.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return true
}

func (r *recordingNotifier) sent() []notification.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification.Alert(nil), r.alerts...)
}

type testServer struct {
	router http.Handler
	store  store.Store
	db     *gorm.DB
	signer *token.Signer
	hasher *security.Hasher
	cfg    *config.Config
	alerts *recordingNotifier
}

// newTestServer wires the real router to a private in-memory SQLite database.
func newTestServer(t *testing.T, opts ...func(*Deps)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	cfg := &config.Config{}
	cfg.Terminal.LowVolumeAlertML = 100
	cfg.Auth.BootstrapSuperadminEmail = "root@example.com"
	cfg.Auth.ArgonMemoryKB = 8
	cfg.Auth.ArgonTime = 1
	cfg.Auth.ArgonParallelism = 1
	cfg.WorkerPool.Size = 1
	cfg.ApplyDefaults()

	ts := &testServer{
		db:     gdb,
		cfg:    cfg,
		store:  store.NewGormStore(gdb, store.Options{Retry: cfg.Retry, RFID: cfg.RFID}),
		signer: token.NewSigner(signingKey(), cfg.Token.Issuer, cfg.Token.SessionTTL()),
		hasher: security.NewHasher(cfg.Auth),
		alerts: &recordingNotifier{},
	}
	deps := Deps{
		Store:   ts.store,
		Signer:  ts.signer,
		Hasher:  ts.hasher,
		Log:     logger.Nop(),
		Config:  cfg,
		Alerts:  ts.alerts,
		Catalog: mw.NewResponseCache(time.Minute),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	ts.router = NewRouter(deps)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, session string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) postForm(t *testing.T, path string, form url.Values, session string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// session creates an active, verified user with role and returns a session token.
func (ts *testServer) session(t *testing.T, role model.Role) (model.User, string) {
	t.Helper()
	hashed, err := ts.hasher.Hash("correct horse")
	require.NoError(t, err)
	u := model.User{
		Email:          fmt.Sprintf("%s-%s@example.com", role, uuid.NewString()[:8]),
		HashedPassword: hashed,
		Role:           role,
		IsActive:       true,
		IsVerified:     true,
		IsSuperuser:    role == model.RoleSuperadmin,
	}
	require.NoError(t, ts.store.CreateUser(context.Background(), &u))
	signed, _, err := ts.signer.IssueSession(u)
	require.NoError(t, err)
	return u, signed
}

func (ts *testServer) seedBottle(t *testing.T, name string, volume float64, stock int) model.Bottle {
	t.Helper()
	b := model.Bottle{Name: name, Winery: "Test Winery", Volume: volume}
	require.NoError(t, ts.store.CreateBottle(context.Background(), &b))
	_, err := ts.store.ProvisionStock(context.Background(), b.ID, stock)
	require.NoError(t, err)
	return b
}

func (ts *testServer) registerTerminal(t *testing.T, serial string) (int64, string) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/terminals/register", gin.H{"serial": serial}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		TerminalID int64  `json:"terminal_id"`
		Token      string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.TerminalID, resp.Token
}

func (ts *testServer) slot(t *testing.T, terminalID int64, n int) model.TerminalSlot {
	t.Helper()
	var slot model.TerminalSlot
	require.NoError(t, ts.db.Where("terminal_id = ? AND slot_number = ?", terminalID, n).First(&slot).Error)
	return slot
}

func (ts *testServer) stock(t *testing.T, bottleID int64) model.WarehouseBottle {
	t.Helper()
	var row model.WarehouseBottle
	require.NoError(t, ts.db.Where("bottle_id = ?", bottleID).First(&row).Error)
	return row
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var body []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}
