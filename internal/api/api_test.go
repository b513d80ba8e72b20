package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"festival-live-backend/config"
	"festival-live-backend/internal/coordinator"
	"festival-live-backend/internal/hub"
	"festival-live-backend/internal/model"
	"festival-live-backend/internal/notification"
	"festival-live-backend/internal/relay"
	"festival-live-backend/internal/session"
	"festival-live-backend/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSender struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *recordingSender) Send(_ context.Context, _ []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[sub.Endpoint]++
	return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (s *recordingSender) count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

func (s *recordingSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

type fixture struct {
	router   *gin.Engine
	store    *store.GormStore
	hub      *hub.Hub
	coord    *coordinator.Coordinator
	sender   *recordingSender
	verifier *session.Verifier
}

var dbSeq atomic.Int64

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dsn := fmt.Sprintf("file:api_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.PushSubscription{}))

	f := &fixture{
		store:    store.NewGormStore(db),
		hub:      hub.New(8, nil),
		sender:   &recordingSender{calls: map[string]int{}},
		verifier: session.NewVerifier("test-secret"),
	}
	options := &webpush.Options{VAPIDPublicKey: "BPublicKey", TTL: 60}
	dispatcher := notification.NewDispatcher(f.store, options, notification.Config{Workers: 2, Sender: f.sender}, nil)
	dispatcher.Start(ctx)
	f.coord = coordinator.New(relay.NewLocal(f.hub), dispatcher, coordinator.NewPolicy(nil), time.Minute, nil)

	h := NewHandler(Dependencies{
		Store:       f.store,
		Hub:         f.hub,
		Coordinator: f.coord,
		WebPush:     options,
		KeepAlive:   time.Hour,
	})
	f.router = NewRouter(h, f.verifier, testServerConfig)
	return f
}

var testServerConfig = config.ServerConfig{
	RateLimitPerSec: 1000,
	RateLimitBurst:  1000,
	CacheTTLSeconds: 60,
}

func serveRouter(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func (f *fixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, _, err := f.verifier.Sign(userID, role, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func subscribeBody(endpoint string) map[string]any {
	return map[string]any{
		"endpoint": endpoint,
		"keys":     map[string]string{"p256dh": "k-" + endpoint, "auth": "a-" + endpoint},
	}
}
