package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oamwatch/oamwatch/monitor/config"
	"github.com/oamwatch/oamwatch/monitor/notify"
	"github.com/oamwatch/oamwatch/monitor/store"
)

type stubControl struct {
	mu        sync.Mutex
	woken     int
	scheduled []string
	forgotten []string
}

func (c *stubControl) Wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.woken++
}

func (c *stubControl) ScheduleImmediate(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduled = append(c.scheduled, code)
}

func (c *stubControl) Forget(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, code)
}

type mailRecorder struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (m *mailRecorder) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mailRecorder) last(t *testing.T) notify.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	return m.sent[len(m.sent)-1]
}

type testEnv struct {
	srv     *Server
	store   *store.Manager
	control *stubControl
	mail    *mailRecorder
	handler http.Handler
}

func newTestEnv(t *testing.T, specs ...config.CodeSpec) *testEnv {
	t.Helper()
	st := store.NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, st.Open())

	mail := &mailRecorder{}
	queue := notify.NewQueue(mail, 10, 0, zap.NewNop())
	control := &stubControl{}

	srv := New(st, control, queue,
		func() []config.CodeSpec { return specs },
		t.TempDir(), "http://localhost:8000", 8000, zap.NewNop())

	return &testEnv{srv: srv, store: st, control: control, mail: mail, handler: srv.routes()}
}

func (e *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

var verifyLinkRe = regexp.MustCompile(`/api/verify-add/([0-9a-f-]+)`)

func TestAddCodeHappyPath(t *testing.T) {
	env := newTestEnv(t)

	w := env.post(t, "/api/add-code", map[string]string{
		"code": "oam-12345/dp/2025", "email": "alice@example.com",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	msg := env.mail.last(t)
	assert.Equal(t, "alice@example.com", msg.To)
	m := verifyLinkRe.FindStringSubmatch(msg.Text)
	require.NotNil(t, m, "verification mail must carry the link")

	w = env.get(t, "/api/verify-add/"+m[1])
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "12345/DP/2025")

	it, origin, ok := env.store.GetItem("12345/DP/2025")
	require.True(t, ok)
	assert.Equal(t, store.OriginUser, origin)
	assert.Equal(t, store.StatusPending, it.Status)
	assert.True(t, it.FirstCheck)
	assert.True(t, it.UsesDefaultFreq)
	assert.Equal(t, "alice@example.com", it.AddedBy)
	assert.Equal(t, []string{"12345/DP/2025"}, env.control.scheduled)

	// The token is single-use.
	w = env.get(t, "/api/verify-add/"+m[1])
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddCodeRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)

	w := env.post(t, "/api/add-code", map[string]string{"code": "nonsense", "email": "a@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env = newTestEnv(t)
	w = env.post(t, "/api/add-code", map[string]string{"code": "PEKI202508190001", "email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env = newTestEnv(t)
	w = env.post(t, "/api/add-code", map[string]string{"code": "PEKI202508190001"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddCodeDuplicateDetection(t *testing.T) {
	declared := config.CodeSpec{Code: "PEKI202508190001", Channel: "none"}
	env := newTestEnv(t, declared)

	w := env.post(t, "/api/add-code", map[string]string{
		"code": "PEKI202508190001", "email": "a@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "already monitored")

	// A user-owned code registered by someone else hints at the masked owner.
	added := time.Now().UTC()
	require.NoError(t, env.store.AddUserCode(&store.CodeItem{
		Code: "12345/DP/2025", Status: store.StatusProceedings,
		Channel: store.ChannelEmail, Target: "owner@example.com",
		FreqMinutes: 60, UsesDefaultFreq: true,
		AddedAt: &added, AddedBy: "owner@example.com",
	}))
	w = env.post(t, "/api/add-code", map[string]string{
		"code": "12345/DP/2025", "email": "other@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "xxx***@example.com")
	assert.NotContains(t, w.Body.String(), "owner@example.com")
}

func addUserCode(t *testing.T, env *testEnv, code, email string) {
	t.Helper()
	added := time.Now().UTC()
	require.NoError(t, env.store.AddUserCode(&store.CodeItem{
		Code: code, Status: store.StatusProceedings,
		Channel: store.ChannelEmail, Target: email,
		FreqMinutes: 60, UsesDefaultFreq: true,
		AddedAt: &added, AddedBy: email,
	}))
}

func TestManageCodeFlow(t *testing.T) {
	env := newTestEnv(t)
	addUserCode(t, env, "12345/DP/2025", "alice@example.com")

	// Unknown address gets 404 before any mail is sent.
	w := env.post(t, "/api/send-manage-code", map[string]string{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.post(t, "/api/send-manage-code", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusOK, w.Code)

	msg := env.mail.last(t)
	codeRe := regexp.MustCompile(`\b([0-9]{6})\b`)
	m := codeRe.FindStringSubmatch(msg.Text)
	require.NotNil(t, m)

	w = env.post(t, "/api/verify-manage", map[string]string{
		"email": "alice@example.com", "verification_code": m[1],
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Codes []struct {
			Code   string       `json:"code"`
			Status store.Status `json:"status"`
		} `json:"codes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Codes, 1)
	assert.Equal(t, "12345/DP/2025", resp.Codes[0].Code)

	// The verification code is consumed on use.
	w = env.post(t, "/api/verify-manage", map[string]string{
		"email": "alice@example.com", "verification_code": m[1],
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	addUserCode(t, env, "12345/DP/2025", "alice@example.com")

	env.store.SetVerificationCode("alice@example.com", "654321",
		time.Now().Add(10*time.Minute), "manage")

	w := env.post(t, "/api/login", map[string]string{
		"email": "alice@example.com", "verification_code": "654321",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login struct {
		SessionID string `json:"session_id"`
		Expires   string `json:"expires"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.NotEmpty(t, login.SessionID)
	_, err := time.Parse(time.RFC3339, login.Expires)
	require.NoError(t, err)

	// Session works for verify-session and verify-manage.
	w = env.post(t, "/api/verify-session", map[string]string{"session_id": login.SessionID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice@example.com")

	w = env.post(t, "/api/verify-manage", map[string]string{"session_id": login.SessionID})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.post(t, "/api/logout", map[string]string{"session_id": login.SessionID})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.post(t, "/api/verify-session", map[string]string{"session_id": login.SessionID})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeleteCodeOwnership(t *testing.T) {
	env := newTestEnv(t)
	addUserCode(t, env, "12345/DP/2025", "alice@example.com")
	addUserCode(t, env, "99999/DP/2025", "mallory@example.com")

	env.store.SetVerificationCode("mallory@example.com", "111111",
		time.Now().Add(10*time.Minute), "manage")

	// Deleting someone else's code fails even with valid credentials.
	w := env.post(t, "/api/delete-code", map[string]string{
		"code": "12345/DP/2025", "email": "mallory@example.com", "verification_code": "111111",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	_, _, ok := env.store.GetItem("12345/DP/2025")
	assert.True(t, ok)

	env.store.SetVerificationCode("alice@example.com", "222222",
		time.Now().Add(10*time.Minute), "manage")
	w = env.post(t, "/api/delete-code", map[string]string{
		"code": "oam-12345/dp/2025", "email": "alice@example.com", "verification_code": "222222",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, _, ok = env.store.GetItem("12345/DP/2025")
	assert.False(t, ok)
	assert.Equal(t, []string{"12345/DP/2025"}, env.control.forgotten)
}

func TestStatusFeedStripsSensitiveFields(t *testing.T) {
	declared := config.CodeSpec{Code: "PEKI202508190001", Channel: "email", Target: "admin@example.com"}
	env := newTestEnv(t, declared)
	addUserCode(t, env, "12345/DP/2025", "alice@example.com")

	w := env.get(t, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		GeneratedAt string             `json:"generated_at"`
		Items       []store.PublicItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	assert.NotContains(t, w.Body.String(), "example.com")
}

func TestRateLimitKicksIn(t *testing.T) {
	env := newTestEnv(t)

	var lastCode int
	for i := 0; i < 10; i++ {
		w := env.post(t, "/api/send-manage-code", map[string]string{
			"email": fmt.Sprintf("u%d@example.com", i),
		})
		lastCode = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, lastCode)
}

func TestUnknownJSONFieldRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.post(t, "/api/add-code", map[string]string{
		"code": "PEKI202508190001", "email": "a@example.com", "extra": "field",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSHeadersPresent(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/api/status") // touch a labelled series so it is exported

	w := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "oamwatch_")
}
