package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropscan/models"
	"dropscan/pkg/config"
	"dropscan/pkg/drop"
	"dropscan/pkg/resolver"
	"dropscan/pkg/store"
)

// helper to perform requests with auth token
func performRequest(r http.Handler, method, path string, body io.Reader, token string, contentType string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

type fakeAnalyzer struct {
	err error
}

func (a fakeAnalyzer) AnalyzeDrop(_ context.Context, data []byte) (drop.Result, error) {
	if a.err != nil {
		return drop.Result{DropID: "drop-failed"}, a.err
	}
	if string(data) != "PNGDATA" {
		return drop.Result{DropID: "drop-bad"}, drop.ErrDecode
	}
	return drop.Result{
		DropID: "drop-1",
		Slots:  1,
		Cards:  []models.DroppedCard{{Character: models.Character{Name: "Rem", Series: "Re:Zero"}, Resolved: true}},
	}, nil
}

func setupTestServer(t *testing.T, s store.Store, a dropAnalyzer, secret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	setupRoutes(r, &server{
		analyzer:  a,
		resolver:  resolver.New(s, nil, zap.NewNop()),
		store:     s,
		prefix:    store.PrefixName,
		jwtSecret: []byte(secret),
		log:       zap.NewNop(),
	})
	return r
}

func multipartFile(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	w, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, _ = w.Write(content)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestFullFlow(t *testing.T) {
	m := store.NewMemory()
	r := setupTestServer(t, m, fakeAnalyzer{}, "test-secret")
	token, err := issueToken([]byte("test-secret"), "tester", time.Hour)
	require.NoError(t, err)

	// 1. Health is public
	resp := performRequest(r, http.MethodGet, "/healthz", nil, "", "")
	require.Equal(t, http.StatusOK, resp.Code)

	// 2. Unauthorized access to protected endpoint should be 401
	resp = performRequest(r, http.MethodGet, "/characters?name=Rem&series=Re:Zero", nil, "", "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	resp = performRequest(r, http.MethodGet, "/characters?name=Rem&series=Re:Zero", nil, "garbage", "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	// 3. Record characters from JSON
	body, _ := json.Marshal([]map[string]any{
		{"name": "Rem", "series": "Re:Zero", "wishlist": 40},
		{"name": "Frieren", "series": "Sousou no Frieren"},
	})
	resp = performRequest(r, http.MethodPost, "/characters", bytes.NewReader(body), token, "application/json")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.JSONEq(t, `{"recorded":2}`, resp.Body.String())

	// 4. Record characters from a lookup reply
	reply := "`1`. `♡448` · Naruto · **Sakura**\n`2`. `♡3` · Naruto · **Hinata**"
	resp = performRequest(r, http.MethodPost, "/characters?format=lookup-results", strings.NewReader(reply), token, "text/plain")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.JSONEq(t, `{"recorded":2}`, resp.Body.String())

	// 5. Fuzzy resolve
	resp = performRequest(r, http.MethodGet, "/characters?name=Fr1eren&series=Sousou%20no%20Frieren", nil, token, "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var ch models.Character
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &ch))
	assert.Equal(t, "Frieren", ch.Name)

	resp = performRequest(r, http.MethodGet, "/characters?name=Nobody&series=Nowhere", nil, token, "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
	resp = performRequest(r, http.MethodGet, "/characters?name=Rem", nil, token, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	// 6. Batched resolve keeps query order
	body, _ = json.Marshal(map[string]any{"mode": "name", "queries": []map[string]string{
		{"name": "Sakura", "series": "Naruto"},
		{"name": "Nobody", "series": "Nowhere"},
		{"name": "Rem", "series": "Re:Zero"},
	}})
	resp = performRequest(r, http.MethodPost, "/characters/resolve-batch", bytes.NewReader(body), token, "application/json")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var batch struct {
		Characters []*models.Character `json:"characters"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &batch))
	require.Len(t, batch.Characters, 3)
	assert.Equal(t, "Sakura", batch.Characters[0].Name)
	assert.Nil(t, batch.Characters[1])
	assert.Equal(t, "Rem", batch.Characters[2].Name)

	body, _ = json.Marshal(map[string]any{"queries": []map[string]string{{"name": "Rem", "series": "Re:Zero"}}})
	resp = performRequest(r, http.MethodPost, "/characters/resolve-batch", bytes.NewReader(body), token, "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	// 7. Analyze an uploaded drop
	buf, ct := multipartFile(t, "drop.png", []byte("PNGDATA"))
	resp = performRequest(r, http.MethodPost, "/drops", buf, token, ct)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var dropResp struct {
		DropID string               `json:"drop_id"`
		Cards  []models.DroppedCard `json:"cards"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &dropResp))
	assert.Equal(t, "drop-1", dropResp.DropID)
	require.Len(t, dropResp.Cards, 1)
	assert.Equal(t, "Rem", dropResp.Cards[0].Character.Name)

	// 8. A malformed image is the client's fault
	buf, ct = multipartFile(t, "drop.png", []byte("junk"))
	resp = performRequest(r, http.MethodPost, "/drops", buf, token, ct)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	scans := m.Scans()
	require.Len(t, scans, 2)
	assert.False(t, scans[0].Failed)
	assert.True(t, scans[1].Failed)
}

func TestDropFailureIsServerError(t *testing.T) {
	be := &drop.BatchError{DropID: "drop-failed", Total: 3, Slots: []drop.SlotError{{Slot: 1, Err: io.ErrUnexpectedEOF}}}
	r := setupTestServer(t, store.NewMemory(), fakeAnalyzer{err: be}, "")

	buf, ct := multipartFile(t, "drop.png", []byte("PNGDATA"))
	resp := performRequest(r, http.MethodPost, "/drops", buf, "", ct)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Contains(t, out["error"], "slot 1")
}

func TestDropByURL(t *testing.T) {
	attachments := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/drop.png" {
			_, _ = w.Write([]byte("PNGDATA"))
			return
		}
		http.NotFound(w, r)
	}))
	defer attachments.Close()
	r := setupTestServer(t, store.NewMemory(), fakeAnalyzer{}, "")

	form := strings.NewReader("url=" + attachments.URL + "/drop.png")
	resp := performRequest(r, http.MethodPost, "/drops", form, "", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	form = strings.NewReader("url=" + attachments.URL + "/missing.png")
	resp = performRequest(r, http.MethodPost, "/drops", form, "", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = performRequest(r, http.MethodPost, "/drops", strings.NewReader(""), "", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestMigrateCommand(t *testing.T) {
	// integration tests are opt-in. Set DB_DSN_TEST=1 and DB_DSN to run them.
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("integration tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	s, err := initDB(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
}
