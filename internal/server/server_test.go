package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"findkin/internal/app"
	"findkin/internal/metrics"
	"findkin/internal/notify"
	"findkin/internal/usertoken"
	"findkin/pkg/ai"
	"findkin/pkg/domain"
	"findkin/pkg/store"
)

type syncEffects struct {
	store store.Store
}

func (e *syncEffects) Timeline(_ context.Context, caseID string, entry domain.TimelineEntry) {
	_ = e.store.AppendTimeline(caseID, entry)
}

func (e *syncEffects) Notify(_ context.Context, userID, message, navigateTo string) {
	_ = e.store.AppendNotification(userID, domain.Notification{
		ID: message, Message: message, Clickable: navigateTo != "", NavigateTo: navigateTo, Time: time.Now(),
	})
}

func (e *syncEffects) UserCase(_ context.Context, userID, caseID string) {
	_ = e.store.AppendUserCase(userID, caseID)
}

func (e *syncEffects) Counter(_ context.Context, name string) {
	_ = e.store.IncrementCounter(name)
}

func (e *syncEffects) Summary(context.Context, string)       {}
func (e *syncEffects) DeleteVectors(_ context.Context, caseID string) {
	_ = e.store.DeleteEmbeddings(caseID)
}

type stubFaces struct{}

func (stubFaces) ComputeEmbeddings(context.Context, []byte, []byte, bool) (ai.FaceEmbeddings, error) {
	return ai.FaceEmbeddings{First: []float32{1, 0, 0}, Second: []float32{0, 1, 0}}, nil
}

type stubModerator struct{}

func (stubModerator) Classify(context.Context, []byte) (ai.ModerationResult, error) {
	return ai.ModerationResult{}, nil
}

type memObjects struct {
	objects map[string][]byte
}

func (m *memObjects) PutImage(_ context.Context, key string, data []byte, _ string) error {
	m.objects[key] = data
	return nil
}

func (m *memObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("no such object %s", key)
	}
	return "https://objects.local/" + key, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

type testEnv struct {
	srv    *httptest.Server
	store  *store.MemoryStore
	signer *rsa.PrivateKey
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	memStore := store.NewMemoryStore()
	objects := &memObjects{objects: map[string][]byte{}}
	appCore := app.New(app.Config{
		Store:     memStore,
		Objects:   objects,
		Faces:     stubFaces{},
		Moderator: stubModerator{},
		Effects:   &syncEffects{store: memStore},
	})

	hub := notify.NewHub(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	notifier := notify.NewService(memStore, hub, 10)

	verifier, signer := newJWKSVerifier(t)
	redis := miniredis.RunT(t)

	s, err := New(Config{
		App:                    appCore,
		Notifier:               notifier,
		Hub:                    hub,
		TokenVerifier:          verifier,
		Objects:                objects,
		Metrics:                metrics.New(),
		RedisAddr:              redis.Addr(),
		RequestRateLimitPerMin: rateLimit,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: memStore, signer: signer}
}

func newJWKSVerifier(t *testing.T) (*usertoken.Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": "kid-1",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "findkin-auth",
		Audience: "findkin-api",
		Leeway:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier, key
}

func (e *testEnv) signToken(t *testing.T, subject, name string, role domain.UserRole) string {
	t.Helper()
	claims := struct {
		jwt.RegisteredClaims
		Name string `json:"name"`
		Role string `json:"role"`
	}{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "findkin-auth",
			Audience:  jwt.ClaimStrings{"findkin-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
		},
		Name: name,
		Role: string(role),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(e.signer)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func registerForm(t *testing.T, referenceNo string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fields := map[string]string{
		"jurisdiction": "dhaka",
		"referenceNo":  referenceNo,
		"personName":   "Rahim Uddin",
		"gender":       "male",
		"age":          "34",
		"dateTs":       "1771545600",
		"location":     "Mirpur 10",
		"status":       "missing",
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("write field %s: %v", name, err)
		}
	}
	for i := 0; i < 2; i++ {
		part, err := writer.CreateFormFile("images", fmt.Sprintf("photo%d.jpg", i))
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("jpeg-bytes")); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func (e *testEnv) registerCase(t *testing.T, token, referenceNo string) string {
	t.Helper()
	body, contentType := registerForm(t, referenceNo)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/cases", body)
	if err != nil {
		t.Fatalf("new register request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("register expected 201, got %d: %s", resp.StatusCode, data)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if out.ID == "" {
		t.Fatal("register returned empty id")
	}
	return out.ID
}

func TestRegisterRejectsUnsupportedImageType(t *testing.T) {
	env := newTestEnv(t, 100)
	token := env.signToken(t, "user-ext", "Ext User", domain.RoleGeneral)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, value := range map[string]string{
		"jurisdiction": "dhaka",
		"referenceNo":  "GD-2026-0099",
		"personName":   "Rahim Uddin",
		"gender":       "male",
		"age":          "34",
		"dateTs":       "1771545600",
		"location":     "Mirpur 10",
		"status":       "missing",
	} {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("write field %s: %v", name, err)
		}
	}
	for _, name := range []string{"photo.jpg", "report.exe"} {
		part, err := writer.CreateFormFile("images", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("bytes")); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/cases", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t, 100)
	for _, path := range []string{"/api/cases/some-id/flag", "/api/notifications/read", "/api/notifications"} {
		resp := env.do(t, http.MethodPost, path, "", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without token expected 401, got %d", path, resp.StatusCode)
		}
	}
}

func TestAnonymousRegisterAllowed(t *testing.T) {
	env := newTestEnv(t, 100)

	body, contentType := registerForm(t, "GD-2026-0100")
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/cases", body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("anonymous register expected 201, got %d: %s", resp.StatusCode, data)
	}

	// A token, when supplied, must still verify.
	bad := env.do(t, http.MethodPost, "/api/cases", "not-a-token", nil)
	bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token expected 401, got %d", bad.StatusCode)
	}
}

func TestHealthAndMetricsOpen(t *testing.T) {
	env := newTestEnv(t, 100)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestRegisterAndFetchCase(t *testing.T) {
	env := newTestEnv(t, 100)
	token := env.signToken(t, "user-1", "Rahim", domain.RoleGeneral)

	caseID := env.registerCase(t, token, "GD-2026-0042")

	resp := env.do(t, http.MethodGet, "/api/cases/"+caseID, token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get case expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		ID        string   `json:"id"`
		Status    string   `json:"status"`
		ImageURLs []string `json:"imageUrls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode case: %v", err)
	}
	if got.ID != caseID || got.Status != "missing" {
		t.Fatalf("unexpected case payload: %+v", got)
	}
	if len(got.ImageURLs) != 2 {
		t.Fatalf("imageUrls = %d, want 2 presigned links", len(got.ImageURLs))
	}
}

func TestErrorTaxonomyMapping(t *testing.T) {
	env := newTestEnv(t, 100)
	owner := env.signToken(t, "owner-1", "Owner", domain.RoleGeneral)
	stranger := env.signToken(t, "user-2", "Stranger", domain.RoleGeneral)
	caseID := env.registerCase(t, owner, "GD-2026-0042")

	// owner flagging own case: 403
	resp := env.do(t, http.MethodPost, "/api/cases/"+caseID+"/flag", owner, map[string]string{"reason": "spam"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("own-case flag expected 403, got %d", resp.StatusCode)
	}

	// bad reason: 400
	resp = env.do(t, http.MethodPost, "/api/cases/"+caseID+"/flag", stranger, map[string]string{"reason": "nonsense"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad reason expected 400, got %d", resp.StatusCode)
	}

	// duplicate flag: 409
	resp = env.do(t, http.MethodPost, "/api/cases/"+caseID+"/flag", stranger, map[string]string{"reason": "spam"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("first flag expected 204, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/api/cases/"+caseID+"/flag", stranger, map[string]string{"reason": "spam"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate flag expected 409, got %d", resp.StatusCode)
	}

	// unknown case: 404
	resp = env.do(t, http.MethodGet, "/api/cases/no-such-case", owner, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown case expected 404, got %d", resp.StatusCode)
	}

	// assign by general role: 403
	resp = env.do(t, http.MethodPost, "/api/cases/"+caseID+"/assign", stranger, map[string]string{"targetId": "someone"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("general assign expected 403, got %d", resp.StatusCode)
	}
}

func TestFindMatchesCooldownMapsTo429(t *testing.T) {
	env := newTestEnv(t, 100)
	token := env.signToken(t, "user-1", "Rahim", domain.RoleGeneral)
	caseID := env.registerCase(t, token, "GD-2026-0042")

	resp := env.do(t, http.MethodPost, "/api/find-matches", token, map[string]string{"caseId": caseID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first search expected 200, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/find-matches", token, map[string]string{"caseId": caseID})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second search expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 response missing Retry-After header")
	}
}

func TestCloseOnceMapsTo409(t *testing.T) {
	env := newTestEnv(t, 100)
	token := env.signToken(t, "user-1", "Rahim", domain.RoleGeneral)
	caseID := env.registerCase(t, token, "GD-2026-0042")

	body := map[string]any{"status": "closed", "reunited": true}
	resp := env.do(t, http.MethodPut, "/api/cases/"+caseID+"/status", token, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close expected 200, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPut, "/api/cases/"+caseID+"/status", token, body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second close expected 409, got %d", resp.StatusCode)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)
	token := env.signToken(t, "user-1", "Rahim", domain.RoleGeneral)
	env.registerCase(t, token, "GD-2026-0042")

	// Registration notifies the owner.
	resp := env.do(t, http.MethodGet, "/api/notifications", token, nil)
	var page store.NotificationPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	resp.Body.Close()
	if page.Total < 1 || page.Unread < 1 {
		t.Fatalf("expected at least one unread notification, got %+v", page)
	}

	resp = env.do(t, http.MethodPost, "/api/notifications/read-all", token, nil)
	var receipt store.ReadReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	resp.Body.Close()
	if len(receipt.Updated) < 1 {
		t.Fatalf("read-all updated nothing: %+v", receipt)
	}

	resp = env.do(t, http.MethodGet, "/api/notifications", token, nil)
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	resp.Body.Close()
	if page.Unread != 0 {
		t.Fatalf("unread = %d after read-all, want 0", page.Unread)
	}
}

func TestRequestRateLimit(t *testing.T) {
	env := newTestEnv(t, 2)
	token := env.signToken(t, "user-1", "Rahim", domain.RoleGeneral)

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodGet, "/api/notifications", token, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d expected 200, got %d", i+1, resp.StatusCode)
		}
	}
	resp := env.do(t, http.MethodGet, "/api/notifications", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 response missing Retry-After header")
	}
}

func TestNotificationStream(t *testing.T) {
	env := newTestEnv(t, 100)
	token := env.signToken(t, "user-1", "Rahim", domain.RoleGeneral)
	env.registerCase(t, token, "GD-2026-0042")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/notifications/stream?token=" + token
	conn, resp, err := newWebsocketConn(wsURL)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var connected, initial bool
	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var event struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read event %d: %v", i+1, err)
		}
		switch event.Type {
		case notify.EventConnected:
			connected = true
		case notify.EventInitial:
			initial = true
			var page store.NotificationPage
			if err := json.Unmarshal(event.Data, &page); err != nil {
				t.Fatalf("decode initial batch: %v", err)
			}
			if page.Total < 1 {
				t.Fatalf("initial batch empty: %+v", page)
			}
		}
	}
	if !connected || !initial {
		t.Fatalf("missing handshake events: connected=%v initial=%v", connected, initial)
	}
}

func newWebsocketConn(url string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	return dialer.Dial(url, nil)
}
