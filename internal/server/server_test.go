package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"pulsegate/internal/identity"
	"pulsegate/internal/servicetoken"
	"pulsegate/internal/usertoken"
	"pulsegate/pkg/domain"
	"pulsegate/pkg/ingest"
	"pulsegate/pkg/presign"
	"pulsegate/pkg/realtime"
)

type fakeStore struct {
	mu           sync.Mutex
	listFailures int
	listCalls    int
	presignCalls int
	artifacts    []domain.Artifact
}

func (f *fakeStore) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	f.presignCalls++
	f.mu.Unlock()
	return "https://store.test/put/" + key, nil
}

func (f *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	f.presignCalls++
	f.mu.Unlock()
	return "https://store.test/get/" + key, nil
}

func (f *fakeStore) List(context.Context, string) ([]domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listCalls <= f.listFailures {
		return nil, errors.New("storage briefly unavailable")
	}
	return f.artifacts, nil
}

func (f *fakeStore) presignCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presignCalls
}

type testEnv struct {
	server   *httptest.Server
	signer   *rsa.PrivateKey
	store    *fakeStore
	registry *realtime.Registry
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	verifier, signer := newJWKSVerifier(t)
	store := &fakeStore{}
	if cfg.Store != nil {
		store = cfg.Store.(*fakeStore)
	}
	registry := realtime.NewRegistry()
	redis := miniredis.RunT(t)

	cfg.TokenVerifier = verifier
	cfg.Store = store
	cfg.RedisAddr = redis.Addr()
	if cfg.Issuer == nil {
		cfg.Issuer = presign.NewIssuer(store, presign.Config{TTL: 10 * time.Minute})
	}
	if cfg.Hub == nil {
		cfg.Hub = realtime.NewHub(realtime.HubConfig{Verifier: verifier, Registry: registry})
	}
	if cfg.Events == nil {
		dispatcher := ingest.NewDispatcher(registry, ingest.DispatcherConfig{Workers: 2})
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go func() { _ = dispatcher.Run(ctx) }()
		cfg.Events = dispatcher
	}
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("new gateway server: %v", err)
	}
	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, signer: signer, store: store, registry: registry}
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
		JWKSURL: jwksServer.URL,
		Leeway:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier, key
}

func mustSignWorkspaceToken(t *testing.T, key *rsa.PrivateKey, subject, workspace string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, usertoken.Claims{
		WorkspaceID: workspace,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "pulsegate-identity",
			Audience:  jwt.ClaimStrings{"pulsegate-gateway"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
		},
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, method, url, token string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPresignRequiresValidToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	payload := presign.Request{Key: "report.pdf", Size: 1024, ContentType: "application/pdf"}

	resp := doJSON(t, http.MethodPost, env.server.URL+"/api/storage/presign", "", payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate invalid key: %v", err)
	}
	invalid := mustSignWorkspaceToken(t, otherKey, "user-1", "ws-1")
	resp = doJSON(t, http.MethodPost, env.server.URL+"/api/storage/presign", invalid, payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid signature expected 401, got %d", resp.StatusCode)
	}
	if env.store.presignCount() != 0 {
		t.Fatalf("no URL may be signed before authentication succeeds")
	}

	valid := mustSignWorkspaceToken(t, env.signer, "user-1", "ws-1")
	resp = doJSON(t, http.MethodPost, env.server.URL+"/api/storage/presign", valid, payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token expected 200, got %d", resp.StatusCode)
	}
	var grant domain.PresignedGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		t.Fatalf("decode grant: %v", err)
	}
	if grant.UploadURL != "https://store.test/put/ws-1/report.pdf" {
		t.Fatalf("upload URL must be namespaced by workspace, got %q", grant.UploadURL)
	}
	if grant.WorkspaceID != "ws-1" {
		t.Fatalf("grant workspace = %q, want ws-1", grant.WorkspaceID)
	}
}

func TestPresignRejectsCrossWorkspaceRequest(t *testing.T) {
	env := newTestEnv(t, Config{})
	token := mustSignWorkspaceToken(t, env.signer, "user-1", "ws-1")
	payload := presign.Request{WorkspaceID: "ws-2", Key: "secret.txt", Size: 10, ContentType: "text/plain"}

	resp := doJSON(t, http.MethodPost, env.server.URL+"/api/storage/presign", token, payload)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-workspace grant expected 403, got %d", resp.StatusCode)
	}
	if env.store.presignCount() != 0 {
		t.Fatalf("no URL may be signed for a foreign workspace")
	}
}

func TestListArtifactsScopedToWorkspace(t *testing.T) {
	store := &fakeStore{artifacts: []domain.Artifact{
		{Key: "a.txt", Size: 3},
		{Key: "b.txt", Size: 5},
	}}
	env := newTestEnv(t, Config{Store: store})
	token := mustSignWorkspaceToken(t, env.signer, "user-1", "ws-1")

	resp := doJSON(t, http.MethodGet, env.server.URL+"/api/artifacts?workspace_id=ws-2", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign workspace filter expected 403, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, env.server.URL+"/api/artifacts", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Items []domain.Artifact `json:"items"`
		Count int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if out.Count != 2 || len(out.Items) != 2 {
		t.Fatalf("unexpected listing: %+v", out)
	}
}

func TestListArtifactsRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{
		listFailures: 2,
		artifacts:    []domain.Artifact{{Key: "a.txt", Size: 3}},
	}
	env := newTestEnv(t, Config{Store: store})
	token := mustSignWorkspaceToken(t, env.signer, "user-1", "ws-1")

	resp := doJSON(t, http.MethodGet, env.server.URL+"/api/artifacts", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transient failures should be retried, got %d", resp.StatusCode)
	}
	if store.listCalls != 3 {
		t.Fatalf("expected 3 list attempts, got %d", store.listCalls)
	}
}

func TestLoginRateLimit(t *testing.T) {
	identitySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token": "t",
			"user": domain.User{
				ID:          "u-1",
				Email:       "u@example.com",
				WorkspaceID: "ws-1",
				Role:        domain.RoleMember,
			},
		})
	}))
	defer identitySrv.Close()

	env := newTestEnv(t, Config{
		Identity:                   identity.NewClient(identitySrv.URL),
		RegisterRateLimitPerMinute: 10,
		LoginRateLimitPerMinute:    1,
	})

	body := []byte(`{"email":"u@example.com","password":"pass"}`)
	resp1, err := http.Post(env.server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("first login request failed: %v", err)
	}
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", resp1.StatusCode)
	}

	resp2, err := http.Post(env.server.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("second login request failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", resp2.StatusCode)
	}
}

type recordingSubscriber struct {
	mu     sync.Mutex
	id     string
	events []domain.ChangeEvent
}

func (r *recordingSubscriber) ID() string { return r.id }

func (r *recordingSubscriber) Deliver(event domain.ChangeEvent) bool {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return true
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestChangeCallbackRequiresServiceToken(t *testing.T) {
	signer, verifier := newCallbackKeys(t)
	env := newTestEnv(t, Config{CallbackVerifier: verifier})

	sub := &recordingSubscriber{id: "c1"}
	env.registry.Subscribe("ws-1:project:42", sub)

	event := domain.ChangeEvent{
		WorkspaceID:  "ws-1",
		ResourceKind: "project",
		ResourceID:   "42",
		Operation:    domain.OpUpdate,
	}

	resp := doJSON(t, http.MethodPost, env.server.URL+"/internal/events", "", event)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing service token expected 401, got %d", resp.StatusCode)
	}

	token, err := signer.Sign("gateway")
	if err != nil {
		t.Fatalf("sign service token: %v", err)
	}
	resp = doJSON(t, http.MethodPost, env.server.URL+"/internal/events", token, event)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("valid service token expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event never reached the subscriber")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChangeCallbackRejectsMalformedEvent(t *testing.T) {
	signer, verifier := newCallbackKeys(t)
	env := newTestEnv(t, Config{CallbackVerifier: verifier})

	token, err := signer.Sign("gateway")
	if err != nil {
		t.Fatalf("sign service token: %v", err)
	}
	resp := doJSON(t, http.MethodPost, env.server.URL+"/internal/events", token, domain.ChangeEvent{
		WorkspaceID: "ws-1",
		Operation:   domain.OpInsert,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("event without resource identity expected 400, got %d", resp.StatusCode)
	}
}

func TestServerRequiresRedisRateLimiter(t *testing.T) {
	_, err := New(Config{
		RegisterRateLimitPerMinute: 1,
		LoginRateLimitPerMinute:    1,
		Hub:                        realtime.NewHub(realtime.HubConfig{}),
	})
	if err == nil {
		t.Fatalf("expected redis-backed limiter initialization to fail without redis addr")
	}
}

func newCallbackKeys(t *testing.T) (*servicetoken.Signer, *servicetoken.Verifier) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "callback-private.pem")
	publicPath := filepath.Join(dir, "callback-public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		PrivateKeyPath: privatePath,
		Issuer:         "datastore",
		TTL:            time.Minute,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:  publicPath,
		Audience:       "gateway",
		AllowedIssuers: []string{"datastore"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return signer, verifier
}
