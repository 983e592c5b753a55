package middleware

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	authcore "github.com/estatedesk/authcore"
	"github.com/estatedesk/authcore/password"
)

type staticStore struct {
	principal authcore.Principal
}

func (s *staticStore) FindByEmail(_ context.Context, email string) (*authcore.Principal, error) {
	if email != s.principal.Email {
		return nil, nil
	}
	p := s.principal
	return &p, nil
}

func (s *staticStore) FindByID(_ context.Context, id string) (*authcore.Principal, error) {
	if id != s.principal.ID {
		return nil, nil
	}
	p := s.principal
	return &p, nil
}

func newGuardEngine(t *testing.T, authMax int) *authcore.Engine {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	cfg := authcore.DefaultConfig()
	cfg.Token.PrivateKey = priv
	cfg.Token.PublicKey = pub
	cfg.Password = authcore.PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
	cfg.RateLimit.Limits = map[authcore.RateScope]authcore.ScopeLimit{
		authcore.ScopeAuth: {Window: time.Minute, Max: authMax},
		authcore.ScopeRead: {Window: time.Minute, Max: 100},
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	hash, err := hasher.Hash("correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	engine, err := authcore.New().
		WithConfig(cfg).
		WithCredentialStore(&staticStore{principal: authcore.Principal{
			ID:           "agent-1",
			Email:        "agent@example.com",
			PasswordHash: hash,
			Role:         "agent",
		}}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine
}

func loginToken(t *testing.T, engine *authcore.Engine, ip, userAgent string) string {
	t.Helper()

	ctx := authcore.WithClientIP(context.Background(), ip)
	ctx = authcore.WithUserAgent(ctx, userAgent)

	result, err := engine.Login(ctx, "agent@example.com", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return result.AccessToken
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, "no claims", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(claims.SubjectID()))
	})
}

func TestGuardAdmitsValidBearer(t *testing.T) {
	engine := newGuardEngine(t, 10)
	token := loginToken(t, engine, "203.0.113.7", "ua-test")

	handler := Guard(engine, authcore.ScopeRead)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/listings", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("User-Agent", "ua-test")
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "agent-1" {
		t.Fatalf("expected subject in body, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Fatal("expected remaining-budget header")
	}
}

func TestGuardRejectsMissingAndGarbageBearer(t *testing.T) {
	engine := newGuardEngine(t, 10)
	handler := Guard(engine, authcore.ScopeRead)(okHandler())

	for _, header := range []string{"", "Bearer ", "Token abc", "Bearer garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/listings", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		if header != "" {
			req.Header.Set("Authorization", header)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestGuardRejectsWrongClientIP(t *testing.T) {
	engine := newGuardEngine(t, 10)
	token := loginToken(t, engine, "203.0.113.7", "ua-test")

	handler := Guard(engine, authcore.ScopeRead)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/listings", nil)
	req.RemoteAddr = "198.51.100.9:40000"
	req.Header.Set("User-Agent", "ua-test")
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for mismatched IP, got %d", rec.Code)
	}
}

func TestGuardHonorsForwardedFor(t *testing.T) {
	engine := newGuardEngine(t, 10)
	token := loginToken(t, engine, "203.0.113.7", "ua-test")

	handler := Guard(engine, authcore.ScopeRead)(okHandler())

	// Same client IP as login, but arriving through a proxy.
	req := httptest.NewRequest(http.MethodGet, "/listings", nil)
	req.RemoteAddr = "10.0.0.1:9000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "ua-test")
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 via forwarded-for, got %d", rec.Code)
	}
}

func TestGuardRejectsBlockedClientBeforeTokenCheck(t *testing.T) {
	engine := newGuardEngine(t, 10)
	handler := Guard(engine, authcore.ScopeRead)(okHandler())

	if err := engine.BlockClient(context.Background(), "203.0.113.7", time.Hour); err != nil {
		t.Fatalf("BlockClient failed: %v", err)
	}

	// An invalid bearer must not matter: the client-wide block answers
	// first, so a blocked client learns nothing about token validity.
	req := httptest.NewRequest(http.MethodGet, "/listings", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	req.Header.Set("Authorization", "Bearer garbage")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for blocked client, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on block rejection")
	}

	// Other clients pass the admission step (and fail auth instead).
	other := httptest.NewRequest(http.MethodGet, "/listings", nil)
	other.RemoteAddr = "198.51.100.9:40000"
	other.Header.Set("Authorization", "Bearer garbage")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unblocked client with bad token, got %d", rec.Code)
	}
}

func TestGuardThrottlesBeforeTokenCheck(t *testing.T) {
	engine := newGuardEngine(t, 10)
	handler := Guard(engine, authcore.ScopeAuth)(okHandler())

	send := func(bearer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/step-up", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		req.Header.Set("Authorization", "Bearer "+bearer)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Burn the auth-scope budget with unauthenticated junk; every
	// attempt counts even though none carries a valid token.
	for i := 0; i < 10; i++ {
		if rec := send("garbage"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("request %d: expected 401, got %d", i+1, rec.Code)
		}
	}

	rec := send("garbage")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once over budget, got %d", rec.Code)
	}

	// A valid token does not bypass the throttle.
	token := loginToken(t, engine, "203.0.113.7", "ua-test")
	if rec := send(token); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for valid bearer over budget, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareThrottles(t *testing.T) {
	engine := newGuardEngine(t, 2)

	handler := ClientContext(RateLimit(engine, authcore.ScopeAuth)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send(); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i+1, rec.Code)
		}
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}
