package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/google/uuid"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	if !CheckPassword(hash, "hunter2") {
		t.Fatal("correct password must verify")
	}
	if CheckPassword(hash, "hunter3") {
		t.Fatal("wrong password must not verify")
	}
}

func TestRandomUnusableHashNeverVerifies(t *testing.T) {
	hash, err := RandomUnusableHash()
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	for _, guess := range []string{"", "admin", "__nologin_", hash} {
		if CheckPassword(hash, guess) {
			t.Fatalf("unusable hash verified against %q", guess)
		}
	}
}

func TestGenerateAPIToken(t *testing.T) {
	raw, hash, err := GenerateAPIToken()
	if err != nil {
		t.Fatalf("generating: %v", err)
	}
	if !strings.HasPrefix(raw, TokenPrefix) {
		t.Fatalf("raw token %q missing prefix", raw)
	}
	if HashToken(raw) != hash {
		t.Fatal("hash must match HashToken(raw)")
	}

	raw2, _, _ := GenerateAPIToken()
	if raw == raw2 {
		t.Fatal("tokens must be unique")
	}
}

// fakeStore implements CredentialStore for middleware tests.
type fakeStore struct {
	byTokenHash   map[string]*AuthenticatedUser
	bySessionHash map[string]*AuthenticatedUser
}

func (f *fakeStore) UserByAPITokenHash(_ context.Context, h string) (*AuthenticatedUser, error) {
	if u, ok := f.byTokenHash[h]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("token not found")
}

func (f *fakeStore) UserBySessionTokenHash(_ context.Context, h string) (*AuthenticatedUser, error) {
	if u, ok := f.bySessionHash[h]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("session not found")
}

func (f *fakeStore) UserByPassword(_ context.Context, _, _ string) (*AuthenticatedUser, error) {
	return nil, fmt.Errorf("no basic auth in this test")
}

func testHandler(t *testing.T, store CredentialStore) http.Handler {
	t.Helper()
	mw := Middleware(store, slog.Default())
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id == nil {
			t.Error("identity missing from context")
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddlewareBearerToken(t *testing.T) {
	raw, hash, _ := GenerateAPIToken()
	store := &fakeStore{byTokenHash: map[string]*AuthenticatedUser{
		hash: {UserID: uuid.New(), Name: "alice", IsActive: true, TokenScopes: []string{"*"}},
	}}

	r := httptest.NewRequest("GET", "/api/v1/projects", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	testHandler(t, store).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestMiddlewareRejectsDeactivatedUser(t *testing.T) {
	raw, hash, _ := GenerateAPIToken()
	store := &fakeStore{byTokenHash: map[string]*AuthenticatedUser{
		hash: {UserID: uuid.New(), Name: "agent-dead", IsActive: false},
	}}

	r := httptest.NewRequest("GET", "/api/v1/projects", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	Middleware(store, slog.Default())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run for deactivated user")
	})).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	raw, hash, _ := GenerateAPIToken()
	past := time.Now().Add(-time.Hour)
	store := &fakeStore{byTokenHash: map[string]*AuthenticatedUser{
		hash: {UserID: uuid.New(), Name: "bob", IsActive: true, ExpiresAt: &past},
	}}

	r := httptest.NewRequest("GET", "/api/v1/projects", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	Middleware(store, slog.Default())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run for expired token")
	})).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareSessionCookie(t *testing.T) {
	raw, hash, _ := GenerateSessionToken()
	store := &fakeStore{bySessionHash: map[string]*AuthenticatedUser{
		hash: {UserID: uuid.New(), Name: "carol", IsActive: true},
	}}

	r := httptest.NewRequest("GET", "/api/v1/projects", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: raw})
	w := httptest.NewRecorder()
	testHandler(t, store).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestMiddlewareNoCredentials(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/projects", nil)
	w := httptest.NewRecorder()
	Middleware(&fakeStore{}, slog.Default())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without credentials")
	})).ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}
