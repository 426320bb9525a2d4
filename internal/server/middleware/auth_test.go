package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func authedStatus(t *testing.T, apiKey string, prepare func(*http.Request)) int {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/instruments", nil)
	if prepare != nil {
		prepare(req)
	}
	rec := httptest.NewRecorder()
	Auth(apiKey)(next).ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthDisabledWhenNoKeyConfigured(t *testing.T) {
	if got := authedStatus(t, "", nil); got != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", got)
	}
}

func TestAuthPlainKey(t *testing.T) {
	const key = "s3cret"

	if got := authedStatus(t, key, nil); got != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", got)
	}
	if got := authedStatus(t, key, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	}); got != http.StatusUnauthorized {
		t.Fatalf("wrong bearer: status = %d, want 401", got)
	}
	if got := authedStatus(t, key, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+key)
	}); got != http.StatusNoContent {
		t.Fatalf("bearer: status = %d, want 204", got)
	}
	if got := authedStatus(t, key, func(r *http.Request) {
		r.Header.Set("X-API-Key", key)
	}); got != http.StatusNoContent {
		t.Fatalf("x-api-key: status = %d, want 204", got)
	}
}

func TestAuthBcryptHashedKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("operator-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	if got := authedStatus(t, string(hash), func(r *http.Request) {
		r.Header.Set("X-API-Key", "operator-token")
	}); got != http.StatusNoContent {
		t.Fatalf("valid token against hash: status = %d, want 204", got)
	}
	if got := authedStatus(t, string(hash), func(r *http.Request) {
		r.Header.Set("X-API-Key", "guess")
	}); got != http.StatusUnauthorized {
		t.Fatalf("wrong token against hash: status = %d, want 401", got)
	}
	// The raw hash itself must not authenticate.
	if got := authedStatus(t, string(hash), func(r *http.Request) {
		r.Header.Set("X-API-Key", string(hash))
	}); got != http.StatusUnauthorized {
		t.Fatalf("hash as token: status = %d, want 401", got)
	}
}
