package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/leadforge/backend/internal/models"
	"github.com/leadforge/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubAPIKeyRepo struct {
	result   *repository.APIKeyWithAccount
	err      error
	lastHash string
}

func (s *stubAPIKeyRepo) FindByKeyHash(_ context.Context, keyHash string) (*repository.APIKeyWithAccount, error) {
	s.lastHash = keyHash
	return s.result, s.err
}

// okHandler writes 200 and the account email (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	acc := AccountFromCtx(r.Context())
	if acc != nil {
		w.Write([]byte(acc.Email))
	}
	w.WriteHeader(http.StatusOK)
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	account := models.Account{
		ID:    uuid.New(),
		Email: "test@example.com",
	}
	repo := &stubAPIKeyRepo{
		result: &repository.APIKeyWithAccount{
			APIKey:  models.APIKey{ID: uuid.New(), AccountID: account.ID, IsActive: true},
			Account: account,
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
	req.Header.Set("Authorization", "Bearer lf_secret_key")
	rec := httptest.NewRecorder()

	APIKeyAuth(repo)(okHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "test@example.com" {
		t.Errorf("handler saw account %q", rec.Body.String())
	}
	if repo.lastHash != HashKey("lf_secret_key") {
		t.Errorf("lookup hash = %q, want sha256 of the raw key", repo.lastHash)
	}
}

func TestAPIKeyAuth_UnknownKey(t *testing.T) {
	repo := &stubAPIKeyRepo{err: errors.New("no rows")}

	req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()

	APIKeyAuth(repo)(okHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyAuth_MissingOrMalformedHeader(t *testing.T) {
	repo := &stubAPIKeyRepo{}
	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()

		APIKeyAuth(repo)(okHandler).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}
