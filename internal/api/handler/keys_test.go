package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/docval/docval/internal/api/middleware"
	"github.com/docval/docval/internal/store"
	"github.com/docval/docval/pkg/models"
)

type fakeKeyStore struct {
	created   []*models.APIKey
	revoked   []uuid.UUID
	revokeErr error
}

func (s *fakeKeyStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.created = append(s.created, key)
	return nil
}

func (s *fakeKeyStore) ListAPIKeys(_ context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	return []*models.APIKey{{ID: uuid.New(), OwnerID: ownerID, Name: "ci"}}, nil
}

func (s *fakeKeyStore) RevokeAPIKey(_ context.Context, id uuid.UUID, _ uuid.UUID) error {
	if s.revokeErr != nil {
		return s.revokeErr
	}
	s.revoked = append(s.revoked, id)
	return nil
}

func TestCreateKeyHandler_ReturnsRawKeyOnce(t *testing.T) {
	ks := &fakeKeyStore{}
	h := NewCreateKeyHandler(ks)
	rec := httptest.NewRecorder()

	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys",
		strings.NewReader(`{"name":"ci","scopes":["reports"]}`))
	r = r.WithContext(mw.SetOwnerID(r.Context(), uuid.New()))
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var env struct {
		Data struct {
			Key       string `json:"key"`
			KeyPrefix string `json:"key_prefix"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(env.Data.Key, "dv_") {
		t.Errorf("unexpected key format %q", env.Data.Key)
	}
	if env.Data.KeyPrefix != env.Data.Key[:keyPrefixLen] {
		t.Errorf("prefix %q does not match key %q", env.Data.KeyPrefix, env.Data.Key)
	}

	if len(ks.created) != 1 {
		t.Fatalf("expected one stored key, got %d", len(ks.created))
	}
	stored := ks.created[0]
	if stored.KeyHash == env.Data.Key {
		t.Error("raw key must not be stored")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.KeyHash), []byte(env.Data.Key)); err != nil {
		t.Errorf("stored hash does not verify the raw key: %v", err)
	}
}

func TestCreateKeyHandler_NameRequired(t *testing.T) {
	h := NewCreateKeyHandler(&fakeKeyStore{})
	rec := httptest.NewRecorder()

	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys", strings.NewReader(`{"scopes":["reports"]}`))
	r = r.WithContext(mw.SetOwnerID(r.Context(), uuid.New()))
	h.ServeHTTP(rec, r)

	status, code := parseErr(t, rec)
	if status != http.StatusBadRequest || code != "INVALID_REQUEST" {
		t.Errorf("expected 400 INVALID_REQUEST, got %d %s", status, code)
	}
}

func TestListKeysHandler(t *testing.T) {
	h := NewListKeysHandler(&fakeKeyStore{})
	rec := httptest.NewRecorder()

	r := httptest.NewRequest(http.MethodGet, "/api/v1/admin/keys", nil)
	r = r.WithContext(mw.SetOwnerID(r.Context(), uuid.New()))
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var env struct {
		Data []models.APIKey `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data) != 1 || env.Data[0].Name != "ci" {
		t.Errorf("unexpected keys %+v", env.Data)
	}
}

func TestRevokeKeyHandler(t *testing.T) {
	ks := &fakeKeyStore{}
	router := routed(http.MethodDelete, "/api/v1/admin/keys/{keyID}", NewRevokeKeyHandler(ks))

	keyID := uuid.New()
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/keys/"+keyID.String(), nil)
	r = r.WithContext(mw.SetOwnerID(r.Context(), uuid.New()))
	router.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ks.revoked) != 1 || ks.revoked[0] != keyID {
		t.Errorf("expected key %s revoked, got %v", keyID, ks.revoked)
	}
}

func TestRevokeKeyHandler_NotFound(t *testing.T) {
	ks := &fakeKeyStore{revokeErr: store.ErrNotFound}
	router := routed(http.MethodDelete, "/api/v1/admin/keys/{keyID}", NewRevokeKeyHandler(ks))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/keys/"+uuid.NewString(), nil)
	r = r.WithContext(mw.SetOwnerID(r.Context(), uuid.New()))
	router.ServeHTTP(rec, r)

	status, code := parseErr(t, rec)
	if status != http.StatusNotFound || code != "KEY_NOT_FOUND" {
		t.Errorf("expected 404 KEY_NOT_FOUND, got %d %s", status, code)
	}
}
