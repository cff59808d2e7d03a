package handler

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/spullara/k7/internal/keystore"
)

func newKeyRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1")
	NewAPIKeyHandler(keystore.New(filepath.Join(t.TempDir(), "api_keys.json"))).RegisterRoutes(api)
	return r
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	r := newKeyRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/apikeys", map[string]any{
		"name": "ci", "expires_days": 30,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("generate status = %d: %s", w.Code, w.Body.String())
	}
	var minted struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(env.Data, &minted); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if minted.ID == "" || !strings.HasPrefix(minted.Key, keystore.KeyPrefix) {
		t.Fatalf("minted = %+v, want id and prefixed plaintext", minted)
	}

	w, env = doJSON(t, r, http.MethodGet, "/api/v1/apikeys", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Items []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Key  string `json:"key"`
		} `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Name != "ci" {
		t.Fatalf("list = %+v, want the ci key", list.Items)
	}
	if list.Items[0].Key != "" {
		t.Fatal("list leaked key material")
	}

	w, _ = doJSON(t, r, http.MethodDelete, "/api/v1/apikeys/"+minted.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d, want 204", w.Code)
	}

	// Revoking again is a no-op, not an error.
	w, _ = doJSON(t, r, http.MethodDelete, "/api/v1/apikeys/"+minted.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("second revoke status = %d, want 204", w.Code)
	}

	w, env = doJSON(t, r, http.MethodGet, "/api/v1/apikeys", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(list.Items) != 0 {
		t.Fatalf("list after revoke = %+v, want empty", list.Items)
	}
}

func TestGenerateKeyRequiresName(t *testing.T) {
	r := newKeyRouter(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/apikeys", map[string]any{
		"expires_days": 7,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env.Error == nil || env.Error.Code != "validation_error" {
		t.Fatalf("error = %+v, want validation_error", env.Error)
	}
}
