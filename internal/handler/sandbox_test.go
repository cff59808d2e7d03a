package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"github.com/spullara/k7/internal/drain"
	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/internal/lifecycle"
	"github.com/spullara/k7/internal/manifest"
	"github.com/spullara/k7/internal/netpol"
	"github.com/spullara/k7/internal/profile"
	"github.com/spullara/k7/internal/service"
	"github.com/spullara/k7/internal/store"
)

type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestServer(t *testing.T) (*gin.Engine, *k8sfake.Clientset) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if err := store.InitDB(filepath.Join(t.TempDir(), "k7.db")); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.CloseDB(); err != nil {
			t.Errorf("CloseDB() error = %v", err)
		}
	})

	translator, err := profile.NewTranslator(profile.Defaults{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	builder := manifest.NewBuilder(
		netpol.New(netpol.Options{RestrictEgress: true}),
		translator,
		manifest.Options{ReadyTimeout: 200 * time.Millisecond},
	)

	cs := k8sfake.NewSimpleClientset()
	mc := metricsfake.NewSimpleClientset()
	dm := drain.NewManager()
	ctrl := lifecycle.NewController(k8s.NewWithClientsets(cs, mc), store.NewSandboxStore(), builder, dm, lifecycle.Options{
		PollInterval:  5 * time.Millisecond,
		RetryAttempts: 2,
		RetryBase:     time.Millisecond,
		RetryCap:      2 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctrl.Stop()
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dm.Wait(waitCtx); err != nil {
			t.Errorf("background watchers did not stop: %v", err)
		}
	})

	r := gin.New()
	api := r.Group("/api/v1")
	NewSandboxHandler(ctrl, service.NewShellBridge(ctrl), dm, "tenants").RegisterRoutes(api)
	return r, cs
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, apiEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env apiEnvelope
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope from %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func TestCreateAndConflict(t *testing.T) {
	r, _ := newTestServer(t)

	spec := map[string]any{
		"name":             "box",
		"namespace":        "tenants",
		"image":            "alpine:3.20",
		"egress_whitelist": []string{"10.0.0.0/8"},
	}

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/sandboxes", spec)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var state struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &state); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if state.Name != "box" || state.Status != "Pending" {
		t.Fatalf("create data = %+v, want box/Pending", state)
	}

	w, env = doJSON(t, r, http.MethodPost, "/api/v1/sandboxes", spec)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", w.Code)
	}
	if env.Error == nil || env.Error.Code != "conflict" {
		t.Fatalf("duplicate create error = %+v, want code conflict", env.Error)
	}
}

func TestCreateValidationError(t *testing.T) {
	r, _ := newTestServer(t)

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/sandboxes", map[string]any{
		"name": "box",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env.Error == nil || env.Error.Code != "validation_error" {
		t.Fatalf("error = %+v, want code validation_error", env.Error)
	}
}

func TestGetUnknownSandboxIs404(t *testing.T) {
	r, _ := newTestServer(t)

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/sandboxes/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if env.Error == nil || env.Error.Code != "not_found" {
		t.Fatalf("error = %+v, want code not_found", env.Error)
	}
}

func TestDeleteIsIdempotentOverHTTP(t *testing.T) {
	r, _ := newTestServer(t)

	doJSON(t, r, http.MethodPost, "/api/v1/sandboxes", map[string]any{
		"name": "box", "namespace": "tenants", "image": "alpine:3.20",
	})

	for i := 0; i < 2; i++ {
		w, _ := doJSON(t, r, http.MethodDelete, "/api/v1/sandboxes/box", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("delete #%d status = %d, want 200", i+1, w.Code)
		}
	}
}

func TestDeleteAllRequiresConfirmation(t *testing.T) {
	r, _ := newTestServer(t)

	doJSON(t, r, http.MethodPost, "/api/v1/sandboxes", map[string]any{
		"name": "alpha", "namespace": "tenants", "image": "alpine:3.20",
	})
	doJSON(t, r, http.MethodPost, "/api/v1/sandboxes", map[string]any{
		"name": "bravo", "namespace": "tenants", "image": "alpine:3.20",
	})

	w, env := doJSON(t, r, http.MethodDelete, "/api/v1/sandboxes", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed delete-all status = %d, want 400", w.Code)
	}
	if env.Error == nil || env.Error.Code != "confirmation_required" {
		t.Fatalf("unconfirmed delete-all error = %+v", env.Error)
	}

	w, env = doJSON(t, r, http.MethodDelete, "/api/v1/sandboxes?confirm=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete-all status = %d: %s", w.Code, w.Body.String())
	}
	var result struct {
		Deleted int `json:"deleted"`
		Failed  int `json:"failed"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if result.Deleted != 2 || result.Failed != 0 {
		t.Fatalf("delete-all = %+v, want 2 deleted", result)
	}
}

func TestExecWithoutRunningPodConflicts(t *testing.T) {
	r, _ := newTestServer(t)

	doJSON(t, r, http.MethodPost, "/api/v1/sandboxes", map[string]any{
		"name": "box", "namespace": "tenants", "image": "alpine:3.20",
	})

	w, env := doJSON(t, r, http.MethodPost, "/api/v1/sandboxes/box/exec", map[string]any{
		"command": "echo hi",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("exec status = %d, want 409: %s", w.Code, w.Body.String())
	}
	if env.Error == nil || env.Error.Code != "conflict" {
		t.Fatalf("exec error = %+v, want code conflict", env.Error)
	}
}

func TestHistoryRoute(t *testing.T) {
	r, _ := newTestServer(t)

	doJSON(t, r, http.MethodPost, "/api/v1/sandboxes", map[string]any{
		"name": "box", "namespace": "tenants", "image": "alpine:3.20",
	})

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/sandboxes/box/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d: %s", w.Code, w.Body.String())
	}
	var hist struct {
		Items []struct {
			To string `json:"to"`
		} `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &hist); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(hist.Items) == 0 || hist.Items[0].To != "Pending" {
		t.Fatalf("history = %+v, want first transition to Pending", hist.Items)
	}
}

func TestLogsRejectsBadTail(t *testing.T) {
	r, _ := newTestServer(t)

	w, env := doJSON(t, r, http.MethodGet, "/api/v1/sandboxes/box/logs?tail=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env.Error == nil || env.Error.Code != "validation_error" {
		t.Fatalf("error = %+v, want validation_error", env.Error)
	}
}
