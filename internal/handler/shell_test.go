package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spullara/k7/pkg/model"
)

// The fake cluster has no running pod to attach to, so the bridge must
// answer with an error frame followed by a terminal exit frame instead of
// hanging or dropping the connection.
func TestShellRouteReportsNotRunningOverWebSocket(t *testing.T) {
	r, _ := newTestServer(t)
	doJSON(t, r, http.MethodPost, "/api/v1/sandboxes", map[string]any{
		"name": "box", "namespace": "tenants", "image": "alpine:3.20",
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sandboxes/box/shell?rows=30&cols=100"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp %+v)", err, resp)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var sawError bool
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var msg model.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode frame %q: %v", raw, err)
		}
		switch msg.Type {
		case "error":
			sawError = true
			if !strings.Contains(msg.Message, "not running") {
				t.Fatalf("error frame message = %q, want not-running", msg.Message)
			}
		case "exit":
			if !sawError {
				t.Fatal("exit frame arrived without a preceding error frame")
			}
			if msg.ExitCode != 1 {
				t.Fatalf("exit code = %d, want 1", msg.ExitCode)
			}
			return
		default:
			t.Fatalf("unexpected frame type %q", msg.Type)
		}
	}
}
