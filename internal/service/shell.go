// Package service holds daemon-side glue: the WebSocket shell bridge and the
// store retention janitor.
package service

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/spullara/k7/internal/k8s"
	"github.com/spullara/k7/internal/lifecycle"
	"github.com/spullara/k7/internal/metrics"
	"github.com/spullara/k7/pkg/model"
)

// ShellParams carries the negotiated terminal settings for one session.
type ShellParams struct {
	Command []string
	TTY     bool
	Rows    int
	Cols    int
}

// ShellBridge pumps WebSocket frames in and out of an interactive exec
// session inside a sandbox.
type ShellBridge struct {
	ctrl *lifecycle.Controller
}

func NewShellBridge(ctrl *lifecycle.Controller) *ShellBridge {
	return &ShellBridge{ctrl: ctrl}
}

// Serve bridges the connection to a shell in the sandbox container. It blocks
// until the remote process exits or the connection drops, and always closes
// the session with a single "exit" frame.
func (b *ShellBridge) Serve(ctx context.Context, ws *websocket.Conn, namespace, name string, p ShellParams) {
	metrics.ShellSessionsActive.Inc()
	defer metrics.ShellSessionsActive.Dec()

	sizeQueue := k8s.NewSizeQueue()
	defer sizeQueue.Close()
	sizeQueue.Push(uint16(p.Cols), uint16(p.Rows))

	stdinReader, stdinWriter := io.Pipe()
	defer stdinWriter.Close()

	out := &wsOutputWriter{ws: ws}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Client frames arrive on their own goroutine: input feeds the stdin
	// pipe, resize feeds the terminal size queue.
	go func() {
		defer stdinWriter.Close()
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				cancel()
				return
			}

			var msg model.WSMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				continue
			}

			switch msg.Type {
			case "input":
				if _, err := stdinWriter.Write([]byte(msg.Data)); err != nil {
					cancel()
					return
				}
			case "resize":
				sizeQueue.Push(uint16(msg.Cols), uint16(msg.Rows))
			}
		}
	}()

	var stderr io.Writer
	if !p.TTY {
		// With a TTY the kernel merges the streams; without one we still
		// funnel stderr to the client.
		stderr = out
	}

	err := b.ctrl.Shell(ctx, namespace, name, k8s.ExecInteractiveOptions{
		Command:           p.Command,
		TTY:               p.TTY,
		Stdin:             stdinReader,
		Stdout:            out,
		Stderr:            stderr,
		TerminalSizeQueue: sizeQueue,
	})

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			exitCode = 1
			writeFrame(ws, model.WSMessage{Type: "error", Message: err.Error()})
		}
	}
	writeFrame(ws, model.WSMessage{Type: "exit", ExitCode: exitCode})
}

func writeFrame(ws *websocket.Conn, msg model.WSMessage) {
	payload, _ := json.Marshal(msg)
	_ = ws.WriteMessage(websocket.TextMessage, payload)
}

// wsOutputWriter wraps a WebSocket connection as an io.Writer, sending each
// chunk as an "output" frame.
type wsOutputWriter struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (w *wsOutputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	msg, _ := json.Marshal(model.WSMessage{
		Type: "output",
		Data: string(p),
	})
	if err := w.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}
