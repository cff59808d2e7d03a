package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/spullara/k7/pkg/model"
)

// ShellOptions configures an interactive session. The zero value runs sh
// without a TTY at 24x80.
type ShellOptions struct {
	Command string
	TTY     bool
	Rows    int
	Cols    int
}

// Shell opens an interactive exec channel to the sandbox over WebSocket. The
// channel goes through the daemon and the orchestrator's control plane, so it
// works even when the sandbox's network ingress is fully locked down.
func (s *SandboxService) Shell(ctx context.Context, namespace, name string, opts ShellOptions) (*ShellSession, error) {
	if opts.Command == "" {
		opts.Command = "sh"
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}

	params := map[string]string{
		"command": opts.Command,
		"tty":     strconv.FormatBool(opts.TTY),
		"rows":    strconv.Itoa(opts.Rows),
		"cols":    strconv.Itoa(opts.Cols),
	}
	if namespace != "" {
		params["namespace"] = namespace
	}

	header := http.Header{}
	header.Set("User-Agent", s.client.userAgent)
	if s.client.apiKey != "" {
		header.Set("X-API-Key", s.client.apiKey)
	}

	wsURL := s.client.websocketURL(s.client.buildPath("sandboxes", name, "shell"), params)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		// A refused upgrade carries the usual error envelope.
		if resp != nil {
			defer resp.Body.Close()
			return nil, handleErrorResponse(resp)
		}
		return nil, fmt.Errorf("failed to open shell session: %w", err)
	}

	return newShellSession(ws), nil
}

// ShellSession is an interactive exec session over WebSocket. It implements
// io.Reader for remote output and io.Writer for input.
type ShellSession struct {
	ws *websocket.Conn

	// Input and resize frames may come from different goroutines; the
	// connection allows one writer at a time.
	writeMu sync.Mutex

	// Read buffering
	readBuf bytes.Buffer
	readMu  sync.Mutex
	readCh  chan struct{} // signals new data available

	// Exit state
	exitCode int
	exitCh   chan struct{}
	exitOnce sync.Once

	// Close state
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newShellSession(ws *websocket.Conn) *ShellSession {
	s := &ShellSession{
		ws:      ws,
		readCh:  make(chan struct{}, 1),
		exitCh:  make(chan struct{}),
		closeCh: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop reads WebSocket frames and dispatches them until the daemon sends
// exit or the connection drops.
func (s *ShellSession) readLoop() {
	defer s.exitOnce.Do(func() { close(s.exitCh) })

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		_, message, err := s.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "output":
			s.readMu.Lock()
			s.readBuf.WriteString(msg.Data)
			s.readMu.Unlock()
			s.signalRead()
		case "error":
			s.exitCode = 1
			s.readMu.Lock()
			fmt.Fprintf(&s.readBuf, "\r\nError: %s\r\n", msg.Message)
			s.readMu.Unlock()
			s.signalRead()
			return
		case "exit":
			s.exitCode = msg.ExitCode
			return
		}
	}
}

func (s *ShellSession) signalRead() {
	select {
	case s.readCh <- struct{}{}:
	default:
	}
}

// Read returns remote output. Blocks until data arrives or the session ends.
func (s *ShellSession) Read(p []byte) (int, error) {
	for {
		s.readMu.Lock()
		n, _ := s.readBuf.Read(p)
		s.readMu.Unlock()

		if n > 0 {
			return n, nil
		}

		select {
		case <-s.readCh:
			continue
		case <-s.exitCh:
			// Session ended; drain whatever arrived before the exit frame.
			s.readMu.Lock()
			n, _ = s.readBuf.Read(p)
			s.readMu.Unlock()
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		case <-s.closeCh:
			return 0, io.EOF
		}
	}
}

// Write sends input to the remote process.
func (s *ShellSession) Write(p []byte) (int, error) {
	msg, _ := json.Marshal(model.WSMessage{Type: "input", Data: string(p)})
	s.writeMu.Lock()
	err := s.ws.WriteMessage(websocket.TextMessage, msg)
	s.writeMu.Unlock()
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Resize propagates a terminal size change to the remote TTY.
func (s *ShellSession) Resize(cols, rows int) error {
	msg, _ := json.Marshal(model.WSMessage{Type: "resize", Cols: cols, Rows: rows})
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, msg)
}

// Wait blocks until the session ends and returns the remote exit code.
func (s *ShellSession) Wait() int {
	<-s.exitCh
	return s.exitCode
}

// Close closes the session and the underlying connection.
func (s *ShellSession) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.ws.Close()
}
