package model

// WSMessage is one frame of the interactive shell protocol. The client sends
// "input" and "resize"; the daemon sends "output", "error", and finally one
// "exit" carrying the remote exit code.
type WSMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Message  string `json:"message,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}
