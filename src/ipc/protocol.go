package ipc

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/lecoder-ai/mconnect/src/session"
	"github.com/lecoder-ai/mconnect/src/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request actions understood by the IPC server.
const (
	ActionStatus        = "status"
	ActionSessionList   = "session_list"
	ActionSessionCreate = "session_create"
	ActionSessionAttach = "session_attach"
	ActionSessionKill   = "session_kill"
	ActionSessionExport = "session_export"
	ActionShutdown      = "shutdown"
)

// Request is one line-delimited JSON request from the CLI.
type Request struct {
	Action           string `json:"action"`
	SessionID        string `json:"sessionId,omitempty"`
	ClientID         string `json:"clientId,omitempty"`
	ClientType       string `json:"clientType,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	AgentConfig      string `json:"agentConfig,omitempty"`
	Force            bool   `json:"force,omitempty"`
	IncludeCompleted *bool  `json:"includeCompleted,omitempty"`
	WithInputLog     bool   `json:"withInputLog,omitempty"`
}

// StatusInfo is the daemon health snapshot returned by the status action.
type StatusInfo struct {
	PID              int    `json:"pid"`
	Version          string `json:"version"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	Port             int    `json:"port"`
	IPCPath          string `json:"ipcPath"`
	ActiveSessions   int    `json:"activeSessions"`
	TotalSessions    int    `json:"totalSessions"`
	ConnectedClients int    `json:"connectedClients"`
	MemoryBytes      uint64 `json:"memoryBytes"`
}

// Response is one line-delimited JSON response.
type Response struct {
	OK          bool              `json:"ok"`
	Error       string            `json:"error,omitempty"`
	ID          string            `json:"id,omitempty"`
	PairingCode string            `json:"pairingCode,omitempty"`
	Killed   bool              `json:"killed,omitempty"`
	Status   *StatusInfo       `json:"status,omitempty"`
	Sessions []session.Summary `json:"sessions,omitempty"`
	Lines    []string          `json:"lines,omitempty"`
	InputLog []store.InputLogEntry `json:"inputLog,omitempty"`
}

// Stream frame types used while a session_attach connection is in
// streaming mode.
const (
	StreamOutput        = "output"
	StreamTerminalInput = "terminal_input"
	StreamResize        = "resize"
	StreamDetach        = "session_detach"
	StreamExit          = "exit"
)

// StreamFrame is one frame of the attach stream, in either direction.
type StreamFrame struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Cols     uint16 `json:"cols,omitempty"`
	Rows     uint16 `json:"rows,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
}
