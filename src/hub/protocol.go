package hub

import (
	jsoniter "github.com/json-iterator/go"
)

// json is the protocol codec. Unknown fields on inbound frames are ignored,
// keeping the wire format forward-compatible.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProtocolVersion is announced in auth_success.
const ProtocolVersion = "2.0"

// Client -> server message types.
const (
	TypeSessionAttach     = "session_attach"
	TypeSessionDetach     = "session_detach"
	TypeTerminalInput     = "terminal_input"
	TypeResize            = "resize"
	TypeScrollbackRequest = "scrollback_request"
	TypeControlRequest    = "control_request"
	TypeHeartbeatAck      = "heartbeat_ack"
	TypePing              = "ping"
	TypeApprovalResponse  = "approval_response"
)

// Server -> client message types.
const (
	TypeAuthSuccess        = "auth_success"
	TypeSessionList        = "session_list"
	TypeSessionState       = "session_state"
	TypeScrollbackResponse = "scrollback_response"
	TypeControlStatus      = "control_status"
	TypeControlResponse    = "control_response"
	TypeInputRejected      = "input_rejected"
	TypeClientJoined       = "client_joined"
	TypeClientLeft         = "client_left"
	TypeHeartbeat          = "heartbeat"
	TypeTerminalOutput     = "terminal_output"
	TypePong               = "pong"
	TypeError              = "error"
	TypeCommandBlocked     = "command_blocked"
	TypeApprovalRequest    = "approval_request"
)

// Error codes carried by error frames.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionCompleted = "SESSION_COMPLETED"
	CodeNotAttached      = "NOT_ATTACHED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// clientMessage is the permissive decode target for every inbound frame; the
// type field discriminates and unused fields stay zero.
type clientMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	Data       string `json:"data,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	Cols       uint16 `json:"cols,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
	FromLine   int64  `json:"fromLine,omitempty"`
	Count      int    `json:"count,omitempty"`
	Action     string `json:"action,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	ApprovalID string `json:"approvalId,omitempty"`
	Approved   bool   `json:"approved,omitempty"`
}

type authSuccessMsg struct {
	Type            string `json:"type"`
	ClientID        string `json:"clientId"`
	ProtocolVersion string `json:"protocolVersion"`
	ClientType      string `json:"clientType"`
}

type sessionListMsg struct {
	Type     string `json:"type"`
	Sessions any    `json:"sessions"`
}

type sessionStateMsg struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	State        string `json:"state"`
	LastActivity int64  `json:"lastActivity"`
}

type scrollbackResponseMsg struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"sessionId"`
	Lines      []string `json:"lines"`
	FromLine   int64    `json:"fromLine"`
	TotalLines int64    `json:"totalLines"`
}

type controlStatusMsg struct {
	Type             string `json:"type"`
	SessionID        string `json:"sessionId"`
	State            string `json:"state"`
	ActiveClient     string `json:"activeClient,omitempty"`
	ExclusiveExpires int64  `json:"exclusiveExpires,omitempty"`
	LastPCActivity   int64  `json:"lastPcActivity,omitempty"`
}

type controlResponseMsg struct {
	Type      string `json:"type"`
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

type inputRejectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type clientSummary struct {
	ID         string `json:"id"`
	ClientType string `json:"clientType"`
	Priority   string `json:"priority"`
}

type clientJoinedMsg struct {
	Type   string        `json:"type"`
	Client clientSummary `json:"client"`
}

type clientLeftMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

type heartbeatMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type terminalOutputMsg struct {
	Type    string `json:"type"`
	Data    string `json:"data"`
	AgentID string `json:"agentId,omitempty"`
}

type pongMsg struct {
	Type string `json:"type"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type commandBlockedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Command   string `json:"command"`
	Reason    string `json:"reason,omitempty"`
}

type approvalRequestMsg struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	ApprovalID string `json:"approvalId"`
	ClientID   string `json:"clientId"`
	Command    string `json:"command"`
	Reason     string `json:"reason,omitempty"`
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Message structs are all marshalable; this is unreachable in
		// practice but must not take the connection down.
		return []byte(`{"type":"error","message":"encode failure","code":"INTERNAL_ERROR"}`)
	}
	return data
}
