package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lecoder-ai/mconnect/src/process"
	"github.com/lecoder-ai/mconnect/src/session"
	"github.com/lecoder-ai/mconnect/src/store"
)

// requestTimeout bounds one request/response exchange. Streaming attach
// connections clear the deadline once established.
const requestTimeout = 5 * time.Second

// Server answers the CLI over a local stream socket with one JSON object per
// newline in each direction.
type Server struct {
	path     string
	sessions *session.Manager
	proc     *process.Manager
	status   func() StatusInfo
	shutdown func()
	pair     func(sessionID string) (string, error)

	ln net.Listener

	mu       sync.Mutex
	attached map[string]map[*attachStream]struct{}
	closed   bool
}

type attachStream struct {
	sessionID string
	out       chan []byte
}

// NewServer creates an IPC server. status supplies the daemon health
// snapshot; shutdown triggers a graceful stop and may return immediately.
func NewServer(path string, sessions *session.Manager, proc *process.Manager, status func() StatusInfo, shutdown func()) *Server {
	s := &Server{
		path:     path,
		sessions: sessions,
		proc:     proc,
		status:   status,
		shutdown: shutdown,
		attached: make(map[string]map[*attachStream]struct{}),
	}
	sessions.OnOutput(s.forwardOutput)
	return s
}

// SetPairFunc wires pairing-code issuance into session_create responses.
func (s *Server) SetPairFunc(fn func(sessionID string) (string, error)) {
	s.pair = fn
}

// Start binds the socket and serves until Close.
func (s *Server) Start() error {
	ln, err := listenLocal(s.path)
	if err != nil {
		return err
	}
	s.ln = ln
	logrus.Infof("IPC server listening on %s", s.path)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				logrus.Warnf("IPC accept error: %v", err)
				continue
			}
			go s.handleConn(conn)
		}
	}()
	return nil
}

// Close stops the listener. In-flight streams end when their connections do.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(requestTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.respond(conn, Response{Error: "malformed request"})
			return
		}

		if req.Action == ActionSessionAttach {
			// The connection switches to streaming mode and is consumed.
			s.handleAttach(conn, reader, &req)
			return
		}

		resp := s.handle(&req)
		if !s.respond(conn, resp) {
			return
		}
		if req.Action == ActionShutdown {
			return
		}
	}
}

func (s *Server) respond(conn net.Conn, resp Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return false
	}
	return true
}

func (s *Server) handle(req *Request) Response {
	switch req.Action {
	case ActionStatus:
		info := s.status()
		return Response{OK: true, Status: &info}

	case ActionSessionList:
		include := true
		if req.IncludeCompleted != nil {
			include = *req.IncludeCompleted
		}
		sessions, err := s.sessions.List(include)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Sessions: sessions}

	case ActionSessionCreate:
		sess, err := s.sessions.Create(req.AgentConfig, req.WorkingDirectory)
		if err != nil {
			if sess != nil {
				// Session row exists but the PTY did not start.
				return Response{OK: true, ID: sess.ID, Error: fmt.Sprintf("spawn failed: %v", err)}
			}
			return Response{Error: err.Error()}
		}
		resp := Response{OK: true, ID: sess.ID}
		if s.pair != nil {
			code, err := s.pair(sess.ID)
			if err != nil {
				logrus.Warnf("Pairing code issue failed for session %s: %v", sess.ID, err)
			} else {
				resp.PairingCode = code
			}
		}
		return resp

	case ActionSessionKill:
		if err := s.sessions.Terminate(req.SessionID, req.Force); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				return Response{Error: "session not found"}
			}
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Killed: true}

	case ActionSessionExport:
		return s.handleExport(req)

	case ActionShutdown:
		go s.shutdown()
		return Response{OK: true}

	default:
		return Response{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

// handleExport dumps the session's retained scrollback, flushing any partial
// tail first so the export is complete.
func (s *Server) handleExport(req *Request) Response {
	if _, err := s.sessions.Get(req.SessionID); err != nil {
		return Response{Error: "session not found"}
	}
	lines, err := s.sessions.ExportScrollback(req.SessionID)
	if err != nil {
		return Response{Error: err.Error()}
	}
	resp := Response{OK: true, ID: req.SessionID, Lines: lines}
	if req.WithInputLog {
		entries, err := s.sessions.InputLog(req.SessionID, 1000)
		if err != nil {
			return Response{Error: err.Error()}
		}
		resp.InputLog = entries
	}
	return resp
}

// forwardOutput fans session output to any attached IPC streams.
func (s *Server) forwardOutput(sessionID string, data []byte) {
	s.mu.Lock()
	streams := s.attached[sessionID]
	if len(streams) == 0 {
		s.mu.Unlock()
		return
	}
	targets := make([]*attachStream, 0, len(streams))
	for st := range streams {
		targets = append(targets, st)
	}
	s.mu.Unlock()

	for _, st := range targets {
		select {
		case st.out <- append([]byte(nil), data...):
		default:
			// Slow CLI attach; drop rather than stall the PTY fan-out.
		}
	}
}

// handleAttach services the streaming attach protocol until the client
// detaches or the connection dies.
func (s *Server) handleAttach(conn net.Conn, reader *bufio.Reader, req *Request) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		s.respond(conn, Response{Error: "session not found"})
		return
	}
	if sess.State == store.StateCompleted {
		s.respond(conn, Response{Error: "session is completed"})
		return
	}

	clientType := store.ClientPC
	if req.ClientType == string(store.ClientMobile) {
		clientType = store.ClientMobile
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = "cli"
	}
	if _, err := s.sessions.AttachClient(req.SessionID, clientID, clientType, store.PriorityHigh, "mconnect-cli"); err != nil {
		s.respond(conn, Response{Error: err.Error()})
		return
	}
	defer s.sessions.DetachClient(clientID)

	st := &attachStream{sessionID: req.SessionID, out: make(chan []byte, 256)}
	s.mu.Lock()
	if s.attached[req.SessionID] == nil {
		s.attached[req.SessionID] = make(map[*attachStream]struct{})
	}
	s.attached[req.SessionID][st] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.attached[req.SessionID], st)
		s.mu.Unlock()
	}()

	if !s.respond(conn, Response{OK: true, ID: req.SessionID}) {
		return
	}
	logrus.Infof("IPC attach: client %s on session %s", clientID, req.SessionID)

	// Streaming mode: no request deadline.
	conn.SetReadDeadline(time.Time{})
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			select {
			case data := <-st.out:
				frame, err := json.Marshal(StreamFrame{Type: StreamOutput, Data: string(data)})
				if err != nil {
					return
				}
				if _, err := conn.Write(append(frame, '\n')); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var frame StreamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case StreamTerminalInput:
			if err := s.proc.Write(req.SessionID, []byte(frame.Data)); err != nil {
				return
			}
		case StreamResize:
			if frame.Cols > 0 && frame.Rows > 0 {
				_ = s.proc.Resize(req.SessionID, frame.Cols, frame.Rows)
			}
		case StreamDetach:
			return
		}
	}
}
