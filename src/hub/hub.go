package hub

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lecoder-ai/mconnect/src/arbiter"
	"github.com/lecoder-ai/mconnect/src/config"
	"github.com/lecoder-ai/mconnect/src/guardrails"
	"github.com/lecoder-ai/mconnect/src/pairing"
	"github.com/lecoder-ai/mconnect/src/process"
	"github.com/lecoder-ai/mconnect/src/registry"
	"github.com/lecoder-ai/mconnect/src/session"
	"github.com/lecoder-ai/mconnect/src/store"
)

const (
	// scrollbackRequestCap clamps scrollback_request counts.
	scrollbackRequestCap = 1000
	// connRateMax / connRateWindow bound new connections per IP.
	connRateMax    = 10
	connRateWindow = 60 * time.Second
)

type pendingApproval struct {
	sessionID string
	clientID  string
	data      string
}

// Hub terminates WebSocket connections, authenticates them against session
// tokens, and routes protocol v2 frames between clients, the session
// manager, the input arbiters and the process manager.
type Hub struct {
	cfg      *config.Config
	sessions *session.Manager
	proc     *process.Manager
	reg      *registry.Registry
	tokens   *pairing.TokenStore
	st       *store.Store
	guard    guardrails.Policy
	limiter  *pairing.ConnLimiter
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*conn
	arbiters map[string]*arbiter.Arbiter

	approvalMu sync.Mutex
	approvals  map[string]pendingApproval
}

// New wires a hub over the daemon's managers and subscribes to session
// output and state events.
func New(cfg *config.Config, sessions *session.Manager, proc *process.Manager, reg *registry.Registry, tokens *pairing.TokenStore, st *store.Store, guard guardrails.Policy) *Hub {
	if guard == nil {
		guard = guardrails.AllowAll{}
	}
	h := &Hub{
		cfg:      cfg,
		sessions: sessions,
		proc:     proc,
		reg:      reg,
		tokens:   tokens,
		st:       st,
		guard:    guard,
		limiter:  pairing.NewConnLimiter(connRateMax, connRateWindow),
		conns:     make(map[string]*conn),
		arbiters:  make(map[string]*arbiter.Arbiter),
		approvals: make(map[string]pendingApproval),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	sessions.OnOutput(h.broadcastOutput)
	sessions.OnState(h.broadcastState)
	return h
}

// arbiterFor returns (creating on demand) the session's arbiter, wired to
// the input log and to control_status broadcasts.
func (h *Hub) arbiterFor(sessionID string) *arbiter.Arbiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.arbiters[sessionID]; ok {
		return a
	}
	a := arbiter.New(sessionID, arbiter.Options{
		PCIdleThreshold:   h.cfg.PCIdleThreshold,
		MobileGracePeriod: h.cfg.MobileGracePeriod,
		ExclusiveTimeout:  h.cfg.ExclusiveTimeout,
		ConflictWindow:    h.cfg.ConflictWindow,
		InputRateLimitCps: h.cfg.InputRateLimitCps,
	}, func(clientID, input string, accepted bool, reason string) {
		if err := h.st.LogInput(sessionID, clientID, input, accepted, reason); err != nil {
			logrus.Warnf("Failed to log input for session %s: %v", sessionID, err)
		}
	})
	a.OnStatus(func(st arbiter.Status) { h.broadcastControlStatus(st) })
	h.arbiters[sessionID] = a
	return a
}

// HandleWS authenticates and upgrades a WebSocket connection, then services
// it until the socket dies.
func (h *Hub) HandleWS(c *gin.Context) {
	if !h.limiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	token := c.Query("token")
	if _, ok := h.tokens.Validate(token); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	clientType := store.ClientMobile
	if c.Query("clientType") == string(store.ClientPC) {
		clientType = store.ClientPC
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.NewString()
	cl := newConn(clientID, clientType, ws)
	h.reg.Add(clientID, clientType, c.Request.UserAgent())

	h.mu.Lock()
	h.conns[clientID] = cl
	h.mu.Unlock()
	logrus.Infof("Client %s connected (%s)", clientID, clientType)

	go cl.writePump()
	go h.heartbeatLoop(cl)

	cl.enqueue(marshal(authSuccessMsg{
		Type:            TypeAuthSuccess,
		ClientID:        clientID,
		ProtocolVersion: ProtocolVersion,
		ClientType:      string(clientType),
	}))
	h.sendSessionList(cl)

	h.readPump(cl)
	h.disconnect(cl, websocket.CloseNormalClosure, "")
}

func (h *Hub) sendSessionList(cl *conn) {
	summaries, err := h.sessions.List(true)
	if err != nil {
		logrus.Errorf("Failed to list sessions: %v", err)
		summaries = nil
	}
	cl.enqueue(marshal(sessionListMsg{Type: TypeSessionList, Sessions: summaries}))
}

// heartbeatLoop emits heartbeat frames and evicts the client after two
// missed intervals of silence.
func (h *Hub) heartbeatLoop(cl *conn) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rec, ok := h.reg.Get(cl.id)
			if !ok {
				return
			}
			if time.Since(rec.LastHeartbeat) >= h.cfg.HeartbeatTimeout {
				logrus.Infof("Client %s missed heartbeats, evicting", cl.id)
				h.disconnect(cl, websocket.CloseNormalClosure, "Heartbeat timeout")
				return
			}
			cl.enqueue(marshal(heartbeatMsg{Type: TypeHeartbeat, Timestamp: time.Now().UnixMilli()}))
		case <-cl.done:
			return
		}
	}
}

func (h *Hub) readPump(cl *conn) {
	for {
		_, raw, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logrus.Warnf("Client %s sent malformed frame: %v", cl.id, err)
			continue
		}
		h.dispatch(cl, &msg)
	}
}

func (h *Hub) dispatch(cl *conn, msg *clientMessage) {
	switch msg.Type {
	case TypeSessionAttach:
		h.handleAttach(cl, msg.SessionID)
	case TypeSessionDetach:
		h.handleDetach(cl)
	case TypeTerminalInput:
		h.handleInput(cl, msg.Data, msg.AgentID)
	case TypeResize:
		h.handleResize(cl, msg.Cols, msg.Rows)
	case TypeScrollbackRequest:
		h.handleScrollbackRequest(cl, msg.SessionID, msg.FromLine, msg.Count)
	case TypeControlRequest:
		h.handleControlRequest(cl, msg.Action)
	case TypeHeartbeatAck:
		h.reg.Heartbeat(cl.id)
		_ = h.st.UpdateClientHeartbeat(cl.id)
	case TypePing:
		cl.enqueue(marshal(pongMsg{Type: TypePong}))
	case TypeApprovalResponse:
		h.handleApprovalResponse(cl, msg.ApprovalID, msg.Approved)
	default:
		logrus.Debugf("Client %s sent unknown message type %q, ignoring", cl.id, msg.Type)
	}
}

func (h *Hub) sendError(cl *conn, message, code string) {
	cl.enqueue(marshal(errorMsg{Type: TypeError, Message: message, Code: code}))
}

func (h *Hub) handleAttach(cl *conn, sessionID string) {
	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		h.sendError(cl, "session not found", CodeSessionNotFound)
		return
	}
	if sess.State == store.StateCompleted {
		h.sendError(cl, "session is completed", CodeSessionCompleted)
		return
	}
	if prev := cl.session(); prev != "" {
		h.detachFromSession(cl, prev)
	}

	rec, _ := h.reg.Get(cl.id)
	priority := registry.DefaultPriority(cl.clientType)
	if rec != nil {
		priority = rec.Priority
	}
	if _, err := h.sessions.AttachClient(sessionID, cl.id, cl.clientType, priority, userAgent(rec)); err != nil {
		h.sendError(cl, "attach failed", CodeInternalError)
		return
	}
	h.reg.Attach(cl.id, sessionID)
	cl.setSession(sessionID)

	a := h.arbiterFor(sessionID)
	a.Register(cl.id, cl.clientType, priority)

	// Catch the client up before live output resumes for it.
	lines, err := h.sessions.GetRecentScrollback(sessionID, scrollbackRequestCap)
	if err != nil {
		logrus.Warnf("Failed to read scrollback for session %s: %v", sessionID, err)
	}
	total, _ := h.sessions.TotalScrollbackLines(sessionID)
	cl.enqueue(marshal(h.scrollbackResponse(sessionID, lines, total)))
	cl.enqueue(marshal(statusMessage(a.Status())))

	h.broadcastToSession(sessionID, marshal(clientJoinedMsg{
		Type: TypeClientJoined,
		Client: clientSummary{
			ID:         cl.id,
			ClientType: string(cl.clientType),
			Priority:   string(priority),
		},
	}), cl.id)
	logrus.Infof("Client %s attached to session %s", cl.id, sessionID)
}

func userAgent(rec *registry.Client) string {
	if rec == nil {
		return ""
	}
	return rec.UserAgent
}

func (h *Hub) handleDetach(cl *conn) {
	sessionID := cl.session()
	if sessionID == "" {
		return
	}
	h.detachFromSession(cl, sessionID)
}

func (h *Hub) detachFromSession(cl *conn, sessionID string) {
	if a := h.existingArbiter(sessionID); a != nil {
		a.Unregister(cl.id)
	}
	h.sessions.DetachClient(cl.id)
	h.reg.Detach(cl.id)
	cl.setSession("")
	h.broadcastToSession(sessionID, marshal(clientLeftMsg{Type: TypeClientLeft, ClientID: cl.id}), cl.id)
	logrus.Infof("Client %s detached from session %s", cl.id, sessionID)
}

func (h *Hub) existingArbiter(sessionID string) *arbiter.Arbiter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.arbiters[sessionID]
}

func (h *Hub) handleInput(cl *conn, data, agentID string) {
	sessionID := cl.session()
	if sessionID == "" {
		h.sendError(cl, "no session attached", CodeNotAttached)
		return
	}

	// Guardrails inspect completed command lines before arbitration.
	if strings.HasSuffix(data, "\n") || strings.HasSuffix(data, "\r") {
		decision := h.guard.Check(strings.TrimRight(data, "\r\n"))
		if decision.Blocked {
			h.broadcastToSession(sessionID, marshal(commandBlockedMsg{
				Type:      TypeCommandBlocked,
				SessionID: sessionID,
				ClientID:  cl.id,
				Command:   strings.TrimRight(data, "\r\n"),
				Reason:    decision.Reason,
			}), "")
			return
		}
		if decision.RequiresApproval {
			h.holdForApproval(cl, sessionID, data, decision.Reason)
			return
		}
	}
	h.submitInput(cl, sessionID, data)
}

func (h *Hub) submitInput(cl *conn, sessionID, data string) {
	d := h.arbiterFor(sessionID).SubmitInput(cl.id, data)
	if !d.Accepted {
		cl.enqueue(marshal(inputRejectedMsg{Type: TypeInputRejected, Reason: string(d.Reason)}))
		return
	}
	if err := h.proc.Write(sessionID, []byte(data)); err != nil {
		h.sendError(cl, "session has no running process", CodeSessionCompleted)
	}
}

func (h *Hub) holdForApproval(cl *conn, sessionID, data, reason string) {
	id := uuid.NewString()
	h.approvalMu.Lock()
	h.approvals[id] = pendingApproval{sessionID: sessionID, clientID: cl.id, data: data}
	h.approvalMu.Unlock()

	h.broadcastToSession(sessionID, marshal(approvalRequestMsg{
		Type:       TypeApprovalRequest,
		SessionID:  sessionID,
		ApprovalID: id,
		ClientID:   cl.id,
		Command:    strings.TrimRight(data, "\r\n"),
		Reason:     reason,
	}), "")
}

// handleApprovalResponse resolves a held input. Any authorized client
// attached to the session may respond.
func (h *Hub) handleApprovalResponse(cl *conn, approvalID string, approved bool) {
	if cl.session() == "" {
		h.sendError(cl, "no session attached", CodeNotAttached)
		return
	}
	h.approvalMu.Lock()
	pending, ok := h.approvals[approvalID]
	if ok {
		delete(h.approvals, approvalID)
	}
	h.approvalMu.Unlock()
	if !ok || pending.sessionID != cl.session() {
		return
	}
	if !approved {
		logrus.Infof("Approval %s denied by %s", approvalID, cl.id)
		return
	}
	h.mu.RLock()
	origin := h.conns[pending.clientID]
	h.mu.RUnlock()
	if origin == nil || origin.session() != pending.sessionID {
		return
	}
	h.submitInput(origin, pending.sessionID, pending.data)
}

func (h *Hub) handleResize(cl *conn, cols, rows uint16) {
	sessionID := cl.session()
	if sessionID == "" {
		h.sendError(cl, "no session attached", CodeNotAttached)
		return
	}
	if cols == 0 || rows == 0 {
		return
	}
	if err := h.proc.Resize(sessionID, cols, rows); err != nil {
		logrus.Warnf("Resize failed for session %s: %v", sessionID, err)
	}
}

func (h *Hub) handleScrollbackRequest(cl *conn, sessionID string, fromLine int64, count int) {
	if sessionID == "" {
		sessionID = cl.session()
	}
	if sessionID == "" {
		h.sendError(cl, "no session attached", CodeNotAttached)
		return
	}
	if _, err := h.sessions.Get(sessionID); err != nil {
		h.sendError(cl, "session not found", CodeSessionNotFound)
		return
	}
	if count <= 0 || count > scrollbackRequestCap {
		count = scrollbackRequestCap
	}
	lines, err := h.sessions.GetScrollbackRange(sessionID, fromLine, count)
	if err != nil {
		h.sendError(cl, "scrollback read failed", CodeInternalError)
		return
	}
	total, _ := h.sessions.TotalScrollbackLines(sessionID)
	resp := h.scrollbackResponse(sessionID, lines, total)
	if len(lines) == 0 {
		resp.FromLine = fromLine
	}
	cl.enqueue(marshal(resp))
}

func (h *Hub) scrollbackResponse(sessionID string, lines []store.ScrollbackLine, total int64) scrollbackResponseMsg {
	contents := make([]string, len(lines))
	from := int64(0)
	for i, l := range lines {
		contents[i] = l.Content
	}
	if len(lines) > 0 {
		from = lines[0].LineNumber
	}
	return scrollbackResponseMsg{
		Type:       TypeScrollbackResponse,
		SessionID:  sessionID,
		Lines:      contents,
		FromLine:   from,
		TotalLines: total,
	}
}

func (h *Hub) handleControlRequest(cl *conn, action string) {
	sessionID := cl.session()
	if sessionID == "" {
		h.sendError(cl, "no session attached", CodeNotAttached)
		return
	}
	a := h.arbiterFor(sessionID)
	switch action {
	case "exclusive":
		granted, expiresAt, reason := a.RequestExclusive(cl.id)
		resp := controlResponseMsg{Type: TypeControlResponse, Granted: granted, Reason: string(reason)}
		if granted {
			resp.ExpiresAt = expiresAt.UnixMilli()
			h.reg.SetPriority(cl.id, store.PriorityExclusive)
			_ = h.st.UpdateClientPriority(cl.id, store.PriorityExclusive)
		}
		cl.enqueue(marshal(resp))
	case "release":
		released := a.ReleaseExclusive(cl.id)
		if released {
			h.reg.SetPriority(cl.id, store.PriorityNormal)
			_ = h.st.UpdateClientPriority(cl.id, store.PriorityNormal)
		}
		cl.enqueue(marshal(controlResponseMsg{Type: TypeControlResponse, Granted: released}))
	default:
		logrus.Debugf("Client %s sent unknown control action %q", cl.id, action)
	}
}

// broadcastOutput fans a PTY chunk out to every client attached to the
// session. Called synchronously from the session manager's output path, so
// chunk order is append order for every receiver.
func (h *Hub) broadcastOutput(sessionID string, data []byte) {
	h.broadcastToSession(sessionID, marshal(terminalOutputMsg{
		Type: TypeTerminalOutput,
		Data: string(data),
	}), "")
}

func (h *Hub) broadcastState(sessionID string, state store.SessionState, lastActivity time.Time) {
	if state == store.StateCompleted {
		h.tokens.Revoke(sessionID)
		h.closeArbiter(sessionID)
	}
	h.broadcastToSession(sessionID, marshal(sessionStateMsg{
		Type:         TypeSessionState,
		SessionID:    sessionID,
		State:        string(state),
		LastActivity: lastActivity.UnixMilli(),
	}), "")
}

func (h *Hub) closeArbiter(sessionID string) {
	h.mu.Lock()
	a := h.arbiters[sessionID]
	delete(h.arbiters, sessionID)
	h.mu.Unlock()
	if a != nil {
		a.Close()
	}
}

func statusMessage(st arbiter.Status) controlStatusMsg {
	msg := controlStatusMsg{
		Type:         TypeControlStatus,
		SessionID:    st.SessionID,
		State:        string(st.State),
		ActiveClient: st.ActiveClient,
	}
	if st.ExclusiveExpires != nil {
		msg.ExclusiveExpires = st.ExclusiveExpires.UnixMilli()
	}
	if st.LastPCActivity != nil {
		msg.LastPCActivity = st.LastPCActivity.UnixMilli()
	}
	return msg
}

func (h *Hub) broadcastControlStatus(st arbiter.Status) {
	h.broadcastToSession(st.SessionID, marshal(statusMessage(st)), "")
}

// broadcastToSession enqueues the frame to every connection attached to the
// session, except the excluded client id.
func (h *Hub) broadcastToSession(sessionID string, frame []byte, exclude string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cl := range h.conns {
		if cl.id == exclude || cl.session() != sessionID {
			continue
		}
		cl.enqueue(frame)
	}
}

// disconnect unwinds a connection: detach, deregister, notify, close.
func (h *Hub) disconnect(cl *conn, code int, reason string) {
	h.mu.Lock()
	_, present := h.conns[cl.id]
	delete(h.conns, cl.id)
	h.mu.Unlock()
	if !present {
		return
	}

	if sessionID := cl.session(); sessionID != "" {
		h.detachFromSession(cl, sessionID)
	}
	h.reg.Remove(cl.id)
	h.sessions.DetachClient(cl.id)
	cl.close(code, reason)
	logrus.Infof("Client %s disconnected", cl.id)
}

// Shutdown closes every connection with a going-away frame.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, cl := range h.conns {
		conns = append(conns, cl)
	}
	h.mu.RUnlock()
	for _, cl := range conns {
		h.disconnect(cl, websocket.CloseGoingAway, "daemon shutting down")
	}
	h.mu.Lock()
	for id, a := range h.arbiters {
		a.Close()
		delete(h.arbiters, id)
	}
	h.mu.Unlock()
}

// ConnectedClients reports the live connection count.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
