// Server is the WebSocket + JSON IPC surface for out-of-process xApps: one
// connection per xApp, reader/writer goroutine pair, ping keepalive, and a
// bounded per-client send queue that evicts the oldest frame rather than
// blocking the association.
package xappapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ranic/e2tc/internal/adminapi"
	"ranic/e2tc/internal/auth"
	"ranic/e2tc/internal/logging"
	"ranic/e2tc/internal/subscription"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 20 * time.Second
	pongMultiplier = 2
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server mounts the xApp WebSocket handler onto a mux, dispatching decoded
// frames to the bound Manager.
type Server struct {
	mgr      Manager
	verifier *auth.HMACTokenVerifier
	limiter  *adminapi.RateLimiter
	logger   *logging.Logger
}

// NewServer constructs a Server. verifier and limiter are both optional; a
// nil verifier accepts every connection.
func NewServer(mgr Manager, verifier *auth.HMACTokenVerifier, limiter *adminapi.RateLimiter, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	return &Server{mgr: mgr, verifier: verifier, limiter: limiter, logger: logger}
}

// Mux returns an http.ServeMux with the xApp WebSocket endpoint mounted.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/xapp/ws", s.serveWS)
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	log := s.logger.With(logging.String("remote_addr", r.RemoteAddr))

	if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	//1.- The xApp identity is the subscription ownership key. With a
	// verifier it comes from the token and survives reconnects; without one
	// each connection is its own anonymous xApp.
	sessionID := uuid.NewString()
	xappID := sessionID
	if s.verifier != nil {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			log.Warn("rejecting xapp connection: invalid token", logging.Error(err))
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		xappID = claims.XAppID
		if strings.TrimSpace(claims.Subject) != "" {
			sessionID = claims.Subject
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	sess := &session{
		id:     sessionID,
		xappID: xappID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		mgr:    s.mgr,
		log:    log.With(logging.String("xapp_session", sessionID), logging.String("xapp", xappID)),
		closed: make(chan struct{}),
	}
	sess.run()
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// session is one xApp's WebSocket connection and the bookkeeping for the
// subscriptions it has created through it.
type session struct {
	id     string
	xappID string
	conn   *websocket.Conn
	send   chan []byte
	mgr    Manager
	log    *logging.Logger

	closed    chan struct{}
	closeOnce bool
}

func (s *session) run() {
	waitDuration := time.Duration(pongMultiplier) * pingInterval
	if err := s.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		s.log.Error("failed to set initial read deadline", logging.Error(err))
		_ = s.conn.Close()
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go s.writeLoop(waitDuration)
	s.readLoop(waitDuration)
}

func (s *session) readLoop(waitDuration time.Duration) {
	defer s.close()
	for {
		messageType, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Debug("xapp connection read ended", logging.Error(err))
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.enqueue(outboundFrame{Type: "error", Error: "malformed json frame"})
			continue
		}
		s.handle(frame)
	}
}

func (s *session) writeLoop(waitDuration time.Duration) {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) close() {
	if s.closeOnce {
		return
	}
	s.closeOnce = true
	close(s.closed)
}

// enqueue best-effort delivers frame to the client, evicting the oldest
// queued frame when full rather than blocking the reader/writer pair.
func (s *session) enqueue(frame outboundFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("failed to marshal outbound frame", logging.Error(err))
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		select {
		case <-s.send:
		default:
		}
		select {
		case s.send <- data:
			return true
		default:
			return false
		}
	}
}

func (s *session) handle(frame inboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch frame.Type {
	case "create":
		s.handleCreate(ctx, frame)
	case "modify":
		s.handleModify(ctx, frame)
	case "delete":
		s.handleDelete(ctx, frame)
	case "list":
		s.handleList(frame)
	case "control":
		s.handleControl(ctx, frame)
	default:
		s.enqueue(outboundFrame{Type: "error", ID: frame.ID, Error: "unknown frame type"})
	}
}

func (s *session) handleCreate(ctx context.Context, frame inboundFrame) {
	actions := make([]subscription.Action, 0, len(frame.Actions))
	for _, a := range frame.Actions {
		actions = append(actions, subscription.Action{ID: a.ID, Type: a.Type, Payload: a.Payload})
	}
	sub, err := s.mgr.Create(ctx, s.xappID, frame.NodeID, frame.FunctionID, subscription.EventTrigger{Payload: frame.Trigger}, actions)
	if err != nil {
		s.enqueue(outboundFrame{Type: "error", ID: frame.ID, Error: err.Error()})
		return
	}
	s.enqueue(outboundFrame{Type: "created", ID: frame.ID, SubscriptionID: sub.ID})
	go s.forwardSink(sub)
}

func (s *session) handleModify(ctx context.Context, frame inboundFrame) {
	actions := make([]subscription.Action, 0, len(frame.Actions))
	for _, a := range frame.Actions {
		actions = append(actions, subscription.Action{ID: a.ID, Type: a.Type, Payload: a.Payload})
	}
	if err := s.mgr.Modify(ctx, s.xappID, frame.SubscriptionID, subscription.EventTrigger{Payload: frame.Trigger}, actions); err != nil {
		s.enqueue(outboundFrame{Type: "error", ID: frame.ID, Error: err.Error()})
		return
	}
	s.enqueue(outboundFrame{Type: "modified", ID: frame.ID, SubscriptionID: frame.SubscriptionID})
}

func (s *session) handleDelete(ctx context.Context, frame inboundFrame) {
	if err := s.mgr.Delete(ctx, s.xappID, frame.SubscriptionID); err != nil {
		s.enqueue(outboundFrame{Type: "error", ID: frame.ID, Error: err.Error()})
		return
	}
	s.enqueue(outboundFrame{Type: "deleted", ID: frame.ID, SubscriptionID: frame.SubscriptionID})
}

func (s *session) handleList(frame inboundFrame) {
	subs := s.mgr.List(frame.NodeID)
	out := make([]subscriptionSummary, 0, len(subs))
	for _, sub := range subs {
		//2.- Sessions only see their own subscriptions; another xApp's ids
		// are not theirs to learn.
		if sub.XAppID != s.xappID {
			continue
		}
		out = append(out, subscriptionSummary{
			ID:         sub.ID,
			NodeID:     sub.NodeID,
			FunctionID: sub.FunctionID,
			State:      string(sub.State()),
		})
	}
	s.enqueue(outboundFrame{Type: "list_result", ID: frame.ID, Subscriptions: out})
}

func (s *session) handleControl(ctx context.Context, frame inboundFrame) {
	deadline := time.Duration(frame.DeadlineMs) * time.Millisecond
	outcome, err := s.mgr.ControlRequest(ctx, frame.NodeID, frame.FunctionID, frame.Header, frame.Message, frame.Ack, deadline)
	if err != nil {
		s.enqueue(outboundFrame{Type: "error", ID: frame.ID, Error: err.Error()})
		return
	}
	s.enqueue(outboundFrame{
		Type:      "control_result",
		ID:        frame.ID,
		Success:   outcome.Success,
		Outcome:   outcome.Payload,
		Cause:     outcome.Cause,
		LatencyMs: outcome.Latency.Milliseconds(),
	})
}

// forwardSink drains the subscription's Sink for its lifetime, emitting a
// lagged frame ahead of the first indication that follows a drop, a
// service_withdrawn frame when the node withdrew the subscription's RAN
// function, and an eof frame once the Sink closes.
func (s *session) forwardSink(sub *subscription.Subscription) {
	sink := sub.Sink()
	var lastLagged uint64
	for env := range sink.Next() {
		if lagged := sink.Lagged(); lagged != lastLagged {
			s.enqueue(outboundFrame{Type: "lagged", SubscriptionID: sub.ID, N: lagged - lastLagged})
			lastLagged = lagged
		}
		s.enqueue(outboundFrame{
			Type:           "indication",
			SubscriptionID: env.SubscriptionID,
			NodeID:         env.NodeID,
			FunctionID:     env.FunctionID,
			Sequence:       env.Sequence,
			Header:         env.Header,
			Message:        env.Message,
			Compressed:     env.Compressed,
			ReceivedAt:     env.ReceivedAt,
		})
	}
	if sub.Withdrawn() {
		s.enqueue(outboundFrame{Type: "service_withdrawn", SubscriptionID: sub.ID})
	}
	s.enqueue(outboundFrame{Type: "eof", SubscriptionID: sub.ID})
}
