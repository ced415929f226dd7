package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/pscheid92/rewardpulse/internal/metrics"
	"github.com/pscheid92/rewardpulse/internal/platform/correlation"
)

const (
	// DefaultEventSubURL is Twitch's well-known EventSub websocket endpoint.
	DefaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws"

	redialBackoff  = 2 * time.Second
	welcomeTimeout = 15 * time.Second
)

// sessionState tracks the per-session protocol phase.
type sessionState int32

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateHandshakePending
	stateReady
	stateClosed
)

// envelope is the EventSub websocket message frame.
type envelope struct {
	Metadata struct {
		MessageType         string `json:"message_type"`
		SubscriptionType    string `json:"subscription_type"`
		SubscriptionVersion string `json:"subscription_version"`
	} `json:"metadata"`
	Payload struct {
		Session struct {
			ID           string `json:"id"`
			ReconnectURL string `json:"reconnect_url"`
		} `json:"session"`
		Subscription struct {
			Type    string `json:"type"`
			Version string `json:"version"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

// eventSubRegistrar registers EventSub subscriptions against a websocket
// session id. Satisfied by HelixClient.
type eventSubRegistrar interface {
	RegisterEventSub(ctx context.Context, broadcaster domain.Identity, sub domain.Subscription, sessionID string) error
}

// EventSocket maintains one EventSub websocket per broadcaster identity and
// fans decoded notifications out to subscribers. Twitch requires
// subscriptions to be registered against a specific session id, so any
// change to the desired set replaces the socket and the handshake
// re-registers the whole set.
type EventSocket struct {
	registrar  eventSubRegistrar
	identities domain.IdentityStore
	dialer     *websocket.Dialer
	endpoint   string
	clock      clockwork.Clock

	sessions sync.Map // uuid.UUID -> *session

	handlerMu   sync.RWMutex
	handlers    map[int]domain.NotificationHandler
	nextHandler int
}

func NewEventSocket(registrar eventSubRegistrar, identities domain.IdentityStore, endpoint string, clock clockwork.Clock) *EventSocket {
	if endpoint == "" {
		endpoint = DefaultEventSubURL
	}
	return &EventSocket{
		registrar:  registrar,
		identities: identities,
		dialer:     websocket.DefaultDialer,
		endpoint:   endpoint,
		clock:      clock,
		handlers:   make(map[int]domain.NotificationHandler),
	}
}

// OnNotification registers a handler for every decoded notification across
// all identities. Handlers run synchronously on the session read loop, in
// socket-receive order per identity.
func (es *EventSocket) OnNotification(h domain.NotificationHandler) func() {
	es.handlerMu.Lock()
	id := es.nextHandler
	es.nextHandler++
	es.handlers[id] = h
	es.handlerMu.Unlock()

	return func() {
		es.handlerMu.Lock()
		delete(es.handlers, id)
		es.handlerMu.Unlock()
	}
}

func (es *EventSocket) dispatch(identity domain.Identity, n domain.Notification) {
	es.handlerMu.RLock()
	defer es.handlerMu.RUnlock()
	for _, h := range es.handlers {
		h(identity, n)
	}
}

// Subscribe merges subs (deduplicated by type) into the identity's desired
// set, creating the session on first call. An existing session's socket is
// replaced so the handshake re-registers the full set against the new
// session id. Re-asserting an unchanged set on a live session is a no-op, so
// callers may Subscribe on every pass and a session that had to be abandoned
// gets recreated on the next one.
func (es *EventSocket) Subscribe(ctx context.Context, identity domain.Identity, subs []domain.Subscription) error {
	fresh := newSession(es, identity)
	actual, loaded := es.sessions.LoadOrStore(identity.Key, fresh)
	s := actual.(*session)

	changed := s.merge(subs)

	if !loaded {
		metrics.EventSocketSessions.Inc()
		sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.setCancel(cancel)
		go s.run(sctx)
		return nil
	}
	if !changed {
		return nil
	}

	metrics.EventSocketReconnects.WithLabelValues("resubscribe").Inc()
	s.forceReconnect()
	return nil
}

// Unsubscribe removes the given types from the identity's desired set. An
// emptied session is closed and removed; otherwise the socket is replaced
// to re-register the reduced set.
func (es *EventSocket) Unsubscribe(identity domain.Identity, types []string) {
	actual, ok := es.sessions.Load(identity.Key)
	if !ok {
		return
	}
	s := actual.(*session)

	if s.remove(types) == 0 {
		es.drop(identity.Key, s)
		return
	}

	metrics.EventSocketReconnects.WithLabelValues("resubscribe").Inc()
	s.forceReconnect()
}

// Close shuts down every session.
func (es *EventSocket) Close() {
	es.sessions.Range(func(key, value any) bool {
		es.drop(key.(uuid.UUID), value.(*session))
		return true
	})
}

func (es *EventSocket) drop(key uuid.UUID, s *session) {
	if _, loaded := es.sessions.LoadAndDelete(key); !loaded {
		return
	}
	s.close()
	metrics.EventSocketSessions.Dec()
}

// errAbandonSession marks protocol failures that invalidate the session
// entirely (malformed welcome, missing session id). The session is removed
// and the caller must resubscribe; this is deliberate, not a silent hang.
var errAbandonSession = errors.New("eventsub session abandoned")

type session struct {
	parent   *EventSocket
	identity domain.Identity

	mu      sync.Mutex
	desired map[string]domain.Subscription
	conn    *websocket.Conn
	cancel  context.CancelFunc
	state   sessionState
	closed  bool
}

func newSession(parent *EventSocket, identity domain.Identity) *session {
	return &session{
		parent:   parent,
		identity: identity,
		desired:  make(map[string]domain.Subscription),
	}
}

// merge folds subs into the desired set and reports whether anything
// actually changed.
func (s *session) merge(subs []domain.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, sub := range subs {
		if existing, ok := s.desired[sub.Type]; !ok || !subscriptionEqual(existing, sub) {
			changed = true
		}
		s.desired[sub.Type] = sub
	}
	return changed
}

func subscriptionEqual(a, b domain.Subscription) bool {
	return a.Type == b.Type && a.Version == b.Version && maps.Equal(a.Condition, b.Condition)
}

func (s *session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *session) remove(types []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		delete(s.desired, t)
	}
	return len(s.desired)
}

func (s *session) desiredSubscriptions() []domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]domain.Subscription, 0, len(s.desired))
	for _, sub := range s.desired {
		subs = append(subs, sub)
	}
	return subs
}

func (s *session) setConn(conn *websocket.Conn, state sessionState) {
	s.mu.Lock()
	s.conn = conn
	s.state = state
	s.mu.Unlock()
}

// forceReconnect closes the current socket; the read loop sees the error
// and redials from the default endpoint.
func (s *session) forceReconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.state = stateClosed
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// run is the per-session scheduling loop: dial, read until the socket dies,
// back off, redial. It exits when the session is closed, the context is
// cancelled, or a protocol error abandons the session.
func (s *session) run(ctx context.Context) {
	ctx = correlation.WithID(ctx, correlation.NewID())
	url := s.parent.endpoint

	for {
		if ctx.Err() != nil || s.isClosed() {
			return
		}

		s.setConn(nil, stateConnecting)
		conn, _, err := s.parent.dialer.DialContext(ctx, url, nil)
		if err != nil {
			slog.WarnContext(ctx, "EventSub dial failed",
				"username", s.identity.Username, "url", url, "error", err)
			metrics.EventSocketReconnects.WithLabelValues("error").Inc()
			url = s.parent.endpoint
			if !s.sleep(ctx, redialBackoff) {
				return
			}
			continue
		}

		s.setConn(conn, stateHandshakePending)
		reconnectURL, err := s.readLoop(ctx, conn)
		_ = conn.Close()

		switch {
		case ctx.Err() != nil || s.isClosed():
			return
		case errors.Is(err, errAbandonSession):
			slog.ErrorContext(ctx, "EventSub session abandoned, resubscribe required",
				"username", s.identity.Username)
			s.parent.drop(s.identity.Key, s)
			return
		case reconnectURL != "":
			// Server-directed reconnect: redial immediately at the provided
			// URL, desired subscriptions unchanged.
			metrics.EventSocketReconnects.WithLabelValues("server").Inc()
			url = reconnectURL
			continue
		default:
			metrics.EventSocketReconnects.WithLabelValues("error").Inc()
			url = s.parent.endpoint
			if !s.sleep(ctx, redialBackoff) {
				return
			}
		}
	}
}

func (s *session) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.parent.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

// readLoop consumes one socket until it dies. It returns a non-empty URL
// when the server asked for a reconnect, errAbandonSession on protocol
// failures, and the read error otherwise.
func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.ErrorContext(ctx, "Failed to decode EventSub message",
				"username", s.identity.Username, "error", err)
			return "", errAbandonSession
		}

		switch msg.Metadata.MessageType {
		case "session_welcome":
			if msg.Payload.Session.ID == "" {
				slog.ErrorContext(ctx, "EventSub welcome without session id",
					"username", s.identity.Username)
				return "", errAbandonSession
			}
			if err := s.register(ctx, msg.Payload.Session.ID); err != nil {
				return "", err
			}
			s.setConn(conn, stateReady)

		case "session_keepalive":
			// liveness only

		case "notification":
			metrics.NotificationsReceived.WithLabelValues(msg.Metadata.SubscriptionType).Inc()
			s.parent.dispatch(s.identity, domain.Notification{
				Type:    msg.Payload.Subscription.Type,
				Version: msg.Payload.Subscription.Version,
				Event:   msg.Payload.Event,
			})

		case "session_reconnect":
			if url := msg.Payload.Session.ReconnectURL; url != "" {
				return url, nil
			}
			slog.WarnContext(ctx, "EventSub reconnect without URL, redialing default",
				"username", s.identity.Username)
			return "", nil

		case "revocation":
			slog.WarnContext(ctx, "EventSub subscription revoked",
				"username", s.identity.Username, "type", msg.Payload.Subscription.Type)

		default:
			slog.DebugContext(ctx, "Ignoring unknown EventSub message",
				"message_type", msg.Metadata.MessageType)
		}
	}
}

// register re-resolves the identity (tokens may have rotated since the last
// session) and registers every desired subscription against the new session
// id. This completes before any notification is read, so the full set is
// active before delivery resumes.
func (s *session) register(ctx context.Context, sessionID string) error {
	regCtx, cancel := context.WithTimeout(ctx, welcomeTimeout)
	defer cancel()

	identity, err := s.parent.identities.GetByKey(regCtx, s.identity.Key)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to re-resolve identity for EventSub registration",
			"username", s.identity.Username, "error", err)
		return errAbandonSession
	}

	for _, sub := range s.desiredSubscriptions() {
		if err := s.parent.registrar.RegisterEventSub(regCtx, *identity, sub, sessionID); err != nil {
			slog.ErrorContext(ctx, "Failed to register EventSub subscription",
				"username", s.identity.Username, "type", sub.Type, "error", err)
			return err
		}
	}

	slog.InfoContext(ctx, "EventSub session ready",
		"username", s.identity.Username, "session_id", sessionID, "subscriptions", len(s.desiredSubscriptions()))
	return nil
}
