package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registration struct {
	SubType   string
	SessionID string
}

type fakeRegistrar struct {
	mu   sync.Mutex
	regs []registration
}

func (f *fakeRegistrar) RegisterEventSub(_ context.Context, _ domain.Identity, sub domain.Subscription, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, registration{SubType: sub.Type, SessionID: sessionID})
	return nil
}

func (f *fakeRegistrar) registrations() []registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registration, len(f.regs))
	copy(out, f.regs)
	return out
}

// eventSubServer is a scripted EventSub endpoint. Each accepted socket is
// handed to the next script in line.
type eventSubServer struct {
	t       *testing.T
	srv     *httptest.Server
	mu      sync.Mutex
	scripts []func(conn *websocket.Conn)
}

func newEventSubServer(t *testing.T) *eventSubServer {
	t.Helper()
	s := &eventSubServer{t: t}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		var script func(*websocket.Conn)
		if len(s.scripts) > 0 {
			script = s.scripts[0]
			s.scripts = s.scripts[1:]
		}
		s.mu.Unlock()
		if script != nil {
			script(conn)
		}
		// keep the socket open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *eventSubServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *eventSubServer) enqueue(script func(conn *websocket.Conn)) {
	s.mu.Lock()
	s.scripts = append(s.scripts, script)
	s.mu.Unlock()
}

func welcomeMsg(sessionID string) string {
	return fmt.Sprintf(`{"metadata":{"message_type":"session_welcome"},"payload":{"session":{"id":"%s"}}}`, sessionID)
}

func notificationMsg(subType, event string) string {
	return fmt.Sprintf(`{"metadata":{"message_type":"notification","subscription_type":"%s"},"payload":{"subscription":{"type":"%s","version":"1"},"event":%s}}`, subType, subType, event)
}

func reconnectMsg(url string) string {
	return fmt.Sprintf(`{"metadata":{"message_type":"session_reconnect"},"payload":{"session":{"reconnect_url":"%s"}}}`, url)
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func testBroadcaster() domain.Identity {
	return domain.Identity{Key: uuid.New(), TwitchUserID: "77", Username: "caster", AccessToken: "tok", IsValid: true}
}

func redemptionSub(broadcasterID string) domain.Subscription {
	return domain.Subscription{
		Type:      "channel.channel_points_custom_reward_redemption.add",
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": broadcasterID},
	}
}

func TestEventSocket_WelcomeRegistersDesiredSet(t *testing.T) {
	srv := newEventSubServer(t)
	broadcaster := testBroadcaster()
	registrar := &fakeRegistrar{}
	store := &fakeStore{identities: map[uuid.UUID]domain.Identity{broadcaster.Key: broadcaster}}

	srv.enqueue(func(conn *websocket.Conn) {
		send(t, conn, welcomeMsg("sess-1"))
	})

	es := NewEventSocket(registrar, store, srv.url(), clockwork.NewRealClock())
	defer es.Close()

	subs := []domain.Subscription{
		redemptionSub(broadcaster.TwitchUserID),
		{Type: "stream.online", Version: "1", Condition: map[string]string{"broadcaster_user_id": broadcaster.TwitchUserID}},
		redemptionSub(broadcaster.TwitchUserID), // duplicate type, deduplicated
	}
	require.NoError(t, es.Subscribe(context.Background(), broadcaster, subs))

	assert.Eventually(t, func() bool {
		return len(registrar.registrations()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	for _, reg := range registrar.registrations() {
		assert.Equal(t, "sess-1", reg.SessionID)
	}
}

func TestEventSocket_NotificationsDispatchedInOrder(t *testing.T) {
	srv := newEventSubServer(t)
	broadcaster := testBroadcaster()
	registrar := &fakeRegistrar{}
	store := &fakeStore{identities: map[uuid.UUID]domain.Identity{broadcaster.Key: broadcaster}}

	srv.enqueue(func(conn *websocket.Conn) {
		send(t, conn, welcomeMsg("sess-1"))
		for i := 0; i < 3; i++ {
			send(t, conn, notificationMsg("channel.channel_points_custom_reward_redemption.add",
				fmt.Sprintf(`{"id":"red-%d"}`, i)))
		}
	})

	es := NewEventSocket(registrar, store, srv.url(), clockwork.NewRealClock())
	defer es.Close()

	var mu sync.Mutex
	var got []string
	es.OnNotification(func(identity domain.Identity, n domain.Notification) {
		var event struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(n.Event, &event))
		mu.Lock()
		got = append(got, event.ID)
		mu.Unlock()
		assert.Equal(t, broadcaster.Key, identity.Key)
	})

	require.NoError(t, es.Subscribe(context.Background(), broadcaster,
		[]domain.Subscription{redemptionSub(broadcaster.TwitchUserID)}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"red-0", "red-1", "red-2"}, got)
	mu.Unlock()
}

func TestEventSocket_ReconnectPreservesSubscriptions(t *testing.T) {
	srv := newEventSubServer(t)
	broadcaster := testBroadcaster()
	registrar := &fakeRegistrar{}
	store := &fakeStore{identities: map[uuid.UUID]domain.Identity{broadcaster.Key: broadcaster}}

	// first socket: welcome, then a server-directed reconnect
	srv.enqueue(func(conn *websocket.Conn) {
		send(t, conn, welcomeMsg("sess-1"))
		send(t, conn, reconnectMsg(srv.url()))
		_ = conn.Close()
	})
	// second socket: fresh welcome with a new session id, then a notification
	srv.enqueue(func(conn *websocket.Conn) {
		send(t, conn, welcomeMsg("sess-2"))
		send(t, conn, notificationMsg("channel.channel_points_custom_reward_redemption.add", `{"id":"after"}`))
	})

	es := NewEventSocket(registrar, store, srv.url(), clockwork.NewRealClock())
	defer es.Close()

	notified := make(chan struct{}, 1)
	es.OnNotification(func(_ domain.Identity, _ domain.Notification) {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	require.NoError(t, es.Subscribe(context.Background(), broadcaster,
		[]domain.Subscription{redemptionSub(broadcaster.TwitchUserID)}))

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("notification after reconnect never arrived")
	}

	// The desired set was re-registered against the new session id before
	// the notification was delivered.
	regs := registrar.registrations()
	require.Len(t, regs, 2)
	assert.Equal(t, "sess-1", regs[0].SessionID)
	assert.Equal(t, "sess-2", regs[1].SessionID)
	assert.Equal(t, regs[0].SubType, regs[1].SubType)
}

func TestEventSocket_UnsubscribeToEmptyClosesSession(t *testing.T) {
	srv := newEventSubServer(t)
	broadcaster := testBroadcaster()
	registrar := &fakeRegistrar{}
	store := &fakeStore{identities: map[uuid.UUID]domain.Identity{broadcaster.Key: broadcaster}}

	srv.enqueue(func(conn *websocket.Conn) {
		send(t, conn, welcomeMsg("sess-1"))
	})

	es := NewEventSocket(registrar, store, srv.url(), clockwork.NewRealClock())
	defer es.Close()

	sub := redemptionSub(broadcaster.TwitchUserID)
	require.NoError(t, es.Subscribe(context.Background(), broadcaster, []domain.Subscription{sub}))

	assert.Eventually(t, func() bool {
		return len(registrar.registrations()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	es.Unsubscribe(broadcaster, []string{sub.Type})

	assert.Eventually(t, func() bool {
		_, ok := es.sessions.Load(broadcaster.Key)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEventSocket_MalformedWelcomeAbandonsSession(t *testing.T) {
	srv := newEventSubServer(t)
	broadcaster := testBroadcaster()
	registrar := &fakeRegistrar{}
	store := &fakeStore{identities: map[uuid.UUID]domain.Identity{broadcaster.Key: broadcaster}}

	srv.enqueue(func(conn *websocket.Conn) {
		// welcome with no session id
		send(t, conn, `{"metadata":{"message_type":"session_welcome"},"payload":{"session":{}}}`)
	})

	es := NewEventSocket(registrar, store, srv.url(), clockwork.NewRealClock())
	defer es.Close()

	require.NoError(t, es.Subscribe(context.Background(), broadcaster,
		[]domain.Subscription{redemptionSub(broadcaster.TwitchUserID)}))

	assert.Eventually(t, func() bool {
		_, ok := es.sessions.Load(broadcaster.Key)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, registrar.registrations())
}

func TestEventSocket_ResubscribeUnchangedSetIsNoop(t *testing.T) {
	srv := newEventSubServer(t)
	broadcaster := testBroadcaster()
	registrar := &fakeRegistrar{}
	store := &fakeStore{identities: map[uuid.UUID]domain.Identity{broadcaster.Key: broadcaster}}

	srv.enqueue(func(conn *websocket.Conn) {
		send(t, conn, welcomeMsg("sess-1"))
	})

	es := NewEventSocket(registrar, store, srv.url(), clockwork.NewRealClock())
	defer es.Close()

	sub := redemptionSub(broadcaster.TwitchUserID)
	require.NoError(t, es.Subscribe(context.Background(), broadcaster, []domain.Subscription{sub}))

	assert.Eventually(t, func() bool {
		return len(registrar.registrations()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// asserting the same set again must not replace the socket
	require.NoError(t, es.Subscribe(context.Background(), broadcaster, []domain.Subscription{sub}))

	assert.Never(t, func() bool {
		return len(registrar.registrations()) > 1
	}, 300*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, "sess-1", registrar.registrations()[0].SessionID)
}

func TestEventSocket_SubscribeAfterAbandonRecreatesSession(t *testing.T) {
	srv := newEventSubServer(t)
	broadcaster := testBroadcaster()
	registrar := &fakeRegistrar{}
	store := &fakeStore{identities: map[uuid.UUID]domain.Identity{broadcaster.Key: broadcaster}}

	// first socket: welcome with no session id, the session is abandoned
	srv.enqueue(func(conn *websocket.Conn) {
		send(t, conn, `{"metadata":{"message_type":"session_welcome"},"payload":{"session":{}}}`)
	})
	srv.enqueue(func(conn *websocket.Conn) {
		send(t, conn, welcomeMsg("sess-2"))
	})

	es := NewEventSocket(registrar, store, srv.url(), clockwork.NewRealClock())
	defer es.Close()

	sub := redemptionSub(broadcaster.TwitchUserID)
	require.NoError(t, es.Subscribe(context.Background(), broadcaster, []domain.Subscription{sub}))

	assert.Eventually(t, func() bool {
		_, ok := es.sessions.Load(broadcaster.Key)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)

	// the caller's next assertion starts a fresh session
	require.NoError(t, es.Subscribe(context.Background(), broadcaster, []domain.Subscription{sub}))

	assert.Eventually(t, func() bool {
		regs := registrar.registrations()
		return len(regs) == 1 && regs[0].SessionID == "sess-2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEventSocket_ConcurrentSubscribeAndClose(t *testing.T) {
	srv := newEventSubServer(t)
	broadcaster := testBroadcaster()
	registrar := &fakeRegistrar{}
	store := &fakeStore{identities: map[uuid.UUID]domain.Identity{broadcaster.Key: broadcaster}}

	es := NewEventSocket(registrar, store, srv.url(), clockwork.NewRealClock())

	sub := redemptionSub(broadcaster.TwitchUserID)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = es.Subscribe(context.Background(), broadcaster, []domain.Subscription{sub})
		}()
	}
	es.Close()
	wg.Wait()
	es.Close()
}
