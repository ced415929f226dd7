package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	irc "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"
	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/pscheid92/rewardpulse/internal/metrics"
	"golang.org/x/time/rate"
)

// chatConn is the subset of the IRC client the pool uses. Tests substitute
// a fake via the factory.
type chatConn interface {
	Join(channels ...string)
	Say(channel, message string)
	Connect() error
	Disconnect() error
	SetIRCToken(token string)
}

// connFactory builds a connection for an identity. onReady fires once the
// connection is established; onReconnect fires when the server announces a
// RECONNECT, just before the client redials.
type connFactory func(identity domain.Identity, onReady func(), onReconnect func()) chatConn

func ircConnFactory(identity domain.Identity, onReady func(), onReconnect func()) chatConn {
	client := irc.NewClient(identity.Username, "oauth:"+identity.AccessToken)
	client.OnConnect(onReady)
	client.OnReconnectMessage(func(irc.ReconnectMessage) { onReconnect() })
	return client
}

// SharedConnection is the handle returned by Acquire. Many listeners hold
// the same underlying connection.
type SharedConnection struct {
	entry *connectionEntry
}

func (c *SharedConnection) Say(channel, message string) {
	c.entry.conn.Say(channel, message)
}

func (c *SharedConnection) Join(channel string) {
	c.entry.conn.Join(channel)
}

type connectionEntry struct {
	conn      chatConn
	listeners map[uuid.UUID]struct{}

	ready      chan struct{}
	readyOnce  sync.Once
	connectErr error
}

// signalReady records the connect outcome exactly once. Later calls (for
// example a mid-life connection error) are no-ops.
func (e *connectionEntry) signalReady(err error) {
	e.readyOnce.Do(func() {
		e.connectErr = err
		close(e.ready)
	})
}

// ChatPool guarantees exactly one live IRC connection per bot identity, no
// matter how many features send or listen on that identity's behalf. The
// connection exists if and only if its listener set is non-empty.
type ChatPool struct {
	identities domain.IdentityStore
	factory    connFactory

	mu      sync.Mutex
	entries map[uuid.UUID]*connectionEntry
}

func NewChatPool(identities domain.IdentityStore) *ChatPool {
	return &ChatPool{
		identities: identities,
		factory:    ircConnFactory,
		entries:    make(map[uuid.UUID]*connectionEntry),
	}
}

// Acquire registers listenerToken on the identity's connection, creating
// and connecting it when it does not exist yet, and joins channel on it.
// Safe under concurrent callers for the same identity; connect failures
// propagate to every waiting caller.
func (p *ChatPool) Acquire(ctx context.Context, identity domain.Identity, listenerToken uuid.UUID, channel string) (*SharedConnection, error) {
	p.mu.Lock()
	entry, exists := p.entries[identity.Key]
	if exists {
		entry.listeners[listenerToken] = struct{}{}
		entry.conn.Join(channel)
		p.mu.Unlock()
		return p.await(ctx, identity.Key, entry, listenerToken)
	}

	entry = &connectionEntry{
		listeners: map[uuid.UUID]struct{}{listenerToken: {}},
		ready:     make(chan struct{}),
	}
	key := identity.Key
	entry.conn = p.factory(identity,
		func() { entry.signalReady(nil) },
		func() { p.refreshCredentials(key) },
	)
	entry.conn.Join(channel)
	p.entries[key] = entry
	p.mu.Unlock()

	go func() {
		if err := entry.conn.Connect(); err != nil {
			// Before ready this is a connect failure and propagates to the
			// waiting Acquire callers. After ready it is a mid-life failure:
			// logged, entry left in place until the last Release.
			entry.signalReady(err)
			slog.Warn("Chat connection ended with error", "username", identity.Username, "error", err)
		}
	}()

	return p.await(ctx, key, entry, listenerToken)
}

func (p *ChatPool) await(ctx context.Context, key uuid.UUID, entry *connectionEntry, listenerToken uuid.UUID) (*SharedConnection, error) {
	select {
	case <-entry.ready:
	case <-ctx.Done():
		p.Release(key, listenerToken)
		return nil, ctx.Err()
	}

	if entry.connectErr != nil {
		p.Release(key, listenerToken)
		return nil, fmt.Errorf("chat connect failed: %w", entry.connectErr)
	}

	metrics.ChatConnections.Set(float64(p.size()))
	return &SharedConnection{entry: entry}, nil
}

// Release removes listenerToken from the identity's connection. When the
// listener set becomes empty the connection is disconnected and the entry
// removed, atomically with the mutation. No-op for unknown identities or
// tokens.
func (p *ChatPool) Release(identityKey, listenerToken uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.entries[identityKey]
	if !exists {
		return
	}
	if _, held := entry.listeners[listenerToken]; !held {
		return
	}

	delete(entry.listeners, listenerToken)
	if len(entry.listeners) > 0 {
		return
	}

	delete(p.entries, identityKey)
	if err := entry.conn.Disconnect(); err != nil {
		slog.Debug("Chat disconnect", "error", err)
	}
	metrics.ChatConnections.Set(float64(len(p.entries)))
}

// refreshCredentials re-resolves the identity by its key (tokens may have
// rotated since connect) and updates the live connection's token in place.
// The IRC client's own retry performs the redial.
func (p *ChatPool) refreshCredentials(identityKey uuid.UUID) {
	ctx := context.Background()
	identity, err := p.identities.GetByKey(ctx, identityKey)
	if err != nil {
		slog.Error("Failed to refresh chat credentials", "identity_key", identityKey, "error", err)
		return
	}

	p.mu.Lock()
	entry, exists := p.entries[identityKey]
	p.mu.Unlock()
	if !exists {
		return
	}

	entry.conn.SetIRCToken("oauth:" + identity.AccessToken)
	slog.Info("Refreshed chat credentials before reconnect", "username", identity.Username)
}

func (p *ChatPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close disconnects every live connection. Used during shutdown.
func (p *ChatPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.entries {
		if err := entry.conn.Disconnect(); err != nil {
			slog.Debug("Chat disconnect", "error", err)
		}
		delete(p.entries, key)
	}
	metrics.ChatConnections.Set(0)
}

// Twitch allows 20 messages per 30 seconds per regular bot account.
const (
	chatRateInterval = 30 * time.Second / 20
	chatRateBurst    = 20
)

// Sender announces messages in chat through the pool. It holds a single
// listener token, so its connections stay alive across sends and die with
// the pool. Each bot identity gets its own rate limiter, matching the
// per-account budget Twitch enforces.
type Sender struct {
	pool  *ChatPool
	token uuid.UUID

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func NewSender(pool *ChatPool) *Sender {
	return &Sender{
		pool:     pool,
		token:    uuid.New(),
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
}

func (s *Sender) limiter(bot uuid.UUID) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[bot]
	if !ok {
		l = rate.NewLimiter(rate.Every(chatRateInterval), chatRateBurst)
		s.limiters[bot] = l
	}
	return l
}

func (s *Sender) Send(ctx context.Context, bot domain.Identity, channel, message string) error {
	conn, err := s.pool.Acquire(ctx, bot, s.token, channel)
	if err != nil {
		return fmt.Errorf("failed to acquire chat connection: %w", err)
	}
	if err := s.limiter(bot.Key).Wait(ctx); err != nil {
		return err
	}
	conn.Say(channel, message)
	return nil
}
