// Package rewards reconciles the locally-desired channel-point reward
// catalog with Twitch and processes redemptions for rewards it created.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/pscheid92/rewardpulse/internal/platform/correlation"
)

// RedemptionEventType is the EventSub subscription type the engine listens
// to for its created rewards.
const RedemptionEventType = "channel.channel_points_custom_reward_redemption.add"

// Options tune the engine's loop cadence. Zero values select the defaults.
type Options struct {
	// SyncInterval is the minimum time between full catalog syncs.
	SyncInterval time.Duration
	// ProcessInterval is the sleep between reconciliation passes.
	ProcessInterval time.Duration
	// IdentityPause is the delay between per-identity Process calls within
	// one pass, to respect Helix rate limits.
	IdentityPause time.Duration
}

func (o *Options) applyDefaults() {
	if o.SyncInterval <= 0 {
		o.SyncInterval = 2 * time.Hour
	}
	if o.ProcessInterval <= 0 {
		o.ProcessInterval = 10 * time.Minute
	}
	if o.IdentityPause <= 0 {
		o.IdentityPause = 500 * time.Millisecond
	}
}

// Engine owns the reward catalog reconciliation loop. One instance runs one
// scheduling goroutine; the subscribed set and lastSync timestamp are owned
// by that goroutine exclusively.
type Engine struct {
	rewards    domain.RewardRepository
	identities domain.IdentityStore
	api        domain.PlatformAPI
	transport  domain.NotificationTransport
	chat       domain.ChatSender
	handlers   map[domain.RewardType]Handler
	clock      clockwork.Clock
	opts       Options

	kicks    chan domain.Identity
	syncReqs chan struct{}
}

func NewEngine(
	repo domain.RewardRepository,
	identities domain.IdentityStore,
	api domain.PlatformAPI,
	transport domain.NotificationTransport,
	chat domain.ChatSender,
	handlers map[domain.RewardType]Handler,
	clock clockwork.Clock,
	opts Options,
) *Engine {
	opts.applyDefaults()
	return &Engine{
		rewards:    repo,
		identities: identities,
		api:        api,
		transport:  transport,
		chat:       chat,
		handlers:   handlers,
		clock:      clock,
		opts:       opts,
		kicks:      make(chan domain.Identity, 16),
		syncReqs:   make(chan struct{}, 1),
	}
}

// RequestSync asks the loop to run a full sync on its next pass, without
// waiting for the sync interval. Safe to call from any goroutine.
func (e *Engine) RequestSync() {
	select {
	case e.syncReqs <- struct{}{}:
	default:
	}
}

func redemptionSubscription(broadcaster domain.Identity) domain.Subscription {
	return domain.Subscription{
		Type:      RedemptionEventType,
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": broadcaster.TwitchUserID},
	}
}

// Run drives the reconciliation loop until ctx is cancelled. Failures inside
// a pass are logged and never end the loop.
func (e *Engine) Run(ctx context.Context) error {
	unsubscribe := e.transport.OnNotification(e.onNotification)
	defer unsubscribe()

	subscribed := make(map[uuid.UUID]domain.Identity)
	var lastSync time.Time
	forceSync := false

	for {
		lastSync = e.pass(ctx, subscribed, lastSync, forceSync)
		forceSync = false
		if ctx.Err() != nil {
			return ctx.Err()
		}

		timer := e.clock.NewTimer(e.opts.ProcessInterval)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.Chan():
				break wait
			case broadcaster := <-e.kicks:
				e.processKick(ctx, broadcaster)
			case <-e.syncReqs:
				timer.Stop()
				forceSync = true
				break wait
			}
		}
	}
}

// onNotification runs on the transport's session read loop. It only queues a
// kick; the loop goroutine does the actual work.
func (e *Engine) onNotification(identity domain.Identity, n domain.Notification) {
	if n.Type != RedemptionEventType {
		return
	}
	select {
	case e.kicks <- identity:
	default:
		slog.Warn("Dropping redemption kick, queue full", "username", identity.Username)
	}
}

// processKick re-resolves the identity and drains its redemptions out of
// band, without waiting for the poll interval.
func (e *Engine) processKick(ctx context.Context, broadcaster domain.Identity) {
	ctx = correlation.Ensure(ctx)
	resolved, err := e.identities.GetByKey(ctx, broadcaster.Key)
	if err != nil {
		slog.WarnContext(ctx, "Skipping redemption kick, identity not resolvable",
			"username", broadcaster.Username, "error", err)
		return
	}
	if err := e.Process(ctx, *resolved); err != nil {
		slog.ErrorContext(ctx, "Out-of-band redemption processing failed",
			"username", resolved.Username, "error", err)
	}
}

// pass runs one iteration of the outer loop and returns the updated last
// sync timestamp.
func (e *Engine) pass(ctx context.Context, subscribed map[uuid.UUID]domain.Identity, lastSync time.Time, forceSync bool) time.Time {
	ctx = correlation.WithID(ctx, correlation.NewID())

	defs, err := e.rewards.ListCreated(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load created reward definitions", "error", err)
		return lastSync
	}

	active := make(map[uuid.UUID]struct{})
	for _, def := range defs {
		active[def.BroadcasterKey] = struct{}{}
	}

	resolved := make(map[uuid.UUID]domain.Identity, len(active))
	for key := range active {
		identity, err := e.identities.GetByKey(ctx, key)
		if err != nil {
			slog.WarnContext(ctx, "Skipping unresolvable broadcaster", "key", key, "error", err)
			continue
		}
		resolved[key] = *identity
	}

	// drop subscriptions for broadcasters with no created rewards left
	for key, identity := range subscribed {
		if _, ok := resolved[key]; ok {
			continue
		}
		e.transport.Unsubscribe(identity, []string{RedemptionEventType})
		delete(subscribed, key)
		slog.InfoContext(ctx, "Unsubscribed from redemption notifications", "username", identity.Username)
	}

	if forceSync || e.clock.Since(lastSync) >= e.opts.SyncInterval {
		for _, identity := range resolved {
			if err := e.Sync(ctx, identity); err != nil {
				slog.ErrorContext(ctx, "Reward sync failed", "username", identity.Username, "error", err)
			}
		}
		lastSync = e.clock.Now()
	}

	// re-asserted every pass: the transport treats an unchanged live session
	// as a no-op and recreates a session it had to abandon
	for key, identity := range resolved {
		if err := e.transport.Subscribe(ctx, identity, []domain.Subscription{redemptionSubscription(identity)}); err != nil {
			slog.ErrorContext(ctx, "Failed to subscribe to redemption notifications",
				"username", identity.Username, "error", err)
			continue
		}
		if _, ok := subscribed[key]; !ok {
			slog.InfoContext(ctx, "Subscribed to redemption notifications", "username", identity.Username)
		}
		subscribed[key] = identity
	}

	first := true
	for _, identity := range resolved {
		if !first {
			if !e.sleep(ctx, e.opts.IdentityPause) {
				return lastSync
			}
		}
		first = false
		if err := e.Process(ctx, identity); err != nil {
			slog.ErrorContext(ctx, "Redemption processing failed", "username", identity.Username, "error", err)
		}
	}

	return lastSync
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := e.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

// resolveDefinition fetches the definition for (broadcaster, type), running
// a lazy sync first when no row exists yet.
func (e *Engine) resolveDefinition(ctx context.Context, broadcaster domain.Identity, typ domain.RewardType) (*domain.RewardDefinition, error) {
	def, err := e.rewards.Get(ctx, broadcaster.Key, typ)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, domain.ErrRewardNotFound) {
		return nil, err
	}

	if err := e.Sync(ctx, broadcaster); err != nil {
		return nil, fmt.Errorf("lazy sync: %w", err)
	}
	return e.rewards.Get(ctx, broadcaster.Key, typ)
}

// Get returns the definition for (broadcaster, type), creating the default
// catalog first when the broadcaster has none.
func (e *Engine) Get(ctx context.Context, broadcaster domain.Identity, typ domain.RewardType) (*domain.RewardDefinition, error) {
	return e.resolveDefinition(ctx, broadcaster, typ)
}

// Enable creates the reward remotely, records the announcing bot, and makes
// sure redemption notifications for the broadcaster flow. Returns
// domain.ErrAlreadyCreated when the reward is already enabled.
func (e *Engine) Enable(ctx context.Context, broadcaster, bot domain.Identity, typ domain.RewardType) error {
	def, err := e.resolveDefinition(ctx, broadcaster, typ)
	if err != nil {
		return err
	}
	if def.IsCreated {
		return domain.ErrAlreadyCreated
	}

	remoteID, err := e.api.CreateReward(ctx, broadcaster, def.Spec())
	if err != nil {
		return fmt.Errorf("create reward %q: %w", typ, err)
	}

	def.IsCreated = true
	def.RemoteID = &remoteID
	def.BotKey = &bot.Key
	if err := e.rewards.Save(ctx, def); err != nil {
		return fmt.Errorf("persist reward %q: %w", typ, err)
	}

	if err := e.transport.Subscribe(ctx, broadcaster, []domain.Subscription{redemptionSubscription(broadcaster)}); err != nil {
		slog.ErrorContext(ctx, "Failed to subscribe after enabling reward",
			"username", broadcaster.Username, "type", typ, "error", err)
	}

	slog.InfoContext(ctx, "Reward enabled", "username", broadcaster.Username, "type", typ, "remote_id", remoteID)
	return nil
}

// Disable deletes the reward remotely (best effort) and flips the created
// flag off. Returns domain.ErrNotCreated when the reward is not enabled.
func (e *Engine) Disable(ctx context.Context, broadcaster domain.Identity, typ domain.RewardType) error {
	def, err := e.resolveDefinition(ctx, broadcaster, typ)
	if err != nil {
		return err
	}
	if !def.IsCreated {
		return domain.ErrNotCreated
	}

	if def.RemoteID != nil {
		status, err := e.api.DeleteReward(ctx, broadcaster, *def.RemoteID)
		if err != nil || !deleteSucceeded(status) {
			// keep RemoteID so the next sync retries the delete
			slog.WarnContext(ctx, "Failed to delete remote reward, disabling locally anyway",
				"username", broadcaster.Username, "type", typ, "status", status, "error", err)
		} else {
			def.RemoteID = nil
		}
	}

	def.IsCreated = false
	if err := e.rewards.Save(ctx, def); err != nil {
		return fmt.Errorf("persist reward %q: %w", typ, err)
	}

	slog.InfoContext(ctx, "Reward disabled", "username", broadcaster.Username, "type", typ)
	return nil
}

// Update edits the desired display fields and pushes them remotely when the
// reward is currently created.
func (e *Engine) Update(ctx context.Context, broadcaster domain.Identity, typ domain.RewardType, spec domain.RewardSpec) error {
	def, err := e.resolveDefinition(ctx, broadcaster, typ)
	if err != nil {
		return err
	}

	def.Title = spec.Title
	def.Cost = spec.Cost
	def.RequiresInput = spec.RequiresInput
	def.Prompt = spec.Prompt
	def.Color = spec.Color

	if def.IsCreated && def.RemoteID != nil {
		if err := e.api.UpdateReward(ctx, broadcaster, *def.RemoteID, def.Spec()); err != nil {
			return fmt.Errorf("update remote reward %q: %w", typ, err)
		}
	}

	return e.rewards.Save(ctx, def)
}
