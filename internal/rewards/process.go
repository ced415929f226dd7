package rewards

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/pscheid92/rewardpulse/internal/metrics"
)

// Process drains every outstanding redemption of the broadcaster's created
// rewards. Each redemption is terminated exactly once: fulfilled when its
// handler succeeds, cancelled otherwise. Unknown redemptions (missing bot,
// missing handler) fail closed and are cancelled so they never linger as
// pending on Twitch.
func (e *Engine) Process(ctx context.Context, broadcaster domain.Identity) error {
	defs, err := e.rewards.ListByBroadcaster(ctx, broadcaster.Key)
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}

	for i := range defs {
		def := &defs[i]
		if !def.IsCreated || def.RemoteID == nil {
			continue
		}
		if err := e.drainReward(ctx, broadcaster, def); err != nil {
			slog.ErrorContext(ctx, "Failed to drain redemptions",
				"username", broadcaster.Username, "type", def.Type, "error", err)
		}
	}
	return nil
}

func (e *Engine) drainReward(ctx context.Context, broadcaster domain.Identity, def *domain.RewardDefinition) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		red, err := e.api.FirstUnfulfilledRedemption(ctx, broadcaster, *def.RemoteID)
		if err != nil {
			return fmt.Errorf("list redemptions: %w", err)
		}
		if red == nil {
			return nil
		}

		if err := e.handleRedemption(ctx, broadcaster, def, red); err != nil {
			// repeating the listing would return the same redemption again
			return err
		}
	}
}

// handleRedemption terminates one redemption. The returned error means the
// terminating status update itself failed; every other failure path still
// cancels the redemption remotely.
func (e *Engine) handleRedemption(ctx context.Context, broadcaster domain.Identity, def *domain.RewardDefinition, red *domain.RemoteRedemption) error {
	cancel := func(reason string) error {
		slog.ErrorContext(ctx, "Cancelling redemption",
			"username", broadcaster.Username, "type", def.Type, "redemption", red.ID, "reason", reason)
		metrics.RedemptionsProcessed.WithLabelValues(string(def.Type), "canceled").Inc()
		return e.api.SetRedemptionStatus(ctx, broadcaster, *def.RemoteID, red.ID, domain.RedemptionCanceled)
	}

	if def.BotKey == nil {
		return cancel("no announcing bot configured")
	}
	bot, err := e.identities.GetByKey(ctx, *def.BotKey)
	if err != nil {
		return cancel("announcing bot not resolvable")
	}
	handler, ok := e.handlers[def.Type]
	if !ok {
		return cancel("no handler for reward type")
	}

	redemption := domain.Redemption{
		ID:          red.ID,
		Type:        def.Type,
		Broadcaster: broadcaster,
		Bot:         *bot,
		UserName:    red.UserName,
		Input:       red.Input,
		Extra:       def.Extra,
	}

	success, message := handler.Handle(ctx, redemption)

	status := domain.RedemptionCanceled
	outcome := "canceled"
	if success {
		status = domain.RedemptionFulfilled
		outcome = "fulfilled"
	}
	if err := e.api.SetRedemptionStatus(ctx, broadcaster, *def.RemoteID, red.ID, status); err != nil {
		return fmt.Errorf("set redemption %s to %s: %w", red.ID, status, err)
	}
	metrics.RedemptionsProcessed.WithLabelValues(string(def.Type), outcome).Inc()

	if message != "" {
		if !success {
			message = fmt.Sprintf("@%s %s", red.UserName, message)
		}
		if err := e.chat.Send(ctx, *bot, broadcaster.Username, message); err != nil {
			slog.WarnContext(ctx, "Failed to announce redemption outcome",
				"username", broadcaster.Username, "error", err)
		}
	}

	slog.InfoContext(ctx, "Redemption processed",
		"username", broadcaster.Username, "type", def.Type, "redemption", red.ID, "outcome", outcome)
	return nil
}
