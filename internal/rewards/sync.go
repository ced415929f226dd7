package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/pscheid92/rewardpulse/internal/metrics"
)

// defaultDefinition is the desired definition a broadcaster gets for a
// reward type before anyone customised it.
func defaultDefinition(broadcasterKey uuid.UUID, typ domain.RewardType) domain.RewardDefinition {
	def := domain.RewardDefinition{
		ID:             uuid.New(),
		BroadcasterKey: broadcasterKey,
		Type:           typ,
	}
	switch typ {
	case domain.RewardSevenTVEmote:
		def.Title = "Add a 7TV emote"
		def.Cost = 10000
		def.RequiresInput = true
		def.Prompt = "Paste a 7tv.app emote link"
		def.Color = "#29B6F6"
	case domain.RewardTextToSpeech:
		def.Title = "Text to speech"
		def.Cost = 500
		def.RequiresInput = true
		def.Prompt = "The message to read out loud"
		def.Color = "#9147FF"
	}
	return def
}

// Sync makes the broadcaster's remote reward catalog match the local desired
// catalog. The local catalog is authoritative for which rewards exist; the
// remote catalog is authoritative for display fields of rewards already
// created. All local changes are persisted atomically at the end of the
// pass, so a crash mid-pass is repaired by the next run.
func (e *Engine) Sync(ctx context.Context, broadcaster domain.Identity) error {
	err := e.sync(ctx, broadcaster)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.SyncRunsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) sync(ctx context.Context, broadcaster domain.Identity) error {
	defs, err := e.rewards.ListByBroadcaster(ctx, broadcaster.Key)
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}

	defs, deleted := pruneDuplicates(defs)
	for _, id := range deleted {
		slog.WarnContext(ctx, "Pruning duplicate reward definition",
			"username", broadcaster.Username, "id", id)
	}

	// every known type gets a row, not yet created remotely
	present := make(map[domain.RewardType]bool, len(defs))
	for _, def := range defs {
		present[def.Type] = true
	}
	for _, typ := range domain.RewardTypes() {
		if !present[typ] {
			defs = append(defs, defaultDefinition(broadcaster.Key, typ))
		}
	}

	remote, err := e.api.ListRewards(ctx, broadcaster)
	if err != nil {
		return fmt.Errorf("list remote rewards: %w", err)
	}
	remoteByID := make(map[string]domain.RemoteReward, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}

	matched := make(map[string]bool, len(remote))
	for i := range defs {
		def := &defs[i]

		if def.IsCreated && def.RemoteID == nil {
			// created flag without a remote id is unrecoverable, start over
			def.IsCreated = false
			continue
		}
		if def.RemoteID == nil {
			continue
		}

		r, exists := remoteByID[*def.RemoteID]

		switch {
		case def.IsCreated && exists:
			matched[r.ID] = true
			def.Title = r.Title
			def.Cost = r.Cost
			def.RequiresInput = r.RequiresInput
			def.Prompt = r.Prompt
			def.Color = r.Color
			if !r.IsEnabled || r.IsPaused {
				if err := e.api.UpdateReward(ctx, broadcaster, r.ID, def.Spec()); err != nil {
					slog.ErrorContext(ctx, "Failed to re-enable remote reward",
						"username", broadcaster.Username, "type", def.Type, "error", err)
				}
			}

		case def.IsCreated && !exists:
			remoteID, err := e.api.CreateReward(ctx, broadcaster, def.Spec())
			if err != nil {
				slog.ErrorContext(ctx, "Failed to recreate remote reward",
					"username", broadcaster.Username, "type", def.Type, "error", err)
				continue
			}
			def.RemoteID = &remoteID
			matched[remoteID] = true

		case !def.IsCreated && exists:
			// desired state is absent; the definition keeps pointing at the
			// remote reward until the delete is confirmed gone, so the next
			// pass retries a rejected delete
			matched[r.ID] = true
			status, err := e.api.DeleteReward(ctx, broadcaster, r.ID)
			if err != nil || !deleteSucceeded(status) {
				slog.ErrorContext(ctx, "Failed to delete undesired remote reward",
					"username", broadcaster.Username, "type", def.Type, "status", status, "error", err)
				continue
			}
			def.RemoteID = nil

		default: // !def.IsCreated && !exists
			def.RemoteID = nil
		}
	}

	// the remote catalog must contain only rewards this engine manages
	for _, r := range remote {
		if matched[r.ID] {
			continue
		}
		status, err := e.api.DeleteReward(ctx, broadcaster, r.ID)
		if err != nil || !deleteSucceeded(status) {
			slog.ErrorContext(ctx, "Failed to delete unmanaged remote reward",
				"username", broadcaster.Username, "remote_id", r.ID, "status", status, "error", err)
		}
	}

	if err := e.rewards.SaveAll(ctx, defs, deleted); err != nil {
		return fmt.Errorf("persist definitions: %w", err)
	}

	slog.InfoContext(ctx, "Reward catalog synced",
		"username", broadcaster.Username, "definitions", len(defs), "pruned", len(deleted))
	return nil
}

// deleteSucceeded reports whether a remote delete left the reward absent.
// 404 means it was already gone, anything outside 2xx means it is still there.
func deleteSucceeded(status int) bool {
	return status == http.StatusNotFound || (status >= 200 && status < 300)
}

// pruneDuplicates keeps one definition per reward type, preferring a created
// one, and returns the ids of the extras.
func pruneDuplicates(defs []domain.RewardDefinition) ([]domain.RewardDefinition, []uuid.UUID) {
	byType := make(map[domain.RewardType]int)
	kept := defs[:0]
	var deleted []uuid.UUID

	for _, def := range defs {
		idx, seen := byType[def.Type]
		if !seen {
			byType[def.Type] = len(kept)
			kept = append(kept, def)
			continue
		}
		if def.IsCreated && !kept[idx].IsCreated {
			deleted = append(deleted, kept[idx].ID)
			kept[idx] = def
		} else {
			deleted = append(deleted, def.ID)
		}
	}
	return kept, deleted
}
