package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/nicklaw5/helix/v2"
	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/pscheid92/rewardpulse/internal/platform/retry"
)

// HelixClient implements domain.PlatformAPI over the Twitch Helix API. All
// calls authenticate with the given identity's user token; the shared
// underlying client is guarded by a mutex because setting the token and
// issuing the request must not interleave.
type HelixClient struct {
	mu     sync.Mutex
	client *helix.Client
	policy retry.Policy
}

func NewHelixClient(clientID, clientSecret string) (*HelixClient, error) {
	client, err := helix.NewClient(&helix.Options{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	return &HelixClient{
		client: client,
		policy: retry.DefaultPolicy(),
	}, nil
}

// statusError carries a non-2xx Helix status so retries can classify it.
type statusError struct {
	code    int
	op      string
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code %d: %s", e.op, e.code, e.message)
}

func classify(err error) retry.Action {
	var se *statusError
	if !errors.As(err, &se) {
		return retry.Retry // transport error
	}
	return retry.ClassifyStatus(se.code)
}

func (hc *HelixClient) CreateReward(ctx context.Context, broadcaster domain.Identity, spec domain.RewardSpec) (string, error) {
	return retry.Do(ctx, hc.policy, classify, func() (string, error) {
		hc.mu.Lock()
		hc.client.SetUserAccessToken(broadcaster.AccessToken)
		resp, err := hc.client.CreateCustomReward(&helix.ChannelCustomRewardsParams{
			BroadcasterID:       broadcaster.TwitchUserID,
			Title:               spec.Title,
			Cost:                spec.Cost,
			Prompt:              spec.Prompt,
			IsEnabled:           true,
			BackgroundColor:     spec.Color,
			IsUserInputRequired: spec.RequiresInput,
		})
		hc.mu.Unlock()

		if err != nil {
			return "", fmt.Errorf("failed to create custom reward: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", &statusError{code: resp.StatusCode, op: "create reward", message: resp.ErrorMessage}
		}
		if len(resp.Data.ChannelCustomRewards) == 0 {
			return "", fmt.Errorf("no reward returned")
		}
		return resp.Data.ChannelCustomRewards[0].ID, nil
	})
}

func (hc *HelixClient) UpdateReward(ctx context.Context, broadcaster domain.Identity, remoteID string, spec domain.RewardSpec) error {
	return retry.DoVoid(ctx, hc.policy, classify, func() error {
		hc.mu.Lock()
		hc.client.SetUserAccessToken(broadcaster.AccessToken)
		resp, err := hc.client.UpdateCustomReward(&helix.UpdateChannelCustomRewardsParams{
			BroadcasterID:       broadcaster.TwitchUserID,
			ID:                  remoteID,
			Title:               spec.Title,
			Cost:                spec.Cost,
			Prompt:              spec.Prompt,
			BackgroundColor:     spec.Color,
			IsUserInputRequired: spec.RequiresInput,
			IsEnabled:           true,
		})
		hc.mu.Unlock()

		if err != nil {
			return fmt.Errorf("failed to update custom reward: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode, op: "update reward", message: resp.ErrorMessage}
		}
		return nil
	})
}

func (hc *HelixClient) DeleteReward(ctx context.Context, broadcaster domain.Identity, remoteID string) (int, error) {
	hc.mu.Lock()
	hc.client.SetUserAccessToken(broadcaster.AccessToken)
	resp, err := hc.client.DeleteCustomRewards(&helix.DeleteCustomRewardsParams{
		BroadcasterID: broadcaster.TwitchUserID,
		ID:            remoteID,
	})
	hc.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("failed to delete custom reward: %w", err)
	}
	// 404 is reported via the status code, not an error: the caller treats
	// already-absent as success.
	return resp.StatusCode, nil
}

func (hc *HelixClient) ListRewards(ctx context.Context, broadcaster domain.Identity) ([]domain.RemoteReward, error) {
	return retry.Do(ctx, hc.policy, classify, func() ([]domain.RemoteReward, error) {
		hc.mu.Lock()
		hc.client.SetUserAccessToken(broadcaster.AccessToken)
		resp, err := hc.client.GetCustomRewards(&helix.GetCustomRewardsParams{
			BroadcasterID:         broadcaster.TwitchUserID,
			OnlyManageableRewards: true,
		})
		hc.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("failed to list custom rewards: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &statusError{code: resp.StatusCode, op: "list rewards", message: resp.ErrorMessage}
		}

		rewards := make([]domain.RemoteReward, len(resp.Data.ChannelCustomRewards))
		for i, rw := range resp.Data.ChannelCustomRewards {
			rewards[i] = domain.RemoteReward{
				ID:            rw.ID,
				Title:         rw.Title,
				Cost:          rw.Cost,
				RequiresInput: rw.IsUserInputRequired,
				Prompt:        rw.Prompt,
				Color:         rw.BackgroundColor,
				IsEnabled:     rw.IsEnabled,
				IsPaused:      rw.IsPaused,
			}
		}
		return rewards, nil
	})
}

func (hc *HelixClient) FirstUnfulfilledRedemption(ctx context.Context, broadcaster domain.Identity, remoteRewardID string) (*domain.RemoteRedemption, error) {
	return retry.Do(ctx, hc.policy, classify, func() (*domain.RemoteRedemption, error) {
		hc.mu.Lock()
		hc.client.SetUserAccessToken(broadcaster.AccessToken)
		resp, err := hc.client.GetCustomRewardsRedemptions(&helix.GetCustomRewardsRedemptionsParams{
			BroadcasterID: broadcaster.TwitchUserID,
			RewardID:      remoteRewardID,
			Status:        "UNFULFILLED",
			First:         1,
		})
		hc.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("failed to list redemptions: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &statusError{code: resp.StatusCode, op: "list redemptions", message: resp.ErrorMessage}
		}
		if len(resp.Data.Redemptions) == 0 {
			return nil, nil
		}

		red := resp.Data.Redemptions[0]
		return &domain.RemoteRedemption{
			ID:       red.ID,
			RewardID: red.Reward.ID,
			UserName: red.UserName,
			Input:    red.UserInput,
		}, nil
	})
}

func (hc *HelixClient) SetRedemptionStatus(ctx context.Context, broadcaster domain.Identity, remoteRewardID, redemptionID string, status domain.RedemptionStatus) error {
	return retry.DoVoid(ctx, hc.policy, classify, func() error {
		hc.mu.Lock()
		hc.client.SetUserAccessToken(broadcaster.AccessToken)
		resp, err := hc.client.UpdateChannelCustomRewardsRedemptionStatus(&helix.UpdateChannelCustomRewardsRedemptionStatusParams{
			BroadcasterID: broadcaster.TwitchUserID,
			RewardID:      remoteRewardID,
			ID:            redemptionID,
			Status:        string(status),
		})
		hc.mu.Unlock()

		if err != nil {
			return fmt.Errorf("failed to update redemption status: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode, op: "update redemption status", message: resp.ErrorMessage}
		}
		return nil
	})
}

func (hc *HelixClient) RegisterEventSub(ctx context.Context, broadcaster domain.Identity, sub domain.Subscription, sessionID string) error {
	return retry.DoVoid(ctx, hc.policy, classify, func() error {
		hc.mu.Lock()
		hc.client.SetUserAccessToken(broadcaster.AccessToken)
		resp, err := hc.client.CreateEventSubSubscription(&helix.EventSubSubscription{
			Type:    sub.Type,
			Version: sub.Version,
			Condition: helix.EventSubCondition{
				BroadcasterUserID: sub.Condition["broadcaster_user_id"],
				UserID:            sub.Condition["user_id"],
			},
			Transport: helix.EventSubTransport{
				Method:    "websocket",
				SessionID: sessionID,
			},
		})
		hc.mu.Unlock()

		if err != nil {
			return fmt.Errorf("failed to create eventsub subscription: %w", err)
		}
		if resp.StatusCode != http.StatusAccepted {
			return &statusError{code: resp.StatusCode, op: "create eventsub subscription", message: resp.ErrorMessage}
		}
		return nil
	})
}
