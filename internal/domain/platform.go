package domain

import "context"

// PlatformAPI is the subset of the Twitch Helix API the engine and the
// transport call. Implementations return errors, never panic across this
// boundary, and authenticate each call with the given identity's user token.
type PlatformAPI interface {
	CreateReward(ctx context.Context, broadcaster Identity, spec RewardSpec) (remoteID string, err error)
	UpdateReward(ctx context.Context, broadcaster Identity, remoteID string, spec RewardSpec) error
	// DeleteReward returns the HTTP status code so callers can treat 404 as
	// already-absent.
	DeleteReward(ctx context.Context, broadcaster Identity, remoteID string) (statusCode int, err error)
	ListRewards(ctx context.Context, broadcaster Identity) ([]RemoteReward, error)
	// FirstUnfulfilledRedemption returns nil when no redemption is pending.
	FirstUnfulfilledRedemption(ctx context.Context, broadcaster Identity, remoteRewardID string) (*RemoteRedemption, error)
	SetRedemptionStatus(ctx context.Context, broadcaster Identity, remoteRewardID, redemptionID string, status RedemptionStatus) error
	// RegisterEventSub registers an EventSub subscription against a
	// websocket session id.
	RegisterEventSub(ctx context.Context, broadcaster Identity, sub Subscription, sessionID string) error
}

// EmoteCache caches third-party emote lookups per broadcaster. The reward
// handlers only ever invalidate it; reads belong to the chat UI, which is
// outside this module.
type EmoteCache interface {
	Invalidate(ctx context.Context, broadcaster Identity) error
}

// Speaker plays a text-to-speech message. The playback implementation lives
// outside this module.
type Speaker interface {
	Speak(ctx context.Context, broadcaster Identity, text string) error
}

// EmoteAdder adds an emote to a broadcaster's third-party emote set.
type EmoteAdder interface {
	AddEmote(ctx context.Context, broadcaster Identity, emoteID string) error
}
