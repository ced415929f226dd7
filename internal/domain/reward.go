package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RewardType tags a reward definition with the behaviour its redemptions
// trigger. The set is closed; adding a type means adding a handler.
type RewardType string

const (
	RewardSevenTVEmote RewardType = "seventv_emote"
	RewardTextToSpeech RewardType = "tts"
)

// RewardTypes lists every known reward type. Sync guarantees one definition
// row per type per broadcaster.
func RewardTypes() []RewardType {
	return []RewardType{RewardSevenTVEmote, RewardTextToSpeech}
}

// RewardDefinition is the locally-desired specification of one channel-point
// reward and its remote materialisation. The local catalog is the single
// source of truth for desired state; remote state is only trusted for the
// display fields of rewards this engine created itself.
type RewardDefinition struct {
	ID             uuid.UUID
	BroadcasterKey uuid.UUID
	// BotKey selects the bot identity used to announce redemption outcomes
	// in chat. Nil means redemptions for this reward are cancelled.
	BotKey        *uuid.UUID
	Type          RewardType
	IsCreated     bool
	RemoteID      *string
	Title         string
	Cost          int
	RequiresInput bool
	Prompt        string
	Color         string
	Extra         map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RemoteReward is a reward as reported by the platform.
type RemoteReward struct {
	ID            string
	Title         string
	Cost          int
	RequiresInput bool
	Prompt        string
	Color         string
	IsEnabled     bool
	IsPaused      bool
}

// RewardSpec carries the fields sent to the platform on create/update.
type RewardSpec struct {
	Title         string
	Cost          int
	RequiresInput bool
	Prompt        string
	Color         string
}

// Spec projects the definition's display fields into a RewardSpec.
func (d *RewardDefinition) Spec() RewardSpec {
	return RewardSpec{
		Title:         d.Title,
		Cost:          d.Cost,
		RequiresInput: d.RequiresInput,
		Prompt:        d.Prompt,
		Color:         d.Color,
	}
}

// RemoteRedemption is one pending redemption as reported by the platform.
type RemoteRedemption struct {
	ID       string
	RewardID string
	UserName string
	Input    string
}

// Redemption is a remote redemption annotated with the local definition that
// owns its reward: reward type, announcing bot, and the definition's extra
// payload. It is never persisted; it exists only between listing and
// fulfil/cancel.
type Redemption struct {
	ID          string
	Type        RewardType
	Broadcaster Identity
	Bot         Identity
	UserName    string
	Input       string
	Extra       map[string]string
}

// RedemptionStatus is the terminal state set on a processed redemption.
type RedemptionStatus string

const (
	RedemptionFulfilled RedemptionStatus = "FULFILLED"
	RedemptionCanceled  RedemptionStatus = "CANCELED"
)

// RewardRepository persists the desired reward catalog.
type RewardRepository interface {
	// ListCreated returns every definition with is_created set, across all
	// broadcasters.
	ListCreated(ctx context.Context) ([]RewardDefinition, error)
	ListByBroadcaster(ctx context.Context, broadcasterKey uuid.UUID) ([]RewardDefinition, error)
	Get(ctx context.Context, broadcasterKey uuid.UUID, typ RewardType) (*RewardDefinition, error)
	Save(ctx context.Context, def *RewardDefinition) error
	// SaveAll persists definitions and deletions atomically, in one
	// transaction. Sync relies on this for its end-of-pass commit.
	SaveAll(ctx context.Context, defs []RewardDefinition, deleted []uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}
