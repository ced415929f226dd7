package seventv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pscheid92/rewardpulse/internal/domain"
)

const (
	defaultAPIURL = "https://7tv.io/v3"
	defaultGQLURL = "https://7tv.io/v3/gql"
)

// changeEmoteMutation adds or removes an emote in an emote set.
const changeEmoteMutation = `mutation ChangeEmoteInSet($set_id: ObjectID!, $emote_id: ObjectID!, $action: ListItemAction!) {
	emoteSet(id: $set_id) {
		emotes(id: $emote_id, action: $action) { id }
	}
}`

// emoteSetCache is the slice of Cache the client needs.
type emoteSetCache interface {
	EmoteSetID(ctx context.Context, broadcaster domain.Identity) (string, error)
	SetEmoteSetID(ctx context.Context, broadcaster domain.Identity, setID string) error
}

// Client mutates broadcaster emote sets through the 7TV API. Emote set ids
// are resolved via the REST user endpoint and cached; mutations go through
// the GraphQL endpoint with the configured app token.
type Client struct {
	http   *http.Client
	apiURL string
	gqlURL string
	token  string
	cache  emoteSetCache
}

var _ domain.EmoteAdder = (*Client)(nil)

func NewClient(token string, cache emoteSetCache) *Client {
	return &Client{
		http:   &http.Client{Timeout: 10 * time.Second},
		apiURL: defaultAPIURL,
		gqlURL: defaultGQLURL,
		token:  token,
		cache:  cache,
	}
}

// AddEmote adds the emote to the broadcaster's active emote set.
func (c *Client) AddEmote(ctx context.Context, broadcaster domain.Identity, emoteID string) error {
	setID, err := c.emoteSetID(ctx, broadcaster)
	if err != nil {
		return err
	}

	variables := map[string]string{
		"set_id":   setID,
		"emote_id": emoteID,
		"action":   "ADD",
	}
	if err := c.mutate(ctx, changeEmoteMutation, variables); err != nil {
		return fmt.Errorf("add emote %s to set %s: %w", emoteID, setID, err)
	}
	return nil
}

// emoteSetID resolves the broadcaster's active emote set, preferring the
// cache. Cache errors only cost a REST round trip.
func (c *Client) emoteSetID(ctx context.Context, broadcaster domain.Identity) (string, error) {
	setID, err := c.cache.EmoteSetID(ctx, broadcaster)
	if err == nil {
		return setID, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		slog.WarnContext(ctx, "7TV emote set cache read failed",
			"broadcaster", broadcaster.Username, "error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/users/twitch/%s", c.apiURL, broadcaster.TwitchUserID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve 7tv user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve 7tv user: unexpected status %d", resp.StatusCode)
	}

	var user struct {
		EmoteSet struct {
			ID string `json:"id"`
		} `json:"emote_set"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("decode 7tv user: %w", err)
	}
	if user.EmoteSet.ID == "" {
		return "", fmt.Errorf("broadcaster %s has no active 7tv emote set", broadcaster.Username)
	}

	if err := c.cache.SetEmoteSetID(ctx, broadcaster, user.EmoteSet.ID); err != nil {
		slog.WarnContext(ctx, "7TV emote set cache write failed",
			"broadcaster", broadcaster.Username, "error", err)
	}
	return user.EmoteSet.ID, nil
}

func (c *Client) mutate(ctx context.Context, query string, variables map[string]string) error {
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gqlURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode gql response: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("gql error: %s", result.Errors[0].Message)
	}
	return nil
}
