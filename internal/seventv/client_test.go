package seventv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	mu   sync.Mutex
	sets map[string]string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{sets: make(map[string]string)}
}

func (m *memoryCache) EmoteSetID(_ context.Context, broadcaster domain.Identity) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sets[broadcaster.TwitchUserID]
	if !ok {
		return "", ErrCacheMiss
	}
	return id, nil
}

func (m *memoryCache) SetEmoteSetID(_ context.Context, broadcaster domain.Identity, setID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[broadcaster.TwitchUserID] = setID
	return nil
}

func testBroadcaster() domain.Identity {
	return domain.Identity{Key: uuid.New(), TwitchUserID: "100", Username: "streamer"}
}

type gqlRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

func newTestClient(t *testing.T, userHandler http.HandlerFunc, gqlHandler http.HandlerFunc) (*Client, *memoryCache) {
	t.Helper()
	api := httptest.NewServer(userHandler)
	gql := httptest.NewServer(gqlHandler)
	t.Cleanup(api.Close)
	t.Cleanup(gql.Close)

	cache := newMemoryCache()
	c := NewClient("app-token", cache)
	c.apiURL = api.URL
	c.gqlURL = gql.URL
	return c, cache
}

func TestClient_AddEmoteResolvesAndCachesSet(t *testing.T) {
	broadcaster := testBroadcaster()
	var userRequests int
	var gotMutation gqlRequest

	c, cache := newTestClient(t,
		func(w http.ResponseWriter, r *http.Request) {
			userRequests++
			assert.Equal(t, "/users/twitch/100", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"emote_set": map[string]string{"id": "set-1"},
			})
		},
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer app-token", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotMutation))
			_, _ = w.Write([]byte(`{"data":{}}`))
		},
	)

	require.NoError(t, c.AddEmote(context.Background(), broadcaster, "emote-1"))
	assert.Equal(t, "set-1", gotMutation.Variables["set_id"])
	assert.Equal(t, "emote-1", gotMutation.Variables["emote_id"])
	assert.Equal(t, "ADD", gotMutation.Variables["action"])

	// second add hits the cache, not the user endpoint
	require.NoError(t, c.AddEmote(context.Background(), broadcaster, "emote-2"))
	assert.Equal(t, 1, userRequests)
	assert.Equal(t, "set-1", cache.sets["100"])
}

func TestClient_AddEmoteSurfacesGQLErrors(t *testing.T) {
	c, _ := newTestClient(t,
		func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"emote_set": map[string]string{"id": "set-1"},
			})
		},
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"errors":[{"message":"emote already in set"}]}`))
		},
	)

	err := c.AddEmote(context.Background(), testBroadcaster(), "emote-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emote already in set")
}

func TestClient_AddEmoteFailsWithoutEmoteSet(t *testing.T) {
	c, _ := newTestClient(t,
		func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"emote_set": nil})
		},
		func(w http.ResponseWriter, _ *http.Request) {
			t.Error("gql endpoint must not be called")
		},
	)

	err := c.AddEmote(context.Background(), testBroadcaster(), "emote-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active 7tv emote set")
}
