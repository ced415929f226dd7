package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type TokenRefreshError struct {
	Revoked bool
	Err     error
}

func (e *TokenRefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token revoked: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// TokenRefresher exchanges a refresh token for a fresh access token via the
// Twitch OAuth refresh grant.
type TokenRefresher struct {
	clientID     string
	clientSecret string
	oauthURL     string // OAuth token endpoint URL (configurable for testing)
}

func NewTokenRefresher(clientID, clientSecret string) *TokenRefresher {
	return &TokenRefresher{
		clientID:     clientID,
		clientSecret: clientSecret,
		oauthURL:     "https://id.twitch.tv/oauth2/token",
	}
}

func (tr *TokenRefresher) refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresIn int, err error) {
	data := url.Values{}
	data.Set("client_id", tr.clientID)
	data.Set("client_secret", tr.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, "POST", tr.oauthURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", "", 0, &TokenRefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", 0, &TokenRefreshError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", 0, &TokenRefreshError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		// 400/401 from the refresh grant means the user revoked access
		revoked := resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized
		return "", "", 0, &TokenRefreshError{
			Revoked: revoked,
			Err:     fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return "", "", 0, &TokenRefreshError{Err: err}
	}

	return result.AccessToken, result.RefreshToken, result.ExpiresIn, nil
}
