// Package twitch integrates with Twitch: the Helix API wrapper, the shared
// IRC chat connection pool, and the EventSub websocket transport.
package twitch
