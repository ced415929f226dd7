package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRunsTotal tracks reward catalog sync passes by outcome.
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_sync_runs_total",
			Help: "Reward catalog sync passes by status (ok/error)",
		},
		[]string{"status"},
	)

	// RedemptionsProcessed tracks terminated redemptions by reward type and
	// final status.
	RedemptionsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redemptions_processed_total",
			Help: "Redemptions terminated by reward type and status (fulfilled/canceled)",
		},
		[]string{"reward_type", "status"},
	)

	// EventSocketReconnects tracks EventSub socket redials by reason.
	EventSocketReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_socket_reconnects_total",
			Help: "EventSub websocket redials by reason (server/error/resubscribe)",
		},
		[]string{"reason"},
	)

	// EventSocketSessions tracks currently open EventSub sessions.
	EventSocketSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventsub_sessions_current",
			Help: "Currently open EventSub websocket sessions",
		},
	)

	// NotificationsReceived tracks decoded EventSub notifications by type.
	NotificationsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_notifications_received_total",
			Help: "Decoded EventSub notifications by subscription type",
		},
		[]string{"type"},
	)

	// ChatConnections tracks live IRC connections in the pool.
	ChatConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_connections_current",
			Help: "Live IRC connections held by the chat connection pool",
		},
	)

	// TokenRefreshes tracks OAuth token refreshes by outcome.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refreshes_total",
			Help: "OAuth token refreshes by status (ok/error/revoked)",
		},
		[]string{"status"},
	)

	// CircuitBreakerState tracks the redis circuit breaker state
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
