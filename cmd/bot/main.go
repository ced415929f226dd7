package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pscheid92/rewardpulse/internal/config"
	"github.com/pscheid92/rewardpulse/internal/database"
	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/pscheid92/rewardpulse/internal/identity"
	"github.com/pscheid92/rewardpulse/internal/platform/logging"
	"github.com/pscheid92/rewardpulse/internal/rewards"
	"github.com/pscheid92/rewardpulse/internal/seventv"
	"github.com/pscheid92/rewardpulse/internal/twitch"
	goredis "github.com/redis/go-redis/v9"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not initialized yet
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config) *goredis.Client {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse redis URL", "error", err)
		os.Exit(1)
	}

	client := goredis.NewClient(opts)
	client.AddHook(seventv.NewCircuitBreakerHook())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func startMetricsServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server error", "error", err)
		}
	}()
	return srv
}

// logSpeaker stands in for a TTS playback service, which runs outside this
// process. Redemptions still fulfil; the text is only logged here.
type logSpeaker struct{}

func (logSpeaker) Speak(ctx context.Context, broadcaster domain.Identity, text string) error {
	slog.InfoContext(ctx, "TTS message", "broadcaster", broadcaster.Username, "text", text)
	return nil
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	identityRepo := database.NewIdentityRepo(pool)
	rewardRepo := database.NewRewardRepo(pool)

	refresher := identity.NewTokenRefresher(cfg.TwitchClientID, cfg.TwitchClientSecret)
	identities := identity.NewStore(identityRepo, refresher, clock)

	helixClient, err := twitch.NewHelixClient(cfg.TwitchClientID, cfg.TwitchClientSecret)
	if err != nil {
		slog.Error("Failed to create Helix client", "error", err)
		os.Exit(1)
	}

	chatPool := twitch.NewChatPool(identities)
	sender := twitch.NewSender(chatPool)
	eventSocket := twitch.NewEventSocket(helixClient, identities, cfg.EventSubURL, clock)

	emoteCache := seventv.NewCache(redisClient)
	emoteClient := seventv.NewClient(cfg.SevenTVToken, emoteCache)

	handlers := map[domain.RewardType]rewards.Handler{
		domain.RewardSevenTVEmote: rewards.NewSevenTVEmoteHandler(emoteClient, emoteCache),
		domain.RewardTextToSpeech: rewards.NewTextToSpeechHandler(logSpeaker{}),
	}

	engine := rewards.NewEngine(rewardRepo, identities, helixClient, eventSocket, sender, handlers, clock,
		rewards.Options{SyncInterval: cfg.SyncInterval, ProcessInterval: cfg.ProcessInterval})

	metricsSrv := startMetricsServer(cfg.MetricsPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGHUP triggers an ad-hoc full sync
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			slog.Info("SIGHUP received, requesting full sync")
			engine.RequestSync()
		}
	}()

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigterm
		slog.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	slog.Info("Reward engine starting",
		"sync_interval", cfg.SyncInterval, "process_interval", cfg.ProcessInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Engine stopped with error", "error", err)
	}

	eventSocket.Close()
	chatPool.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
