package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/altheroes/labelerbot/internal/atproto"
	"github.com/altheroes/labelerbot/internal/config"
	"github.com/altheroes/labelerbot/internal/httpapi"
	"github.com/altheroes/labelerbot/internal/labelerbot"
	"github.com/altheroes/labelerbot/internal/store"
)

func main() {
	configPath := flag.String("config", envOrDefault("LABELERBOT_CONFIG", "labelerbot.json"), "config file path")
	adminAddr := flag.String("admin-addr", strings.TrimSpace(os.Getenv("LABELERBOT_ADMIN_ADDR")), "admin listen address override")
	watchConfig := flag.Bool("watch-config", boolEnv("LABELERBOT_WATCH_CONFIG", true), "hot-reload tier thresholds on config change")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if strings.TrimSpace(*adminAddr) != "" {
		cfg.AdminListenAddr = strings.TrimSpace(*adminAddr)
	}
	thresholds, err := cfg.ThresholdPolicy()
	if err != nil {
		log.Fatalf("invalid threshold policy: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.Default()

	db, err := store.NewPostgresStore(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer db.Close()

	repoClient := atproto.NewClient(atproto.ClientOptions{
		Host:       cfg.PDSHost,
		Identifier: cfg.ServiceDID,
		Password:   cfg.AppPassword,
		UserAgent:  "labelerbot",
	})
	modClient := atproto.NewClient(atproto.ClientOptions{
		Host:       cfg.ModerationHost,
		Identifier: cfg.ServiceDID,
		Password:   cfg.AppPassword,
		ProxyDID:   cfg.ServiceDID,
		UserAgent:  "labelerbot",
	})

	notifier := labelerbot.NewAchievementNotifier(labelerbot.AchievementNotifierOptions{
		Creator:      repoClient,
		Store:        db,
		ServiceDID:   cfg.ServiceDID,
		DedupeWindow: cfg.NotifyDedupeWindow.Std(),
		Logger:       logger,
	})
	labels := labelerbot.NewLabelService(labelerbot.LabelServiceOptions{
		Store:           db,
		Labeler:         labelerbot.NewOzoneLabeler(modClient, logger),
		Notifier:        notifier,
		RetentionWindow: cfg.RetentionWindow.Std(),
		Thresholds:      thresholds,
		Logger:          logger,
	})
	backfiller := labelerbot.NewBackfiller(labelerbot.BackfillerOptions{
		Client:           repoClient,
		Store:            db,
		Labels:           labels,
		RetentionWindow:  cfg.RetentionWindow.Std(),
		RateLimitBackoff: cfg.RateLimitBackoff.Std(),
		Logger:           logger,
	})

	session := atproto.NewSession(atproto.SessionOptions{
		URL:           cfg.JetstreamURL,
		Collections:   []string{atproto.CollectionPosts, atproto.CollectionLikes},
		RetryInterval: cfg.ReconnectInterval.Std(),
		MaxRetries:    cfg.ReconnectMaxRetries,
		Logger:        logger,
		OnFatal: func(err error) {
			// A silently offline labeler is worse than a dead one; crash and
			// let the supervisor restart the process.
			log.Printf("jetstream connection lost for good: %v", err)
			os.Exit(1)
		},
	})

	engine, err := labelerbot.NewEngine(labelerbot.EngineOptions{
		Store:          db,
		Labels:         labels,
		Backfiller:     backfiller,
		ServiceDID:     cfg.ServiceDID,
		HandlerTimeout: cfg.HandlerTimeout.Std(),
		ConnState:      func() string { return session.State().String() },
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	if err := engine.Start(rootCtx); err != nil {
		log.Fatalf("failed to load subscribers: %v", err)
	}

	if *watchConfig {
		err := config.Watch(rootCtx, *configPath, logger, func(next config.Config) {
			policy, err := next.ThresholdPolicy()
			if err != nil {
				log.Printf("reloaded config has invalid thresholds: %v", err)
				return
			}
			labels.SetThresholds(policy)
		})
		if err != nil {
			log.Printf("config watch disabled: %v", err)
		}
	}

	if err := session.Open(rootCtx, func(event atproto.Event) {
		engine.HandleEvent(rootCtx, event)
	}); err != nil {
		log.Fatalf("failed to open jetstream session: %v", err)
	}
	defer session.Close()

	adminServer := &http.Server{
		Addr:    cfg.AdminListenAddr,
		Handler: httpapi.NewServer(engine, httpapi.ServerConfig{Token: cfg.AdminToken}),
	}
	go func() {
		log.Printf("admin api listening on %s", cfg.AdminListenAddr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("admin api stopped: %v", err)
		}
	}()

	// Catch up on anything missed while offline, then the live session
	// carries the rest.
	if err := engine.BackfillAll(rootCtx); err != nil {
		log.Printf("startup backfill interrupted: %v", err)
	}

	log.Printf("listening for updates")
	<-rootCtx.Done()
	log.Printf("shutting down: %v", rootCtx.Err())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}
