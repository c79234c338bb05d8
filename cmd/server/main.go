package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"optiontrader/config"
	"optiontrader/internal/api"
	"optiontrader/internal/logger"
	"optiontrader/internal/metrics"
	"optiontrader/internal/notification"
	"optiontrader/internal/orderlog"
	"optiontrader/internal/risk"
	"optiontrader/internal/session"
	redisstore "optiontrader/internal/store/redis"
)

func main() {
	cfg := config.Load()
	log := logger.Init("optiontrader", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "api_addr", cfg.APIAddr, "metrics_addr", cfg.MetricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Order audit log (SQLite) ----
	if dir := filepath.Dir(cfg.OrderLogPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("order log directory", "err", err)
			os.Exit(1)
		}
	}
	olog, err := orderlog.Open(cfg.OrderLogPath, log)
	if err != nil {
		log.Error("order log open failed", "err", err)
		os.Exit(1)
	}
	defer olog.Close()

	// ---- Redis (optional): activity streams plus the WS relay ----
	var (
		pub *redisstore.Publisher
		rdb *goredis.Client
	)
	if cfg.RedisAddr != "" {
		pub, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			log.Warn("redis unavailable, streaming disabled", "err", err)
			pub = nil
		} else {
			defer pub.Close()
			rdb = goredis.NewClient(&goredis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer rdb.Close()
		}
	}

	// ---- Notifications ----
	notifiers := notification.Fanout{&notification.LogNotifier{Log: log}}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Info("telegram notifications enabled")
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
		log.Info("webhook notifications enabled")
	}

	// ---- Metrics & health ----
	met := metrics.New()
	health := metrics.NewHealthStatus()
	health.StartLivenessChecker(ctx, rdb, olog.DB(), 15*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, log)
	metricsSrv.Start()

	// ---- Session manager & API ----
	mgr := session.NewManager(log, met)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				health.SetActiveSessions(mgr.ActiveCount())
			}
		}
	}()

	hub := api.NewHub(rdb, log)
	go hub.Run(ctx)

	guard := risk.NewGuard(risk.Limits{
		MaxLots:          cfg.RiskMaxLots,
		MaxOpenPositions: cfg.RiskMaxOpenPositions,
		MaxDailyLoss:     cfg.RiskMaxDailyLoss,
	})

	srv := api.NewServer(api.Config{
		Addr:             cfg.APIAddr,
		UserID:           cfg.UserID,
		PaperSlippageBps: cfg.PaperSlippageBps,
	}, mgr, hub, session.Deps{
		OrderLog:  olog,
		Notifier:  notifiers,
		Publisher: pub,
		Metrics:   met,
		Risk:      guard,
		Log:       log,
	}, log)
	srv.Start()

	// ---- Wait for shutdown signal ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	cancel()
	mgr.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	log.Info("shutdown complete")
}
