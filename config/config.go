package config

import (
	"log"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment
// variables. Broker credentials are not here: they arrive per operator
// through the connect endpoint.
type Config struct {
	// Serving
	APIAddr     string
	MetricsAddr string
	UserID      string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	OrderLogPath  string

	// Notifications
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	// Risk & simulation
	RiskMaxLots          int64
	RiskMaxOpenPositions int
	RiskMaxDailyLoss     float64
	PaperSlippageBps     int64

	// Logging
	LogLevel string // debug|info|warn|error
}

// Load reads configuration from environment variables with sensible
// defaults. Redis and the notification channels stay disabled when
// their variables are unset.
func Load() *Config {
	return &Config{
		APIAddr:     getEnv("API_ADDR", ":8000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		UserID:      getEnv("USER_ID", "local"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		OrderLogPath:  getEnv("ORDER_LOG_PATH", "data/orders.db"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		RiskMaxLots:          int64(getEnvInt("RISK_MAX_LOTS", 10)),
		RiskMaxOpenPositions: getEnvInt("RISK_MAX_OPEN_POSITIONS", 2),
		RiskMaxDailyLoss:     getEnvFloat("RISK_MAX_DAILY_LOSS", 0),
		PaperSlippageBps:     int64(getEnvInt("PAPER_SLIPPAGE_BPS", 5)),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid number for %s: %q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid integer for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
