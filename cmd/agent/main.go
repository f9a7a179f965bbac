package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go_rex/internal/agent"
	"go_rex/internal/agentclient"
	"go_rex/internal/cache"
	"go_rex/internal/logging"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	logger, err := logging.New(getEnv("LOG_LEVEL", "info"), getEnv("LOG_FORMAT", "text"))
	if err != nil {
		logrus.Fatalf("Failed to create logger: %v", err)
	}
	log := logrus.NewEntry(logger).WithField("service", "agent")

	hostname, _ := os.Hostname()
	host := getEnv("AGENT_HOST", hostname)
	serverURL := getEnv("REX_SERVER_URL", "http://localhost:8080")
	pollSec := getEnvInt("AGENT_POLL_INTERVAL_SEC", 10)
	workDir := getEnv("AGENT_WORK_DIR", "/var/lib/rex-agent")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if getEnv("REDIS_ENABLED", "0") == "1" {
		rdb, err = cache.NewRedis(ctx, cache.Options{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		}, log)
		if err != nil {
			log.WithError(err).Warn("Broker unavailable, relying on polling only")
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	runner := agent.NewRunner(agent.Config{
		Host:         host,
		WorkDir:      workDir,
		PollInterval: time.Duration(pollSec) * time.Second,
		Server: agentclient.New(agentclient.Config{
			BaseURL:    serverURL,
			AgentToken: getEnv("AGENT_TOKEN", ""),
		}),
		Redis:  rdb,
		Logger: log,
	})

	log.WithFields(logrus.Fields{
		"host":   host,
		"server": serverURL,
	}).Info("Agent starting")
	runner.Start()

	<-ctx.Done()
	runner.Stop()
	log.Info("Agent stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
