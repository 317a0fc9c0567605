package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskhive/realtime-gateway/internal/api"
	"github.com/taskhive/realtime-gateway/internal/bus"
	"github.com/taskhive/realtime-gateway/internal/config"
	"github.com/taskhive/realtime-gateway/internal/server"
	"github.com/taskhive/realtime-gateway/internal/stats"
	"github.com/taskhive/realtime-gateway/internal/store"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	redisURL       string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&redisURL, "redis-url", "redis://localhost:6379/0", "redis connection URL")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[realtime] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, redisURL, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	coordStore, err := store.NewRedisStore(cfg.RedisURL, cfg.PresenceTTL, cfg.MembershipTTL)
	if err != nil {
		logger.Fatal("store open:", err)
	}
	defer func() {
		if err := coordStore.Close(); err != nil {
			logger.Println("store close:", err)
		}
	}()

	eventBus, err := bus.NewRedisBus(cfg.RedisURL)
	if err != nil {
		logger.Fatal("bus open:", err)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Println("bus close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	gateway, err := server.NewGatewayServer(logger, coordStore, statsUpdater, cfg.TypingTimeout)
	if err != nil {
		logger.Fatal("new gateway server:", err)
	}

	bridge := server.NewFanoutBridge(logger, eventBus, gateway)
	if err := bridge.Run(context.Background()); err != nil {
		logger.Fatal("fanout bridge:", err)
	}

	srv := api.NewGatewayApp(mux, logger, gateway, coordStore, eventBus, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("stopping fanout bridge...")
	if err := bridge.Stop(); err != nil {
		logger.Println("fanout bridge stop:", err)
	}

	logger.Println("shutting down gateway...")
	if err := gateway.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("gateway shutdown:", err)
	}

	logger.Println("shutdown complete")
}
