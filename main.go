package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/signagehq/voicerelay/internal/cache"
	"github.com/signagehq/voicerelay/internal/config"
	"github.com/signagehq/voicerelay/internal/gatekeeper"
	internalhttp "github.com/signagehq/voicerelay/internal/http"
	"github.com/signagehq/voicerelay/internal/hub"
	"github.com/signagehq/voicerelay/internal/identity"
	"github.com/signagehq/voicerelay/internal/logger"
	"github.com/signagehq/voicerelay/internal/metrics"
	"github.com/signagehq/voicerelay/internal/policy"
	"github.com/signagehq/voicerelay/internal/relay"
	"github.com/signagehq/voicerelay/internal/store"
	"github.com/signagehq/voicerelay/internal/tenant"
	"github.com/signagehq/voicerelay/internal/upstream"
	"github.com/signagehq/voicerelay/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat == "json")

	log.Info("Starting voice relay", logrus.Fields{
		"ws_port":      cfg.WSPort,
		"http_port":    cfg.HTTPPort,
		"voice_path":   cfg.VoicePath,
		"tenant_store": cfg.TenantStore,
		"prompt_cache": cfg.PromptCache,
		"model":        cfg.GeminiModel,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Tenant store and prompt cache
	tenantStore, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open tenant store", logrus.Fields{"error": err.Error()})
	}
	defer tenantStore.Close()

	promptCache, err := cache.New(cache.Kind(cfg.PromptCache),
		cache.WithTTL(cfg.PromptCacheTTL),
		cache.WithRedisURL(cfg.RedisURL),
	)
	if err != nil {
		log.Fatal("Failed to create prompt cache", logrus.Fields{"error": err.Error()})
	}
	if promptCache != nil {
		defer promptCache.Close()
	}

	builder := tenant.NewBuilder(tenantStore, promptCache, log)

	// Gatekeeper collaborators
	verifier, err := identity.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		log.Fatal("Failed to create token verifier", logrus.Fields{"error": err.Error()})
	}
	accessPolicy, err := policy.NewEngineFromFile(ctx, cfg.AccessPolicyFile)
	if err != nil {
		log.Fatal("Failed to load access policy", logrus.Fields{"error": err.Error()})
	}
	gate := gatekeeper.New(cfg.VoicePath, verifier, accessPolicy, log, m)

	// Upstream provider. Without a key every session is refused after the
	// handshake.
	var provider upstream.Provider
	if cfg.UpstreamConfigured() {
		gemini, err := upstream.NewGeminiProvider(ctx, cfg.GeminiAPIKey, log)
		if err != nil {
			log.Fatal("Failed to create Gemini provider", logrus.Fields{"error": err.Error()})
		}
		provider = gemini
	} else {
		log.Warn("GEMINI_API_KEY is not set, voice sessions will be refused")
	}

	// Initialize hub
	connectionHub := hub.NewHub(log)
	go connectionHub.Run(ctx)

	voiceRelay := relay.New(relay.Config{
		Model:          cfg.GeminiModel,
		Voice:          cfg.GeminiVoice,
		AudioMIME:      cfg.AudioInputMIME,
		ConnectTimeout: cfg.ConnectTimeout,
	}, provider, builder, log, m)

	wsServer := ws.NewServer(cfg, connectionHub, voiceRelay, log, m)

	// Create WebSocket Echo server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Pre(gate.Middleware())
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsEcho.GET(cfg.VoicePath, wsServer.HandleWebSocket)

	// Initialize internal HTTP server
	httpServer := internalhttp.NewServer(connectionHub, promptCache, registry, log)

	// Start WebSocket server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start WebSocket server", logrus.Fields{"error": err.Error()})
		}
	}()

	// Start internal HTTP server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", logrus.Fields{"error": err.Error()})
		}
	}()

	log.Info("Voice relay started", logrus.Fields{"ws_port": cfg.WSPort, "http_port": cfg.HTTPPort})

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down voice relay...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connectionHub.CloseAll(websocket.CloseGoingAway, "server shutting down")

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown WebSocket server gracefully", logrus.Fields{"error": err.Error()})
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown HTTP server gracefully", logrus.Fields{"error": err.Error()})
	}
	stop()

	log.Info("Voice relay stopped")
}
