package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mindwanders1993/GhostChatApp/internal/destruction"
	"github.com/mindwanders1993/GhostChatApp/internal/fanout"
	"github.com/mindwanders1993/GhostChatApp/internal/httpapi"
	"github.com/mindwanders1993/GhostChatApp/internal/pow"
	"github.com/mindwanders1993/GhostChatApp/internal/registry"
	"github.com/mindwanders1993/GhostChatApp/internal/store"
	"github.com/mindwanders1993/GhostChatApp/internal/ws"
)

func main() {
	// --- WebSocket server ---
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	controlAddr := ":8081"
	if v := os.Getenv("CONTROL_ADDR"); v != "" {
		controlAddr = v
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	st, err := store.New(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- Proof of work ---
	powDifficulty := pow.DefaultDifficulty
	if v := os.Getenv("POW_DIFFICULTY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			powDifficulty = n
		}
	}
	powEnforce := false
	if v := os.Getenv("POW_ENFORCE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			powEnforce = b
		}
	}
	gate := pow.NewGate(st.Client(), powDifficulty)

	// --- Registry ---
	regConfig := registry.DefaultConfig()
	regConfig.EnforcePow = powEnforce
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			regConfig.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			regConfig.HistoryLimit = n
		}
	}
	reg := registry.New(st, gate, regConfig)

	// --- Destruction engine ---
	cleanupInterval := destruction.DefaultInterval
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cleanupInterval = d
		}
	}
	engine := destruction.New(st, cleanupInterval)

	// --- NATS fanout (optional, for multi-node deployments) ---
	var natsClient *fanout.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := fanout.DefaultConfig()
		natsConfig.URL = natsURL
		natsClient, err = fanout.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		reg.SetPublisher(natsClient)
		if err := natsClient.SubscribeRooms(reg.DeliverRemote); err != nil {
			log.Fatalf("failed to subscribe to room fanout: %v", err)
		}
	}

	log.Printf("GhostChat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  control_addr:    %s", controlAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  pow_difficulty:  %d (enforce=%v)", gate.Difficulty(), powEnforce)
	log.Printf("  cleanup_every:   %s", cleanupInterval)
	if natsClient != nil {
		log.Printf("  fanout_node:     %s", natsClient.NodeID())
	}

	server := ws.NewServer(config, reg)

	// Background loops: destruction cycles, expired challenge sweeps, and
	// periodic stats pushed to every connected ghost.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	go engine.Run(bgCtx)
	go gate.StartSweep(bgCtx, time.Minute)
	go reg.StartStatsBroadcast(bgCtx, 30*time.Second)

	// Control plane on its own listener.
	api := httpapi.New(st, gate, engine, reg)
	controlServer := &http.Server{Addr: controlAddr, Handler: api.Handler()}
	go func() {
		log.Printf("api: control plane listening on %s", controlAddr)
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control plane error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		bgCancel()
		if natsClient != nil {
			natsClient.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := controlServer.Shutdown(ctx); err != nil {
			log.Printf("control plane shutdown error: %v", err)
		}
		cancel()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
