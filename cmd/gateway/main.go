package main

import (
	"context"
	"os/signal"
	"syscall"

	"TeamChat/global"
	"TeamChat/logger"
	"TeamChat/service/chat"
	"TeamChat/service/storage"
)

func main() {
	cfg, err := global.Load(global.NewViper())
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	global.ConfigIds(cfg)
	if err := global.ConfigRedis(cfg); err != nil {
		logger.Fatalf("redis: %v", err)
	}
	nats, err := global.ConfigNats(cfg, "gateway-"+cfg.NodeID)
	if err != nil {
		logger.Fatalf("nats: %v", err)
	}
	defer func() { _ = nats.Close() }()

	sessions := storage.NewSessionRegistry(storage.SessionConfig{
		NodeID:      cfg.NodeID,
		TTL:         cfg.SessionTTL,
		MaxSessions: cfg.MaxSessions,
	})

	srv, err := chat.NewServer(
		chat.ServerConfig{NodeID: cfg.NodeID, Addr: cfg.WSAddr},
		sessions,
		global.NewVerifier(cfg),
		chat.NewHTTPPipeline(cfg.WorkerURL),
		nats,
	)
	if err != nil {
		logger.Fatalf("server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("gateway: %v", err)
	}
}
