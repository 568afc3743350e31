package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"TeamChat/global"
	"TeamChat/logger"
	"TeamChat/module/chat/api"
	"TeamChat/module/chat/ingest"
	chatmsg "TeamChat/module/chat/message"
	"TeamChat/module/chat/outbox"
	"TeamChat/module/chat/seq"
	msgsync "TeamChat/module/chat/sync"
	"TeamChat/module/user"
	ka "TeamChat/service/kafka"
	"TeamChat/service/mgo"
	"TeamChat/service/natsx"
	"TeamChat/service/storage"
	redisSrv "TeamChat/service/storage/redis"
	"TeamChat/tools/safe"

	"github.com/Shopify/sarama"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := global.ConfigMgo(ctx, cfg); err != nil {
		logger.Fatalf("mongo: %v", err)
	}
	defer func() { _ = mgo.Close(context.Background()) }()

	if err := global.ConfigKafka(cfg); err != nil {
		logger.Fatalf("kafka: %v", err)
	}
	defer ka.CloseKafka()

	nats, err := global.ConfigNats(cfg, "msgworker")
	if err != nil {
		logger.Fatalf("nats: %v", err)
	}
	defer func() { _ = nats.Close() }()

	store := chatmsg.NewStore(mgo.GetDB())
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Fatalf("indexes: %v", err)
	}

	// Membership/profile data is owned by an external service; the
	// static directory stands in until its client is configured.
	directory := user.NewStaticDirectory()

	sessions := storage.NewSessionRegistry(storage.SessionConfig{
		NodeID: "msgworker",
		TTL:    cfg.SessionTTL,
	})
	cursors := storage.NewCursorCache()
	alloc := &seq.Allocator{Rdb: redisSrv.GetRedis(), DAO: &seq.DAO{Store: store}}

	tasks := outbox.NewKafkaTaskQueue()
	ingestSvc := ingest.NewService(store, alloc, tasks, cursors)
	syncSvc := msgsync.NewService(store, cursors, directory, directory)

	delivery := outbox.NewNatsDelivery(nats)
	processor := outbox.NewProcessor(store, directory, sessions, delivery)
	relay := outbox.NewRelay(directory, sessions, delivery)

	// Dead-letter stream must exist before the first terminal failure;
	// one worker per cluster drains it into the log.
	if err := natsx.RegisterDeadLetterRoute(nats); err != nil {
		logger.Fatalf("nats route: %v", err)
	}
	if err := nats.Subscribe(natsx.BizDeadLetter, outbox.DeadLetterSink()); err != nil {
		logger.Fatalf("nats subscribe: %v", err)
	}

	topics := outbox.RegisterTaskHandlers(processor)
	if ka.Cfg.AutoCreateTopicsOnStart {
		admin, err := sarama.NewClusterAdminFromClient(ka.KafkaClient)
		if err != nil {
			logger.Fatalf("kafka admin: %v", err)
		}
		if err := ka.EnsureTopics(admin, topics); err != nil {
			logger.Fatalf("kafka topics: %v", err)
		}
	}
	safe.Go(func() {
		if err := ka.StartConsumerGroup(ctx, cfg.KafkaBrokers, cfg.KafkaGroupID, topics); err != nil {
			logger.Errorf("[worker] consumer group stopped: %v", err)
		}
	})

	safe.Go(func() { rescanLoop(ctx, processor, tasks, cfg.RescanInterval, cfg.StaleAfter) })

	apiSrv := &api.Server{
		Addr:     cfg.APIAddr,
		Ingest:   ingestSvc,
		Sync:     syncSvc,
		Relay:    relay,
		Store:    store,
		Verifier: global.NewVerifier(cfg),
	}
	if err := apiSrv.Run(ctx); err != nil {
		logger.Fatalf("api: %v", err)
	}
}

func rescanLoop(ctx context.Context, p *outbox.Processor, q outbox.Enqueuer, interval, staleAfter time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.RescanStale(ctx, q, staleAfter); err != nil {
				logger.Warnf("[worker] rescan failed: %v", err)
			}
		}
	}
}
