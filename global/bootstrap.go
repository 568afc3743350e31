package global

import (
	"context"
	"time"

	"TeamChat/middleware/security"
	ka "TeamChat/service/kafka"
	mgoSrv "TeamChat/service/mgo"
	"TeamChat/service/natsx"
	redis "TeamChat/service/storage/redis"
	ids "TeamChat/tools/ids"
)

func ConfigIds(cfg *AppConfig) {
	ids.SetNodeID(cfg.SnowflakeNode)
}

func ConfigRedis(cfg *AppConfig) error {
	return redis.InitRedis(redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func ConfigMgo(ctx context.Context, cfg *AppConfig) error {
	return mgoSrv.Init(ctx, &mgoSrv.Config{
		Uri:         cfg.MongoURI,
		Database:    cfg.MongoDatabase,
		Username:    cfg.MongoUser,
		Password:    cfg.MongoPassword,
		MaxPoolSize: cfg.MongoPoolSize,
		MaxRetry:    3,
	})
}

func ConfigKafka(cfg *AppConfig) error {
	ka.Cfg.Brokers = cfg.KafkaBrokers
	ka.Cfg.GroupID = cfg.KafkaGroupID
	if err := ka.InitKafkaClient(); err != nil {
		return err
	}
	return ka.InitSyncProducerFromClient()
}

func ConfigNats(cfg *AppConfig, name string) (*natsx.NatsManager, error) {
	// Consumer-side dedup: PublishOnce replays and reconnect double
	// deliveries are dropped by message id.
	idem := natsx.NatsxIdemMiddleware(natsx.NewMemIdem(10*time.Minute), 10*time.Minute)
	return natsx.NewNatsManager(natsx.NatsxConfig{
		Servers:  cfg.NatsServers,
		Name:     name,
		Username: cfg.NatsUsername,
		Password: cfg.NatsPassword,
	}, idem)
}

func NewVerifier(cfg *AppConfig) security.TokenVerifier {
	return security.NewJWTVerifier(security.Options{
		Secret: []byte(cfg.JwtSecret),
		Alg:    cfg.JwtAlg,
	})
}
