package global

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "TEAMCHAT"

// AppConfig is the full runtime configuration, shared by the gateway
// and the worker binaries.
type AppConfig struct {
	NodeID    string
	WSAddr    string
	APIAddr   string
	WorkerURL string

	JwtSecret string
	JwtAlg    string

	SnowflakeNode int64

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI      string
	MongoDatabase string
	MongoUser     string
	MongoPassword string
	MongoPoolSize uint64

	KafkaBrokers []string
	KafkaGroupID string

	NatsServers  []string
	NatsUsername string
	NatsPassword string

	SessionTTL     time.Duration
	MaxSessions    int
	StaleAfter     time.Duration
	RescanInterval time.Duration
}

// NewViper returns a viper instance with env bindings and defaults.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node.id", "gw-1")
	v.SetDefault("ws.addr", "0.0.0.0:8081")
	v.SetDefault("api.addr", "0.0.0.0:8082")
	v.SetDefault("worker.url", "http://127.0.0.1:8082")
	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("snowflake.node", 100)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "teamchat")
	v.SetDefault("mongo.pool_size", 20)
	v.SetDefault("kafka.brokers", "127.0.0.1:9092")
	v.SetDefault("kafka.group_id", "im-outbox-workers")
	v.SetDefault("nats.servers", "nats://127.0.0.1:4222")
	v.SetDefault("session.ttl", "90s")
	v.SetDefault("session.max_per_user", 5)
	v.SetDefault("outbox.stale_after", "2m")
	v.SetDefault("outbox.rescan_interval", "1m")
	return v
}

// Load parses and validates runtime configuration.
func Load(v *viper.Viper) (*AppConfig, error) {
	cfg := &AppConfig{
		NodeID:        v.GetString("node.id"),
		WSAddr:        v.GetString("ws.addr"),
		APIAddr:       v.GetString("api.addr"),
		WorkerURL:     v.GetString("worker.url"),
		JwtSecret:     v.GetString("jwt.secret"),
		JwtAlg:        v.GetString("jwt.alg"),
		SnowflakeNode: v.GetInt64("snowflake.node"),
		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),
		MongoURI:      v.GetString("mongo.uri"),
		MongoDatabase: v.GetString("mongo.database"),
		MongoUser:     v.GetString("mongo.user"),
		MongoPassword: v.GetString("mongo.password"),
		MongoPoolSize: v.GetUint64("mongo.pool_size"),
		KafkaBrokers:  strings.Split(v.GetString("kafka.brokers"), ","),
		KafkaGroupID:  v.GetString("kafka.group_id"),
		NatsServers:   strings.Split(v.GetString("nats.servers"), ","),
		NatsUsername:  v.GetString("nats.username"),
		NatsPassword:  v.GetString("nats.password"),
		SessionTTL:    v.GetDuration("session.ttl"),
		MaxSessions:   v.GetInt("session.max_per_user"),
		StaleAfter:    v.GetDuration("outbox.stale_after"),
		RescanInterval: v.GetDuration("outbox.rescan_interval"),
	}
	if cfg.JwtSecret == "" {
		return nil, errors.New("jwt.secret is required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("node.id is required")
	}
	return cfg, nil
}
