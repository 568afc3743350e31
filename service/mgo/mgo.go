package mgo

import (
	"context"
	"sync"
	"time"

	"TeamChat/logger"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Config represents the MongoDB configuration.
type Config struct {
	Uri         string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize uint64
	MaxRetry    int
}

func (c *Config) norm() {
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 100
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	if c.AuthSource == "" {
		c.AuthSource = "admin"
	}
}

type Manager struct {
	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

var globalMgr Manager

// Init connects with bounded retry and backoff; blocks until connected
// or the retry budget is spent.
func Init(ctx context.Context, cfg *Config) error {
	cfg.norm()
	if cfg.Uri == "" {
		return errors.New("mongo uri is required")
	}

	opts := options.Client().ApplyURI(cfg.Uri)
	opts.SetMaxPoolSize(cfg.MaxPoolSize)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}

	var lastErr error
	backoff := 200 * time.Millisecond
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err := connect(ctx, opts)
		if err == nil {
			globalMgr.mu.Lock()
			globalMgr.client = cli
			globalMgr.db = cli.Database(cfg.Database)
			globalMgr.mu.Unlock()
			return nil
		}
		lastErr = err
		logger.Warnf("[mgo] connect attempt %d failed: %v", i+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
	return errors.Wrap(lastErr, "failed to connect to MongoDB")
}

func connect(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return cli, nil
}

func GetDB() *mongo.Database {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	if globalMgr.db == nil {
		panic("mongo not initialized, call mgo.Init first")
	}
	return globalMgr.db
}

func Client() *mongo.Client {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	return globalMgr.client
}

// WithTransaction runs fn inside a causally-consistent multi-document
// transaction (majority read/write concern). Requires a replica set.
func WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	cli := Client()
	if cli == nil {
		return errors.New("mongo not initialized")
	}
	sess, err := cli.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Majority()).
		SetWriteConcern(writeconcern.Majority())
	_, err = sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	}, txOpts)
	return err
}

func Close(ctx context.Context) error {
	globalMgr.mu.Lock()
	defer globalMgr.mu.Unlock()
	if globalMgr.client == nil {
		return nil
	}
	err := globalMgr.client.Disconnect(ctx)
	globalMgr.client = nil
	globalMgr.db = nil
	return err
}
