package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/aidanna/internal/models"
	"github.com/wuwenbin0122/aidanna/internal/utils"
)

type ConversationStore interface {
	CreateConversation(ctx context.Context, owner, mode, title string) (models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	AppendTurn(ctx context.Context, conversationID, role, content string, audio []byte) (models.Message, error)
	ListConversations(ctx context.Context, owner string, limit int) ([]models.Conversation, error)
	LoadTurns(ctx context.Context, conversationID string) ([]models.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

type UsageStore interface {
	IncrementUsage(ctx context.Context, owner string, day time.Time) (int, error)
	IncrementUsageIfBelow(ctx context.Context, owner string, day time.Time, limit int) (int, bool, error)
	UsageFor(ctx context.Context, owner string, day time.Time) (int, error)
	ResetUsage(ctx context.Context, owner string, day time.Time) error
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (models.UserProfile, error)
	UpsertSubscription(ctx context.Context, id string, sub models.Subscription) (models.UserProfile, error)
	ApplyPayment(ctx context.Context, id, reference string, next func(current models.UserProfile) models.Subscription) (models.UserProfile, bool, error)
}

var (
	_ ConversationStore = (*Postgres)(nil)
	_ ConversationStore = (*Mongo)(nil)
	_ ConversationStore = (*Memory)(nil)
	_ UsageStore        = (*Postgres)(nil)
	_ UsageStore        = (*Redis)(nil)
	_ UsageStore        = (*Memory)(nil)
	_ ProfileStore      = (*Postgres)(nil)
	_ ProfileStore      = (*Memory)(nil)
)

// Stores is the backend selected for each storage concern.
type Stores struct {
	Conversations ConversationStore
	Usage         UsageStore
	Profiles      ProfileStore

	Postgres *Postgres
	Mongo    *Mongo
	Redis    *Redis
	Memory   *Memory
}

// Open connects only the backends cfg.Storage selects and prepares their schema.
func Open(ctx context.Context, cfg *utils.Config, logger *zap.SugaredLogger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	stores := &Stores{}
	fail := func(err error) (*Stores, error) {
		stores.Close(context.Background())
		return nil, err
	}

	if cfg.Storage.UsesDriver(utils.DriverPostgres) {
		postgres, err := NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fail(err)
		}
		stores.Postgres = postgres

		if err := postgres.Ping(ctx); err != nil {
			return fail(fmt.Errorf("postgres: ping: %w", err))
		}
		if err := postgres.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		logger.Infow("postgres ready", "max_conns", cfg.Postgres.MaxConns)
	}

	if cfg.Storage.UsesDriver(utils.DriverMongo) {
		mongoStore, err := NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return fail(err)
		}
		stores.Mongo = mongoStore

		if err := mongoStore.EnsureCollections(ctx); err != nil {
			return fail(err)
		}
		logger.Infow("mongo ready", "database", cfg.Mongo.Database)
	}

	if cfg.Storage.UsesDriver(utils.DriverRedis) {
		redisStore, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fail(err)
		}
		stores.Redis = redisStore
		logger.Infow("redis ready", "addr", cfg.Redis.Addr)
	}

	if cfg.Storage.UsesDriver(utils.DriverMemory) {
		stores.Memory = NewMemory()
		logger.Warnw("in-memory storage selected; data is lost on restart", "storage", cfg.Storage)
	}

	switch cfg.Storage.Conversations {
	case utils.DriverPostgres:
		stores.Conversations = stores.Postgres
	case utils.DriverMongo:
		stores.Conversations = stores.Mongo
	case utils.DriverMemory:
		stores.Conversations = stores.Memory
	}

	switch cfg.Storage.Usage {
	case utils.DriverPostgres:
		stores.Usage = stores.Postgres
	case utils.DriverRedis:
		stores.Usage = stores.Redis
	case utils.DriverMemory:
		stores.Usage = stores.Memory
	}

	switch cfg.Storage.Profiles {
	case utils.DriverPostgres:
		stores.Profiles = stores.Postgres
	case utils.DriverMemory:
		stores.Profiles = stores.Memory
	}

	if stores.Conversations == nil || stores.Usage == nil || stores.Profiles == nil {
		return fail(fmt.Errorf("db: unsupported storage selection %+v", cfg.Storage))
	}

	return stores, nil
}

func (s *Stores) Close(ctx context.Context) {
	if s.Postgres != nil {
		s.Postgres.Close()
	}
	if s.Mongo != nil {
		_ = s.Mongo.Close(ctx)
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}
